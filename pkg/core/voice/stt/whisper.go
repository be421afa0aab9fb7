package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	defaultWhisperBaseURL = "https://api.openai.com/v1"
	defaultWhisperModel   = "whisper-1"
	maxWhisperErrorBody   = 4 << 10
)

// WhisperProvider transcribes through an OpenAI-compatible
// /audio/transcriptions endpoint using the verbose_json response format.
type WhisperProvider struct {
	apiKey     string
	baseURL    string
	model      string
	filename   string
	httpClient *http.Client
}

type WhisperOptions struct {
	BaseURL    string
	Model      string
	Filename   string // multipart file name; its extension is the format hint servers use
	HTTPClient *http.Client
}

// NewWhisper creates a Whisper engine.
func NewWhisper(apiKey string, opts WhisperOptions) *WhisperProvider {
	w := &WhisperProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		filename:   opts.Filename,
		httpClient: opts.HTTPClient,
	}
	if w.baseURL == "" {
		w.baseURL = defaultWhisperBaseURL
	}
	if w.model == "" {
		w.model = defaultWhisperModel
	}
	if w.filename == "" {
		w.filename = "audio.webm"
	}
	if w.httpClient == nil {
		w.httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return w
}

func (w *WhisperProvider) Name() string { return "whisper" }

type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// Transcribe uploads the whole recording and yields the returned segments.
// The request happens on the first pull.
func (w *WhisperProvider) Transcribe(ctx context.Context, audio Audio) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		resp, err := w.transcribe(ctx, audio)
		if err != nil {
			yield(Segment{}, err)
			return
		}
		for _, seg := range convertWhisperResponse(resp) {
			if err := ctx.Err(); err != nil {
				yield(Segment{}, err)
				return
			}
			if !yield(seg, nil) {
				return
			}
		}
	}
}

func (w *WhisperProvider) transcribe(ctx context.Context, audio Audio) (*whisperResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	filename := w.filename
	if audio.Format != "" {
		filename = "audio." + audio.Format
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(audio.Data); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}
	if err := mw.WriteField("model", w.model); err != nil {
		return nil, fmt.Errorf("write model field: %w", err)
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, fmt.Errorf("write response_format field: %w", err)
	}
	if audio.Language != "" {
		if err := mw.WriteField("language", audio.Language); err != nil {
			return nil, fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxWhisperErrorBody))
		return nil, fmt.Errorf("whisper error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode whisper response: %w", err)
	}
	return &out, nil
}

// convertWhisperResponse maps second-based segments to millisecond segments,
// dropping empty text. A response without segments becomes a single segment.
func convertWhisperResponse(resp *whisperResponse) []Segment {
	out := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		out = append(out, Segment{Text: text, StartMs: s.Start * 1000, EndMs: s.End * 1000})
	}
	if len(out) == 0 {
		if text := strings.TrimSpace(resp.Text); text != "" {
			out = append(out, Segment{Text: text, StartMs: 0, EndMs: resp.Duration * 1000})
		}
	}
	return out
}

package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"
)

const (
	defaultGeminiModel     = "gemini-2.5-flash"
	defaultGeminiMaxTokens = 512

	companionInstruction = "You are a warm, supportive voice companion. The user just spoke; " +
		"you receive their transcript. Reply in two or three short spoken sentences: " +
		"acknowledge what they said and suggest one small, concrete self-care step. " +
		"No lists, no markdown."
)

type generateStreamFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// GeminiProvider streams replies from the Gemini API.
type GeminiProvider struct {
	stream generateStreamFunc
	model  string
}

// GeminiOption configures a GeminiProvider.
type GeminiOption func(*GeminiProvider)

// WithGeminiModel sets the model ID.
func WithGeminiModel(model string) GeminiOption {
	return func(g *GeminiProvider) {
		if model != "" {
			g.model = model
		}
	}
}

// NewGemini creates a Gemini engine with the given API key.
func NewGemini(ctx context.Context, apiKey string, opts ...GeminiOption) (*GeminiProvider, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	g := &GeminiProvider{stream: gc.Models.GenerateContentStream, model: defaultGeminiModel}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

func (g *GeminiProvider) Name() string { return "gemini" }

// Respond streams the model's reply. A transcript with no speech gets
// FallbackReply without calling the API.
func (g *GeminiProvider) Respond(ctx context.Context, transcript string) iter.Seq2[string, error] {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return NewSimulated().Respond(ctx, "")
	}

	temp := float32(0.7)
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: defaultGeminiMaxTokens,
		Temperature:     &temp,
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: companionInstruction}},
		},
	}
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: transcript}},
	}}
	return textDeltas(g.stream(ctx, g.model, contents, config))
}

// textDeltas flattens streamed responses into their non-thought text parts.
func textDeltas(responses iter.Seq2[*genai.GenerateContentResponse, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for resp, err := range responses {
			if err != nil {
				yield("", fmt.Errorf("gemini: %w", err))
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part == nil || part.Thought || part.Text == "" {
					continue
				}
				if !yield(part.Text, nil) {
					return
				}
			}
		}
	}
}

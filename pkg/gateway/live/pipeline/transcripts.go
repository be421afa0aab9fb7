package pipeline

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/vango-go/voicegw/pkg/core"
	"github.com/vango-go/voicegw/pkg/core/voice/stt"
	"github.com/vango-go/voicegw/pkg/gateway/live/manager"
	"github.com/vango-go/voicegw/pkg/gateway/live/store"
)

// Transcripts produces transcript segments for a session's buffered audio.
type Transcripts struct {
	Manager  *manager.Manager
	Engine   stt.Transcriber
	Pace     time.Duration
	Format   string
	Language string
}

// Stream yields normalized segments in time order. Each segment is appended to
// the session before it is yielded; a pacing delay follows every yield.
func (p Transcripts) Stream(ctx context.Context, sessionID string) iter.Seq2[store.TranscriptSegment, error] {
	return func(yield func(store.TranscriptSegment, error) bool) {
		s, err := p.Manager.Get(sessionID)
		if err != nil {
			yield(store.TranscriptSegment{}, err)
			return
		}

		lastEnd := 0.0
		if n := len(s.Segments); n > 0 {
			lastEnd = s.Segments[n-1].EndMs
		}
		audio := stt.Audio{Data: s.AudioBuffer, Format: p.Format, Language: p.Language}
		for raw, err := range p.Engine.Transcribe(ctx, audio) {
			if err != nil {
				yield(store.TranscriptSegment{}, producerError(ctx, "transcription", err))
				return
			}
			seg, ok := normalize(raw, lastEnd)
			if !ok {
				continue
			}
			if err := p.Manager.AddSegment(sessionID, seg); err != nil {
				yield(store.TranscriptSegment{}, err)
				return
			}
			lastEnd = seg.EndMs
			if !yield(seg, nil) {
				return
			}
			if err := pace(ctx, p.Pace); err != nil {
				yield(store.TranscriptSegment{}, err)
				return
			}
		}
	}
}

// normalize trims text and shifts the segment so it starts no earlier than
// lastEnd and has a positive duration.
func normalize(raw stt.Segment, lastEnd float64) (store.TranscriptSegment, bool) {
	text := strings.TrimSpace(raw.Text)
	if text == "" {
		return store.TranscriptSegment{}, false
	}
	start, end := max(raw.StartMs, 0), raw.EndMs
	if start < lastEnd {
		end += lastEnd - start
		start = lastEnd
	}
	if end <= start {
		end = start + 1
	}
	return store.TranscriptSegment{Text: text, StartMs: start, EndMs: end}, true
}

// producerError keeps context errors recognizable and wraps engine failures.
func producerError(ctx context.Context, engine string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if core.TypeOf(err) != "" {
		return err
	}
	return core.NewProviderError(engine, err)
}

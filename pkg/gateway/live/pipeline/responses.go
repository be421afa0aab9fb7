package pipeline

import (
	"context"
	"iter"
	"time"

	"github.com/vango-go/voicegw/pkg/core/voice/llm"
	"github.com/vango-go/voicegw/pkg/gateway/live/manager"
)

// Responses produces the assistant reply for a session's transcript.
type Responses struct {
	Manager *manager.Manager
	Engine  llm.Responder
	Pace    time.Duration
}

// Stream moves the session to Responding, then yields reply fragments whose
// concatenation is the full reply. A pacing delay follows every yield.
// Completing the session is left to the caller.
func (p Responses) Stream(ctx context.Context, sessionID string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := p.Manager.MarkResponding(sessionID); err != nil {
			yield("", err)
			return
		}
		transcript, err := p.Manager.Transcript(sessionID)
		if err != nil {
			yield("", err)
			return
		}

		for delta, err := range p.Engine.Respond(ctx, transcript) {
			if err != nil {
				yield("", producerError(ctx, "response generation", err))
				return
			}
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
			if err := pace(ctx, p.Pace); err != nil {
				yield("", err)
				return
			}
		}
	}
}

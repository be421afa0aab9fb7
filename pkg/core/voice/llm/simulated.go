package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

// Simulated echoes the transcript back inside a fixed supportive template.
type Simulated struct{}

func NewSimulated() Simulated { return Simulated{} }

func (Simulated) Name() string { return "simulated" }

// Reply returns the full reply Respond streams for transcript.
func (Simulated) Reply(transcript string) string {
	full := strings.TrimSpace(transcript)
	if full == "" {
		return FallbackReply
	}
	return fmt.Sprintf("Thanks for sharing. I heard: '%s'. One small step—take a deep breath and unclench your shoulders.", full)
}

func (s Simulated) Respond(ctx context.Context, transcript string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, tok := range Tokenize(s.Reply(transcript)) {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(tok, nil) {
				return
			}
		}
	}
}

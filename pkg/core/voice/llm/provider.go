// Package llm provides response engines that turn a transcript into an
// incrementally streamed assistant reply.
package llm

import (
	"context"
	"iter"
	"strings"
)

// Responder is the interface for reply engines. Concatenating every yielded
// delta in order reproduces the complete reply exactly.
type Responder interface {
	Name() string
	Respond(ctx context.Context, transcript string) iter.Seq2[string, error]
}

// FallbackReply is used when the transcript holds no speech.
const FallbackReply = "I didn't catch much, but I'm here to help. How are you feeling right now?"

// Tokenize splits text on spaces, keeping each separator attached to the
// token before it, so strings.Join(Tokenize(s), "") == s.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	return strings.SplitAfter(text, " ")
}

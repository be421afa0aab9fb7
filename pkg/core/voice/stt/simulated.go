package stt

import (
	"context"
	"iter"
)

const (
	simulatedBytesPerRepeat = 4000
	simulatedMaxRepeats     = 30
	simulatedMaxWords       = 40
	simulatedWordMs         = 250
)

var simulatedWords = []string{"this", "is", "a", "simulated", "transcript", "for", "your", "voice", "session"}

// Simulated produces a deterministic transcript whose length scales with the
// amount of audio: clamp(len/4000, 1, 30) repetitions of a fixed sentence,
// capped at 40 words, one 250 ms segment per word.
type Simulated struct{}

func NewSimulated() Simulated { return Simulated{} }

func (Simulated) Name() string { return "simulated" }

func (Simulated) Transcribe(ctx context.Context, audio Audio) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		repeats := len(audio.Data) / simulatedBytesPerRepeat
		repeats = max(1, min(repeats, simulatedMaxRepeats))
		total := min(repeats*len(simulatedWords), simulatedMaxWords)

		for i := 0; i < total; i++ {
			if err := ctx.Err(); err != nil {
				yield(Segment{}, err)
				return
			}
			seg := Segment{
				Text:    simulatedWords[i%len(simulatedWords)],
				StartMs: float64(i * simulatedWordMs),
				EndMs:   float64((i + 1) * simulatedWordMs),
			}
			if !yield(seg, nil) {
				return
			}
		}
	}
}

// Package events publishes session lifecycle notifications for downstream consumers.
package events

import (
	"context"
	"time"
)

type Type string

const (
	TypeSessionStarted   Type = "session.started"
	TypeAudioClosed      Type = "session.audio_closed"
	TypeSessionCompleted Type = "session.completed"
	TypeSessionEnded     Type = "session.ended"
)

// Event describes a session lifecycle step. It never carries audio or transcript text.
type Event struct {
	Type       Type      `json:"type"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"`
	State      string    `json:"state"`
	AudioBytes int       `json:"audio_bytes"`
	Segments   int       `json:"segments"`
	At         time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Package store owns conversation sessions: their data model, the state machine
// that governs them, and the concurrency-safe in-memory store.
package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TranscriptSegment is a piece of recognized speech with its time range in milliseconds.
type TranscriptSegment struct {
	Text    string  `json:"text"`
	StartMs float64 `json:"startMs"`
	EndMs   float64 `json:"endMs"`
}

// Session is one conversation. Values handed out by a Store are snapshots;
// mutate through Store.Update.
type Session struct {
	ID           string
	UserID       string
	State        State
	AudioBuffer  []byte
	LastSequence int
	AudioClosed  bool
	Segments     []TranscriptSegment
	CreatedAt    time.Time
	UpdatedAt    time.Time
	EndedAt      time.Time
}

// SessionSummary is the derived, read-only view of a session.
type SessionSummary struct {
	SessionID    string   `json:"sessionId"`
	Transcript   string   `json:"transcript"`
	Themes       []string `json:"themes"`
	MicroActions []string `json:"microActions"`
}

// NewSession returns a session in its initial state.
func NewSession(id, userID string, now time.Time) *Session {
	return &Session{
		ID:           id,
		UserID:       userID,
		State:        StateCreated,
		LastSequence: -1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewSessionID returns a fresh 32-character hex id.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Transcript joins segment texts with single spaces.
func (s *Session) Transcript() string {
	parts := make([]string, 0, len(s.Segments))
	for _, seg := range s.Segments {
		parts = append(parts, seg.Text)
	}
	return strings.Join(parts, " ")
}

// Clone returns a snapshot safe to hand to another goroutine. The audio buffer is
// append-only, so the snapshot shares its backing array capped at the current length.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	n := len(s.AudioBuffer)
	out.AudioBuffer = s.AudioBuffer[:n:n]
	if s.Segments != nil {
		out.Segments = append([]TranscriptSegment(nil), s.Segments...)
	}
	return &out
}

// workingCopy is like Clone but keeps spare buffer capacity so appends inside
// Update avoid reallocating. Bytes past the stored length are never visible to readers.
func (s *Session) workingCopy() *Session {
	out := *s
	if s.Segments != nil {
		out.Segments = append([]TranscriptSegment(nil), s.Segments...)
	}
	return &out
}

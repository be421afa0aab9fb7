// Package manager applies conversation operations to stored sessions: it owns
// the audio ingestion rules and drives the session state machine.
package manager

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/vango-go/voicegw/pkg/core"
	"github.com/vango-go/voicegw/pkg/gateway/archive"
	"github.com/vango-go/voicegw/pkg/gateway/events"
	"github.com/vango-go/voicegw/pkg/gateway/live/store"
)

const (
	DefaultMaxAudioBufferBytes = 3 * 1024 * 1024
	DefaultMaxAudioChunkBytes  = 256 * 1024
	maxSessionIDLength         = 128
	sideEffectTimeout          = 5 * time.Second
)

type Options struct {
	Store   store.Store
	Archive archive.Archive
	Events  events.Publisher
	Logger  *slog.Logger
	Now     func() time.Time

	MaxAudioBufferBytes int
	MaxAudioChunkBytes  int
}

type Manager struct {
	store   store.Store
	archive archive.Archive
	events  events.Publisher
	log     *slog.Logger
	now     func() time.Time

	maxBuffer int
	maxChunk  int
}

func New(opts Options) *Manager {
	m := &Manager{
		store:     opts.Store,
		archive:   opts.Archive,
		events:    opts.Events,
		log:       opts.Logger,
		now:       opts.Now,
		maxBuffer: opts.MaxAudioBufferBytes,
		maxChunk:  opts.MaxAudioChunkBytes,
	}
	if m.store == nil {
		m.store = store.NewMemoryStore()
	}
	if m.archive == nil {
		m.archive = archive.Nop{}
	}
	if m.events == nil {
		m.events = events.Nop{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.maxBuffer <= 0 {
		m.maxBuffer = DefaultMaxAudioBufferBytes
	}
	if m.maxChunk <= 0 || m.maxChunk > m.maxBuffer {
		m.maxChunk = min(DefaultMaxAudioChunkBytes, m.maxBuffer)
	}
	return m
}

// Store exposes the underlying session store.
func (m *Manager) Store() store.Store { return m.store }

// Start creates a session, or attaches to an existing one owned by userID.
// An empty requestedID generates a fresh id. Attaching never resets state.
func (m *Manager) Start(ctx context.Context, userID, requestedID string) (*store.Session, error) {
	if len(requestedID) > maxSessionIDLength {
		return nil, core.NewInvalidRequestErrorWithParam(
			fmt.Sprintf("sessionId must be at most %d characters", maxSessionIDLength), "sessionId")
	}
	s, created, err := m.store.Create(requestedID, userID, m.now())
	if err != nil {
		return nil, err
	}
	if created {
		m.log.Info("session created", slog.String("session_id", s.ID))
		m.publish(ctx, events.TypeSessionStarted, s)
		return s, nil
	}
	if err := checkOwner(s, userID); err != nil {
		return nil, err
	}
	if s.State == store.StateEnded {
		return nil, core.NewIllegalTransitionError(string(s.State), "session.start")
	}
	m.log.Info("session attached", slog.String("session_id", s.ID), slog.String("state", string(s.State)))
	return s, nil
}

// AudioAck describes one accepted audio chunk.
type AudioAck struct {
	Sequence int
	Bytes    int // decoded length appended
	Buffered int
}

// AppendAudio decodes and appends one chunk.
// Checks run in order: existence, owner, closed, sequence, decode, size.
// A rejected chunk leaves the session unchanged.
func (m *Manager) AppendAudio(ctx context.Context, userID, sessionID string, sequence int, payload string) (AudioAck, error) {
	var chunkLen int
	s, err := m.store.Update(sessionID, func(s *store.Session) error {
		if err := checkOwner(s, userID); err != nil {
			return err
		}
		if s.AudioClosed {
			return core.NewAudioClosedError()
		}
		if expected := s.LastSequence + 1; sequence != expected {
			return core.NewSequenceError(sequence, expected)
		}
		chunk, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return core.NewDecodeError("base64Data is not valid base64", "base64Data")
		}
		if len(chunk) > m.maxChunk {
			return core.NewCapacityExceededError(fmt.Sprintf("audio chunk of %d bytes exceeds %d byte limit", len(chunk), m.maxChunk))
		}
		if len(s.AudioBuffer)+len(chunk) > m.maxBuffer {
			return core.NewCapacityExceededError("audio buffer limit exceeded")
		}
		if err := s.Apply(store.EventAudioChunk); err != nil {
			return err
		}
		s.AudioBuffer = append(s.AudioBuffer, chunk...)
		s.LastSequence = sequence
		s.UpdatedAt = m.now()
		chunkLen = len(chunk)
		return nil
	})
	if err != nil {
		return AudioAck{}, err
	}

	m.log.Debug("audio chunk accepted",
		slog.String("session_id", sessionID),
		slog.Int("sequence", sequence),
		slog.Int("bytes", chunkLen),
		slog.Int("buffered", len(s.AudioBuffer)),
	)
	return AudioAck{Sequence: s.LastSequence, Bytes: chunkLen, Buffered: len(s.AudioBuffer)}, nil
}

// CompleteAudio closes the audio stream and moves the session to Processing.
func (m *Manager) CompleteAudio(ctx context.Context, userID, sessionID string) (*store.Session, error) {
	s, err := m.store.Update(sessionID, func(s *store.Session) error {
		if err := checkOwner(s, userID); err != nil {
			return err
		}
		if s.AudioClosed {
			return core.NewAudioClosedError()
		}
		if err := s.Apply(store.EventAudioEnd); err != nil {
			return err
		}
		s.AudioClosed = true
		s.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("audio closed", slog.String("session_id", sessionID), slog.Int("bytes", len(s.AudioBuffer)))
	m.publish(ctx, events.TypeAudioClosed, s)
	return s, nil
}

// AddSegment appends a transcript segment.
func (m *Manager) AddSegment(sessionID string, seg store.TranscriptSegment) error {
	_, err := m.store.Update(sessionID, func(s *store.Session) error {
		if s.State == store.StateEnded {
			return core.NewIllegalTransitionError(string(s.State), "transcript")
		}
		s.Segments = append(s.Segments, seg)
		s.UpdatedAt = m.now()
		return nil
	})
	return err
}

// MarkResponding moves a Processing session to Responding.
func (m *Manager) MarkResponding(sessionID string) error {
	return m.transition(sessionID, store.EventRespond)
}

// MarkCompleted moves a Responding session to Completed and archives its summary.
func (m *Manager) MarkCompleted(ctx context.Context, sessionID string) error {
	s, err := m.store.Update(sessionID, func(s *store.Session) error {
		if err := s.Apply(store.EventComplete); err != nil {
			return err
		}
		s.UpdatedAt = m.now()
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("session completed", slog.String("session_id", sessionID), slog.Int("segments", len(s.Segments)))
	m.archiveSession(ctx, s)
	m.publish(ctx, events.TypeSessionCompleted, s)
	return nil
}

// End terminates the session from any state. Ending an Ended session is a no-op.
// Audio is closed as part of ending.
func (m *Manager) End(ctx context.Context, userID, sessionID string) (*store.Session, error) {
	alreadyEnded := false
	s, err := m.store.Update(sessionID, func(s *store.Session) error {
		if err := checkOwner(s, userID); err != nil {
			return err
		}
		alreadyEnded = s.State == store.StateEnded
		if err := s.Apply(store.EventEnd); err != nil {
			return err
		}
		if !alreadyEnded {
			now := m.now()
			s.AudioClosed = true
			s.EndedAt = now
			s.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if alreadyEnded {
		return s, nil
	}
	m.log.Info("session ended", slog.String("session_id", sessionID))
	m.archiveSession(ctx, s)
	m.publish(ctx, events.TypeSessionEnded, s)
	return s, nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(sessionID string) (*store.Session, error) {
	return m.store.Get(sessionID)
}

// Transcript returns the space-joined transcript text.
func (m *Manager) Transcript(sessionID string) (string, error) {
	s, err := m.store.Get(sessionID)
	if err != nil {
		return "", err
	}
	return s.Transcript(), nil
}

// Summary returns the summary for sessionID, falling back to the archive for
// sessions no longer held in memory. When userID is non-empty, sessions owned by
// someone else are reported as not found.
func (m *Manager) Summary(ctx context.Context, userID, sessionID string) (store.SessionSummary, error) {
	s, err := m.store.Get(sessionID)
	if err == nil {
		if userID != "" && s.UserID != userID {
			return store.SessionSummary{}, core.NewSessionNotFoundError(sessionID)
		}
		return store.Summarize(s), nil
	}
	if !core.IsType(err, core.ErrNotFound) {
		return store.SessionSummary{}, err
	}
	rec, err := m.archive.Summary(ctx, sessionID)
	if err != nil {
		return store.SessionSummary{}, err
	}
	if userID != "" && rec.UserID != userID {
		return store.SessionSummary{}, core.NewSessionNotFoundError(sessionID)
	}
	return rec.Summary, nil
}

func (m *Manager) transition(sessionID string, ev store.Event) error {
	_, err := m.store.Update(sessionID, func(s *store.Session) error {
		if err := s.Apply(ev); err != nil {
			return err
		}
		s.UpdatedAt = m.now()
		return nil
	})
	return err
}

func checkOwner(s *store.Session, userID string) error {
	if userID != "" && s.UserID != "" && s.UserID != userID {
		return core.NewConflictError("session belongs to another user")
	}
	return nil
}

// archiveSession and publish run on a context detached from the caller's
// cancellation so a closing connection still records its final state.
func (m *Manager) archiveSession(ctx context.Context, s *store.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := m.archive.SaveSummary(ctx, archive.RecordFromSession(s, m.now())); err != nil {
		m.log.Warn("archive summary failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}
}

func (m *Manager) publish(ctx context.Context, t events.Type, s *store.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	ev := events.Event{
		Type:       t,
		SessionID:  s.ID,
		UserID:     s.UserID,
		State:      string(s.State),
		AudioBytes: len(s.AudioBuffer),
		Segments:   len(s.Segments),
		At:         m.now(),
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.log.Warn("publish event failed", slog.String("session_id", s.ID), slog.String("type", string(t)), slog.String("error", err.Error()))
	}
}

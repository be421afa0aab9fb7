package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/voicegw/pkg/core"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestCreate_GeneratesHexID(t *testing.T) {
	m := NewMemoryStore()
	s, created, err := m.Create("", "alice", t0)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if !created {
		t.Fatalf("created=false for fresh session")
	}
	if len(s.ID) != 32 {
		t.Fatalf("id=%q, want 32 hex chars", s.ID)
	}
	if s.State != StateCreated || s.LastSequence != -1 || s.AudioClosed {
		t.Fatalf("initial session = %+v", s)
	}
}

func TestCreate_ExistingReturnsSnapshot(t *testing.T) {
	m := NewMemoryStore()
	if _, _, err := m.Create("s1", "alice", t0); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := m.Update("s1", func(s *Session) error { s.LastSequence = 4; return nil }); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	s, created, err := m.Create("s1", "bob", t0)
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if created {
		t.Fatalf("created=true for existing id")
	}
	if s.UserID != "alice" || s.LastSequence != 4 {
		t.Fatalf("existing session overwritten: %+v", s)
	}
}

func TestGet_NotFound(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.Get("missing")
	if !core.IsType(err, core.ErrNotFound) {
		t.Fatalf("err=%v, want not_found", err)
	}
	if _, err := m.Summarize("missing"); !core.IsType(err, core.ErrNotFound) {
		t.Fatalf("Summarize err=%v, want not_found", err)
	}
}

func TestUpdate_FailureLeavesSessionUnchanged(t *testing.T) {
	m := NewMemoryStore()
	m.Create("s1", "alice", t0)
	if _, err := m.Update("s1", func(s *Session) error {
		s.AudioBuffer = append(s.AudioBuffer, 1, 2, 3)
		s.LastSequence = 0
		return nil
	}); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	boom := errors.New("boom")
	_, err := m.Update("s1", func(s *Session) error {
		s.AudioBuffer = append(s.AudioBuffer, 9, 9)
		s.LastSequence = 1
		s.State = StateEnded
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}

	got, _ := m.Get("s1")
	if len(got.AudioBuffer) != 3 || got.LastSequence != 0 || got.State != StateCreated {
		t.Fatalf("partial write leaked: len=%d last=%d state=%s", len(got.AudioBuffer), got.LastSequence, got.State)
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	m := NewMemoryStore()
	m.Create("s1", "alice", t0)
	m.Update("s1", func(s *Session) error {
		s.Segments = append(s.Segments, TranscriptSegment{Text: "hi", StartMs: 0, EndMs: 250})
		s.AudioBuffer = append(s.AudioBuffer, 1, 2)
		return nil
	})

	snap, _ := m.Get("s1")
	snap.Segments[0].Text = "mutated"
	snap.AudioBuffer = append(snap.AudioBuffer, 7)

	m.Update("s1", func(s *Session) error {
		s.AudioBuffer = append(s.AudioBuffer, 3)
		return nil
	})

	got, _ := m.Get("s1")
	if got.Segments[0].Text != "hi" {
		t.Fatalf("segment text=%q, snapshot mutation leaked", got.Segments[0].Text)
	}
	if string(got.AudioBuffer) != string([]byte{1, 2, 3}) {
		t.Fatalf("buffer=%v", got.AudioBuffer)
	}
	if string(snap.AudioBuffer) != string([]byte{1, 2, 7}) {
		t.Fatalf("snapshot buffer=%v", snap.AudioBuffer)
	}
}

func TestSave_Upsert(t *testing.T) {
	m := NewMemoryStore()
	s := NewSession("s1", "alice", t0)
	if err := m.Save(s); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	s.State = StateRecording
	if err := m.Save(s); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := m.Save(s); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	got, _ := m.Get("s1")
	if got.State != StateRecording {
		t.Fatalf("state=%s", got.State)
	}
	if m.Len() != 1 {
		t.Fatalf("Len=%d, want 1", m.Len())
	}
	if err := m.Save(&Session{}); !core.IsType(err, core.ErrInvalidRequest) {
		t.Fatalf("Save(empty id) err=%v", err)
	}
}

func TestUpdate_LinearizedPerSession(t *testing.T) {
	m := NewMemoryStore()
	m.Create("s1", "alice", t0)

	const workers = 16
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m.Update("s1", func(s *Session) error {
					s.LastSequence++
					s.AudioBuffer = append(s.AudioBuffer, byte(s.LastSequence))
					return nil
				})
			}
		}()
	}
	wg.Wait()

	got, _ := m.Get("s1")
	want := workers*perWorker - 1
	if got.LastSequence != want || len(got.AudioBuffer) != workers*perWorker {
		t.Fatalf("last=%d len=%d, want last=%d", got.LastSequence, len(got.AudioBuffer), want)
	}
}

func TestDistinctSessionsProceedIndependently(t *testing.T) {
	m := NewMemoryStore()
	for i := 0; i < 64; i++ {
		m.Create(fmt.Sprintf("s%d", i), "u", t0)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	go m.Update("s0", func(s *Session) error {
		close(started)
		<-release
		return nil
	})
	<-started

	done := make(chan struct{})
	go func() {
		for i := 1; i < 64; i++ {
			m.Update(fmt.Sprintf("s%d", i), func(s *Session) error { s.LastSequence = 0; return nil })
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("updates to other sessions blocked behind s0")
	}
	close(release)
}

func TestSweep_EvictsEndedAfterTTL(t *testing.T) {
	m := NewMemoryStore(WithEndedTTL(time.Minute))
	m.Create("ended", "u", t0)
	m.Create("live", "u", t0)
	m.Update("ended", func(s *Session) error {
		s.State = StateEnded
		s.EndedAt = t0
		return nil
	})

	if n := m.Sweep(t0.Add(30 * time.Second)); n != 0 {
		t.Fatalf("Sweep before TTL removed %d", n)
	}
	if n := m.Sweep(t0.Add(2 * time.Minute)); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if _, err := m.Get("ended"); !core.IsType(err, core.ErrNotFound) {
		t.Fatalf("ended session still present: %v", err)
	}
	if _, err := m.Get("live"); err != nil {
		t.Fatalf("live session evicted: %v", err)
	}
}

func TestSweep_DisabledWithoutTTL(t *testing.T) {
	m := NewMemoryStore()
	m.Create("ended", "u", t0)
	m.Update("ended", func(s *Session) error { s.State = StateEnded; s.EndedAt = t0; return nil })
	if n := m.Sweep(t0.Add(24 * time.Hour)); n != 0 {
		t.Fatalf("Sweep removed %d without TTL", n)
	}
}

func TestWithIDGenerator(t *testing.T) {
	m := NewMemoryStore(WithIDGenerator(func() string { return "fixed" }))
	s, _, _ := m.Create("", "u", t0)
	if s.ID != "fixed" {
		t.Fatalf("id=%q", s.ID)
	}
}

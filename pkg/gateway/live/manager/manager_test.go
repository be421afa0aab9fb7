package manager

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/voicegw/pkg/core"
	"github.com/vango-go/voicegw/pkg/gateway/archive"
	"github.com/vango-go/voicegw/pkg/gateway/events"
	"github.com/vango-go/voicegw/pkg/gateway/live/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type memoryArchive struct {
	mu      sync.Mutex
	records map[string]archive.Record
	err     error
}

func (a *memoryArchive) SaveSummary(_ context.Context, rec archive.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.records == nil {
		a.records = make(map[string]archive.Record)
	}
	a.records[rec.Summary.SessionID] = rec
	return nil
}

func (a *memoryArchive) Summary(_ context.Context, id string) (archive.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.records[id]
	if !ok {
		return archive.Record{}, core.NewSessionNotFoundError(id)
	}
	return rec, nil
}

func (a *memoryArchive) Close() error { return nil }

type fixture struct {
	m       *Manager
	store   *store.MemoryStore
	events  *recordingPublisher
	archive *memoryArchive
}

func newFixture(t *testing.T, opts Options) fixture {
	t.Helper()
	f := fixture{
		store:   store.NewMemoryStore(),
		events:  &recordingPublisher{},
		archive: &memoryArchive{},
	}
	opts.Store = f.store
	opts.Events = f.events
	opts.Archive = f.archive
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	}
	f.m = New(opts)
	return f
}

func b64(n int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, n))
}

func mustStart(t *testing.T, m *Manager, user, id string) *store.Session {
	t.Helper()
	s, err := m.Start(context.Background(), user, id)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	return s
}

func TestAppendAudio_ContiguousSequences(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := mustStart(t, f.m, "alice", "")

	for seq := 0; seq < 5; seq++ {
		ack, err := f.m.AppendAudio(ctx, "alice", s.ID, seq, b64(10))
		if err != nil {
			t.Fatalf("AppendAudio(%d) error: %v", seq, err)
		}
		if ack.Sequence != seq || ack.Bytes != 10 || ack.Buffered != 10*(seq+1) {
			t.Fatalf("ack=%+v, want sequence %d", ack, seq)
		}
	}

	got, _ := f.m.Get(s.ID)
	if len(got.AudioBuffer) != 50 || got.LastSequence != 4 || got.State != store.StateRecording {
		t.Fatalf("len=%d last=%d state=%s", len(got.AudioBuffer), got.LastSequence, got.State)
	}
}

func TestAppendAudio_SequenceGapRejected(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := mustStart(t, f.m, "alice", "s1")
	if _, err := f.m.AppendAudio(ctx, "alice", s.ID, 0, b64(4)); err != nil {
		t.Fatalf("AppendAudio error: %v", err)
	}

	_, err := f.m.AppendAudio(ctx, "alice", s.ID, 2, b64(4))
	if !core.IsType(err, core.ErrSequence) {
		t.Fatalf("err=%v, want sequence_error", err)
	}
	if !strings.Contains(err.Error(), "expected 1") {
		t.Fatalf("err=%v", err)
	}
	got, _ := f.m.Get(s.ID)
	if len(got.AudioBuffer) != 4 || got.LastSequence != 0 {
		t.Fatalf("session changed after rejected chunk: len=%d last=%d", len(got.AudioBuffer), got.LastSequence)
	}

	if _, err := f.m.AppendAudio(ctx, "alice", s.ID, 0, b64(4)); !core.IsType(err, core.ErrSequence) {
		t.Fatalf("duplicate sequence err=%v", err)
	}
	if _, err := f.m.AppendAudio(ctx, "alice", s.ID, -1, b64(4)); !core.IsType(err, core.ErrSequence) {
		t.Fatalf("negative sequence err=%v", err)
	}
}

func TestAppendAudio_CapacityBoundary(t *testing.T) {
	f := newFixture(t, Options{MaxAudioBufferBytes: 100, MaxAudioChunkBytes: 100})
	ctx := context.Background()
	s := mustStart(t, f.m, "alice", "s1")

	if _, err := f.m.AppendAudio(ctx, "alice", s.ID, 0, b64(60)); err != nil {
		t.Fatalf("AppendAudio error: %v", err)
	}
	if _, err := f.m.AppendAudio(ctx, "alice", s.ID, 1, b64(40)); err != nil {
		t.Fatalf("exactly-at-cap chunk rejected: %v", err)
	}
	_, err := f.m.AppendAudio(ctx, "alice", s.ID, 2, b64(1))
	if !core.IsType(err, core.ErrCapacityExceeded) {
		t.Fatalf("err=%v, want capacity_exceeded", err)
	}
	got, _ := f.m.Get(s.ID)
	if len(got.AudioBuffer) != 100 || got.LastSequence != 1 {
		t.Fatalf("len=%d last=%d", len(got.AudioBuffer), got.LastSequence)
	}
}

func TestAppendAudio_DefaultCapIsThreeMiB(t *testing.T) {
	f := newFixture(t, Options{MaxAudioChunkBytes: 3 * 1024 * 1024})
	ctx := context.Background()
	s := mustStart(t, f.m, "alice", "s1")

	if _, err := f.m.AppendAudio(ctx, "alice", s.ID, 0, b64(3*1024*1024)); err != nil {
		t.Fatalf("3 MiB chunk rejected: %v", err)
	}
	if _, err := f.m.AppendAudio(ctx, "alice", s.ID, 1, b64(1)); !core.IsType(err, core.ErrCapacityExceeded) {
		t.Fatalf("err=%v, want capacity_exceeded", err)
	}
}

func TestAppendAudio_ChunkTooLarge(t *testing.T) {
	f := newFixture(t, Options{MaxAudioBufferBytes: 1000, MaxAudioChunkBytes: 10})
	s := mustStart(t, f.m, "alice", "s1")
	if _, err := f.m.AppendAudio(context.Background(), "alice", s.ID, 0, b64(11)); !core.IsType(err, core.ErrCapacityExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestAppendAudio_InvalidBase64(t *testing.T) {
	f := newFixture(t, Options{})
	s := mustStart(t, f.m, "alice", "s1")
	_, err := f.m.AppendAudio(context.Background(), "alice", s.ID, 0, "not base64!!")
	if !core.IsType(err, core.ErrDecode) {
		t.Fatalf("err=%v, want decode_error", err)
	}
	got, _ := f.m.Get(s.ID)
	if got.LastSequence != -1 {
		t.Fatalf("last=%d", got.LastSequence)
	}
}

func TestAppendAudio_SequenceCheckedBeforeDecode(t *testing.T) {
	f := newFixture(t, Options{})
	s := mustStart(t, f.m, "alice", "s1")
	_, err := f.m.AppendAudio(context.Background(), "alice", s.ID, 5, "not base64!!")
	if !core.IsType(err, core.ErrSequence) {
		t.Fatalf("err=%v, want sequence_error", err)
	}
}

func TestAppendAudio_NotFound(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.m.AppendAudio(context.Background(), "alice", "missing", 0, b64(1))
	if !core.IsType(err, core.ErrNotFound) {
		t.Fatalf("err=%v, want not_found", err)
	}
}

func TestAppendAudio_AfterAudioEndIsClosed(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := mustStart(t, f.m, "alice", "s1")
	f.m.AppendAudio(ctx, "alice", s.ID, 0, b64(4))

	if _, err := f.m.CompleteAudio(ctx, "alice", s.ID); err != nil {
		t.Fatalf("CompleteAudio error: %v", err)
	}
	_, err := f.m.AppendAudio(ctx, "alice", s.ID, 1, b64(4))
	if !core.IsType(err, core.ErrAudioClosed) {
		t.Fatalf("err=%v, want audio_closed", err)
	}
	got, _ := f.m.Get(s.ID)
	if len(got.AudioBuffer) != 4 || got.State != store.StateProcessing {
		t.Fatalf("len=%d state=%s", len(got.AudioBuffer), got.State)
	}
	if _, err := f.m.CompleteAudio(ctx, "alice", s.ID); !core.IsType(err, core.ErrAudioClosed) {
		t.Fatalf("second CompleteAudio err=%v", err)
	}
}

func TestAppendAudio_AfterEndIsClosed(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := mustStart(t, f.m, "alice", "s1")
	if _, err := f.m.End(ctx, "alice", s.ID); err != nil {
		t.Fatalf("End error: %v", err)
	}
	if _, err := f.m.AppendAudio(ctx, "alice", s.ID, 0, b64(4)); !core.IsType(err, core.ErrAudioClosed) {
		t.Fatalf("err=%v, want audio_closed", err)
	}
}

func TestAppendAudio_OtherOwnerConflict(t *testing.T) {
	f := newFixture(t, Options{})
	s := mustStart(t, f.m, "alice", "s1")
	if _, err := f.m.AppendAudio(context.Background(), "mallory", s.ID, 0, b64(4)); !core.IsType(err, core.ErrConflict) {
		t.Fatalf("err=%v, want conflict", err)
	}
}

func TestAppendAudio_ConcurrentSameSequenceAcceptsOne(t *testing.T) {
	f := newFixture(t, Options{})
	s := mustStart(t, f.m, "alice", "s1")

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.m.AppendAudio(context.Background(), "alice", s.ID, 0, b64(8)); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Fatalf("accepted=%d, want 1", accepted)
	}
	got, _ := f.m.Get(s.ID)
	if len(got.AudioBuffer) != 8 {
		t.Fatalf("len=%d", len(got.AudioBuffer))
	}
}

func TestStart_AttachKeepsState(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := mustStart(t, f.m, "alice", "s1")
	f.m.AppendAudio(ctx, "alice", s.ID, 0, b64(4))

	again := mustStart(t, f.m, "alice", "s1")
	if again.State != store.StateRecording || again.LastSequence != 0 {
		t.Fatalf("attach reset session: %+v", again)
	}
}

func TestStart_Rejections(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	mustStart(t, f.m, "alice", "s1")

	if _, err := f.m.Start(ctx, "bob", "s1"); !core.IsType(err, core.ErrConflict) {
		t.Fatalf("other user attach err=%v", err)
	}
	f.m.End(ctx, "alice", "s1")
	if _, err := f.m.Start(ctx, "alice", "s1"); !core.IsType(err, core.ErrIllegalTransition) {
		t.Fatalf("restart ended err=%v", err)
	}
	if _, err := f.m.Start(ctx, "alice", strings.Repeat("x", 129)); !core.IsType(err, core.ErrInvalidRequest) {
		t.Fatalf("long id err=%v", err)
	}
}

func TestLifecycle_PublishesAndArchives(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s := mustStart(t, f.m, "alice", "s1")
	f.m.AppendAudio(ctx, "alice", s.ID, 0, b64(4))
	f.m.CompleteAudio(ctx, "alice", s.ID)
	if err := f.m.AddSegment(s.ID, store.TranscriptSegment{Text: "work", StartMs: 0, EndMs: 250}); err != nil {
		t.Fatalf("AddSegment error: %v", err)
	}
	if err := f.m.MarkResponding(s.ID); err != nil {
		t.Fatalf("MarkResponding error: %v", err)
	}
	if err := f.m.MarkCompleted(ctx, s.ID); err != nil {
		t.Fatalf("MarkCompleted error: %v", err)
	}
	if _, err := f.m.End(ctx, "alice", s.ID); err != nil {
		t.Fatalf("End error: %v", err)
	}
	if _, err := f.m.End(ctx, "alice", s.ID); err != nil {
		t.Fatalf("second End error: %v", err)
	}

	want := []events.Type{events.TypeSessionStarted, events.TypeAudioClosed, events.TypeSessionCompleted, events.TypeSessionEnded}
	got := f.events.types()
	if len(got) != len(want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events=%v, want %v", got, want)
		}
	}

	rec, err := f.archive.Summary(ctx, s.ID)
	if err != nil {
		t.Fatalf("archive Summary error: %v", err)
	}
	if rec.State != "Ended" || rec.Summary.Transcript != "work" {
		t.Fatalf("rec=%+v", rec)
	}
}

func TestMarkResponding_RequiresProcessing(t *testing.T) {
	f := newFixture(t, Options{})
	s := mustStart(t, f.m, "alice", "s1")
	if err := f.m.MarkResponding(s.ID); !core.IsType(err, core.ErrIllegalTransition) {
		t.Fatalf("err=%v", err)
	}
	if err := f.m.MarkCompleted(context.Background(), s.ID); !core.IsType(err, core.ErrIllegalTransition) {
		t.Fatalf("err=%v", err)
	}
}

func TestArchiveFailureDoesNotFailEnd(t *testing.T) {
	f := newFixture(t, Options{})
	f.archive.err = errors.New("db down")
	s := mustStart(t, f.m, "alice", "s1")
	if _, err := f.m.End(context.Background(), "alice", s.ID); err != nil {
		t.Fatalf("End error: %v", err)
	}
}

func TestSummary_FallsBackToArchive(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.archive.SaveSummary(ctx, archive.Record{
		Summary: store.SessionSummary{SessionID: "old", Transcript: "archived"},
		UserID:  "alice",
	})

	sum, err := f.m.Summary(ctx, "alice", "old")
	if err != nil {
		t.Fatalf("Summary error: %v", err)
	}
	if sum.Transcript != "archived" {
		t.Fatalf("summary=%+v", sum)
	}
	if _, err := f.m.Summary(ctx, "bob", "old"); !core.IsType(err, core.ErrNotFound) {
		t.Fatalf("other user err=%v", err)
	}
	if _, err := f.m.Summary(ctx, "", "missing"); !core.IsType(err, core.ErrNotFound) {
		t.Fatalf("missing err=%v", err)
	}
}

func TestSummary_LiveSessionOwnerCheck(t *testing.T) {
	f := newFixture(t, Options{})
	mustStart(t, f.m, "alice", "s1")
	if _, err := f.m.Summary(context.Background(), "alice", "s1"); err != nil {
		t.Fatalf("owner err=%v", err)
	}
	if _, err := f.m.Summary(context.Background(), "bob", "s1"); !core.IsType(err, core.ErrNotFound) {
		t.Fatalf("other user err=%v", err)
	}
}

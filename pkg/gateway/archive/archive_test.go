package archive

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/vango-go/voicegw/pkg/core"
	"github.com/vango-go/voicegw/pkg/gateway/live/store"
)

func openTestArchive(t *testing.T) *SQLArchive {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "archive.db")
	a, err := Open(context.Background(), "sqlite", path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSQLiteArchive_SaveAndLoad(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	created := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	s := store.NewSession("s1", "alice", created)
	s.State = store.StateCompleted
	s.AudioBuffer = []byte{1, 2, 3, 4}
	s.Segments = []store.TranscriptSegment{
		{Text: "trouble", StartMs: 0, EndMs: 250},
		{Text: "sleeping", StartMs: 250, EndMs: 500},
	}

	if err := a.SaveSummary(ctx, RecordFromSession(s, created.Add(time.Minute))); err != nil {
		t.Fatalf("SaveSummary error: %v", err)
	}

	rec, err := a.Summary(ctx, "s1")
	if err != nil {
		t.Fatalf("Summary error: %v", err)
	}
	if rec.UserID != "alice" || rec.State != "Completed" || rec.SegmentCount != 2 || rec.AudioBytes != 4 {
		t.Fatalf("rec=%+v", rec)
	}
	if rec.Summary.Transcript != "trouble sleeping" {
		t.Fatalf("transcript=%q", rec.Summary.Transcript)
	}
	if !reflect.DeepEqual(rec.Summary.Themes, []string{"Sleep"}) {
		t.Fatalf("themes=%v", rec.Summary.Themes)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Fatalf("created_at=%v, want %v", rec.CreatedAt, created)
	}
}

func TestSQLiteArchive_UpsertOverwrites(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	s := store.NewSession("s1", "alice", now)
	s.State = store.StateCompleted
	if err := a.SaveSummary(ctx, RecordFromSession(s, now)); err != nil {
		t.Fatalf("SaveSummary error: %v", err)
	}
	s.State = store.StateEnded
	if err := a.SaveSummary(ctx, RecordFromSession(s, now.Add(time.Second))); err != nil {
		t.Fatalf("SaveSummary error: %v", err)
	}

	rec, err := a.Summary(ctx, "s1")
	if err != nil {
		t.Fatalf("Summary error: %v", err)
	}
	if rec.State != "Ended" {
		t.Fatalf("state=%q, want Ended", rec.State)
	}
}

func TestSQLiteArchive_NotFound(t *testing.T) {
	a := openTestArchive(t)
	if _, err := a.Summary(context.Background(), "missing"); !core.IsType(err, core.ErrNotFound) {
		t.Fatalf("err=%v, want not_found", err)
	}
}

func TestSQLiteArchive_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	ctx := context.Background()
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	a, err := Open(ctx, "sqlite", path, nil)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := a.SaveSummary(ctx, RecordFromSession(store.NewSession("s1", "u", now), now)); err != nil {
		t.Fatalf("SaveSummary error: %v", err)
	}
	a.Close()

	b, err := Open(ctx, "sqlite", path, nil)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer b.Close()
	if _, err := b.Summary(ctx, "s1"); err != nil {
		t.Fatalf("Summary after reopen: %v", err)
	}
}

func TestOpen_ConcurrentArchivesMigrateIndependently(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	const n = 4
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := Open(ctx, "sqlite", filepath.Join(dir, fmt.Sprintf("archive-%d.db", i)), nil)
			if err != nil {
				errs <- err
				return
			}
			defer a.Close()
			id := fmt.Sprintf("s%d", i)
			if err := a.SaveSummary(ctx, RecordFromSession(store.NewSession(id, "u", now), now)); err != nil {
				errs <- err
				return
			}
			if _, err := a.Summary(ctx, id); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent archive: %v", err)
	}
}

func TestMigrate_AppliesOnce(t *testing.T) {
	ctx := context.Background()
	dsn, err := sqliteDSN(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("sqliteDSN: %v", err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	first, err := migrate(ctx, db, goose.DialectSQLite3, "migrations/sqlite")
	if err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first migrate applied %d, want 1", len(first))
	}
	second, err := migrate(ctx, db, goose.DialectSQLite3, "migrations/sqlite")
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second migrate applied %d, want 0", len(second))
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x", nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRebind(t *testing.T) {
	got := rebind("postgres", "SELECT a FROM t WHERE x = ? AND y = ?")
	if got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Fatalf("rebind=%q", got)
	}
	if rebind("sqlite3", "x = ?") != "x = ?" {
		t.Fatalf("sqlite query rewritten")
	}
}

func TestNop_SummaryNotFound(t *testing.T) {
	if _, err := (Nop{}).Summary(context.Background(), "s"); !core.IsType(err, core.ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

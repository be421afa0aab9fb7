// Package archive persists session summaries beyond the lifetime of the in-memory store.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/vango-go/voicegw/pkg/core"
	"github.com/vango-go/voicegw/pkg/gateway/live/store"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Record is one archived session.
type Record struct {
	Summary      store.SessionSummary
	UserID       string
	State        string
	SegmentCount int
	AudioBytes   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RecordFromSession builds the archive record for a session snapshot.
func RecordFromSession(s *store.Session, now time.Time) Record {
	return Record{
		Summary:      store.Summarize(s),
		UserID:       s.UserID,
		State:        string(s.State),
		SegmentCount: len(s.Segments),
		AudioBytes:   len(s.AudioBuffer),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    now,
	}
}

type Archive interface {
	SaveSummary(ctx context.Context, rec Record) error
	Summary(ctx context.Context, sessionID string) (Record, error)
	Close() error
}

// SQLArchive stores records in SQLite or Postgres.
type SQLArchive struct {
	db      *sql.DB
	dialect string
	log     *slog.Logger
}

// Open connects to driver ("sqlite" or "postgres"), applies migrations and returns the archive.
func Open(ctx context.Context, driver, dsn string, log *slog.Logger) (*SQLArchive, error) {
	if log == nil {
		log = slog.Default()
	}

	var (
		sqlDriver string
		dialect   goose.Dialect
	)
	switch driver {
	case "sqlite":
		sqlDriver, dialect = "sqlite", goose.DialectSQLite3
		var err error
		if dsn, err = sqliteDSN(dsn); err != nil {
			return nil, err
		}
	case "postgres":
		sqlDriver, dialect = "pgx", goose.DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// Serialize writers; SQLite allows one at a time.
		db.SetMaxOpenConns(1)
	}

	applied, err := migrate(ctx, db, dialect, "migrations/"+driver)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Info("session archive ready", slog.String("driver", driver), slog.Int("migrations_applied", len(applied)))
	return &SQLArchive{db: db, dialect: string(dialect), log: log}, nil
}

func sqliteDSN(raw string) (string, error) {
	if strings.HasPrefix(raw, "file:") {
		return raw, nil
	}
	dir := filepath.Dir(raw)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create data dir: %w", err)
		}
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", raw), nil
}

// migrate applies the embedded migrations under dir. Each call builds its own
// provider, so archives can be opened concurrently.
func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string) ([]*goose.MigrationResult, error) {
	sub, err := fs.Sub(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		return nil, fmt.Errorf("migration provider: %w", err)
	}
	applied, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return applied, nil
}

const upsertSummary = `
INSERT INTO session_summaries
    (session_id, user_id, state, transcript, themes, micro_actions, segment_count, audio_bytes, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
    user_id = excluded.user_id,
    state = excluded.state,
    transcript = excluded.transcript,
    themes = excluded.themes,
    micro_actions = excluded.micro_actions,
    segment_count = excluded.segment_count,
    audio_bytes = excluded.audio_bytes,
    updated_at = excluded.updated_at`

const selectSummary = `
SELECT session_id, user_id, state, transcript, themes, micro_actions, segment_count, audio_bytes, created_at, updated_at
FROM session_summaries WHERE session_id = ?`

func (a *SQLArchive) SaveSummary(ctx context.Context, rec Record) error {
	themes, err := json.Marshal(nonNil(rec.Summary.Themes))
	if err != nil {
		return fmt.Errorf("encode themes: %w", err)
	}
	actions, err := json.Marshal(nonNil(rec.Summary.MicroActions))
	if err != nil {
		return fmt.Errorf("encode micro actions: %w", err)
	}
	_, err = a.db.ExecContext(ctx, rebind(a.dialect, upsertSummary),
		rec.Summary.SessionID, rec.UserID, rec.State, rec.Summary.Transcript,
		string(themes), string(actions), rec.SegmentCount, rec.AudioBytes,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save summary %s: %w", rec.Summary.SessionID, err)
	}
	return nil
}

func (a *SQLArchive) Summary(ctx context.Context, sessionID string) (Record, error) {
	var (
		rec     Record
		themes  string
		actions string
	)
	err := a.db.QueryRowContext(ctx, rebind(a.dialect, selectSummary), sessionID).Scan(
		&rec.Summary.SessionID, &rec.UserID, &rec.State, &rec.Summary.Transcript,
		&themes, &actions, &rec.SegmentCount, &rec.AudioBytes, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, core.NewSessionNotFoundError(sessionID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("load summary %s: %w", sessionID, err)
	}
	if err := json.Unmarshal([]byte(themes), &rec.Summary.Themes); err != nil {
		return Record{}, fmt.Errorf("decode themes: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &rec.Summary.MicroActions); err != nil {
		return Record{}, fmt.Errorf("decode micro actions: %w", err)
	}
	return rec, nil
}

func (a *SQLArchive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// rebind rewrites ? placeholders as $n for Postgres.
func rebind(dialect, query string) string {
	if dialect != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Nop is the archive used when no driver is configured.
type Nop struct{}

func (Nop) SaveSummary(context.Context, Record) error { return nil }
func (Nop) Summary(_ context.Context, sessionID string) (Record, error) {
	return Record{}, core.NewSessionNotFoundError(sessionID)
}
func (Nop) Close() error { return nil }

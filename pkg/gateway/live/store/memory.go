package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/vango-go/voicegw/pkg/core"
)

// Store persists sessions. Implementations must linearize Update calls per
// session id without serializing unrelated sessions.
type Store interface {
	// Create inserts a new session. An empty id generates one. If id already
	// exists the stored snapshot is returned with created=false.
	Create(id, userID string, now time.Time) (s *Session, created bool, err error)
	Get(id string) (*Session, error)
	// Save upserts a copy of s.
	Save(s *Session) error
	// Update runs fn against a working copy under the session's lock and stores
	// the result only when fn returns nil.
	Update(id string, fn func(*Session) error) (*Session, error)
	Summarize(id string) (SessionSummary, error)
}

const shardCount = 32

type entry struct {
	mu      sync.Mutex
	session *Session
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// MemoryStore is the process-local Store.
type MemoryStore struct {
	shards   [shardCount]shard
	endedTTL time.Duration
	newID    func() string
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithEndedTTL enables eviction of sessions that have been Ended for longer than ttl.
func WithEndedTTL(ttl time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.endedTTL = ttl }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(fn func() string) MemoryOption {
	return func(m *MemoryStore) {
		if fn != nil {
			m.newID = fn
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{newID: NewSessionID}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*entry)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &m.shards[h.Sum32()%shardCount]
}

func (m *MemoryStore) lookup(id string) *entry {
	sh := m.shardFor(id)
	sh.mu.RLock()
	e := sh.entries[id]
	sh.mu.RUnlock()
	return e
}

func (m *MemoryStore) Create(id, userID string, now time.Time) (*Session, bool, error) {
	if id == "" {
		id = m.newID()
	}
	sh := m.shardFor(id)
	sh.mu.Lock()
	if e, ok := sh.entries[id]; ok {
		sh.mu.Unlock()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.session.Clone(), false, nil
	}
	s := NewSession(id, userID, now)
	sh.entries[id] = &entry{session: s}
	sh.mu.Unlock()
	return s.Clone(), true, nil
}

func (m *MemoryStore) Get(id string) (*Session, error) {
	e := m.lookup(id)
	if e == nil {
		return nil, core.NewSessionNotFoundError(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone(), nil
}

func (m *MemoryStore) Save(s *Session) error {
	if s == nil || s.ID == "" {
		return core.NewInvalidRequestError("session id is required")
	}
	stored := s.Clone()
	// Detach from the caller's buffer so later caller appends cannot alias ours.
	stored.AudioBuffer = append([]byte(nil), s.AudioBuffer...)

	sh := m.shardFor(s.ID)
	sh.mu.Lock()
	e, ok := sh.entries[s.ID]
	if !ok {
		sh.entries[s.ID] = &entry{session: stored}
		sh.mu.Unlock()
		return nil
	}
	sh.mu.Unlock()

	e.mu.Lock()
	e.session = stored
	e.mu.Unlock()
	return nil
}

func (m *MemoryStore) Update(id string, fn func(*Session) error) (*Session, error) {
	e := m.lookup(id)
	if e == nil {
		return nil, core.NewSessionNotFoundError(id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	work := e.session.workingCopy()
	if err := fn(work); err != nil {
		return nil, err
	}
	e.session = work
	return work.Clone(), nil
}

func (m *MemoryStore) Summarize(id string) (SessionSummary, error) {
	s, err := m.Get(id)
	if err != nil {
		return SessionSummary{}, err
	}
	return Summarize(s), nil
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int {
	n := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Sweep evicts sessions that ended before now-ttl and returns how many were removed.
// It is a no-op when no TTL is configured.
func (m *MemoryStore) Sweep(now time.Time) int {
	if m.endedTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-m.endedTTL)
	removed := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for id, e := range sh.entries {
			e.mu.Lock()
			expired := e.session.State == StateEnded && !e.session.EndedAt.IsZero() && e.session.EndedAt.Before(cutoff)
			e.mu.Unlock()
			if expired {
				delete(sh.entries, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// RunJanitor calls Sweep every interval until ctx is done.
func (m *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration, now func() time.Time) {
	if m.endedTTL <= 0 || interval <= 0 {
		return
	}
	if now == nil {
		now = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(now())
		}
	}
}

// Package ratelimit holds per-principal budgets: REST request rate and
// concurrency, concurrent live connections, and the inbound audio budget
// granted to each live connection.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	// REST surface; 0 disables a limit.
	RPS                   float64
	Burst                 int
	MaxConcurrentRequests int

	// Live connections open at once per principal; 0 disables the cap.
	MaxConnections int

	// Inbound audio per live connection; 0 disables a dimension.
	AudioChunksPerSecond int
	AudioBytesPerSecond  int64
	AudioBurstSeconds    int

	// Bounds for the in-memory principal table (single process).
	MaxEntries int
	EntryTTL   time.Duration

	// Now is the clock for audio budgets; defaults to time.Now.
	Now func() time.Time
}

type Limiter struct {
	cfg Config

	mu         sync.Mutex
	principals map[string]*principalState
}

type principalState struct {
	mu       sync.Mutex
	requests *bucket

	reqSem  chan struct{}
	connSem chan struct{}

	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		cfg:        cfg,
		principals: make(map[string]*principalState),
	}
}

// PrincipalKeyFromAPIKey and PrincipalKeyFromIP hash identities into
// namespaced keys so raw tokens and addresses never sit in the table.
func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "k_" + hex.EncodeToString(sum[:16])
}

func PrincipalKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:16])
}

type Permit struct {
	release func()
}

// Release returns the permit's slot. Calling it again is a no-op.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// ConnectionGrant is a Decision for a live connection. Audio is the budget the
// connection must charge accepted chunks against; nil means unlimited.
type ConnectionGrant struct {
	Decision
	Audio *AudioBudget
}

// AcquireRequest admits one REST request for principal.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	ps := l.state(principal, now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		ps.mu.Lock()
		if ps.requests == nil {
			ps.requests = newBucket(l.cfg.RPS, float64(l.cfg.Burst), now)
		}
		wait := ps.requests.wait(1, now)
		if wait == 0 {
			ps.requests.take(1)
		}
		ps.mu.Unlock()
		if wait > 0 {
			return Decision{RetryAfter: retrySeconds(wait)}
		}
	}

	return acquireSlot(ps.reqSem, l.cfg.MaxConcurrentRequests)
}

// AcquireConnection admits one live connection for principal. The permit must
// be released when the connection ends.
func (l *Limiter) AcquireConnection(principal string, now time.Time) ConnectionGrant {
	ps := l.state(principal, now)
	dec := acquireSlot(ps.connSem, l.cfg.MaxConnections)
	if !dec.Allowed {
		return ConnectionGrant{Decision: dec}
	}
	return ConnectionGrant{
		Decision: dec,
		Audio:    NewAudioBudget(l.cfg.Now, l.cfg.AudioChunksPerSecond, l.cfg.AudioBytesPerSecond, l.cfg.AudioBurstSeconds),
	}
}

func acquireSlot(sem chan struct{}, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	select {
	case sem <- struct{}{}:
		return Decision{Allowed: true, Permit: &Permit{release: func() { <-sem }}}
	default:
		return Decision{RetryAfter: 1}
	}
}

func (l *Limiter) state(principal string, now time.Time) *principalState {
	if principal == "" {
		principal = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ps, ok := l.principals[principal]; ok {
		ps.lastSeen = now
		return ps
	}
	if len(l.principals) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}
	ps := &principalState{
		reqSem:   make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
		connSem:  make(chan struct{}, max(1, l.cfg.MaxConnections)),
		lastSeen: now,
	}
	l.principals[principal] = ps
	return ps
}

// evictLocked drops idle principals, then an arbitrary one if the table is
// still full. Principals holding permits keep their slots through the
// semaphore closures even after eviction.
func (l *Limiter) evictLocked(now time.Time) {
	for k, ps := range l.principals {
		if now.Sub(ps.lastSeen) > l.cfg.EntryTTL {
			delete(l.principals, k)
		}
	}
	for k := range l.principals {
		if len(l.principals) < l.cfg.MaxEntries {
			return
		}
		delete(l.principals, k)
	}
}

// AudioBudget limits the audio one live connection may submit, counting both
// chunks and decoded bytes. A nil budget allows everything.
type AudioBudget struct {
	mu     sync.Mutex
	now    func() time.Time
	chunks *bucket
	bytes  *bucket
}

// NewAudioBudget returns nil when both rates are disabled. Each bucket holds
// burstSeconds worth of its rate.
func NewAudioBudget(now func() time.Time, chunksPerSecond int, bytesPerSecond int64, burstSeconds int) *AudioBudget {
	if chunksPerSecond <= 0 && bytesPerSecond <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	burst := float64(max(burstSeconds, 1))
	t := now()
	return &AudioBudget{
		now:    now,
		chunks: newBucket(float64(chunksPerSecond), float64(chunksPerSecond)*burst, t),
		bytes:  newBucket(float64(bytesPerSecond), float64(bytesPerSecond)*burst, t),
	}
}

// Check reports whether one chunk of size bytes fits without consuming
// anything. When it does not, it also returns the whole seconds until it would.
func (a *AudioBudget) Check(size int) (bool, int) {
	if a == nil {
		return true, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	wait := max(a.chunks.wait(1, now), a.bytes.wait(float64(max(size, 0)), now))
	if wait > 0 {
		return false, retrySeconds(wait)
	}
	return true, 0
}

// Spend charges one accepted chunk of size bytes.
func (a *AudioBudget) Spend(size int) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.chunks.refill(now)
	a.chunks.take(1)
	a.bytes.refill(now)
	a.bytes.take(float64(max(size, 0)))
}

// bucket is a token bucket refilled continuously at rate tokens per second.
// A nil bucket never limits.
type bucket struct {
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
}

func newBucket(rate, capacity float64, now time.Time) *bucket {
	if rate <= 0 || capacity <= 0 {
		return nil
	}
	return &bucket{rate: rate, capacity: capacity, tokens: capacity, last: now}
}

func (b *bucket) refill(now time.Time) {
	if b == nil {
		return
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
		b.last = now
	}
}

// wait returns how long until n tokens are available; zero means now.
func (b *bucket) wait(n float64, now time.Time) time.Duration {
	if b == nil {
		return 0
	}
	b.refill(now)
	if b.tokens >= n {
		return 0
	}
	return time.Duration((n - b.tokens) / b.rate * float64(time.Second))
}

func (b *bucket) take(n float64) {
	if b == nil {
		return
	}
	b.tokens -= n
}

func retrySeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

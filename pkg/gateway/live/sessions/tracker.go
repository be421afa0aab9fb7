// Package sessions tracks the live websocket connections of this process so
// shutdown can drain, notify, cancel, and wait for them.
package sessions

import (
	"context"
	"sync"
	"sync/atomic"
)

type Handle struct {
	UserID string
	Cancel func()
	Notify func(code, message string) error
}

type Tracker struct {
	mu    sync.Mutex
	conns map[string]*trackedConn
	wg    sync.WaitGroup

	draining atomic.Bool
}

type trackedConn struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		conns: make(map[string]*trackedConn),
	}
}

// SetDraining marks the process as draining. A draining tracker still
// accepts registrations; callers consult Draining before upgrading.
func (t *Tracker) SetDraining(draining bool) {
	if t == nil {
		return
	}
	t.draining.Store(draining)
}

func (t *Tracker) Draining() bool {
	if t == nil {
		return false
	}
	return t.draining.Load()
}

// Register records a connection under connID. Registering an id twice
// replaces and releases the earlier entry.
func (t *Tracker) Register(connID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedConn{handle: h}

	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]*trackedConn)
	}
	old := t.conns[connID]
	t.conns[connID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(connID, old)
	}

	return func() { t.unregister(connID, entry) }
}

func (t *Tracker) unregister(connID string, entry *trackedConn) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.conns != nil && t.conns[connID] == entry {
			delete(t.conns, connID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *Tracker) CountForUser(userID string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, entry := range t.conns {
		if entry.handle.UserID == userID {
			n++
		}
	}
	return n
}

// NotifyAll sends an error frame to every tracked connection. Delivery is
// best effort; the return value counts attempts.
func (t *Tracker) NotifyAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var notifies []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.conns {
		if entry == nil || entry.handle.Notify == nil {
			continue
		}
		notifies = append(notifies, entry.handle.Notify)
	}
	t.mu.Unlock()

	for _, notify := range notifies {
		_ = notify(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.conns {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered connection unregisters or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Package sessions tracks the live sessions currently open on a gateway
// instance, so shutdown can warn and then cancel them, and operators can
// list what is connected.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Info describes one tracked session.
type Info struct {
	ID        string
	Model     string
	Modality  string
	Identity  string
	StartedAt time.Time
}

// Handle is how the tracker reaches into a running session.
type Handle struct {
	Info   Info
	Cancel func()
	// Warn asks the session to tell its client the gateway is going away.
	Warn func(timeLeft time.Duration) error
}

type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register adds a session and returns its unregister func. Registering an
// ID that is already present tears the old entry down first; the returned
// func is idempotent.
func (t *Tracker) Register(h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[h.Info.ID]
	t.sessions[h.Info.ID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		// The displaced session still owns an upstream connection; cancel
		// it so nothing keeps running untracked.
		if old.handle.Cancel != nil {
			old.handle.Cancel()
		}
		t.unregister(h.Info.ID, old)
	}

	return func() { t.unregister(h.Info.ID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
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
	return len(t.sessions)
}

// List returns the tracked sessions ordered by start time.
func (t *Tracker) List() []Info {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	infos := make([]Info, 0, len(t.sessions))
	for _, entry := range t.sessions {
		if entry == nil {
			continue
		}
		infos = append(infos, entry.handle.Info)
	}
	t.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// WarnAll tells every session the gateway will close in timeLeft.
func (t *Tracker) WarnAll(timeLeft time.Duration) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(time.Duration) error
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(timeLeft)
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
	for _, entry := range t.sessions {
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

// Wait blocks until every tracked session has unregistered or ctx ends.
// It reports whether the tracker drained.
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

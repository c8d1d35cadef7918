// Package resume persists session resumption handles so clients can pick a
// conversation back up after a disconnect or an upstream-initiated close.
//
// The upstream refreshes the handle over the session's lifetime; only the
// newest resumable handle is worth keeping. A snapshot is written at most
// once per session, either when the upstream announces it is about to close
// or when the client drops while the session is still resumable.
package resume

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/apsara-ai/apsara/pkg/kv"
)

// Record is one saved, resumable session.
type Record struct {
	SessionID string    `msgpack:"session_id"`
	Handle    string    `msgpack:"handle"`
	Model     string    `msgpack:"model"`
	Modality  string    `msgpack:"modality"`
	Voice     string    `msgpack:"voice"`
	SavedAt   time.Time `msgpack:"saved_at"`
	Reason    string    `msgpack:"reason"`
}

// Save reasons.
const (
	ReasonEndingSoon = "upstream_ending"
	ReasonClientDrop = "client_disconnected"
)

var ErrNoRecord = errors.New("no saved session")

type Manager struct {
	store     kv.Store
	threshold time.Duration
	logger    *slog.Logger
}

// NewManager builds a manager. threshold is the goAway time-left at or
// below which a session is considered ending soon.
func NewManager(store kv.Store, threshold time.Duration, logger *slog.Logger) *Manager {
	return &Manager{store: store, threshold: threshold, logger: logger}
}

func recordKey(owner, sessionID string) kv.Key {
	return kv.Key{"resume", owner, sessionID}
}

// EndingSoon reports whether a goAway with timeLeft means the upstream is
// about to close. The value is compared numerically; "1m30s" and "90s" are
// the same warning.
func (m *Manager) EndingSoon(timeLeft time.Duration) bool {
	return timeLeft <= m.threshold
}

// List returns the owner's saved sessions, newest first.
func (m *Manager) List(ctx context.Context, owner string) ([]Record, error) {
	var out []Record
	for entry, err := range m.store.List(ctx, kv.Key{"resume", owner}) {
		if err != nil {
			return nil, fmt.Errorf("list saved sessions: %w", err)
		}
		var rec Record
		if err := msgpack.Unmarshal(entry.Value, &rec); err != nil {
			m.logger.Warn("skipping undecodable saved session", "key", entry.Key.String(), "error", err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

// Consume returns the owner's record for sessionID and deletes it. A handle
// is single-use upstream, so a second Consume returns ErrNoRecord.
func (m *Manager) Consume(ctx context.Context, owner, sessionID string) (Record, error) {
	key := recordKey(owner, sessionID)
	raw, err := m.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return Record{}, ErrNoRecord
	}
	if err != nil {
		return Record{}, fmt.Errorf("load saved session: %w", err)
	}
	var rec Record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		_ = m.store.Delete(ctx, key)
		return Record{}, fmt.Errorf("decode saved session: %w", err)
	}
	if err := m.store.Delete(ctx, key); err != nil {
		return Record{}, fmt.Errorf("consume saved session: %w", err)
	}
	return rec, nil
}

// ConsumeByHandle deletes the owner's record carrying handle, if any, and
// reports whether one was found. Used when a client reconnects with a raw
// handle so the stale snapshot does not linger in the saved list.
func (m *Manager) ConsumeByHandle(ctx context.Context, owner, handle string) (bool, error) {
	if handle == "" {
		return false, nil
	}
	records, err := m.List(ctx, owner)
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if rec.Handle == handle {
			if err := m.store.Delete(ctx, recordKey(owner, rec.SessionID)); err != nil {
				return false, fmt.Errorf("consume saved session: %w", err)
			}
			return true, nil
		}
	}
	return false, nil
}

// Delete removes a saved session without returning it.
func (m *Manager) Delete(ctx context.Context, owner, sessionID string) error {
	key := recordKey(owner, sessionID)
	if _, err := m.store.Get(ctx, key); errors.Is(err, kv.ErrNotFound) {
		return ErrNoRecord
	} else if err != nil {
		return fmt.Errorf("load saved session: %w", err)
	}
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete saved session: %w", err)
	}
	return nil
}

// Track starts resumption tracking for one live session.
func (m *Manager) Track(owner string, template Record) *State {
	return &State{mgr: m, owner: owner, template: template}
}

// State carries the latest handle for one running session. Safe for
// concurrent use; updates come from the upstream receive loop while saves
// can come from the session teardown path.
type State struct {
	mgr      *Manager
	owner    string
	template Record

	mu        sync.Mutex
	handle    string
	resumable bool
	saved     bool
}

// Update records a refreshed handle from the upstream.
func (s *State) Update(handle string, resumable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle != "" {
		s.handle = handle
	}
	s.resumable = resumable
}

// EndingSoon reports whether a goAway with timeLeft crosses the manager's
// save threshold.
func (s *State) EndingSoon(timeLeft time.Duration) bool {
	return s.mgr.EndingSoon(timeLeft)
}

// Handle returns the newest handle seen so far.
func (s *State) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Save persists the newest resumable handle, once. Later calls and calls
// without a resumable handle are no-ops that report saved=false.
func (s *State) Save(ctx context.Context, reason string) (bool, error) {
	s.mu.Lock()
	if s.saved || s.handle == "" || !s.resumable {
		s.mu.Unlock()
		return false, nil
	}
	rec := s.template
	rec.Handle = s.handle
	rec.SavedAt = time.Now().UTC()
	rec.Reason = reason
	s.saved = true
	s.mu.Unlock()

	encoded, err := msgpack.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode saved session: %w", err)
	}
	if err := s.mgr.store.Set(ctx, recordKey(s.owner, rec.SessionID), encoded); err != nil {
		return false, fmt.Errorf("persist saved session: %w", err)
	}
	s.mgr.logger.Info("saved resumable session",
		"session_id", rec.SessionID, "owner", s.owner, "reason", reason)
	return true, nil
}

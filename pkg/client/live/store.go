package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// HandleStore persists the latest resumption handle to a JSON file so a
// restarted client can offer to pick the session back up. Consume is
// single-use: the handle is cleared as it is read, so a later fresh
// connection never inherits it silently.
type HandleStore struct {
	path string
	mu   sync.Mutex
}

type storedHandle struct {
	Handle  string    `json:"handle"`
	SavedAt time.Time `json:"savedAt"`
}

func NewHandleStore(path string) *HandleStore {
	return &HandleStore{path: path}
}

// DefaultHandlePath places the handle file under the user config dir.
func DefaultHandlePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "apsara", "resume.json"), nil
}

// Save overwrites any previously stored handle.
func (s *HandleStore) Save(handle string) error {
	if handle == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create handle dir: %w", err)
	}
	data, err := json.Marshal(storedHandle{Handle: handle, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode handle: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write handle: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("store handle: %w", err)
	}
	return nil
}

// Consume returns the stored handle and clears it. A missing file yields
// an empty handle, not an error.
func (s *HandleStore) Consume() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read handle: %w", err)
	}
	var rec storedHandle
	if err := json.Unmarshal(data, &rec); err != nil {
		_ = os.Remove(s.path)
		return "", fmt.Errorf("decode handle: %w", err)
	}
	if err := os.Remove(s.path); err != nil {
		return "", fmt.Errorf("clear handle: %w", err)
	}
	return rec.Handle, nil
}

// Clear drops the stored handle, if any.
func (s *HandleStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear handle: %w", err)
	}
	return nil
}

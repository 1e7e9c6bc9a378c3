// Package versions persists which release of each component is installed.
package versions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entry is the installed state of one component.
type Entry struct {
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a JSON file mapping component name to Entry. Writes replace the
// file atomically.
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
}

// Open loads path. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, entries: map[string]Entry{}}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(b, &s.entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// Get returns the installed entry for component.
func (s *Store) Get(component string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[component]
	return e, ok
}

// Version returns the installed version, or "" when not installed.
func (s *Store) Version(component string) string {
	e, _ := s.Get(component)
	return e.Version
}

// All returns a copy of every entry.
func (s *Store) All() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Components lists installed component names, sorted.
func (s *Store) Components() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Set records version for component and persists the store.
func (s *Store) Set(component, version string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.entries[component]
	s.entries[component] = Entry{Version: version, UpdatedAt: at.UTC()}
	if err := s.saveLocked(); err != nil {
		if had {
			s.entries[component] = prev
		} else {
			delete(s.entries, component)
		}
		return err
	}
	return nil
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".versions-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// IsNewer reports whether latest differs from the installed version. A
// component that is not installed always needs the update.
func IsNewer(installed, latest string) bool {
	return installed == "" || installed != latest
}

// Package storage persists per-session state, history, usage, and the
// event log to the layout §6 specifies, using the same
// write-tmp-then-rename file-locking discipline go-opencode's own
// storage package uses for its JSON blob store.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/carapace-run/carapace/pkg/types"
)

var ErrNotFound = errors.New("session not found")

// Store is the Session Store (§2): the sole writer of a session's
// directory. Callers hold the session's own lock before calling any
// method that mutates state; Store itself only serializes concurrent
// writes to the same file via FileLock, it does not serialize across
// a session's four files.
type Store struct {
	sessionsDir string
	mu          sync.Mutex
	locks       map[string]*FileLock
}

func New(sessionsDir string) *Store {
	return &Store{
		sessionsDir: sessionsDir,
		locks:       make(map[string]*FileLock),
	}
}

func (s *Store) dir(sessionID string) string {
	return filepath.Join(s.sessionsDir, sessionID)
}

func (s *Store) getLock(path string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[path]
	if !ok {
		lock = NewFileLock(path)
		s.locks[path] = lock
	}
	return lock
}

func (s *Store) writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.writeAtomic(path, data)
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.writeAtomic(path, data)
}

func (s *Store) writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	lock := s.getLock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// SaveState writes state.yaml.
func (s *Store) SaveState(sessionID string, state *types.SessionState) error {
	return s.writeYAML(filepath.Join(s.dir(sessionID), "state.yaml"), state)
}

// LoadState reads state.yaml. Returns ErrNotFound if the session
// directory or file does not exist.
func (s *Store) LoadState(sessionID string) (*types.SessionState, error) {
	var state types.SessionState
	if err := s.readYAML(filepath.Join(s.dir(sessionID), "state.yaml"), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveHistory writes history.json, the full message list replayed to
// the LLM provider on every turn.
func (s *Store) SaveHistory(sessionID string, messages []types.HistoryMessage) error {
	return s.writeJSON(filepath.Join(s.dir(sessionID), "history.json"), messages)
}

func (s *Store) LoadHistory(sessionID string) ([]types.HistoryMessage, error) {
	var messages []types.HistoryMessage
	err := s.readJSON(filepath.Join(s.dir(sessionID), "history.json"), &messages)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return messages, err
}

// SaveUsage writes usage.json.
func (s *Store) SaveUsage(sessionID string, usage *types.Usage) error {
	return s.writeJSON(filepath.Join(s.dir(sessionID), "usage.json"), usage)
}

func (s *Store) LoadUsage(sessionID string) (*types.Usage, error) {
	usage := types.NewUsage()
	err := s.readJSON(filepath.Join(s.dir(sessionID), "usage.json"), usage)
	if errors.Is(err, ErrNotFound) {
		return types.NewUsage(), nil
	}
	return usage, err
}

// AppendEvent appends one entry to events.json, the append-only log
// of {role: user|assistant|command, content|data} entries (§6).
// events.json is read-modify-written under the same file lock so
// concurrent appends from the orchestrator and a slash-command
// handler cannot interleave their writes.
func (s *Store) AppendEvent(sessionID string, entry types.EventLogEntry) error {
	path := filepath.Join(s.dir(sessionID), "events.json")
	lock := s.getLock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer lock.Unlock()

	var entries []types.EventLogEntry
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("unmarshal existing events: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read events: %w", err)
	}

	entries = append(entries, entry)
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) LoadEvents(sessionID string) ([]types.EventLogEntry, error) {
	var entries []types.EventLogEntry
	err := s.readJSON(filepath.Join(s.dir(sessionID), "events.json"), &entries)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return entries, err
}

func (s *Store) readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read file: %w", err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

// ListSessions returns every session id (the 12-hex-char directory
// name, §6) present under the sessions directory, unordered — callers
// needing last-active ordering sort after loading state.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// DeleteSession removes a session's entire directory.
func (s *Store) DeleteSession(sessionID string) error {
	if err := os.RemoveAll(s.dir(sessionID)); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}
	return nil
}

// Exists reports whether a session directory has a persisted state.yaml.
func (s *Store) Exists(sessionID string) bool {
	_, err := os.Stat(filepath.Join(s.dir(sessionID), "state.yaml"))
	return err == nil
}

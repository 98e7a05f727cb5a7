package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"pkt.systems/pslog"
	"pkt.systems/termscript/core"
)

// PanelSnapshot captures panel content for persistence.
type PanelSnapshot struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ScriptSnapshot captures one script definition's status.
type ScriptSnapshot struct {
	Name      string         `json:"name"`
	ID        uint64         `json:"id,omitempty"`
	Enabled   bool           `json:"enabled"`
	State     string         `json:"state"`
	Running   bool           `json:"running"`
	LastError string         `json:"last_error,omitempty"`
	Restarts  int            `json:"restarts,omitempty"`
	Output    []string       `json:"output,omitempty"`
	Panel     *PanelSnapshot `json:"panel,omitempty"`
}

// SessionSnapshot captures the script status of one session.
type SessionSnapshot struct {
	SavedAt time.Time        `json:"saved_at"`
	Scripts []ScriptSnapshot `json:"scripts"`
}

// FromStatus converts host status into a snapshot.
func FromStatus(statuses []core.ScriptStatus, now time.Time) SessionSnapshot {
	snapshot := SessionSnapshot{SavedAt: now.UTC(), Scripts: make([]ScriptSnapshot, 0, len(statuses))}
	for _, status := range statuses {
		script := ScriptSnapshot{
			Name:      status.Name,
			ID:        uint64(status.ID),
			Enabled:   status.Enabled,
			State:     string(status.State),
			Running:   status.Running,
			LastError: status.LastError,
			Restarts:  status.Restarts,
			Output:    append([]string(nil), status.Output...),
		}
		if status.Panel != nil {
			script.Panel = &PanelSnapshot{Title: status.Panel.Title, Content: status.Panel.Content}
		}
		snapshot.Scripts = append(snapshot.Scripts, script)
	}
	return snapshot
}

// Store persists session snapshots to disk.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads a session snapshot from disk.
func (s *Store) Load(session string) (SessionSnapshot, bool, error) {
	path := s.pathForSession(session)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("state load miss", "session", session)
			}
			return SessionSnapshot{}, false, nil
		}
		if s.log != nil {
			s.log.Warn("state load failed", "session", session, "err", err)
		}
		return SessionSnapshot{}, false, err
	}
	var snapshot SessionSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		if s.log != nil {
			s.log.Warn("state load failed", "session", session, "err", err)
		}
		return SessionSnapshot{}, false, err
	}
	if s.log != nil {
		s.log.Debug("state load ok", "session", session, "scripts", len(snapshot.Scripts))
	}
	return snapshot, true, nil
}

// Save atomically replaces the session snapshot on disk.
func (s *Store) Save(session string, snapshot SessionSnapshot) error {
	path := s.pathForSession(session)
	if err := s.write(path, snapshot); err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "session", session, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Trace("state save ok", "session", session, "scripts", len(snapshot.Scripts))
	}
	return nil
}

func (s *Store) write(path string, snapshot SessionSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Path returns the snapshot file for a session name.
func (s *Store) Path(session string) string {
	return s.pathForSession(session)
}

func (s *Store) pathForSession(session string) string {
	name := sanitize(session)
	if name == "" {
		name = "default"
	}
	return filepath.Join(s.dir, name+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}

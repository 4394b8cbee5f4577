package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Prefs are the per-site persisted user settings: the consent gate and the
// mute flags survive reloads of the embedding page.
type Prefs struct {
	Consent      bool `json:"consent"`
	MicMuted     bool `json:"micMuted"`
	SpeakerMuted bool `json:"speakerMuted"`
}

// Store persists Prefs keyed by embedding site.
type Store interface {
	Load(siteKey string) (Prefs, error)
	Save(siteKey string, prefs Prefs) error
}

// MemoryStore is a non-persistent Store for tests.
type MemoryStore struct {
	mu    sync.Mutex
	prefs map[string]Prefs
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prefs: make(map[string]Prefs)}
}

// Load returns the saved prefs, or zero Prefs for an unknown site.
func (s *MemoryStore) Load(siteKey string) (Prefs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs[siteKey], nil
}

// Save stores prefs for the site.
func (s *MemoryStore) Save(siteKey string, prefs Prefs) error {
	s.mu.Lock()
	s.prefs[siteKey] = prefs
	s.mu.Unlock()
	return nil
}

// FileStore persists Prefs as one JSON file per site under a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// path sanitizes the site key into a file name.
func (s *FileStore) path(siteKey string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, siteKey)
	return filepath.Join(s.dir, clean+".json")
}

// Load reads the site's prefs; a missing file yields zero Prefs.
func (s *FileStore) Load(siteKey string) (Prefs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(siteKey))
	if os.IsNotExist(err) {
		return Prefs{}, nil
	}
	if err != nil {
		return Prefs{}, fmt.Errorf("session store: %w", err)
	}
	var prefs Prefs
	if err := json.Unmarshal(data, &prefs); err != nil {
		return Prefs{}, fmt.Errorf("session store: %w", err)
	}
	return prefs, nil
}

// Save writes the site's prefs atomically.
func (s *FileStore) Save(siteKey string, prefs Prefs) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	tmp := s.path(siteKey) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	if err := os.Rename(tmp, s.path(siteKey)); err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	return nil
}

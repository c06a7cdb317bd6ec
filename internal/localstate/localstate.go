package localstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// Well-known keys
const (
	KeySessionID    = "session_id"
	KeyAnonymousUID = "anonymous_uid"
)

// Store persists small client-local string values across runs
type Store struct {
	dir string
	mu  sync.Mutex
}

// values represents the state.json structure
type values map[string]string

// NewStore creates a store in the platform config directory
func NewStore() (*Store, error) {
	dir, err := DefaultDir()
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// NewStoreWithDir creates a store rooted at dir
func NewStoreWithDir(dir string) *Store {
	return &Store{dir: dir}
}

// DefaultDir returns the platform-specific config directory
func DefaultDir() (string, error) {
	// Allow override for testing
	if testDir := os.Getenv("GEN3D_CONFIG_DIR"); testDir != "" {
		return testDir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "gen3d"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "gen3d"), nil
	default:
		// Follow XDG Base Directory Specification
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "gen3d"), nil
	}
}

// Path returns the path to the state.json file
func (s *Store) Path() string {
	return filepath.Join(s.dir, "state.json")
}

func (s *Store) load() (values, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(values), nil
		}
		return nil, err
	}

	var v values
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to parse state.json: %w", err)
	}
	if v == nil {
		v = make(values)
	}
	return v, nil
}

// save writes a temp file and renames it over state.json
func (s *Store) save(v values) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write state.json: %w", err)
	}
	if err := os.Rename(tmp, s.Path()); err != nil {
		return fmt.Errorf("failed to replace state.json: %w", err)
	}
	return nil
}

// Get returns the value for key; absence is not an error
func (s *Store) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.load()
	if err != nil {
		return "", false, err
	}
	val, ok := v[key]
	return val, ok && val != "", nil
}

// Set stores value under key, replacing any previous value
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.load()
	if err != nil {
		return err
	}
	v[key] = value
	return s.save(v)
}

// Delete removes key; deleting a missing key is a no-op
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := v[key]; !ok {
		return nil
	}
	delete(v, key)
	return s.save(v)
}

package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileVersion is the current version of the settings file format.
const FileVersion = 1

// fileState is the on-disk layout of a FileStore.
type fileState struct {
	Version  int               `json:"version"`
	SavedAt  time.Time         `json:"saved_at"`
	Settings map[string]string `json:"settings"`
}

// FileStore keeps settings in a JSON file, rewriting it on every change.
type FileStore struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

// OpenFileStore loads the settings file at path. A missing file yields an
// empty store; the file is created on the first write.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, data: make(map[string]string)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Settings != nil {
		s.data = state.Settings
	}
	return s, nil
}

// Path returns the file backing the store.
func (s *FileStore) Path() string { return s.path }

// Get implements Store.
func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

// Set implements Store.
func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.data[key]; ok && old == value {
		return nil
	}
	s.data[key] = value
	return s.save()
}

// Remove implements Store.
func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.save()
}

// List implements Store.
func (s *FileStore) List(prefix string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return listMap(s.data, prefix), nil
}

// RemovePrefix implements Store.
func (s *FileStore) RemovePrefix(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.save()
}

// save writes the settings file. Callers hold s.mu.
func (s *FileStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(fileState{
		Version:  FileVersion,
		SavedAt:  time.Now(),
		Settings: s.data,
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const fileStoreVersion = 1

type fileEntry struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type storeFile struct {
	Version int                  `json:"version"`
	Entries map[string]fileEntry `json:"entries"`
}

// FileStore is a Store persisted as a single JSON file, so token sets
// survive a restart of a single-instance deployment.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a FileStore at path. The parent directory is created
// on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return "", err
	}
	e, ok := f.Entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return e.Value, nil
}

func (s *FileStore) Save(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	f.Entries[key] = fileEntry{Value: value, UpdatedAt: time.Now().UTC()}
	return s.save(f)
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := f.Entries[key]; !ok {
		return ErrNotFound
	}
	delete(f.Entries, key)
	return s.save(f)
}

// load reads the store file. A missing or empty file is an empty store.
func (s *FileStore) load() (*storeFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &storeFile{Version: fileStoreVersion, Entries: map[string]fileEntry{}}, nil
		}
		return nil, fmt.Errorf("reading token store: %w", err)
	}
	if len(data) == 0 {
		return &storeFile{Version: fileStoreVersion, Entries: map[string]fileEntry{}}, nil
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing token store %s: %w", s.path, err)
	}
	if f.Entries == nil {
		f.Entries = map[string]fileEntry{}
	}
	return &f, nil
}

// save writes the store using a temp-file-then-rename.
func (s *FileStore) save(f *storeFile) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating token store dir: %w", err)
	}

	f.Version = fileStoreVersion
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling token store: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming token store: %w", err)
	}
	committed = true
	return nil
}

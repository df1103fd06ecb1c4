package tokenstorage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// FileStore is a JSON-file-backed Store for non-browser embeddings
// (a native shell, a test harness, a server-rendered fallback).
// Modeled on the teacher's cli/pkg/credentials: a single JSON document
// written with owner-only permissions on every Set/Remove.
//
// Modeled on: zfogg-sidechain/cli/pkg/credentials/credentials.go.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a FileStore persisting to path. The containing
// directory is created with 0700 permissions if missing.
func NewFileStore(path string) *FileStore {
	_ = os.MkdirAll(filepath.Dir(path), 0o700)
	return &FileStore{path: path}
}

func (f *FileStore) load() map[string]string {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return map[string]string{}
	}
	var values map[string]string
	if err := json.Unmarshal(raw, &values); err != nil {
		return map[string]string{}
	}
	return values
}

func (f *FileStore) save(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o600)
}

func (f *FileStore) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.load()[key]
	return v, ok
}

func (f *FileStore) Set(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := f.load()
	values[key] = value
	_ = f.save(values)
}

func (f *FileStore) Remove(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := f.load()
	delete(values, key)
	_ = f.save(values)
}

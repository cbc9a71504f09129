// Package journal persists redemption requests. The journal is the funds
// safety net: a request with a transaction hash must survive a process crash.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"tokenrails/internal/redemption"
)

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]redemption.Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]redemption.Request),
	}
}

func (m *MemoryStore) Get(_ context.Context, reference string) (*redemption.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.data[reference]
	if !ok {
		return nil, nil
	}
	return &req, nil
}

func (m *MemoryStore) Save(_ context.Context, req redemption.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[req.Reference] = req
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, req redemption.Request) (*redemption.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.data[req.Reference]; ok && existing.Status != redemption.StatusIdle {
		return &existing, nil
	}
	m.data[req.Reference] = req
	return nil, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status redemption.Status) ([]redemption.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []redemption.Request
	for _, req := range m.data {
		if req.Status == status {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// FileStore persists requests to disk. Suitable for local dev; production
// runs on the Postgres store.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]redemption.Request
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]redemption.Request),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) Get(_ context.Context, reference string) (*redemption.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.data[reference]
	if !ok {
		return nil, nil
	}
	return &req, nil
}

func (f *FileStore) Save(_ context.Context, req redemption.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[req.Reference] = req
	return f.persist()
}

func (f *FileStore) Claim(_ context.Context, req redemption.Request) (*redemption.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.data[req.Reference]; ok && existing.Status != redemption.StatusIdle {
		return &existing, nil
	}
	f.data[req.Reference] = req
	if err := f.persist(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *FileStore) ListByStatus(_ context.Context, status redemption.Status) ([]redemption.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []redemption.Request
	for _, req := range f.data {
		if req.Status == status {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

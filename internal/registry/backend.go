package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Backend persists owner records. Load returns every owner; Save replaces a
// single owner's record.
type Backend interface {
	Load() (map[string]*OwnerRecord, error)
	Save(ownerID string, record *OwnerRecord) error
}

type BackendFactory func(dsn string) (Backend, error)

var backendFactories = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{factories: map[string]BackendFactory{}}

func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	backendFactories.mu.Lock()
	defer backendFactories.mu.Unlock()
	backendFactories.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	backendFactories.mu.RLock()
	defer backendFactories.mu.RUnlock()
	factory, ok := backendFactories.factories[strings.ToLower(strings.TrimSpace(scheme))]
	return factory, ok
}

// BuildBackendFromDSN selects a backend: memory://, file:///path.json or
// postgres://. An empty dsn yields an in-memory backend.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "", "file":
		path := strings.TrimSpace(parsed.Path)
		if path == "" {
			path = strings.TrimSpace(parsed.Host)
		}
		if scheme == "" {
			path = dsn
		}
		if path == "" {
			return nil, ErrInvalidInput
		}
		return NewFileBackend(path), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: registry backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported registry backend scheme: %s", scheme)
	}
}

type MemoryBackend struct {
	mu     sync.Mutex
	owners map[string]*OwnerRecord
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{owners: map[string]*OwnerRecord{}}
}

func (b *MemoryBackend) Load() (map[string]*OwnerRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]*OwnerRecord, len(b.owners))
	for ownerID, record := range b.owners {
		out[ownerID] = record.clone()
	}
	return out, nil
}

func (b *MemoryBackend) Save(ownerID string, record *OwnerRecord) error {
	if record == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owners[ownerID] = record.clone()
	return nil
}

// FileBackend keeps every owner in one JSON document.
type FileBackend struct {
	Path string
	mu   sync.Mutex
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: strings.TrimSpace(path)}
}

func (b *FileBackend) Load() (map[string]*OwnerRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked()
}

func (b *FileBackend) Save(ownerID string, record *OwnerRecord) error {
	if record == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	owners, err := b.readLocked()
	if err != nil {
		return err
	}
	owners[ownerID] = record
	data, err := json.Marshal(owners)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func (b *FileBackend) readLocked() (map[string]*OwnerRecord, error) {
	owners := map[string]*OwnerRecord{}
	if strings.TrimSpace(b.Path) == "" {
		return owners, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return owners, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &owners); err != nil {
		return nil, err
	}
	return owners, nil
}

package room

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

// StateBackend persists one snapshot per room. Load returns nil, nil for a
// room that was never saved.
type StateBackend interface {
	Load(roomID string) (*RoomState, error)
	Save(roomID string, state *RoomState) error
	Delete(roomID string) error
}

type StateBackendFactory func(dsn string) (StateBackend, error)

var stateBackendFactories = struct {
	mu        sync.RWMutex
	factories map[string]StateBackendFactory
}{factories: map[string]StateBackendFactory{}}

func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	stateBackendFactories.mu.Lock()
	defer stateBackendFactories.mu.Unlock()
	stateBackendFactories.factories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	stateBackendFactories.mu.RLock()
	defer stateBackendFactories.mu.RUnlock()
	factory, ok := stateBackendFactories.factories[strings.ToLower(strings.TrimSpace(scheme))]
	return factory, ok
}

// BuildStateBackendFromDSN selects a snapshot backend: memory://,
// file:///dir, postgres:// or redis://. An empty dsn disables persistence.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "redis", "rediss":
		return NewRedisStateBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

type MemoryStateBackend struct {
	mu    sync.Mutex
	rooms map[string][]byte
}

func NewMemoryStateBackend() *MemoryStateBackend {
	return &MemoryStateBackend{rooms: map[string][]byte{}}
}

func (b *MemoryStateBackend) Load(roomID string) (*RoomState, error) {
	b.mu.Lock()
	data, ok := b.rooms[roomID]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeRoomState(data)
}

func (b *MemoryStateBackend) Save(roomID string, state *RoomState) error {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms[roomID] = data
	return nil
}

func (b *MemoryStateBackend) Delete(roomID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms, roomID)
	return nil
}

// FileStateBackend writes each room to {dir}/{roomID}.json.
type FileStateBackend struct {
	Dir string
}

func NewFileStateBackend(dir string) *FileStateBackend {
	return &FileStateBackend{Dir: strings.TrimSpace(dir)}
}

func (b *FileStateBackend) path(roomID string) (string, error) {
	if !validRoomID(roomID) {
		return "", fmt.Errorf("%w: room id %q", ErrInvalidInput, roomID)
	}
	return filepath.Join(b.Dir, url.PathEscape(roomID)+".json"), nil
}

func (b *FileStateBackend) Load(roomID string) (*RoomState, error) {
	path, err := b.path(roomID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return decodeRoomState(data)
}

func (b *FileStateBackend) Save(roomID string, state *RoomState) error {
	if state == nil {
		return nil
	}
	path, err := b.path(roomID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(b.Dir, ".room-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (b *FileStateBackend) Delete(roomID string) error {
	path, err := b.path(roomID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func decodeRoomState(data []byte) (*RoomState, error) {
	state := NewRoomState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, err
	}
	if state.Pages == nil {
		state.Pages = map[int]*PageRecord{}
	}
	return state, nil
}

func validRoomID(roomID string) bool {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" || len(roomID) > 256 || roomID == "." || roomID == ".." {
		return false
	}
	return !strings.ContainsAny(roomID, "/\\")
}

func closeBackend(backend StateBackend) error {
	if closer, ok := backend.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

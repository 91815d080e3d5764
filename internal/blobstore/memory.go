package blobstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time
}

type memoryObject struct {
	key  Key
	data []byte
	meta Metadata
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: map[string]memoryObject{},
		now:     time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, key Key, data []byte, meta Metadata) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrapErr("put", key, err)
	}
	if meta.ContentType == "" {
		meta.ContentType = DefaultContentType(key.Kind)
	}
	meta.UpdatedAt = s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key.String()] = memoryObject{
		key:  key,
		data: append([]byte(nil), data...),
		meta: meta,
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (Object, error) {
	if err := key.Validate(); err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, wrapErr("get", key, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key.String()]
	if !ok {
		return Object{}, ErrNotFound
	}
	return Object{Data: append([]byte(nil), obj.data...), Metadata: obj.meta}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key.String())
	return nil
}

func (s *MemoryStore) List(ctx context.Context, roomID string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ObjectInfo, 0)
	for _, obj := range s.objects {
		if obj.key.RoomID != roomID {
			continue
		}
		out = append(out, ObjectInfo{Key: obj.key, Size: int64(len(obj.data)), Metadata: obj.meta})
	}
	sortInfos(out)
	return out, nil
}

func sortInfos(infos []ObjectInfo) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Key.String() < infos[j].Key.String()
	})
}

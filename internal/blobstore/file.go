package blobstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const fileMetaSuffix = ".meta.json"

// FileStore keeps each blob at {root}/{roomId}/{pageId}/{kind} with a JSON
// sidecar for its metadata.
type FileStore struct {
	root string
	now  func() time.Time
}

type fileMeta struct {
	ProjectName string    `json:"projectName,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("file blob store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create blob root %s", root)
	}
	return &FileStore{root: filepath.Clean(root), now: time.Now}, nil
}

func (s *FileStore) path(key Key) string {
	return filepath.Join(s.root, key.RoomID, key.PageID, string(key.Kind))
}

func (s *FileStore) Put(ctx context.Context, key Key, data []byte, meta Metadata) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return wrapErr("put", key, err)
	}
	target := s.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return wrapErr("put", key, errors.Wrap(err, "create blob dir"))
	}
	if meta.ContentType == "" {
		meta.ContentType = DefaultContentType(key.Kind)
	}
	sidecar, err := json.Marshal(fileMeta{
		ProjectName: meta.ProjectName,
		ContentType: meta.ContentType,
		UpdatedAt:   s.now().UTC(),
	})
	if err != nil {
		return wrapErr("put", key, err)
	}
	if err := writeFileAtomic(target, data, 0o644); err != nil {
		return wrapErr("put", key, errors.Wrap(err, "write blob"))
	}
	if err := writeFileAtomic(target+fileMetaSuffix, sidecar, 0o644); err != nil {
		return wrapErr("put", key, errors.Wrap(err, "write blob metadata"))
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key Key) (Object, error) {
	if err := key.Validate(); err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, wrapErr("get", key, err)
	}
	target := s.path(key)
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return Object{}, ErrNotFound
		}
		return Object{}, wrapErr("get", key, errors.Wrap(err, "read blob"))
	}
	meta, err := s.readMeta(target)
	if err != nil {
		return Object{}, wrapErr("get", key, err)
	}
	return Object{Data: data, Metadata: meta}, nil
}

func (s *FileStore) readMeta(target string) (Metadata, error) {
	raw, err := os.ReadFile(target + fileMetaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, nil
		}
		return Metadata{}, errors.Wrap(err, "read blob metadata")
	}
	var meta fileMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, errors.Wrap(err, "decode blob metadata")
	}
	return Metadata{ProjectName: meta.ProjectName, ContentType: meta.ContentType, UpdatedAt: meta.UpdatedAt}, nil
}

func (s *FileStore) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	target := s.path(key)
	for _, p := range []string{target, target + fileMetaSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return wrapErr("delete", key, errors.Wrap(err, "remove blob"))
		}
	}
	return nil
}

func (s *FileStore) List(ctx context.Context, roomID string) ([]ObjectInfo, error) {
	if !validSegment(roomID) {
		return nil, ErrInvalidKey
	}
	roomDir := filepath.Join(s.root, roomID)
	pages, err := os.ReadDir(roomDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ObjectInfo{}, nil
		}
		return nil, &Error{Op: "list", Key: roomID, Err: errors.Wrap(err, "read room dir")}
	}
	out := make([]ObjectInfo, 0)
	for _, page := range pages {
		if !page.IsDir() {
			continue
		}
		for _, kind := range []Kind{KindBaseDocument, KindBaseHistory, KindModifications} {
			key := Key{RoomID: roomID, PageID: page.Name(), Kind: kind}
			info, statErr := os.Stat(s.path(key))
			if statErr != nil {
				continue
			}
			meta, metaErr := s.readMeta(s.path(key))
			if metaErr != nil {
				return nil, wrapErr("list", key, metaErr)
			}
			out = append(out, ObjectInfo{Key: key, Size: info.Size(), Metadata: meta})
		}
	}
	sortInfos(out)
	return out, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

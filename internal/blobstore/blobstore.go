package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("blob not found")
	ErrInvalidKey     = errors.New("invalid blob key")
	ErrBlobStore      = errors.New("blob store failure")
	ErrNotImplemented = errors.New("not implemented")
)

type Kind string

const (
	KindBaseDocument  Kind = "base-document"
	KindBaseHistory   Kind = "base-history"
	KindModifications Kind = "modifications"
)

func (k Kind) Valid() bool {
	switch k {
	case KindBaseDocument, KindBaseHistory, KindModifications:
		return true
	default:
		return false
	}
}

// Key addresses one payload as {roomId}/{pageId}/{kind}.
type Key struct {
	RoomID string
	PageID string
	Kind   Kind
}

func NewKey(roomID, pageID string, kind Kind) (Key, error) {
	key := Key{RoomID: strings.TrimSpace(roomID), PageID: strings.TrimSpace(pageID), Kind: kind}
	return key, key.Validate()
}

func ParseKey(raw string) (Key, error) {
	parts := strings.Split(strings.Trim(strings.TrimSpace(raw), "/"), "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, raw)
	}
	return NewKey(parts[0], parts[1], Kind(parts[2]))
}

func (k Key) Validate() error {
	if !validSegment(k.RoomID) || !validSegment(k.PageID) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
	}
	if !k.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, k.Kind)
	}
	return nil
}

func (k Key) String() string {
	return k.RoomID + "/" + k.PageID + "/" + string(k.Kind)
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\")
}

type Metadata struct {
	ProjectName string    `json:"projectName,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Object struct {
	Data     []byte
	Metadata Metadata
}

type ObjectInfo struct {
	Key      Key      `json:"key"`
	Size     int64    `json:"size"`
	Metadata Metadata `json:"metadata"`
}

// Store is last-writer-wins byte storage without versioning.
type Store interface {
	Put(ctx context.Context, key Key, data []byte, meta Metadata) error
	Get(ctx context.Context, key Key) (Object, error)
	Delete(ctx context.Context, key Key) error
	List(ctx context.Context, roomID string) ([]ObjectInfo, error)
}

type closer interface {
	Close() error
}

func Close(store Store) error {
	if c, ok := store.(closer); ok && c != nil {
		return c.Close()
	}
	return nil
}

// Error wraps a backend failure with the operation and key it hit.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("blob %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("blob %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrBlobStore
}

func wrapErr(op string, key Key, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Op: op, Key: key.String(), Err: err}
}

func DefaultContentType(kind Kind) string {
	if kind == KindBaseDocument {
		return "application/octet-stream"
	}
	return "application/json"
}

// DeleteRoom removes every blob stored under roomID.
func DeleteRoom(ctx context.Context, store Store, roomID string) (int, error) {
	infos, err := store.List(ctx, roomID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, info := range infos {
		if err := store.Delete(ctx, info.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

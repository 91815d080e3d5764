package blobstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func mustKey(t *testing.T, room, page string, kind Kind) Key {
	t.Helper()
	key, err := NewKey(room, page, kind)
	if err != nil {
		t.Fatalf("new key failed: %v", err)
	}
	return key
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	key := mustKey(t, "room_1", "page_a", KindBaseHistory)

	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before put, got %v", err)
	}
	if err := store.Put(ctx, key, []byte(`[{"id":"s1"}]`), Metadata{ProjectName: "Lecture 4"}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, key, []byte(`[{"id":"s2"}]`), Metadata{ProjectName: "Lecture 4"}); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	obj, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(obj.Data) != `[{"id":"s2"}]` {
		t.Fatalf("expected last write to win, got %s", obj.Data)
	}
	if obj.Metadata.ProjectName != "Lecture 4" {
		t.Fatalf("expected project name metadata, got %+v", obj.Metadata)
	}
	if obj.Metadata.ContentType != "application/json" {
		t.Fatalf("expected default json content type, got %q", obj.Metadata.ContentType)
	}

	other := mustKey(t, "room_1", "page_b", KindModifications)
	if err := store.Put(ctx, other, []byte(`{}`), Metadata{}); err != nil {
		t.Fatalf("put second failed: %v", err)
	}
	foreign := mustKey(t, "room_2", "page_a", KindBaseHistory)
	if err := store.Put(ctx, foreign, []byte(`[]`), Metadata{}); err != nil {
		t.Fatalf("put foreign failed: %v", err)
	}
	infos, err := store.List(ctx, "room_1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 objects for room_1, got %d", len(infos))
	}
	if infos[0].Key != key || infos[1].Key != other {
		t.Fatalf("unexpected listing order %+v", infos)
	}

	removed, err := DeleteRoom(ctx, store, "room_1")
	if err != nil {
		t.Fatalf("delete room failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("expected delete of missing key to succeed, got %v", err)
	}
	if _, err := store.Get(ctx, foreign); err != nil {
		t.Fatalf("expected other room untouched, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("new file store failed: %v", err)
	}
	exerciseStore(t, store)
}

func TestParseKey(t *testing.T) {
	key, err := ParseKey("room_1/page_a/modifications")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if key.RoomID != "room_1" || key.PageID != "page_a" || key.Kind != KindModifications {
		t.Fatalf("unexpected key %+v", key)
	}
	for _, raw := range []string{"room/page", "room/page/thumbnail", "../page/base-history", "a/b/c/d"} {
		if _, err := ParseKey(raw); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected %q to be rejected, got %v", raw, err)
		}
	}
}

func TestBuildFromDSN(t *testing.T) {
	ctx := context.Background()
	store, err := BuildFromDSN(ctx, "memory://")
	if err != nil {
		t.Fatalf("memory dsn failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", store)
	}
	dir := t.TempDir()
	store, err = BuildFromDSN(ctx, "file://"+dir)
	if err != nil {
		t.Fatalf("file dsn failed: %v", err)
	}
	if _, ok := store.(*FileStore); !ok {
		t.Fatalf("expected *FileStore, got %T", store)
	}
	if _, err := BuildFromDSN(ctx, "azblob://container"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	if _, err := BuildFromDSN(ctx, "ftp://nope"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}

	called := false
	RegisterFactory("unit-blob", func(dsn string) (Store, error) {
		called = true
		return NewMemoryStore(), nil
	})
	if _, err := BuildFromDSN(ctx, "unit-blob://x"); err != nil {
		t.Fatalf("custom factory failed: %v", err)
	}
	if !called {
		t.Fatalf("expected custom factory to be used")
	}
}

func TestS3StoreRequiresBucket(t *testing.T) {
	if _, err := NewS3Store(S3Config{}); err == nil {
		t.Fatalf("expected missing bucket to fail")
	}
	store, err := BuildFromDSN(context.Background(), "s3://drawings/prod?endpoint=127.0.0.1:9000&secure=false")
	if err != nil {
		t.Fatalf("s3 dsn failed: %v", err)
	}
	s3, ok := store.(*S3Store)
	if !ok {
		t.Fatalf("expected *S3Store, got %T", store)
	}
	key := mustKey(t, "r", "p", KindBaseDocument)
	if got := s3.objectName(key); got != "prod/r/p/base-document" {
		t.Fatalf("unexpected object name %s", got)
	}
}

func TestInstrumentCountsOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	store := Instrument(NewMemoryStore(), "memory", metrics)
	ctx := context.Background()
	key := mustKey(t, "r", "p", KindBaseHistory)
	if err := store.Put(ctx, key, []byte("abcd"), Metadata{}); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, err := store.Get(ctx, mustKey(t, "r", "missing", KindBaseHistory)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.ops.WithLabelValues("memory", "put", "ok")); got != 1 {
		t.Fatalf("expected 1 put, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.ops.WithLabelValues("memory", "get", "not_found")); got != 1 {
		t.Fatalf("expected 1 not_found get, got %f", got)
	}
	if got := testutil.ToFloat64(metrics.bytes.WithLabelValues("memory", "put")); got != 4 {
		t.Fatalf("expected 4 bytes, got %f", got)
	}
}

func TestErrorWrapping(t *testing.T) {
	key := mustKey(t, "r", "p", KindBaseHistory)
	err := wrapErr("put", key, errors.New("boom"))
	if !errors.Is(err, ErrBlobStore) {
		t.Fatalf("expected ErrBlobStore, got %v", err)
	}
	if err.Error() != "blob put r/p/base-history: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

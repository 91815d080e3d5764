package room

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/inkrelay/internal/history"
)

func TestFrameMarshalShapes(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
		want  string
	}{
		{"empty full-sync", FullSync(nil), `{"type":"full-sync","state":{"pages":{}}}`},
		{"state-update nil history", StateUpdate(1, nil, nil), `{"type":"state-update","pageIdx":1,"history":[]}`},
		{
			"offload metadata",
			StateUpdate(0, nil, &FrameMetadata{BaseOffloaded: true, BaseHistoryCount: 2500, BlobKey: "r/p/base-history"}),
			`{"type":"state-update","pageIdx":0,"history":[],"metadata":{"baseOffloaded":true,"baseHistoryCount":2500,"blobKey":"r/p/base-history"}}`,
		},
		{"empty delta", HistoryDelta(3, history.Delta{}, nil), `{"type":"history-delta","pageIdx":3,"newItems":[],"modifications":{}}`},
	}
	for _, tc := range cases {
		data, err := json.Marshal(tc.frame)
		if err != nil {
			t.Fatalf("%s: marshal failed: %v", tc.name, err)
		}
		if string(data) != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, data)
		}
	}
	if _, err := json.Marshal(Frame{Type: "bogus"}); err == nil {
		t.Fatalf("expected unknown frame type to fail")
	}
}

func TestOffloadTransitionsAreMonotonic(t *testing.T) {
	state := NewRoomState()
	now := time.UnixMilli(1000)
	items := []history.Item{{ID: "s1", Tool: history.ToolPen, LastMod: 1}}

	if err := state.Apply(StateUpdate(0, items, &FrameMetadata{PageID: "p0", Kind: history.PageFreehand}), now); err != nil {
		t.Fatalf("state-update failed: %v", err)
	}
	if state.Pages[0].PageID != "p0" || state.Pages[0].Kind != history.PageFreehand {
		t.Fatalf("expected metadata applied, got %+v", state.Pages[0])
	}

	offload := StateUpdate(0, nil, &FrameMetadata{BaseOffloaded: true, BaseHistoryCount: 2500, BlobKey: "room/p0/base-history"})
	if err := state.Apply(offload, now); err != nil {
		t.Fatalf("offload failed: %v", err)
	}
	record := state.Pages[0]
	info, ok := record.State.Offloaded()
	if !ok || info.ItemCount != 2500 || info.BlobKey != "room/p0/base-history" {
		t.Fatalf("expected offloaded state, got %s", record.State)
	}
	if len(record.History) != 0 || record.History == nil {
		t.Fatalf("expected stored history cleared to [], got %v", record.History)
	}

	if err := state.Apply(StateUpdate(0, items, nil), now); !errors.Is(err, ErrRejectedFrame) {
		t.Fatalf("expected full history on offloaded page to be rejected, got %v", err)
	}
	if !state.Pages[0].State.IsOffloaded() {
		t.Fatalf("expected page to stay offloaded")
	}

	reoffload := StateUpdate(0, nil, &FrameMetadata{BaseOffloaded: true, BaseHistoryCount: 3000, BlobKey: "room/p0/base-history"})
	if err := state.Apply(reoffload, now); err != nil {
		t.Fatalf("re-offload failed: %v", err)
	}
	if info, _ := state.Pages[0].State.Offloaded(); info.ItemCount != 3000 {
		t.Fatalf("expected re-offload to replace count, got %d", info.ItemCount)
	}
	if err := state.Apply(StateUpdate(0, nil, &FrameMetadata{BaseOffloaded: true}), now); !errors.Is(err, ErrRejectedFrame) {
		t.Fatalf("expected offload without blob key to be rejected, got %v", err)
	}
}

func TestHistoryDeltaReplacesDeltaSet(t *testing.T) {
	state := NewRoomState()
	now := time.UnixMilli(2000)
	delta := history.Delta{
		NewItems:      []history.Item{{ID: "t1", Tool: history.ToolPen}},
		Modifications: map[string]history.ItemPatch{"s10": {Deleted: boolRef(true)}},
	}
	if err := state.Apply(HistoryDelta(0, delta, nil), now); !errors.Is(err, ErrRejectedFrame) {
		t.Fatalf("expected delta on unknown page to be rejected, got %v", err)
	}
	if err := state.Apply(StateUpdate(0, nil, &FrameMetadata{BaseOffloaded: true, BaseHistoryCount: 10, BlobKey: "r/p/base-history"}), now); err != nil {
		t.Fatalf("offload failed: %v", err)
	}
	if err := state.Apply(HistoryDelta(0, delta, nil), now); err != nil {
		t.Fatalf("delta failed: %v", err)
	}
	record := state.Pages[0]
	if len(record.NewItems) != 1 || record.Modifications["s10"].Deleted == nil {
		t.Fatalf("unexpected delta set %+v", record)
	}

	pointer := HistoryDelta(0, history.Delta{}, &FrameMetadata{ModificationsKey: "r/p/modifications", ModificationCount: 80})
	if err := state.Apply(pointer, now); err != nil {
		t.Fatalf("pointer delta failed: %v", err)
	}
	record = state.Pages[0]
	if record.ModificationsKey != "r/p/modifications" || record.Modifications != nil || record.ModificationCount != 80 {
		t.Fatalf("expected modifications pointer, got %+v", record)
	}
	if len(record.NewItems) != 0 {
		t.Fatalf("expected newItems replaced, got %d", len(record.NewItems))
	}
}

func TestApplyRejectsServerFrames(t *testing.T) {
	state := NewRoomState()
	if err := state.Apply(FullSync(nil), time.Now()); !errors.Is(err, ErrRejectedFrame) {
		t.Fatalf("expected full-sync to be rejected, got %v", err)
	}
	if err := state.Apply(Frame{Type: FrameStateUpdate, PageIdx: 0}, time.Now()); !errors.Is(err, ErrRejectedFrame) {
		t.Fatalf("expected state-update without history to be rejected, got %v", err)
	}
}

func TestValidatorDecode(t *testing.T) {
	validator, err := NewFrameValidator()
	if err != nil {
		t.Fatalf("new validator failed: %v", err)
	}
	frame, err := validator.Decode([]byte(`{"type":"history-delta","pageIdx":4,"newItems":[{"id":"t1","tool":"pen"}],"modifications":{"s1":{"deleted":true}},"metadata":{"modificationCount":1}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if frame.Type != FrameHistoryDelta || frame.PageIdx != 4 || len(frame.NewItems) != 1 {
		t.Fatalf("unexpected frame %+v", frame)
	}
	for _, raw := range []string{
		`{"type":"history-delta","pageIdx":-1}`,
		`{"type":"state-update","pageIdx":0,"history":[{"id":"a","tool":"laser"}]}`,
		`{"type":"history-delta","pageIdx":0,"modifications":{"s1":{"x":"far"}}}`,
		`{"type":"state-update","pageIdx":0,"metadata":{"kind":"spreadsheet"}}`,
	} {
		if _, err := validator.Decode([]byte(raw)); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("expected %s to be malformed, got %v", raw, err)
		}
	}
}

func exerciseStateBackend(t *testing.T, backend StateBackend) {
	t.Helper()
	if state, err := backend.Load("room_1"); err != nil || state != nil {
		t.Fatalf("expected empty load, got %+v, %v", state, err)
	}
	state := NewRoomState()
	if err := state.Apply(StateUpdate(0, []history.Item{{ID: "s1", Tool: history.ToolPen}}, nil), time.UnixMilli(5)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := state.Apply(StateUpdate(1, nil, &FrameMetadata{BaseOffloaded: true, BaseHistoryCount: 600, BlobKey: "room_1/p1/base-history"}), time.UnixMilli(6)); err != nil {
		t.Fatalf("apply offload failed: %v", err)
	}
	if err := backend.Save("room_1", state); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := backend.Load("room_1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded == nil || len(loaded.Pages[0].History) != 1 {
		t.Fatalf("unexpected loaded state %+v", loaded)
	}
	if info, ok := loaded.Pages[1].State.Offloaded(); !ok || info.ItemCount != 600 {
		t.Fatalf("expected offloaded page to survive round trip, got %s", loaded.Pages[1].State)
	}
	if err := backend.Delete("room_1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if state, err := backend.Load("room_1"); err != nil || state != nil {
		t.Fatalf("expected empty load after delete, got %+v, %v", state, err)
	}
}

func TestMemoryStateBackend(t *testing.T) {
	exerciseStateBackend(t, NewMemoryStateBackend())
}

func TestFileStateBackend(t *testing.T) {
	exerciseStateBackend(t, NewFileStateBackend(filepath.Join(t.TempDir(), "rooms")))
	if err := NewFileStateBackend(t.TempDir()).Save("a/b", NewRoomState()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for nested room id, got %v", err)
	}
}

func TestBuildStateBackendFromDSN(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("")
	if err != nil || backend != nil {
		t.Fatalf("expected nil backend for empty dsn, got %T, %v", backend, err)
	}
	backend, err = BuildStateBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("memory dsn failed: %v", err)
	}
	if _, ok := backend.(*MemoryStateBackend); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
	dir := t.TempDir()
	backend, err = BuildStateBackendFromDSN("file://" + dir)
	if err != nil {
		t.Fatalf("file dsn failed: %v", err)
	}
	if fb, ok := backend.(*FileStateBackend); !ok || fb.Dir != dir {
		t.Fatalf("expected file backend at %s, got %#v", dir, backend)
	}
	backend, err = BuildStateBackendFromDSN("redis://localhost:6379/2?prefix=test:rooms:&ttl=1h")
	if err != nil {
		t.Fatalf("redis dsn failed: %v", err)
	}
	rb, ok := backend.(*RedisStateBackend)
	if !ok {
		t.Fatalf("expected redis backend, got %T", backend)
	}
	if rb.key("r1") != "test:rooms:r1" || rb.ttl != time.Hour {
		t.Fatalf("unexpected redis config key=%s ttl=%s", rb.key("r1"), rb.ttl)
	}
	_ = rb.Close()
	backend, err = BuildStateBackendFromDSN("postgres://localhost/inkrelay?sslmode=disable")
	if err != nil {
		t.Fatalf("postgres dsn failed: %v", err)
	}
	if _, ok := backend.(*PostgresStateBackend); !ok {
		t.Fatalf("expected postgres backend, got %T", backend)
	}
	if _, err := BuildStateBackendFromDSN("sqlite://x"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	RegisterStateBackendFactory("unit-room", func(dsn string) (StateBackend, error) {
		return NewMemoryStateBackend(), nil
	})
	if _, err := BuildStateBackendFromDSN("unit-room://x"); err != nil {
		t.Fatalf("custom factory failed: %v", err)
	}
}

func TestPersistQueueDeduplicates(t *testing.T) {
	queue := newPersistQueue(2)
	if !queue.TryEnqueue("a") || !queue.TryEnqueue("a") {
		t.Fatalf("expected enqueue to succeed")
	}
	if stats := queue.Stats(); stats.Depth != 1 {
		t.Fatalf("expected duplicate to be collapsed, got depth %d", stats.Depth)
	}
	if !queue.TryEnqueue("b") {
		t.Fatalf("expected second room to enqueue")
	}
	if queue.TryEnqueue("c") {
		t.Fatalf("expected full queue to defer")
	}
	stats := queue.Stats()
	if stats.Capacity != 2 || stats.Deferred != 1 {
		t.Fatalf("expected capacity 2 with 1 deferred, got %+v", stats)
	}

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, ok := queue.Dequeue(ctx)
		if !ok || got != want {
			t.Fatalf("expected %s, got %q ok=%v", want, got, ok)
		}
	}
	if stats := queue.Stats(); stats.Depth != 0 || stats.Deferred != 0 {
		t.Fatalf("expected drained queue, got %+v", stats)
	}
}

func TestPersistenceErrorIs(t *testing.T) {
	err := error(&PersistenceError{RoomID: "r", Op: "save", Err: errors.New("timeout")})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence")
	}
	if err.Error() != "persist room r: save: timeout" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestPostgresStateBackendIntegration(t *testing.T) {
	dsn := os.Getenv("INKRELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INKRELAY_TEST_POSTGRES_DSN not set")
	}
	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new backend failed: %v", err)
	}
	pg := backend.(*PostgresStateBackend)
	pg.tableName = "inkrelay_rooms_test"
	defer pg.Close()
	exerciseStateBackend(t, backend)
}

func boolRef(v bool) *bool {
	return &v
}

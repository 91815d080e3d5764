package clientsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/agentworkforce/inkrelay/internal/blobstore"
	"github.com/agentworkforce/inkrelay/internal/history"
	"github.com/agentworkforce/inkrelay/internal/replica"
	"github.com/agentworkforce/inkrelay/internal/room"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
	ErrClosed       = errors.New("sync manager closed")
)

const (
	NotifyBlob      = "blob"
	NotifyTransport = "transport"
)

// Notification surfaces a failure the user may want to see. Sending one
// never blocks; when nobody drains the channel they are dropped.
type Notification struct {
	Kind    string
	PageIdx int
	Err     error
	At      time.Time
}

type Logger interface {
	Printf(format string, args ...any)
}

// Thresholds decide when a page leaves the realtime channel.
type Thresholds struct {
	Freehand      int
	Vector        int
	Modifications int
}

func DefaultThresholds() Thresholds {
	return Thresholds{Freehand: 2000, Vector: 500, Modifications: 50}
}

func (t Thresholds) normalized() Thresholds {
	def := DefaultThresholds()
	if t.Freehand <= 0 {
		t.Freehand = def.Freehand
	}
	if t.Vector <= 0 {
		t.Vector = def.Vector
	}
	if t.Modifications <= 0 {
		t.Modifications = def.Modifications
	}
	return t
}

func (t Thresholds) realtimeLimit(kind history.PageKind) int {
	if kind == history.PageVector {
		return t.Vector
	}
	return t.Freehand
}

type Options struct {
	RoomID      string
	ProjectName string
	Replica     *replica.Store
	Blobs       blobstore.Store
	Transport   Transport
	Thresholds  Thresholds
	Policy      history.Policy
	// SyncDelay and UploadDelay default to 300ms and 750ms.
	SyncDelay          time.Duration
	UploadDelay        time.Duration
	NotificationBuffer int
	Logger             Logger
	Now                func() time.Time
}

type sessionRecord struct {
	RoomID       string `json:"roomId"`
	ProjectName  string `json:"projectName,omitempty"`
	LastFullSync int64  `json:"lastFullSync,omitempty"`
}

type upload struct {
	data []byte
	meta blobstore.Metadata
	done func(error)
}

// Manager decides how each local page edit reaches the room: inline over
// the realtime channel, or as a blob plus a pointer frame once the page is
// too large. Page bookkeeping is guarded by mu; network calls run outside
// it.
type Manager struct {
	roomID      string
	projectName string
	replica     *replica.Store
	blobs       blobstore.Store
	transport   Transport
	thresholds  Thresholds
	policy      history.Policy
	logger      Logger
	now         func() time.Time
	notes       chan Notification

	ctx     context.Context
	cancel  context.CancelFunc
	syncs   *Coalescer[int, struct{}]
	uploads *Coalescer[blobstore.Key, upload]

	mu       sync.Mutex
	pages    map[int]*history.Page
	announce map[int]room.Frame
	closed   bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.RoomID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	if opts.Replica == nil {
		return nil, fmt.Errorf("replica store is required")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	syncDelay := opts.SyncDelay
	if syncDelay <= 0 {
		syncDelay = 300 * time.Millisecond
	}
	uploadDelay := opts.UploadDelay
	if uploadDelay <= 0 {
		uploadDelay = 750 * time.Millisecond
	}
	buffer := opts.NotificationBuffer
	if buffer <= 0 {
		buffer = 16
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		roomID:      opts.RoomID,
		projectName: opts.ProjectName,
		replica:     opts.Replica,
		blobs:       opts.Blobs,
		transport:   opts.Transport,
		thresholds:  opts.Thresholds.normalized(),
		policy:      opts.Policy,
		logger:      opts.Logger,
		now:         now,
		notes:       make(chan Notification, buffer),
		ctx:         ctx,
		cancel:      cancel,
		pages:       map[int]*history.Page{},
		announce:    map[int]room.Frame{},
	}
	m.syncs = NewCoalescer(ctx, syncDelay, func(ctx context.Context, pageIdx int, _ struct{}) {
		if err := m.EvaluateAndSync(ctx, pageIdx); err != nil {
			m.logf("sync page %d failed: %v", pageIdx, err)
		}
	})
	m.uploads = NewCoalescer(ctx, uploadDelay, m.runUpload)
	if err := m.load(); err != nil {
		cancel()
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	raw, err := m.replica.GetAll(replica.CollectionPages)
	if err != nil {
		return err
	}
	for key, data := range raw {
		var page history.Page
		if err := json.Unmarshal(data, &page); err != nil {
			m.logf("skipping unreadable page %s: %v", key, err)
			continue
		}
		m.pages[page.Index] = &page
	}
	var session sessionRecord
	err = m.replica.Get(replica.CollectionSession, "state", &session)
	if err != nil && !errors.Is(err, replica.ErrNotFound) {
		return err
	}
	session.RoomID = m.roomID
	if m.projectName != "" {
		session.ProjectName = m.projectName
	} else {
		m.projectName = session.ProjectName
	}
	return m.replica.Put(replica.CollectionSession, "state", session)
}

func (m *Manager) Notifications() <-chan Notification {
	return m.notes
}

// CreatePage registers a page with an explicit id and kind. An empty id
// becomes "page-{idx}".
func (m *Manager) CreatePage(pageIdx int, pageID string, kind history.PageKind) error {
	if pageIdx < 0 {
		return fmt.Errorf("%w: negative page index", ErrInvalidInput)
	}
	if kind != history.PageFreehand && kind != history.PageVector {
		return fmt.Errorf("%w: unknown page kind %q", ErrInvalidInput, kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[pageIdx]; ok {
		return nil
	}
	page := newPage(pageIdx, pageID, kind)
	m.pages[pageIdx] = page
	return m.savePage(page)
}

// DeletePage drops a page from the replica. PageState goes with it.
func (m *Manager) DeletePage(pageIdx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, pageIdx)
	delete(m.announce, pageIdx)
	return m.replica.Delete(replica.CollectionPages, strconv.Itoa(pageIdx))
}

func newPage(pageIdx int, pageID string, kind history.PageKind) *history.Page {
	if pageID == "" {
		pageID = "page-" + strconv.Itoa(pageIdx)
	}
	if kind == "" {
		kind = history.PageFreehand
	}
	return &history.Page{Index: pageIdx, ID: pageID, Kind: kind, History: []history.Item{}}
}

// Page returns a copy of the local replica of pageIdx.
func (m *Manager) Page(pageIdx int) (history.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageIdx]
	if !ok {
		return history.Page{}, fmt.Errorf("%w: page %d", ErrNotFound, pageIdx)
	}
	out := *page
	out.History = history.CloneItems(page.History)
	out.Base = history.CloneItems(page.Base)
	out.Selection = append([]int(nil), page.Selection...)
	return out, nil
}

func (m *Manager) PageIndices() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.pages))
	for idx := range m.pages {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// RecordChange stores the page's new history in the local replica before
// anything touches the network. Auto-compaction runs first when the policy
// triggers; the number of compacted items is returned.
func (m *Manager) RecordChange(pageIdx int, items []history.Item) (int, error) {
	if pageIdx < 0 {
		return 0, fmt.Errorf("%w: negative page index", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if _, dup := seen[it.ID]; dup {
			return 0, fmt.Errorf("%w: duplicate item id %s", ErrInvalidInput, it.ID)
		}
		seen[it.ID] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	page, ok := m.pages[pageIdx]
	if !ok {
		page = newPage(pageIdx, "", "")
		m.pages[pageIdx] = page
	}
	page.History = history.CloneItems(items)
	if page.History == nil {
		page.History = []history.Item{}
	}
	page.UpdatedAt = m.now().UnixMilli()
	removed := m.policy.AutoCompact(page)
	if removed > 0 {
		m.logf("compacted %d deleted items on page %d", removed, pageIdx)
	}
	return removed, m.savePage(page)
}

func (m *Manager) ScheduleSync(pageIdx int) {
	m.syncs.Schedule(pageIdx, struct{}{})
}

// EvaluateAndSync sends the page over whichever path its size calls for.
// Nothing is written to the network when the page has not changed since
// the last successful send.
func (m *Manager) EvaluateAndSync(ctx context.Context, pageIdx int) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	page, ok := m.pages[pageIdx]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: page %d", ErrNotFound, pageIdx)
	}
	items := history.CloneItems(page.History)
	base := history.CloneItems(page.Base)
	pageID, kind, state, stale := page.ID, page.Kind, page.State, page.BaseStale
	lastSent := page.LastSentHash
	announcement, unannounced := m.announce[pageIdx]
	m.mu.Unlock()

	offload, offloaded := state.Offloaded()
	if !offloaded {
		if len(items) > m.thresholds.realtimeLimit(kind) {
			return m.scheduleBaseUpload(pageIdx, pageID, kind, items)
		}
		frame := room.StateUpdate(pageIdx, items, m.metadata(pageID, kind))
		hash, err := hashPayload("state", items)
		if err != nil {
			return err
		}
		if hash == lastSent {
			return nil
		}
		return m.send(ctx, pageIdx, frame, hash)
	}

	if unannounced {
		if err := m.send(ctx, pageIdx, announcement, ""); err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.announce, pageIdx)
		m.mu.Unlock()
	}
	if stale {
		refreshed, err := m.fetchBase(ctx, pageIdx, offload.BlobKey)
		if err != nil {
			return err
		}
		base = refreshed
	}

	delta := history.ComputeDelta(base, items)
	if delta.Empty() {
		return nil
	}
	hash, err := hashPayload("delta", delta)
	if err != nil {
		return err
	}
	if hash == lastSent {
		return nil
	}
	meta := m.metadata(pageID, kind)
	meta.BlobKey = offload.BlobKey
	if len(delta.Modifications) <= m.thresholds.Modifications {
		return m.send(ctx, pageIdx, room.HistoryDelta(pageIdx, delta, meta), hash)
	}

	key, err := blobstore.NewKey(m.roomID, pageID, blobstore.KindModifications)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(delta.Modifications)
	if err != nil {
		return err
	}
	meta.ModificationsKey = key.String()
	meta.ModificationCount = len(delta.Modifications)
	frame := room.HistoryDelta(pageIdx, history.Delta{NewItems: delta.NewItems}, meta)
	m.uploads.Schedule(key, upload{
		data: payload,
		meta: blobstore.Metadata{ProjectName: m.projectName, ContentType: "application/json"},
		done: func(err error) {
			if err != nil {
				m.notify(NotifyBlob, pageIdx, err)
				return
			}
			if err := m.send(m.ctx, pageIdx, frame, hash); err != nil {
				m.logf("send delta for page %d failed: %v", pageIdx, err)
			}
		},
	})
	return nil
}

func (m *Manager) metadata(pageID string, kind history.PageKind) *room.FrameMetadata {
	return &room.FrameMetadata{PageID: pageID, Kind: kind, Timestamp: m.now().UnixMilli()}
}

func (m *Manager) scheduleBaseUpload(pageIdx int, pageID string, kind history.PageKind, items []history.Item) error {
	key, err := blobstore.NewKey(m.roomID, pageID, blobstore.KindBaseHistory)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return err
	}
	m.uploads.Schedule(key, upload{
		data: payload,
		meta: blobstore.Metadata{ProjectName: m.projectName, ContentType: "application/json"},
		done: func(err error) {
			if err != nil {
				m.notify(NotifyBlob, pageIdx, err)
				return
			}
			m.completeOffload(pageIdx, key, kind, items)
		},
	})
	return nil
}

// completeOffload runs once the base upload succeeded: the page becomes
// BaseOffloaded and peers are told to fetch the base.
func (m *Manager) completeOffload(pageIdx int, key blobstore.Key, kind history.PageKind, base []history.Item) {
	m.mu.Lock()
	page, ok := m.pages[pageIdx]
	if !ok {
		m.mu.Unlock()
		return
	}
	next, err := page.State.MarkOffloaded(key.String(), len(base))
	if err != nil {
		m.mu.Unlock()
		m.logf("mark page %d offloaded failed: %v", pageIdx, err)
		return
	}
	page.State = next
	page.Base = history.CloneItems(base)
	page.BaseStale = false
	page.LastSentHash = ""
	diverged := !history.ComputeDelta(page.Base, page.History).Empty()
	if err := m.savePage(page); err != nil {
		m.logf("persist page %d failed: %v", pageIdx, err)
	}
	meta := m.metadata(page.ID, kind)
	meta.BaseOffloaded = true
	meta.BaseHistoryCount = len(base)
	meta.BlobKey = key.String()
	frame := room.StateUpdate(pageIdx, []history.Item{}, meta)
	m.announce[pageIdx] = frame
	m.mu.Unlock()

	if err := m.send(m.ctx, pageIdx, frame, ""); err != nil {
		m.logf("announce offload of page %d failed: %v", pageIdx, err)
		return
	}
	m.mu.Lock()
	if pending, ok := m.announce[pageIdx]; ok && pending.Metadata == meta {
		delete(m.announce, pageIdx)
	}
	m.mu.Unlock()
	if diverged {
		m.ScheduleSync(pageIdx)
	}
}

// UploadDocument stores the page's original document bytes. Uploads are
// coalesced like every other blob write.
func (m *Manager) UploadDocument(pageIdx int, data []byte, contentType string) error {
	m.mu.Lock()
	page, ok := m.pages[pageIdx]
	var pageID string
	if ok {
		pageID = page.ID
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: page %d", ErrNotFound, pageIdx)
	}
	key, err := blobstore.NewKey(m.roomID, pageID, blobstore.KindBaseDocument)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = blobstore.DefaultContentType(blobstore.KindBaseDocument)
	}
	m.uploads.Schedule(key, upload{
		data: append([]byte(nil), data...),
		meta: blobstore.Metadata{ProjectName: m.projectName, ContentType: contentType},
		done: func(err error) {
			if err != nil {
				m.notify(NotifyBlob, pageIdx, err)
			}
		},
	})
	return nil
}

func (m *Manager) runUpload(ctx context.Context, key blobstore.Key, task upload) {
	err := m.blobs.Put(ctx, key, task.data, task.meta)
	if err != nil {
		m.logf("upload %s failed: %v", key, err)
	}
	if task.done != nil {
		task.done(err)
	}
}

func (m *Manager) send(ctx context.Context, pageIdx int, frame room.Frame, hash string) error {
	if err := m.transport.Send(ctx, frame); err != nil {
		var transportErr *TransportError
		if !errors.As(err, &transportErr) {
			err = &TransportError{Op: "send", Err: err}
		}
		m.notify(NotifyTransport, pageIdx, err)
		return err
	}
	if hash == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if page, ok := m.pages[pageIdx]; ok {
		page.LastSentHash = hash
		if err := m.savePage(page); err != nil {
			m.logf("persist page %d failed: %v", pageIdx, err)
		}
	}
	return nil
}

// HandleFrame merges a frame relayed by the room into the local replica.
// Blob fetches happen before the lock is taken.
func (m *Manager) HandleFrame(ctx context.Context, frame room.Frame) error {
	switch frame.Type {
	case room.FrameFullSync:
		return m.applyFullSync(ctx, frame.State)
	case room.FrameStateUpdate:
		return m.applyStateUpdate(ctx, frame)
	case room.FrameHistoryDelta:
		return m.applyHistoryDelta(ctx, frame)
	default:
		return fmt.Errorf("%w: unknown frame type %q", ErrInvalidInput, frame.Type)
	}
}

type remoteView struct {
	record  *room.PageRecord
	base    []history.Item
	items   []history.Item
	fetched bool
}

func (m *Manager) applyFullSync(ctx context.Context, state *room.RoomState) error {
	if state == nil {
		state = room.NewRoomState()
	}
	views := make(map[int]remoteView, len(state.Pages))
	var firstErr error
	for idx, record := range state.Pages {
		if record == nil {
			continue
		}
		view := remoteView{record: record, items: record.History}
		if offload, ok := record.State.Offloaded(); ok {
			base, err := m.loadBase(ctx, offload.BlobKey)
			if err != nil {
				m.notify(NotifyBlob, idx, err)
				if firstErr == nil {
					firstErr = err
				}
			} else {
				mods, err := m.loadModifications(ctx, record.ModificationsKey, record.Modifications)
				if err != nil {
					m.notify(NotifyBlob, idx, err)
					if firstErr == nil {
						firstErr = err
					}
				}
				view.base = base
				view.items = history.ApplyDelta(base, record.NewItems, mods)
				view.fetched = true
			}
		}
		views[idx] = view
	}

	resend, err := m.mergeFullSync(views)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	for _, idx := range resend {
		m.ScheduleSync(idx)
	}
	return firstErr
}

// mergeFullSync folds the room's snapshot into every page and returns the
// pages that hold edits or announcements the room has not seen.
func (m *Manager) mergeFullSync(views map[int]remoteView) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	resend := map[int]struct{}{}
	for idx, view := range views {
		page, ok := m.pages[idx]
		if !ok {
			page = newPage(idx, view.record.PageID, view.record.Kind)
			m.pages[idx] = page
		}
		if offload, remoteOffloaded := view.record.State.Offloaded(); remoteOffloaded {
			if next, err := page.State.MarkOffloaded(offload.BlobKey, offload.ItemCount); err == nil {
				page.State = next
			}
			delete(m.announce, idx)
			if view.fetched {
				page.Base = history.CloneItems(view.base)
				page.BaseStale = false
				if history.Ahead(page.History, view.items) {
					resend[idx] = struct{}{}
				}
				mergeInto(page, view.items)
			} else {
				page.BaseStale = true
				if len(page.History) > 0 {
					resend[idx] = struct{}{}
				}
			}
		} else {
			if history.Ahead(page.History, view.items) {
				resend[idx] = struct{}{}
			}
			mergeInto(page, view.items)
			if offload, localOffloaded := page.State.Offloaded(); localOffloaded {
				if _, pending := m.announce[idx]; !pending {
					meta := &room.FrameMetadata{
						BaseOffloaded:    true,
						BaseHistoryCount: offload.ItemCount,
						BlobKey:          offload.BlobKey,
						PageID:           page.ID,
						Kind:             page.Kind,
						Timestamp:        m.now().UnixMilli(),
					}
					m.announce[idx] = room.StateUpdate(idx, []history.Item{}, meta)
				}
			}
		}
		if page.History == nil {
			page.History = []history.Item{}
		}
	}
	for idx, page := range m.pages {
		if _, known := views[idx]; !known && len(page.History) > 0 {
			resend[idx] = struct{}{}
		}
		if _, pending := m.announce[idx]; pending {
			resend[idx] = struct{}{}
		}
		page.LastSentHash = ""
		if err := m.savePage(page); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	session := sessionRecord{RoomID: m.roomID, ProjectName: m.projectName, LastFullSync: m.now().UnixMilli()}
	if err := m.replica.Put(replica.CollectionSession, "state", session); err != nil && firstErr == nil {
		firstErr = err
	}
	out := make([]int, 0, len(resend))
	for idx := range resend {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out, firstErr
}

// mergeInto folds remote items into the page and carries the selection
// over to the merged indices.
func mergeInto(page *history.Page, remote []history.Item) {
	merged := history.MergeByID(page.History, remote)
	page.Selection = history.RemapSelection(page.History, merged, page.Selection)
	page.History = merged
}

func (m *Manager) applyStateUpdate(ctx context.Context, frame room.Frame) error {
	meta := frame.Metadata
	if frame.Offloaded() {
		base, err := m.loadBase(ctx, meta.BlobKey)
		m.mu.Lock()
		defer m.mu.Unlock()
		page := m.pageFor(frame.PageIdx, meta)
		next, markErr := page.State.MarkOffloaded(meta.BlobKey, meta.BaseHistoryCount)
		if markErr != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, markErr)
		}
		page.State = next
		delete(m.announce, frame.PageIdx)
		if err != nil {
			page.BaseStale = true
			m.notify(NotifyBlob, frame.PageIdx, err)
			if saveErr := m.savePage(page); saveErr != nil {
				m.logf("persist page %d failed: %v", frame.PageIdx, saveErr)
			}
			return err
		}
		page.Base = base
		page.BaseStale = false
		mergeInto(page, base)
		return m.savePage(page)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	page := m.pageFor(frame.PageIdx, meta)
	mergeInto(page, frame.History)
	if page.History == nil {
		page.History = []history.Item{}
	}
	return m.savePage(page)
}

func (m *Manager) applyHistoryDelta(ctx context.Context, frame room.Frame) error {
	meta := frame.Metadata
	m.mu.Lock()
	page, ok := m.pages[frame.PageIdx]
	var base []history.Item
	needBase := true
	blobKey := ""
	if meta != nil {
		blobKey = meta.BlobKey
	}
	if ok {
		if offload, offloaded := page.State.Offloaded(); offloaded && !page.BaseStale {
			base = history.CloneItems(page.Base)
			needBase = blobKey != "" && blobKey != offload.BlobKey
			if blobKey == "" {
				blobKey = offload.BlobKey
			}
		} else if offloaded && blobKey == "" {
			blobKey = offload.BlobKey
		}
	}
	m.mu.Unlock()

	if needBase {
		if blobKey == "" {
			return fmt.Errorf("%w: delta for page %d without a base", ErrInvalidState, frame.PageIdx)
		}
		fetched, err := m.loadBase(ctx, blobKey)
		if err != nil {
			m.notify(NotifyBlob, frame.PageIdx, err)
			return err
		}
		base = fetched
	}
	modsKey := ""
	if meta != nil {
		modsKey = meta.ModificationsKey
	}
	mods, err := m.loadModifications(ctx, modsKey, frame.Modifications)
	if err != nil {
		m.notify(NotifyBlob, frame.PageIdx, err)
		return err
	}
	view := history.ApplyDelta(base, frame.NewItems, mods)

	m.mu.Lock()
	defer m.mu.Unlock()
	page = m.pageFor(frame.PageIdx, meta)
	if needBase {
		next, markErr := page.State.MarkOffloaded(blobKey, len(base))
		if markErr != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, markErr)
		}
		page.State = next
		page.Base = base
		page.BaseStale = false
	}
	mergeInto(page, view)
	return m.savePage(page)
}

// pageFor returns the page, creating it from frame metadata when unknown.
// Callers hold mu.
func (m *Manager) pageFor(pageIdx int, meta *room.FrameMetadata) *history.Page {
	if page, ok := m.pages[pageIdx]; ok {
		return page
	}
	var pageID string
	var kind history.PageKind
	if meta != nil {
		pageID, kind = meta.PageID, meta.Kind
	}
	page := newPage(pageIdx, pageID, kind)
	m.pages[pageIdx] = page
	return page
}

func (m *Manager) loadBase(ctx context.Context, blobKey string) ([]history.Item, error) {
	key, err := blobstore.ParseKey(blobKey)
	if err != nil {
		return nil, err
	}
	obj, err := m.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var items []history.Item
	if err := json.Unmarshal(obj.Data, &items); err != nil {
		return nil, &blobstore.Error{Op: "decode", Key: blobKey, Err: err}
	}
	return items, nil
}

// loadModifications resolves a modificationsKey pointer. A blob that does
// not exist (yet) reads as an empty map.
func (m *Manager) loadModifications(ctx context.Context, modsKey string, inline map[string]history.ItemPatch) (map[string]history.ItemPatch, error) {
	if modsKey == "" {
		return inline, nil
	}
	key, err := blobstore.ParseKey(modsKey)
	if err != nil {
		return nil, err
	}
	obj, err := m.blobs.Get(ctx, key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return map[string]history.ItemPatch{}, nil
	}
	if err != nil {
		return nil, err
	}
	mods := map[string]history.ItemPatch{}
	if err := json.Unmarshal(obj.Data, &mods); err != nil {
		return nil, &blobstore.Error{Op: "decode", Key: modsKey, Err: err}
	}
	return mods, nil
}

func (m *Manager) fetchBase(ctx context.Context, pageIdx int, blobKey string) ([]history.Item, error) {
	base, err := m.loadBase(ctx, blobKey)
	if err != nil {
		m.notify(NotifyBlob, pageIdx, err)
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if page, ok := m.pages[pageIdx]; ok {
		page.Base = history.CloneItems(base)
		page.BaseStale = false
		if err := m.savePage(page); err != nil {
			m.logf("persist page %d failed: %v", pageIdx, err)
		}
	}
	return base, nil
}

func (m *Manager) SetSelection(pageIdx int, indices []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageIdx]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrNotFound, pageIdx)
	}
	for _, i := range indices {
		if i < 0 || i >= len(page.History) {
			return fmt.Errorf("%w: selection index %d out of range", ErrInvalidInput, i)
		}
	}
	page.Selection = append([]int(nil), indices...)
	return m.savePage(page)
}

// PinIndices marks the page's item indices as in use by an index-dependent
// operation such as undo. Compaction refuses to run until every pin is
// released.
func (m *Manager) PinIndices(pageIdx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageIdx]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrNotFound, pageIdx)
	}
	page.Pins++
	return nil
}

func (m *Manager) UnpinIndices(pageIdx int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageIdx]
	if !ok {
		return fmt.Errorf("%w: page %d", ErrNotFound, pageIdx)
	}
	if page.Pins == 0 {
		return fmt.Errorf("%w: page %d is not pinned", ErrInvalidState, pageIdx)
	}
	page.Pins--
	return nil
}

func (m *Manager) Compact(pageIdx int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageIdx]
	if !ok {
		return 0, fmt.Errorf("%w: page %d", ErrNotFound, pageIdx)
	}
	removed, err := history.Compact(page)
	if err != nil || removed == 0 {
		return removed, err
	}
	return removed, m.savePage(page)
}

// Flush fires every pending sync and upload now and waits for them,
// including the syncs that finished uploads schedule.
func (m *Manager) Flush(ctx context.Context) error {
	for {
		if err := m.syncs.Flush(ctx); err != nil {
			return err
		}
		if err := m.uploads.Flush(ctx); err != nil {
			return err
		}
		if m.syncs.Idle() && m.uploads.Idle() {
			return nil
		}
	}
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.syncs.Close()
	m.uploads.Close()
	m.cancel()
	return nil
}

func (m *Manager) savePage(page *history.Page) error {
	return m.replica.Put(replica.CollectionPages, strconv.Itoa(page.Index), page)
}

func (m *Manager) notify(kind string, pageIdx int, err error) {
	select {
	case m.notes <- Notification{Kind: kind, PageIdx: pageIdx, Err: err, At: m.now()}:
	default:
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func hashPayload(tag string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(tag+":"), data...))
	return hex.EncodeToString(sum[:]), nil
}

package room

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultIdleTimeout     = time.Minute
	defaultPersistWorkers  = 2
	defaultPersistCapacity = 1024
	defaultInboxCapacity   = 256
	roomLockStripes        = 64
)

type HubOptions struct {
	// Backend stores room snapshots. Nil keeps rooms in memory only.
	Backend   StateBackend
	Validator *FrameValidator
	Logger    logrus.FieldLogger
	Metrics   *Metrics

	IdleTimeout     time.Duration
	PersistWorkers  int
	PersistCapacity int
	SessionBuffer   int
	InboxCapacity   int
	Now             func() time.Time
}

type roomEntry struct {
	ready    chan struct{}
	coord    *coordinator
	err      error
	attached int
}

// coordinator returns nil until the room finished rehydrating.
func (e *roomEntry) coordinator() *coordinator {
	select {
	case <-e.ready:
		return e.coord
	default:
		return nil
	}
}

// Hub routes sessions to per-room coordinators. A room's coordinator is
// created on first connect and evicted after it has been idle.
type Hub struct {
	mu       sync.Mutex
	rooms    map[string]*roomEntry
	sessions map[string]*roomEntry
	closed   bool

	// roomLocks serialise load, save, evict and delete of a room.
	roomLocks [roomLockStripes]sync.Mutex

	backend       StateBackend
	validator     *FrameValidator
	logger        logrus.FieldLogger
	metrics       *Metrics
	queue         *persistQueue
	idleTimeout   time.Duration
	sessionBuffer int
	inboxCapacity int
	now           func() time.Time

	queueCtx    context.Context
	queueCancel context.CancelFunc
	wg          sync.WaitGroup
}

func NewHub(opts HubOptions) (*Hub, error) {
	validator := opts.Validator
	if validator == nil {
		var err error
		validator, err = NewFrameValidator()
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	idle := opts.IdleTimeout
	if idle == 0 {
		idle = defaultIdleTimeout
	}
	workers := opts.PersistWorkers
	if workers <= 0 {
		workers = defaultPersistWorkers
	}
	capacity := opts.PersistCapacity
	if capacity <= 0 {
		capacity = defaultPersistCapacity
	}
	inbox := opts.InboxCapacity
	if inbox <= 0 {
		inbox = defaultInboxCapacity
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	h := &Hub{
		rooms:         map[string]*roomEntry{},
		sessions:      map[string]*roomEntry{},
		backend:       opts.Backend,
		validator:     validator,
		logger:        logger,
		metrics:       metrics,
		queue:         newPersistQueue(capacity),
		idleTimeout:   idle,
		sessionBuffer: opts.SessionBuffer,
		inboxCapacity: inbox,
		now:           now,
		queueCtx:      queueCtx,
		queueCancel:   queueCancel,
	}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			h.persistWorker()
		}()
	}
	return h, nil
}

func (h *Hub) NewSession(roomID, userID string) *Session {
	return NewSession(roomID, userID, h.sessionBuffer)
}

// Connect attaches s to its room. The session's first outbound frame is a
// full-sync of the room's canonical state.
func (h *Hub) Connect(ctx context.Context, roomID string, s *Session) error {
	if !validRoomID(roomID) || s == nil {
		return ErrInvalidInput
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	entry := h.rooms[roomID]
	created := entry == nil
	if created {
		entry = &roomEntry{ready: make(chan struct{})}
		h.rooms[roomID] = entry
	}
	entry.attached++
	h.sessions[s.ID] = entry
	h.mu.Unlock()
	h.metrics.sessions.Inc()

	if created {
		h.startRoom(roomID, entry)
	}
	select {
	case <-entry.ready:
	case <-ctx.Done():
		h.Disconnect(roomID, s.ID)
		return ctx.Err()
	}
	if entry.err != nil {
		h.Disconnect(roomID, s.ID)
		return entry.err
	}
	c := entry.coord
	if err := c.call(ctx, func() { c.attach(s) }); err != nil {
		h.Disconnect(roomID, s.ID)
		return err
	}
	c.log.WithFields(logrus.Fields{"session": s.ID, "user": s.UserID}).Debug("[room] session attached")
	return nil
}

func (h *Hub) startRoom(roomID string, entry *roomEntry) {
	defer close(entry.ready)

	persistent := h.backend != nil
	var state *RoomState
	if persistent {
		lock := h.roomLock(roomID)
		lock.Lock()
		loaded, err := h.backend.Load(roomID)
		lock.Unlock()
		if err != nil {
			perr := &PersistenceError{RoomID: roomID, Op: "load", Err: err}
			h.logger.WithField("room", roomID).WithError(perr).Error("[room] rehydration failed, running without persistence")
			h.metrics.persistFailures.WithLabelValues("load").Inc()
			persistent = false
		} else {
			state = loaded
		}
	}
	if state == nil {
		state = NewRoomState()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		entry.err = ErrHubClosed
		return
	}
	c := newCoordinator(h, entry, roomID, state, persistent)
	entry.coord = c
	h.metrics.rooms.Inc()
	go c.run()
}

// Deliver validates raw, applies it to the room and relays it to every
// other session. Malformed or rejected frames are dropped and reported.
func (h *Hub) Deliver(ctx context.Context, roomID, sessionID string, raw []byte) error {
	h.metrics.framesReceived.Inc()
	log := h.logger.WithFields(logrus.Fields{"room": roomID, "session": sessionID})
	frame, err := h.validator.Decode(raw)
	if err != nil {
		h.metrics.framesRejected.WithLabelValues("malformed").Inc()
		log.WithError(err).Warn("[room] dropping malformed frame")
		return err
	}

	h.mu.Lock()
	entry := h.sessions[sessionID]
	h.mu.Unlock()
	if entry == nil {
		return ErrNotFound
	}
	c := entry.coordinator()
	if c == nil || c.roomID != roomID {
		return ErrNotFound
	}
	var applyErr error
	if err := c.call(ctx, func() { applyErr = c.apply(sessionID, frame, raw) }); err != nil {
		return err
	}
	if applyErr != nil {
		h.metrics.framesRejected.WithLabelValues("rejected").Inc()
		log.WithError(applyErr).Warn("[room] dropping rejected frame")
		return applyErr
	}
	return nil
}

func (h *Hub) Disconnect(roomID, sessionID string) {
	h.mu.Lock()
	entry := h.sessions[sessionID]
	if entry == nil {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, sessionID)
	entry.attached--
	h.mu.Unlock()
	h.metrics.sessions.Dec()

	c := entry.coordinator()
	if c == nil {
		return
	}
	_ = c.call(context.Background(), func() { c.detach(sessionID) })
}

// Snapshot returns a copy of a room's canonical state, read from the live
// coordinator when there is one and from the state backend otherwise.
func (h *Hub) Snapshot(ctx context.Context, roomID string) (*RoomState, error) {
	if !validRoomID(roomID) {
		return nil, ErrInvalidInput
	}
	h.mu.Lock()
	entry := h.rooms[roomID]
	h.mu.Unlock()
	if entry != nil {
		if c := entry.coordinator(); c != nil {
			var state *RoomState
			var snapErr error
			if err := c.call(ctx, func() { state, _, snapErr = c.snapshot() }); err == nil {
				return state, snapErr
			}
		}
	}
	if h.backend == nil {
		return nil, ErrNotFound
	}
	lock := h.roomLock(roomID)
	lock.Lock()
	state, err := h.backend.Load(roomID)
	lock.Unlock()
	if err != nil {
		return nil, &PersistenceError{RoomID: roomID, Op: "load", Err: err}
	}
	if state == nil {
		return nil, ErrNotFound
	}
	return state, nil
}

func (h *Hub) Rooms(ctx context.Context) ([]RoomStatus, error) {
	h.mu.Lock()
	coords := make([]*coordinator, 0, len(h.rooms))
	for _, entry := range h.rooms {
		if c := entry.coordinator(); c != nil {
			coords = append(coords, c)
		}
	}
	h.mu.Unlock()

	out := make([]RoomStatus, 0, len(coords))
	for _, c := range coords {
		var status RoomStatus
		err := c.call(ctx, func() { status = c.status() })
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

// DeleteRoom stops the room's coordinator, closes its sessions and removes
// the durable snapshot.
func (h *Hub) DeleteRoom(ctx context.Context, roomID string) error {
	if !validRoomID(roomID) {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := h.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	h.mu.Lock()
	entry := h.rooms[roomID]
	if entry != nil {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()
	if entry != nil {
		if c := entry.coordinator(); c != nil {
			h.shutdownCoordinator(c, false)
		}
	}
	if h.backend == nil {
		return nil
	}
	if err := h.backend.Delete(roomID); err != nil {
		h.metrics.persistFailures.WithLabelValues("delete").Inc()
		return &PersistenceError{RoomID: roomID, Op: "delete", Err: err}
	}
	h.logger.WithField("room", roomID).Info("[room] deleted")
	return nil
}

// Close stops every coordinator with a final save and drains the persist
// workers.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	entries := h.rooms
	h.rooms = map[string]*roomEntry{}
	h.mu.Unlock()

	for roomID, entry := range entries {
		c := entry.coordinator()
		if c == nil {
			continue
		}
		lock := h.roomLock(roomID)
		lock.Lock()
		h.shutdownCoordinator(c, true)
		lock.Unlock()
	}
	h.queueCancel()
	h.wg.Wait()
	if h.backend != nil {
		return closeBackend(h.backend)
	}
	return nil
}

func (h *Hub) evictIdle(c *coordinator) {
	lock := h.roomLock(c.roomID)
	lock.Lock()
	defer lock.Unlock()

	h.mu.Lock()
	if h.closed || c.entry.attached > 0 {
		h.mu.Unlock()
		return
	}
	current := h.rooms[c.roomID] == c.entry
	if current {
		delete(h.rooms, c.roomID)
	}
	h.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	h.shutdownCoordinator(c, current)
	c.log.Debug("[room] evicted idle room")
}

// shutdownCoordinator must be called with the room lock held.
func (h *Hub) shutdownCoordinator(c *coordinator, save bool) {
	var final *RoomState
	var seq uint64
	if err := c.call(context.Background(), func() { final, seq = c.shutdown() }); err != nil {
		return
	}
	h.metrics.rooms.Dec()
	if !save || !c.persistent || seq <= c.savedSeq.Load() {
		return
	}
	h.save(c, final, seq)
}

func (h *Hub) schedulePersist(c *coordinator) {
	if !h.queue.TryEnqueue(c.roomID) {
		c.log.Warn("[room] persist queue full, snapshot deferred until a worker frees a slot")
	}
}

// PersistQueue reports how many rooms are waiting for a snapshot save.
func (h *Hub) PersistQueue() QueueStats {
	return h.queue.Stats()
}

func (h *Hub) persistWorker() {
	for {
		roomID, ok := h.queue.Dequeue(h.queueCtx)
		if !ok {
			return
		}
		h.persistRoom(roomID)
	}
}

func (h *Hub) persistRoom(roomID string) {
	lock := h.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	h.mu.Lock()
	entry := h.rooms[roomID]
	h.mu.Unlock()
	if entry == nil {
		return
	}
	c := entry.coordinator()
	if c == nil || !c.persistent {
		return
	}
	var state *RoomState
	var seq uint64
	var snapErr error
	if err := c.call(h.queueCtx, func() { state, seq, snapErr = c.snapshot() }); err != nil {
		return
	}
	if snapErr != nil {
		c.log.WithError(snapErr).Error("[room] snapshot failed")
		return
	}
	if seq <= c.savedSeq.Load() {
		return
	}
	h.save(c, state, seq)
}

func (h *Hub) save(c *coordinator, state *RoomState, seq uint64) {
	if err := h.backend.Save(c.roomID, state); err != nil {
		perr := &PersistenceError{RoomID: c.roomID, Op: "save", Err: err}
		c.log.WithError(perr).Warn("[room] snapshot save failed")
		h.metrics.persistFailures.WithLabelValues("save").Inc()
		return
	}
	c.savedSeq.Store(seq)
	h.metrics.persistSaves.Inc()
}

func (h *Hub) roomLock(roomID string) *sync.Mutex {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(roomID))
	return &h.roomLocks[hasher.Sum32()%roomLockStripes]
}

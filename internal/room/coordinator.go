package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type RoomStatus struct {
	RoomID     string `json:"roomId"`
	Sessions   int    `json:"sessions"`
	Pages      int    `json:"pages"`
	Dirty      bool   `json:"dirty"`
	Persistent bool   `json:"persistent"`
}

// coordinator owns the canonical state of one room. Every field below the
// divider is touched only from run's goroutine; other goroutines reach it
// through call.
type coordinator struct {
	roomID string
	hub    *Hub
	entry  *roomEntry
	inbox  chan func()
	done   chan struct{}
	log    logrus.FieldLogger

	// persistent is false when rehydration failed, so an empty state can
	// never overwrite the durable snapshot.
	persistent bool
	savedSeq   atomic.Uint64

	// ---
	state    *RoomState
	sessions map[string]*Session
	seq      uint64
	idle     *time.Timer
	stopped  bool
}

func newCoordinator(hub *Hub, entry *roomEntry, roomID string, state *RoomState, persistent bool) *coordinator {
	return &coordinator{
		roomID:     roomID,
		hub:        hub,
		entry:      entry,
		inbox:      make(chan func(), hub.inboxCapacity),
		done:       make(chan struct{}),
		log:        hub.logger.WithField("room", roomID),
		persistent: persistent,
		state:      state,
		sessions:   map[string]*Session{},
	}
}

func (c *coordinator) run() {
	defer close(c.done)
	c.armIdle()
	for fn := range c.inbox {
		fn()
		if c.stopped {
			return
		}
	}
}

// call runs fn on the coordinator goroutine and waits for it to finish.
func (c *coordinator) call(ctx context.Context, fn func()) error {
	result := make(chan struct{})
	wrapped := func() {
		fn()
		close(result)
	}
	select {
	case c.inbox <- wrapped:
	case <-c.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-result:
		return nil
	case <-c.done:
		select {
		case <-result:
			return nil
		default:
			return ErrRoomClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *coordinator) attach(s *Session) {
	c.disarmIdle()
	c.sessions[s.ID] = s
	payload, err := json.Marshal(FullSync(c.state))
	if err != nil {
		c.log.WithError(err).Error("[room] full-sync encode failed")
		c.drop(s)
		return
	}
	select {
	case s.out <- payload:
	default:
		c.drop(s)
	}
}

func (c *coordinator) detach(sessionID string) {
	if s, ok := c.sessions[sessionID]; ok {
		delete(c.sessions, sessionID)
		close(s.out)
	}
	if len(c.sessions) == 0 {
		c.armIdle()
	}
}

func (c *coordinator) drop(s *Session) {
	if _, ok := c.sessions[s.ID]; !ok {
		return
	}
	delete(c.sessions, s.ID)
	close(s.out)
	c.hub.metrics.sessionsDropped.Inc()
	c.log.WithField("session", s.ID).Warn("[room] outbound buffer full, dropping session")
	if len(c.sessions) == 0 {
		c.armIdle()
	}
}

// apply accepts a decoded frame from senderID and relays raw to every other
// session in acceptance order.
func (c *coordinator) apply(senderID string, frame Frame, raw []byte) error {
	if _, ok := c.sessions[senderID]; !ok {
		return fmt.Errorf("%w: session %s is not attached", ErrNotFound, senderID)
	}
	if err := c.state.Apply(frame, c.hub.now()); err != nil {
		return err
	}
	c.seq++
	if c.persistent {
		c.hub.schedulePersist(c)
	}
	for id, s := range c.sessions {
		if id == senderID {
			continue
		}
		select {
		case s.out <- raw:
			c.hub.metrics.framesRelayed.Inc()
		default:
			c.drop(s)
		}
	}
	return nil
}

func (c *coordinator) snapshot() (*RoomState, uint64, error) {
	clone, err := c.state.Clone()
	if err != nil {
		return nil, 0, err
	}
	return clone, c.seq, nil
}

func (c *coordinator) status() RoomStatus {
	return RoomStatus{
		RoomID:     c.roomID,
		Sessions:   len(c.sessions),
		Pages:      len(c.state.Pages),
		Dirty:      c.persistent && c.seq > c.savedSeq.Load(),
		Persistent: c.persistent,
	}
}

// shutdown closes every session and makes run return after this call.
func (c *coordinator) shutdown() (*RoomState, uint64) {
	c.disarmIdle()
	for id, s := range c.sessions {
		delete(c.sessions, id)
		close(s.out)
	}
	c.stopped = true
	return c.state, c.seq
}

func (c *coordinator) armIdle() {
	if c.hub.idleTimeout <= 0 {
		return
	}
	if c.idle != nil {
		c.idle.Stop()
	}
	c.idle = time.AfterFunc(c.hub.idleTimeout, func() {
		c.hub.evictIdle(c)
	})
}

func (c *coordinator) disarmIdle() {
	if c.idle == nil {
		return
	}
	c.idle.Stop()
	c.idle = nil
}

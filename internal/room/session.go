package room

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

const defaultSessionBuffer = 64

// Session is one attached connection. Its outbound channel is written and
// closed only by the room's coordinator; the transport drains it.
type Session struct {
	ID          string
	RoomID      string
	UserID      string
	ConnectedAt time.Time

	out chan []byte
}

func NewSession(roomID, userID string, buffer int) *Session {
	if buffer <= 0 {
		buffer = defaultSessionBuffer
	}
	return &Session{
		ID:          ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String(),
		RoomID:      roomID,
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		out:         make(chan []byte, buffer),
	}
}

// Outbound yields frames for the session in order. It is closed when the
// session is removed, dropped or its room shuts down.
func (s *Session) Outbound() <-chan []byte {
	return s.out
}

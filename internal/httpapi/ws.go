package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/inkrelay/internal/room"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

const (
	wsReadLimit    = 16 << 20
	wsWriteTimeout = 10 * time.Second
)

// handleConnect upgrades to a websocket session attached to roomID. Browsers
// cannot set headers on the upgrade, so the token may also arrive as the
// access_token query parameter.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, roomID string) {
	correlationID := getCorrelationID(r)
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "rooms are not enabled", correlationID)
		return
	}
	var (
		claims  tokenClaims
		authErr *authError
	)
	now := time.Now().UTC()
	if header := r.Header.Get("Authorization"); header != "" {
		claims, authErr = authorizeBearer(header, s.cfg.JWTSecret, scopeRoomsJoin, now)
	} else {
		claims, authErr = authorizeToken(strings.TrimSpace(r.URL.Query().Get("access_token")), s.cfg.JWTSecret, scopeRoomsJoin, now)
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.UserID, now) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.WithError(err).WithField("room", roomID).Debug("[httpapi] websocket upgrade failed")
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session := s.hub.NewSession(roomID, claims.UserID)
	log := s.logger.WithFields(logrus.Fields{"room": roomID, "session": session.ID, "user": claims.UserID})
	if err := s.hub.Connect(ctx, roomID, session); err != nil {
		log.WithError(err).Warn("[httpapi] room attach failed")
		status := websocket.StatusInternalError
		if errors.Is(err, room.ErrInvalidInput) {
			status = websocket.StatusPolicyViolation
		} else if errors.Is(err, room.ErrHubClosed) {
			status = websocket.StatusGoingAway
		}
		_ = conn.Close(status, err.Error())
		return
	}
	defer s.hub.Disconnect(roomID, session.ID)
	log.Info("[httpapi] session connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-session.Outbound():
				if !ok {
					// The room dropped the session; the client reconnects and
					// receives a fresh full-sync.
					_ = conn.Close(websocket.StatusPolicyViolation, "session closed by room")
					return
				}
				writeCtx, writeCancel := context.WithTimeout(ctx, wsWriteTimeout)
				err := conn.Write(writeCtx, websocket.MessageText, payload)
				writeCancel()
				if err != nil {
					log.WithError(err).Debug("[httpapi] websocket write failed")
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				log.WithError(err).Debug("[httpapi] websocket read ended")
			}
			break
		}
		if err := s.hub.Deliver(ctx, roomID, session.ID, data); err != nil {
			if errors.Is(err, room.ErrMalformedFrame) || errors.Is(err, room.ErrRejectedFrame) {
				continue
			}
			log.WithError(err).Warn("[httpapi] delivery failed")
			break
		}
	}
	cancel()
	<-writerDone
	_ = conn.Close(websocket.StatusNormalClosure, "")
	log.Info("[httpapi] session disconnected")
}

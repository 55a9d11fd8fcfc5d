package server

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/marquee/internal/push"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	streamWriteTimeout       = 10 * time.Second
)

// handleStream upgrades to a websocket and forwards the user's realtime messages until the
// client leaves or the access token expires, in which case the socket closes with 4001.
func (h *httpHandler) handleStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("stream upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var expiry <-chan time.Time
	if expiresAt, ok := c.Get(tokenExpiryContextKey); ok {
		if deadline, ok := expiresAt.(time.Time); ok && !deadline.IsZero() {
			timer := time.NewTimer(time.Until(deadline))
			defer timer.Stop()
			expiry = timer.C
		}
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	h.logger.Debug("stream opened", zap.String("user_id", userID))
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("stream closed", zap.String("user_id", userID))
			return
		case <-expiry:
			h.logger.Info("stream credential expired", zap.String("user_id", userID))
			closeStream(conn, push.CloseCredentialRejected, "credential expired")
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(push.Event{Name: message.EventType, Payload: message.Payload}); err != nil {
				h.logger.Debug("stream write failed", zap.String("user_id", userID), zap.Error(err))
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func closeStream(conn *websocket.Conn, code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
}

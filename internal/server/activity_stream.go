package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const opHandleStream = "server.activity_stream"

type activityEventPayload struct {
	PostID    string `json:"postId"`
	CommentID string `json:"commentId,omitempty"`
	ActorID   string `json:"actorId"`
	Timestamp int64  `json:"timestamp"`
}

type heartbeatPayload struct {
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp"`
}

// handleActivityStream serves a server-sent event stream of activity on the caller's posts.
func (h *httpHandler) handleActivityStream(c *gin.Context) {
	claims, ok := sessionClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx := c.Request.Context()
	internalID, err := h.identities.Lookup(ctx, claims.Subject)
	if err != nil {
		h.respondError(c, opHandleStream, err)
		return
	}

	stream, cleanup := h.realtime.Subscribe(ctx, internalID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: time.Now().Unix()})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, activityEventPayload{
				PostID:    message.PostID,
				CommentID: message.CommentID,
				ActorID:   message.ActorID,
				Timestamp: message.Timestamp.Unix(),
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: tick.Unix()})
			return true
		}
	})
}

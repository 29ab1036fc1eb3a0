package server

import (
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/presswise/signet/internal/events"
)

const (
	streamBufferSize        = 16
	streamHeartbeatInterval = 15 * time.Second
)

type streamEventPayload struct {
	Type      string `json:"type"`
	RecordID  string `json:"record_id,omitempty"`
	SubjectID string `json:"subject_id,omitempty"`
	Remaining int    `json:"remaining,omitempty"`
	Timestamp string `json:"timestamp"`
}

// handleEventStream exposes the bus as a server-sent-events feed. Delivery is
// best-effort: a slow consumer drops events rather than blocking the bus, and
// late subscribers must re-query current state through /sync/status.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	stream := make(chan events.Event, streamBufferSize)
	unsubscribe := h.events.Subscribe(func(event events.Event) {
		select {
		case stream <- event:
		default:
		}
	})
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"ts": time.Now().UTC().Format(time.RFC3339)})
			return true
		case event := <-stream:
			data, err := json.Marshal(streamEventPayload{
				Type:      string(event.Type),
				RecordID:  event.RecordID,
				SubjectID: event.SubjectID,
				Remaining: event.Remaining,
				Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			})
			if err != nil {
				return true
			}
			c.SSEvent(string(event.Type), string(data))
			return true
		}
	})
}

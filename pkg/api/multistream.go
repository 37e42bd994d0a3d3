package api

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vibetunnel/vibetunnel-server/pkg/stream"
)

// MultiStream fans out SSE events from several sessions into one
// response stream, each event tagged with the sessionId it came from,
// grounded in the sibling's multistream endpoint (§ supplemented
// feature: multi-session SSE multiplexing).
func (h *Handler) MultiStream(c *gin.Context) {
	sessionIDs := c.QueryArray("session_id")
	if len(sessionIDs) == 0 {
		c.JSON(400, gin.H{"error": "No session IDs provided"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	merged := make(chan string, 256)
	done := make(chan bool)

	clients := make([]*stream.Client, 0, len(sessionIDs))
	for _, sid := range sessionIDs {
		sid := sid
		client := &stream.Client{
			ID:          uuid.New().String(),
			SessionID:   sid,
			SendChannel: make(chan string, 100),
			Done:        make(chan bool),
		}
		if err := h.streamWatcher.AddClient(sid, client); err != nil {
			continue
		}
		clients = append(clients, client)

		go func() {
			for {
				select {
				case data, ok := <-client.SendChannel:
					if !ok {
						return
					}
					merged <- tagWithSessionID(sid, data)
				case <-client.Done:
					return
				case <-done:
					return
				}
			}
		}()
	}

	defer func() {
		close(done)
		for _, client := range clients {
			h.streamWatcher.RemoveClient(client.SessionID, client.ID)
		}
	}()

	c.String(200, ":ok\n\n")
	c.Writer.Flush()

	for {
		select {
		case data := <-merged:
			c.String(200, data)
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

// tagWithSessionID rewrites a "data: {...}\n\n" SSE chunk to include the
// owning sessionId, falling back to passing it through unchanged if it
// isn't the JSON shape we expect.
func tagWithSessionID(sessionID, chunk string) string {
	payload := strings.TrimSuffix(strings.TrimPrefix(chunk, "data: "), "\n\n")

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return chunk
	}
	event["sessionId"] = sessionID

	data, err := json.Marshal(event)
	if err != nil {
		return chunk
	}
	return "data: " + string(data) + "\n\n"
}

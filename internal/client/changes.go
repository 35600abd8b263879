package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/markdave123-py/chatrelay/internal/models"
)

// SubscribeChanges follows row changes for chatID until ctx ends. The
// returned channel is closed when the stream stops.
func (c *Client) SubscribeChanges(ctx context.Context, chatID string) (<-chan models.MessageChange, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(chatID)+"/changes", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.doStream(req)
	if err != nil {
		return nil, err
	}

	out := make(chan models.MessageChange, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		err := readSSE(resp.Body, func(m sseMessage) bool {
			if m.Event != "change" {
				return true
			}
			var ch models.MessageChange
			if err := json.Unmarshal([]byte(m.Data), &ch); err != nil {
				c.logger.Warn("bad change event", "error", err)
				return true
			}
			select {
			case out <- ch:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("change feed ended", "chat_id", chatID, "error", err)
		}
	}()
	return out, nil
}

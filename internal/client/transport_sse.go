package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/markdave123-py/chatrelay/internal/relay"
)

// SSETransport posts each turn to /api/chat/stream and relays the event
// stream of the response. Closing it cancels turns still streaming.
type SSETransport struct {
	c      *Client
	logger *slog.Logger
	events chan relay.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var _ Transport = (*SSETransport)(nil)

func (c *Client) NewSSETransport() *SSETransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &SSETransport{
		c:      c,
		logger: c.logger,
		events: make(chan relay.Event, 64),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Send starts the turn and returns once the relay has accepted the
// request. Events keep arriving on Events until the turn ends.
func (t *SSETransport) Send(ctx context.Context, turn Turn) error {
	if t.ctx.Err() != nil {
		return errors.New("transport closed")
	}
	b, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	// The stream outlives Send's ctx and ends with the transport.
	req, err := t.c.newRequest(t.ctx, http.MethodPost, "/api/chat/stream", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.c.doStream(req)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		resp.Body.Close()
		return err
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer resp.Body.Close()
		err := readSSE(resp.Body, func(m sseMessage) bool {
			var ev relay.Event
			if err := json.Unmarshal([]byte(m.Data), &ev); err != nil {
				t.logger.Warn("bad relay event", "error", err)
				return true
			}
			select {
			case t.events <- ev:
				return !ev.Terminal()
			case <-t.ctx.Done():
				return false
			}
		})
		if err != nil && t.ctx.Err() == nil {
			t.logger.Warn("relay stream ended", "error", err, "client_msg_id", turn.ClientMsgID)
		}
	}()
	return nil
}

func (t *SSETransport) Events() <-chan relay.Event { return t.events }

func (t *SSETransport) Close() error {
	t.once.Do(func() {
		t.cancel()
		t.wg.Wait()
		close(t.events)
	})
	return nil
}

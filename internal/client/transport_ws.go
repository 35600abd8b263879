package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markdave123-py/chatrelay/internal/relay"
)

const wsWriteTimeout = 10 * time.Second

// WSTransport is a single WebSocket connection to /api/chat/ws.
type WSTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger
	events chan relay.Event

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

var _ Transport = (*WSTransport)(nil)

// DialWS connects and waits for the relay's ready event.
func (c *Client) DialWS(ctx context.Context) (*WSTransport, error) {
	wsURL := c.endpoint("/api/chat/ws")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	var ready relay.Event
	if err := conn.ReadJSON(&ready); err != nil || ready.Type != relay.EventReady {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("unexpected first event %q", ready.Type)
		}
		return nil, fmt.Errorf("relay handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	t := &WSTransport{
		conn:   conn,
		logger: c.logger,
		events: make(chan relay.Event, 64),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) readLoop() {
	defer close(t.events)
	for {
		var ev relay.Event
		if err := t.conn.ReadJSON(&ev); err != nil {
			select {
			case <-t.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.logger.Warn("relay connection lost", "error", err)
				}
			}
			return
		}
		if ev.Type == relay.EventPong {
			continue
		}
		select {
		case t.events <- ev:
		case <-t.done:
			return
		}
	}
}

type wsFrame struct {
	Type string `json:"type"`
	Turn
}

func (t *WSTransport) write(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.conn.WriteJSON(v)
}

func (t *WSTransport) Send(ctx context.Context, turn Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.done:
		return errors.New("relay connection closed")
	default:
	}
	return t.write(wsFrame{Type: "send_message", Turn: turn})
}

// Ping asks the relay for a pong, which keeps intermediaries from idling
// the connection out.
func (t *WSTransport) Ping() error {
	return t.write(map[string]string{"type": "ping"})
}

func (t *WSTransport) Events() <-chan relay.Event { return t.events }

func (t *WSTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appMiddleware "github.com/markdave123-py/chatrelay/internal/api/middlewares"
	"github.com/markdave123-py/chatrelay/internal/api/sse"
	"github.com/markdave123-py/chatrelay/internal/relay"
)

const (
	wsMaxMessageBytes = 64 << 10
	wsReadTimeout     = 60 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsPingInterval    = 25 * time.Second
)

// TurnRunner executes one chat turn.
type TurnRunner interface {
	RunTurn(ctx context.Context, req relay.TurnRequest, emit relay.Emitter) error
}

type ChatHandler struct {
	relay    TurnRunner
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewChatHandler(r TurnRunner, allowedOrigins []string, logger *slog.Logger) *ChatHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &ChatHandler{
		relay:  r,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(req *http.Request) bool {
				origin := req.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
}

// clientFrame is what a WebSocket client sends.
type clientFrame struct {
	Type        string `json:"type"`
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	ClientMsgID string `json:"client_msg_id"`
	Mode        string `json:"mode"`
}

// wsEmitter serializes writes on one connection.
type wsEmitter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (e *wsEmitter) Emit(ctx context.Context, ev relay.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return e.conn.WriteJSON(ev)
}

func (e *wsEmitter) ping() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// ServeWS upgrades to a WebSocket and runs turns for send_message frames
// until the client goes away. Turns share the connection's lifetime.
func (h *ChatHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	owner, ok := appMiddleware.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	conn.SetReadLimit(wsMaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	em := &wsEmitter{conn: conn}
	if err := em.Emit(ctx, relay.Event{Type: relay.EventReady}); err != nil {
		return
	}

	var turns sync.WaitGroup
	defer turns.Wait()

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := em.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", "error", err)
			}
			cancel()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = em.Emit(ctx, relay.Event{Type: relay.EventError, Error: "invalid message"})
			continue
		}

		switch frame.Type {
		case "ping":
			_ = em.Emit(ctx, relay.Event{Type: relay.EventPong})
		case "send_message":
			req := relay.TurnRequest{
				ConversationID: frame.ChatID,
				Text:           frame.Text,
				ClientMsgID:    frame.ClientMsgID,
				Mode:           frame.Mode,
				Owner:          owner,
			}
			turns.Add(1)
			go func() {
				defer turns.Done()
				if err := h.relay.RunTurn(ctx, req, em); err != nil && !errors.Is(err, context.Canceled) {
					h.logger.Info("turn ended with error", "chat_id", req.ConversationID, "error", err)
				}
			}()
		default:
			_ = em.Emit(ctx, relay.Event{Type: relay.EventError, Error: "unknown message type"})
		}
	}
}

type streamRequest struct {
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	ClientMsgID string `json:"client_msg_id"`
	Mode        string `json:"mode"`
}

type sseEmitter struct{ w *sse.Writer }

func (e sseEmitter) Emit(ctx context.Context, ev relay.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.w.Send(string(ev.Type), ev)
}

// StreamSSE runs a single turn and streams its events over SSE. The turn is
// bound to the request: a client disconnect stops delta emission.
func (h *ChatHandler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	owner, ok := appMiddleware.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req streamRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, wsMaxMessageBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	sw, err := sse.New(w)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)

	err = h.relay.RunTurn(r.Context(), relay.TurnRequest{
		ConversationID: req.ChatID,
		Text:           req.Text,
		ClientMsgID:    req.ClientMsgID,
		Mode:           req.Mode,
		Owner:          owner,
	}, sseEmitter{w: sw})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Info("turn ended with error", "chat_id", req.ChatID, "error", err)
	}
}

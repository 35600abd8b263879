package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	appMiddleware "github.com/markdave123-py/chatrelay/internal/api/middlewares"
	"github.com/markdave123-py/chatrelay/internal/api/sse"
	"github.com/markdave123-py/chatrelay/internal/services"
)

const changeKeepAlive = 20 * time.Second

type ConversationHandler struct {
	svc    *services.ConversationService
	logger *slog.Logger
}

func NewConversationHandler(svc *services.ConversationService, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{svc: svc, logger: logger}
}

type createConversationRequest struct {
	Title string `json:"title"`
	Mode  string `json:"mode"`
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner, ok := appMiddleware.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req createConversationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
	}
	conv, err := h.svc.Create(r.Context(), owner, req.Title, req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := appMiddleware.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	convs, err := h.svc.List(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

type renameRequest struct {
	Title string `json:"title"`
}

func (h *ConversationHandler) Rename(w http.ResponseWriter, r *http.Request) {
	owner, ok := appMiddleware.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	if err := h.svc.Rename(r.Context(), owner, chi.URLParam(r, "id"), req.Title); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner, ok := appMiddleware.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.svc.Delete(r.Context(), owner, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	owner, ok := appMiddleware.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	msgs, err := h.svc.Messages(r.Context(), owner, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *ConversationHandler) Search(w http.ResponseWriter, r *http.Request) {
	owner, ok := appMiddleware.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hits, err := h.svc.Search(r.Context(), owner, chi.URLParam(r, "id"), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

// Changes streams insert/update/delete notifications for one conversation.
func (h *ConversationHandler) Changes(w http.ResponseWriter, r *http.Request) {
	owner, ok := appMiddleware.OwnerFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	changes, err := h.svc.Changes(ctx, owner, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	sw, err := sse.New(w)
	if err != nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)

	keepAlive := time.NewTicker(changeKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if err := sw.Comment("keep-alive"); err != nil {
				return
			}
		case ch, ok := <-changes:
			if !ok {
				return
			}
			if err := sw.Send("change", ch); err != nil {
				h.logger.Debug("change feed client gone", "error", err)
				return
			}
		}
	}
}

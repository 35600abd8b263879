package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	appMiddleware "github.com/markdave123-py/chatrelay/internal/api/middlewares"
	"github.com/markdave123-py/chatrelay/internal/models"
)

const guestTokenTTL = 7 * 24 * time.Hour

// AuthHandler issues guest identities. Registered users arrive with tokens
// minted by the account service using the same secret.
type AuthHandler struct {
	secret string
}

func NewAuthHandler(secret string) *AuthHandler {
	return &AuthHandler{secret: secret}
}

func (h *AuthHandler) CreateGuest(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		http.Error(w, "guest sessions disabled", http.StatusServiceUnavailable)
		return
	}
	guestID := uuid.NewString()
	token, err := appMiddleware.IssueToken(h.secret, models.Owner{GuestID: guestID}, guestTokenTTL)
	if err != nil {
		http.Error(w, "could not issue token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"guest_id": guestID, "token": token})
}

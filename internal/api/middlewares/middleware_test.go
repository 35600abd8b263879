package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/chatrelay/internal/models"
)

const secret = "test-secret"

func ownerEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, ok := OwnerFromContext(r.Context())
		if !ok {
			http.Error(w, "no owner", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(owner.UserID + "|" + owner.GuestID))
	})
}

func TestJWTMiddleware(t *testing.T) {
	guestTok, err := IssueToken(secret, models.Owner{GuestID: "g1"}, time.Hour)
	require.NoError(t, err)
	userTok, err := IssueToken(secret, models.Owner{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken(secret, models.Owner{UserID: "u1"}, -time.Hour)
	require.NoError(t, err)
	both, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "u", "guest_id": "g"}).SignedString([]byte(secret))
	require.NoError(t, err)
	wrongKey, err := IssueToken("other", models.Owner{UserID: "u1"}, time.Hour)
	require.NoError(t, err)

	h := JWTMiddleware(secret)(ownerEcho())

	tests := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{"guest header", "Bearer " + guestTok, "", http.StatusOK, "|g1"},
		{"user header", "Bearer " + userTok, "", http.StatusOK, "u1|"},
		{"query param", "", guestTok, http.StatusOK, "|g1"},
		{"missing", "", "", http.StatusUnauthorized, ""},
		{"expired", "Bearer " + expired, "", http.StatusUnauthorized, ""},
		{"two owners", "Bearer " + both, "", http.StatusUnauthorized, ""},
		{"wrong key", "Bearer " + wrongKey, "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/x"
			if tt.query != "" {
				target += "?access_token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestJWTMiddlewareWithoutSecretRejects(t *testing.T) {
	tok, err := IssueToken("anything", models.Owner{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	JWTMiddleware("")(ownerEcho()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInternalToken(t *testing.T) {
	h := InternalToken("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	for _, wrong := range []string{"s3cres", "s3cret ", "s"} {
		req.Header.Set("X-Internal-Token", wrong)
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, "token %q", wrong)
	}

	req.Header.Set("X-Internal-Token", "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	open := InternalToken("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req.Header.Set("X-Internal-Token", "")
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew", nil))
	assert.Contains(t, buf.String(), "path=/brew")
	assert.Contains(t, buf.String(), "status=418")
}

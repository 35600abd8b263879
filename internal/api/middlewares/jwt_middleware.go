package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/markdave123-py/chatrelay/internal/models"
)

type ctxKey int

const ownerKey ctxKey = iota

// JWTMiddleware validates the bearer token and attaches the caller's Owner
// to the request context. Browsers cannot set headers on WebSocket or
// EventSource requests, so an access_token query parameter is accepted too.
func JWTMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := bearerToken(r)
			if tokenStr == "" {
				http.Error(w, "missing or invalid token", http.StatusUnauthorized)
				return
			}

			owner, err := ParseToken(secret, tokenStr)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// ParseToken verifies an HS256 token and returns the owner it names. The
// token must carry exactly one of user_id or guest_id.
func ParseToken(secret, tokenStr string) (models.Owner, error) {
	if secret == "" {
		return models.Owner{}, jwt.ErrTokenUnverifiable
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return models.Owner{}, jwt.ErrTokenInvalidClaims
	}

	userID, _ := claims["user_id"].(string)
	guestID, _ := claims["guest_id"].(string)
	owner := models.Owner{UserID: userID, GuestID: guestID}
	if !owner.Valid() {
		return models.Owner{}, jwt.ErrTokenInvalidClaims
	}
	return owner, nil
}

// IssueToken signs a token for owner valid for ttl.
func IssueToken(secret string, owner models.Owner, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{"exp": time.Now().Add(ttl).Unix()}
	if owner.UserID != "" {
		claims["user_id"] = owner.UserID
	} else {
		claims["guest_id"] = owner.GuestID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func WithOwner(ctx context.Context, owner models.Owner) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

// OwnerFromContext returns the authenticated caller.
func OwnerFromContext(ctx context.Context) (models.Owner, bool) {
	owner, ok := ctx.Value(ownerKey).(models.Owner)
	return owner, ok && owner.Valid()
}

// InternalToken guards service-to-service endpoints with a shared secret in
// the X-Internal-Token header.
func InternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Internal-Token")
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

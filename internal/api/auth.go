package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"digital.vasic.nexuscloud/pkg/remoteerr"
)

type contextKey string

const userContextKey contextKey = "user"

// Auth verifies bearer tokens issued by the identity service. Only HS256
// tokens are accepted; the sub claim is the current user.
type Auth struct {
	secret []byte
}

// NewAuth creates a verifier for tokens signed with secret.
func NewAuth(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

// Middleware rejects requests without a valid token and stores the user ID
// in the request context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			writeError(w, remoteerr.Wrap(remoteerr.KindAuthenticationFailed, "auth", "",
				errors.New("missing authentication token")))
			return
		}

		userID, err := a.validateToken(tokenStr)
		if err != nil {
			writeError(w, remoteerr.Wrap(remoteerr.KindAuthenticationFailed, "auth", "",
				fmt.Errorf("invalid token: %w", err)))
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) validateToken(tokenStr string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// UserID returns the authenticated user of the request context.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userContextKey).(string)
	return id
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query parameter fallback for download links.
	return r.URL.Query().Get("token")
}

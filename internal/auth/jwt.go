// Package auth provides JWT-based authentication middleware.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/marmak/mirror/internal/accounts"
	"github.com/marmak/mirror/internal/logging"
	"github.com/marmak/mirror/internal/metrics"
	"github.com/marmak/mirror/internal/mirror"
)

type contextKey string

const userContextKey contextKey = "user"

// tokenCookie is the session cookie carrying the JWT for browser
// clients; API clients use the Authorization header instead.
const tokenCookie = "token"

// Claims holds JWT token claims.
type Claims struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Perms    int    `json:"perms"`
	jwt.RegisteredClaims
}

// Auth handles login and token validation.
type Auth struct {
	store  *accounts.Store
	secret []byte
	ttl    time.Duration
}

// New creates an Auth handler. The store may be nil in tests; login
// then always fails.
func New(store *accounts.Store, jwtSecret string, ttl time.Duration) *Auth {
	return &Auth{
		store:  store,
		secret: []byte(jwtSecret),
		ttl:    ttl,
	}
}

// Middleware decodes the caller identity from the request, when
// present. Requests without a valid token proceed as the anonymous
// caller; handlers that need a session enforce it themselves through
// the resolver and visibility rules.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := a.validateToken(tokenStr)
		if err != nil {
			logging.Debug("token rejected", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin wraps a handler so only administrator sessions reach it.
func (a *Auth) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFrom(r.Context())
		if id.IsAnonymous() {
			sendAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !id.IsAdmin() {
			sendAuthError(w, http.StatusForbidden, "administrator access required")
			return
		}
		next(w, r)
	}
}

// RequireAuth wraps a handler so only authenticated sessions reach it.
func (a *Auth) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if IdentityFrom(r.Context()).IsAnonymous() {
			sendAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r)
	}
}

// GetClaims extracts claims from the request context, nil for
// anonymous requests.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

// IdentityFrom derives the caller identity from the request context.
func IdentityFrom(ctx context.Context) mirror.Identity {
	claims := GetClaims(ctx)
	if claims == nil {
		return mirror.Anonymous()
	}
	return mirror.Identity{Username: claims.Username, Perms: claims.Perms}
}

// WithClaims injects claims into a context. Used by tests.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

// HandleLogin handles POST /api/login.
func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "username and password required")
		return
	}
	if a.store == nil {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusServiceUnavailable, "login unavailable")
		return
	}

	user, err := a.store.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, accounts.ErrInvalidCredentials) {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed", zap.String("username", req.Username))
		sendAuthError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Error("login database error", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "database error")
		return
	}

	tokenStr, expires, err := a.IssueToken(user)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	metrics.RecordAuthAttempt(true)
	logging.Info("login successful",
		zap.String("username", user.Username),
		zap.Int("perms", user.Perms))

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    tokenStr,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"token":      tokenStr,
		"expires_at": expires,
		"user": map[string]any{
			"username": user.Username,
			"email":    user.Email,
			"perms":    user.Perms,
		},
	})
}

// HandleLogout clears the session cookie.
func (a *Auth) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

// IssueToken signs a JWT for the given account.
func (a *Auth) IssueToken(user *accounts.User) (string, time.Time, error) {
	now := time.Now()
	claims := &Claims{
		Username: user.Username,
		Email:    user.Email,
		Perms:    user.Perms,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "mirror",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, claims.ExpiresAt.Time, nil
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if c, err := r.Cookie(tokenCookie); err == nil {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
		"code":  code,
	})
}

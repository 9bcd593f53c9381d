package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marmak/mirror/internal/accounts"
	"github.com/marmak/mirror/internal/mirror"
)

const testSecret = "test-secret-test-secret"

func TestTokenRoundTrip(t *testing.T) {
	a := New(nil, testSecret, time.Hour)

	tokenStr, expires, err := a.IssueToken(&accounts.User{
		Username: "alice",
		Email:    "alice@example.com",
		Perms:    mirror.PermStandard,
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if !expires.After(time.Now()) {
		t.Error("token already expired")
	}

	claims, err := a.validateToken(tokenStr)
	if err != nil {
		t.Fatalf("validate token: %v", err)
	}
	if claims.Username != "alice" || claims.Perms != mirror.PermStandard {
		t.Errorf("claims = %+v", claims)
	}
}

func TestTokenWrongSecretRejected(t *testing.T) {
	a := New(nil, testSecret, time.Hour)
	other := New(nil, "another-secret-another", time.Hour)

	tokenStr, _, err := a.IssueToken(&accounts.User{Username: "alice", Perms: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.validateToken(tokenStr); err == nil {
		t.Error("token signed with a different secret must not validate")
	}
}

func TestMiddlewareAnonymousWithoutToken(t *testing.T) {
	a := New(nil, testSecret, time.Hour)

	var got mirror.Identity
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = IdentityFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !got.IsAnonymous() {
		t.Errorf("identity without token = %+v, want anonymous", got)
	}
	if got.Username != mirror.AnonymousUser {
		t.Errorf("username = %s, want %s", got.Username, mirror.AnonymousUser)
	}
}

func TestMiddlewareBearerToken(t *testing.T) {
	a := New(nil, testSecret, time.Hour)
	tokenStr, _, err := a.IssueToken(&accounts.User{Username: "root", Perms: mirror.PermAdmin})
	if err != nil {
		t.Fatal(err)
	}

	var got mirror.Identity
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = IdentityFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !got.IsAdmin() {
		t.Errorf("identity = %+v, want admin", got)
	}
}

func TestMiddlewareGarbageTokenIsAnonymous(t *testing.T) {
	a := New(nil, testSecret, time.Hour)

	var got mirror.Identity
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = IdentityFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !got.IsAnonymous() {
		t.Errorf("garbage token should degrade to anonymous, got %+v", got)
	}
}

func TestRequireAdmin(t *testing.T) {
	a := New(nil, testSecret, time.Hour)
	handler := a.RequireAdmin(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Anonymous: 401
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status = %d, want 401", rec.Code)
	}

	// Standard user: 403
	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), &Claims{Username: "alice", Perms: mirror.PermStandard}))
	handler(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("standard user: status = %d, want 403", rec.Code)
	}

	// Admin: 200
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), &Claims{Username: "root", Perms: mirror.PermAdmin}))
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("admin: status = %d, want 200", rec.Code)
	}
}

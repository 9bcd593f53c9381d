// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/dustin/go-humanize"
	"github.com/marmak/mirror/internal/accounts"
	"github.com/marmak/mirror/internal/auth"
	"github.com/marmak/mirror/internal/config"
	"github.com/marmak/mirror/internal/downloads"
	"github.com/marmak/mirror/internal/events"
	"github.com/marmak/mirror/internal/logging"
	"github.com/marmak/mirror/internal/metrics"
	"github.com/marmak/mirror/internal/mirror"
	"github.com/marmak/mirror/internal/quota"
)

// errorResponse is the JSON error envelope shared by all handlers.
type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Server is the HTTP server.
type Server struct {
	config    *config.Config
	resolver  *mirror.Resolver
	vis       *mirror.Visibility
	index     *mirror.SizeIndex
	lister    *mirror.Lister
	admission *quota.Admission
	auth      *auth.Auth

	// Optional database-backed stores; nil disables the feature.
	accounts  *accounts.Store
	downloads *downloads.Store

	// SSE
	broadcaster *events.Broadcaster

	rateLimiter *quota.RateLimiter
	uploads     *ChunkedUploadManager
}

// NewServer creates a new server.
func NewServer(
	cfg *config.Config,
	resolver *mirror.Resolver,
	vis *mirror.Visibility,
	index *mirror.SizeIndex,
	lister *mirror.Lister,
	admission *quota.Admission,
	authHandler *auth.Auth,
	accountStore *accounts.Store,
	downloadStore *downloads.Store,
	broadcaster *events.Broadcaster,
	rateLimiter *quota.RateLimiter,
) *Server {
	s := &Server{
		config:      cfg,
		resolver:    resolver,
		vis:         vis,
		index:       index,
		lister:      lister,
		admission:   admission,
		auth:        authHandler,
		accounts:    accountStore,
		downloads:   downloadStore,
		broadcaster: broadcaster,
		rateLimiter: rateLimiter,
	}
	s.uploads = NewChunkedUploadManager(cfg.UploadTempDir, cfg.ChunkSize, s)
	return s
}

// Uploads exposes the chunked upload manager so main can start its
// cleanup loop.
func (s *Server) Uploads() *ChunkedUploadManager {
	return s.uploads
}

// Handler returns the HTTP handler with auth, rate limiting, logging
// and metrics middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Auth
	mux.HandleFunc("POST /api/login", s.auth.HandleLogin)
	mux.HandleFunc("POST /api/logout", s.auth.HandleLogout)

	// Listings
	mux.HandleFunc("GET /api/listing", s.handleListing)
	mux.HandleFunc("GET /api/listing/{path...}", s.handleListing)

	// File content
	mux.HandleFunc("GET /files/{path...}", s.handleFile)

	// Mutating operations
	mux.HandleFunc("POST /api/upload/{path...}", s.handleUpload)
	mux.HandleFunc("DELETE /api/files/{path...}", s.handleDelete)
	mux.HandleFunc("POST /api/rename", s.handleRename)
	mux.HandleFunc("POST /api/mkdir", s.handleMkdir)

	// Chunked uploads
	mux.HandleFunc("POST /api/uploads", s.uploads.handleInitUpload)
	mux.HandleFunc("PUT /api/uploads/{uploadId}/chunks/{chunkIndex}", s.uploads.handleUploadChunk)
	mux.HandleFunc("POST /api/uploads/{uploadId}/complete", s.uploads.handleCompleteUpload)
	mux.HandleFunc("GET /api/uploads/{uploadId}", s.uploads.handleUploadStatus)
	mux.HandleFunc("DELETE /api/uploads/{uploadId}", s.uploads.handleAbortUpload)

	// SSE endpoint
	mux.HandleFunc("GET /api/events", s.handleEvents)

	// User usage endpoint
	mux.HandleFunc("GET /api/usage", s.handleGetUsage)

	// Admin endpoints
	mux.HandleFunc("POST /api/refresh", s.auth.RequireAdmin(s.handleRefresh))
	mux.HandleFunc("GET /api/sizes", s.auth.RequireAdmin(s.handleSizes))
	mux.HandleFunc("GET /api/admin/users", s.auth.RequireAdmin(s.handleListUsers))
	mux.HandleFunc("POST /api/admin/users", s.auth.RequireAdmin(s.handleCreateUser))
	mux.HandleFunc("DELETE /api/admin/users/{username}", s.auth.RequireAdmin(s.handleDeleteUser))
	mux.HandleFunc("PUT /api/admin/users/{username}/password", s.auth.RequireAdmin(s.handleChangePassword))

	// Rate limiting needs the identity, so the auth middleware runs first.
	rateLimited := quota.RateLimitMiddleware(s.rateLimiter, s.admission, auth.IdentityFrom)(mux)
	authed := s.auth.Middleware(rateLimited)

	return metrics.Middleware(logging.Middleware(authed))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// publishEvent publishes an event to the broadcaster if available.
func (s *Server) publishEvent(eventType, path string, size int64) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(events.Event{
		Type: eventType,
		Path: path,
		Size: size,
	})
}

// refreshIndex triggers an out-of-band size index rebuild after a
// mutation. Concurrent triggers are allowed; the snapshot swap keeps
// readers consistent either way.
func (s *Server) refreshIndex() {
	metrics.RecordIndexTrigger("request")
	go func() {
		if err := s.index.Refresh(); err != nil {
			logging.Warn("size index refresh failed", zap.Error(err))
		}
	}()
}

// refreshIndexSync rebuilds the index before the response goes out.
// Upload paths use this so the next request is admitted against the
// usage they just grew.
func (s *Server) refreshIndexSync() {
	metrics.RecordIndexTrigger("request")
	if err := s.index.Refresh(); err != nil {
		logging.Warn("size index refresh failed", zap.Error(err))
	}
}

// ─── Listings ───────────────────────────────────────────────────────────────

func (s *Server) handleListing(w http.ResponseWriter, r *http.Request) {
	rel := r.PathValue("path")
	lang := r.URL.Query().Get("lang")
	id := auth.IdentityFrom(r.Context())

	listing, err := s.lister.List(r.Context(), rel, lang, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listing)
}

// ─── Usage ──────────────────────────────────────────────────────────────────

func (s *Server) handleGetUsage(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())
	if id.IsAnonymous() {
		s.sendError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	used := s.index.PrivateUsage(id.Username)
	limit := s.config.QuotaForTier(id.Perms)

	resp := map[string]any{
		"username":   id.Username,
		"used":       used,
		"used_human": humanize.IBytes(uint64(used)),
		"quota":      limit,
	}
	if limit > 0 {
		resp["quota_human"] = humanize.IBytes(uint64(limit))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ─── Admin: index ───────────────────────────────────────────────────────────

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	metrics.RecordIndexTrigger("request")
	if err := s.index.Refresh(); err != nil {
		s.sendError(w, http.StatusInternalServerError, "refresh failed: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries":    s.index.Len(),
		"total_size": s.index.DirSize(""),
	})
}

func (s *Server) handleSizes(w http.ResponseWriter, r *http.Request) {
	entries := s.index.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

// ─── Admin: users ───────────────────────────────────────────────────────────

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		s.sendError(w, http.StatusServiceUnavailable, "account store unavailable")
		return
	}
	users, err := s.accounts.List(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to list users: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"users": users})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		s.sendError(w, http.StatusServiceUnavailable, "account store unavailable")
		return
	}

	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Perms    int    `json:"perms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		s.sendError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if strings.ContainsAny(req.Username, "/\\") || req.Username == mirror.AnonymousUser {
		s.sendError(w, http.StatusBadRequest, "invalid username")
		return
	}

	if err := s.accounts.Create(r.Context(), req.Username, req.Email, req.Password, req.Perms); err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to create user: "+err.Error())
		return
	}

	logging.Info("user created",
		zap.String("username", req.Username),
		zap.Int("perms", req.Perms))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"username": req.Username})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		s.sendError(w, http.StatusServiceUnavailable, "account store unavailable")
		return
	}
	username := r.PathValue("username")
	if err := s.accounts.Delete(r.Context(), username); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if s.accounts == nil {
		s.sendError(w, http.StatusServiceUnavailable, "account store unavailable")
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" {
		s.sendError(w, http.StatusBadRequest, "password required")
		return
	}

	username := r.PathValue("username")
	if err := s.accounts.ChangePassword(r.Context(), username, req.Password); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeError maps domain errors onto HTTP status codes: missing and
// hidden paths are 404, denied access is 403, an exceeded quota is 507.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mirror.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "not found")
	case errors.Is(err, mirror.ErrAccessDenied):
		s.sendError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, mirror.ErrQuotaExceeded):
		s.sendError(w, http.StatusInsufficientStorage, "quota exceeded")
	default:
		logging.Error("internal error", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{
		Error: message,
		Code:  code,
	})
}

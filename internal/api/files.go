package api

import (
	"encoding/json"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/marmak/mirror/internal/auth"
	"github.com/marmak/mirror/internal/events"
	"github.com/marmak/mirror/internal/logging"
	"github.com/marmak/mirror/internal/metrics"
	"github.com/marmak/mirror/internal/mirror"
)

// ─── Download ───────────────────────────────────────────────────────────────

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	rel := r.PathValue("path")
	if rel == "" {
		s.sendError(w, http.StatusBadRequest, "file path required")
		return
	}

	id := auth.IdentityFrom(r.Context())
	rp, err := s.resolver.Resolve(rel, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Marker files steer visibility and are never served directly.
	name := path.Base(rp.Rel)
	if isMarkerName(name) {
		s.sendError(w, http.StatusNotFound, "not found")
		return
	}

	if s.vis.IsHidden(rp.AbsolutePath, id) {
		s.sendError(w, http.StatusNotFound, "not found")
		return
	}
	if s.vis.IsRestricted(rp.AbsolutePath, !id.IsAnonymous()) {
		s.sendError(w, http.StatusForbidden, "login required")
		return
	}

	info, err := os.Stat(rp.AbsolutePath)
	if err != nil {
		s.writeError(w, mirror.MapIOError(err))
		return
	}
	if info.IsDir() {
		s.sendError(w, http.StatusBadRequest, "is a directory")
		return
	}

	if !s.config.ExtensionAllowed(extensionOf(name)) {
		s.sendError(w, http.StatusForbidden, "file type not served")
		return
	}

	f, err := os.Open(rp.AbsolutePath)
	if err != nil {
		metrics.RecordDownload(0, false)
		s.writeError(w, mirror.MapIOError(err))
		return
	}
	defer f.Close()

	// Downloads on the public tree are counted; private fetches are not.
	if s.downloads != nil && !rp.IsPrivate {
		if err := s.downloads.Increment(r.Context(), rp.Rel); err != nil {
			logging.Warn("download count update failed",
				zap.String("path", rp.Rel), zap.Error(err))
		}
	}

	http.ServeContent(w, r, name, info.ModTime(), f)
	metrics.RecordDownload(info.Size(), true)
}

// ─── Delete ─────────────────────────────────────────────────────────────────

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	rel := r.PathValue("path")
	if rel == "" {
		s.sendError(w, http.StatusBadRequest, "path required")
		return
	}

	id := auth.IdentityFrom(r.Context())
	rp, err := s.resolver.ResolveMutating(rel, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rp.Rel == "" {
		s.sendError(w, http.StatusBadRequest, "cannot delete the root")
		return
	}

	if _, err := os.Stat(rp.AbsolutePath); err != nil {
		s.writeError(w, mirror.MapIOError(err))
		return
	}
	if err := os.RemoveAll(rp.AbsolutePath); err != nil {
		s.writeError(w, mirror.MapIOError(err))
		return
	}

	logging.Info("deleted",
		zap.String("path", rp.Rel),
		zap.String("user", id.Username))

	s.refreshIndex()
	s.publishEvent(events.EventDelete, rp.Rel, 0)

	w.WriteHeader(http.StatusNoContent)
}

// ─── Rename ─────────────────────────────────────────────────────────────────

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.From == "" || req.To == "" {
		s.sendError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	id := auth.IdentityFrom(r.Context())
	from, err := s.resolver.ResolveMutating(req.From, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	to, err := s.resolver.ResolveMutating(req.To, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if from.Rel == "" || to.Rel == "" {
		s.sendError(w, http.StatusBadRequest, "cannot rename the root")
		return
	}

	if err := os.MkdirAll(filepath.Dir(to.AbsolutePath), 0o755); err != nil {
		s.writeError(w, mirror.MapIOError(err))
		return
	}
	if err := os.Rename(from.AbsolutePath, to.AbsolutePath); err != nil {
		s.writeError(w, mirror.MapIOError(err))
		return
	}

	logging.Info("renamed",
		zap.String("from", from.Rel),
		zap.String("to", to.Rel),
		zap.String("user", id.Username))

	s.refreshIndex()
	s.publishEvent(events.EventRename, to.Rel, 0)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"from": from.Rel, "to": to.Rel})
}

// ─── Mkdir ──────────────────────────────────────────────────────────────────

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		s.sendError(w, http.StatusBadRequest, "path required")
		return
	}

	id := auth.IdentityFrom(r.Context())
	rp, err := s.resolver.ResolveMutating(req.Path, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if rp.Rel == "" {
		s.sendError(w, http.StatusBadRequest, "path required")
		return
	}

	if err := os.MkdirAll(rp.AbsolutePath, 0o755); err != nil {
		s.writeError(w, mirror.MapIOError(err))
		return
	}

	logging.Info("directory created",
		zap.String("path", rp.Rel),
		zap.String("user", id.Username))

	s.refreshIndex()
	s.publishEvent(events.EventMkdir, rp.Rel, 0)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"path": rp.Rel})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func isMarkerName(name string) bool {
	return name == mirror.MarkerRestricted ||
		name == mirror.MarkerHidden ||
		name == mirror.MarkerTop
}

func extensionOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

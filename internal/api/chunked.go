package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marmak/mirror/internal/auth"
	"github.com/marmak/mirror/internal/events"
	"github.com/marmak/mirror/internal/logging"
	"github.com/marmak/mirror/internal/metrics"
	"github.com/marmak/mirror/internal/mirror"
)

const (
	defaultUploadExpiry = 24 * time.Hour
	cleanupInterval     = 15 * time.Minute
)

// uploadSession tracks one in-flight chunked upload. Sessions live in
// memory only; a restart aborts them and the cleanup loop reclaims the
// orphaned .part files.
type uploadSession struct {
	ID          string
	Username    string
	DestDir     string // resolved destination directory on disk
	Rel         string // destination path relative to the served root
	FileName    string
	FileSize    int64
	ChunkSize   int
	TotalChunks int
	Received    map[int]int64
	CreatedAt   time.Time
}

// ChunkedUploadManager handles chunked file uploads with resume support.
type ChunkedUploadManager struct {
	mu        sync.Mutex
	sessions  map[string]*uploadSession
	tempDir   string
	chunkSize int
	expiry    time.Duration
	server    *Server // back-reference for shared upload logic
}

// NewChunkedUploadManager creates a new chunked upload manager.
func NewChunkedUploadManager(tempDir string, chunkSize int, server *Server) *ChunkedUploadManager {
	return &ChunkedUploadManager{
		sessions:  make(map[string]*uploadSession),
		tempDir:   tempDir,
		chunkSize: chunkSize,
		expiry:    defaultUploadExpiry,
		server:    server,
	}
}

// StartCleanup starts the background goroutine that cleans up expired uploads.
func (m *ChunkedUploadManager) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanupExpired()
			}
		}
	}()
}

// tempPath returns the temp file path for an upload.
func (m *ChunkedUploadManager) tempPath(uploadID string) string {
	return filepath.Join(m.tempDir, uploadID+".part")
}

// lookup returns the session if it exists and belongs to the caller.
func (m *ChunkedUploadManager) lookup(uploadID string, id mirror.Identity) (*uploadSession, int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[uploadID]
	if !ok {
		return nil, http.StatusNotFound, "upload not found"
	}
	if sess.Username != id.Username && !id.IsAdmin() {
		return nil, http.StatusForbidden, "access denied"
	}
	return sess, 0, ""
}

// discard drops a session and its spool file.
func (m *ChunkedUploadManager) discard(sess *uploadSession) {
	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()
	os.Remove(m.tempPath(sess.ID))
}

// ─── Init Upload ────────────────────────────────────────────────────────────

type initUploadRequest struct {
	Path     string `json:"path"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
}

type initUploadResponse struct {
	UploadID    string `json:"uploadId"`
	ChunkSize   int    `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
}

func (m *ChunkedUploadManager) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())
	if id.IsAnonymous() {
		m.sendError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req initUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FileName == "" || req.FileSize <= 0 {
		m.sendError(w, http.StatusBadRequest, "fileName and fileSize are required")
		return
	}
	if err := validateFileName(req.FileName); err != nil {
		m.sendError(w, http.StatusBadRequest, "invalid file name: "+err.Error())
		return
	}
	if !m.server.config.ExtensionAllowed(extensionOf(req.FileName)) {
		m.sendError(w, http.StatusBadRequest, "file type not accepted")
		return
	}

	rp, err := m.server.resolver.ResolveMutating(req.Path, id)
	if err != nil {
		m.server.writeError(w, err)
		return
	}

	if err := m.server.admission.CheckUploadSize(id, req.FileSize); err != nil {
		m.server.writeError(w, err)
		return
	}

	totalChunks := int((req.FileSize + int64(m.chunkSize) - 1) / int64(m.chunkSize))

	// Admit the whole reservation up front. The final size is checked
	// again on completion, so a client that lies here gains nothing.
	if err := m.server.admission.AdmitChunked(id, totalChunks, m.chunkSize); err != nil {
		m.server.writeError(w, err)
		return
	}

	uploadID := generateUploadID()

	if err := os.MkdirAll(m.tempDir, 0o755); err != nil {
		m.sendError(w, http.StatusInternalServerError, "failed to create temp directory")
		return
	}

	// Pre-allocate the spool file so chunks can land at their offsets in
	// any order.
	f, err := os.Create(m.tempPath(uploadID))
	if err != nil {
		m.sendError(w, http.StatusInternalServerError, "failed to create temp file")
		return
	}
	if err := f.Truncate(req.FileSize); err != nil {
		f.Close()
		os.Remove(m.tempPath(uploadID))
		m.sendError(w, http.StatusInternalServerError, "failed to allocate temp file")
		return
	}
	f.Close()

	m.mu.Lock()
	m.sessions[uploadID] = &uploadSession{
		ID:          uploadID,
		Username:    id.Username,
		DestDir:     rp.AbsolutePath,
		Rel:         rp.Rel,
		FileName:    req.FileName,
		FileSize:    req.FileSize,
		ChunkSize:   m.chunkSize,
		TotalChunks: totalChunks,
		Received:    make(map[int]int64),
		CreatedAt:   time.Now(),
	}
	m.mu.Unlock()

	logging.Info("chunked upload initiated",
		zap.String("upload_id", uploadID),
		zap.String("path", path.Join(rp.Rel, req.FileName)),
		zap.Int64("size", req.FileSize),
		zap.Int("chunks", totalChunks))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(initUploadResponse{
		UploadID:    uploadID,
		ChunkSize:   m.chunkSize,
		TotalChunks: totalChunks,
	})
}

// ─── Upload Chunk ───────────────────────────────────────────────────────────

func (m *ChunkedUploadManager) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())
	if id.IsAnonymous() {
		m.sendError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	uploadID := r.PathValue("uploadId")
	chunkIndex, err := strconv.Atoi(r.PathValue("chunkIndex"))
	if err != nil || chunkIndex < 0 {
		m.sendError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}

	sess, code, msg := m.lookup(uploadID, id)
	if sess == nil {
		m.sendError(w, code, msg)
		return
	}
	if chunkIndex >= sess.TotalChunks {
		m.sendError(w, http.StatusBadRequest,
			fmt.Sprintf("chunk index %d >= total chunks %d", chunkIndex, sess.TotalChunks))
		return
	}

	// Calculate write offset and expected size
	offset := int64(chunkIndex) * int64(sess.ChunkSize)
	expectedSize := int64(sess.ChunkSize)
	if chunkIndex == sess.TotalChunks-1 {
		// Last chunk may be smaller
		expectedSize = sess.FileSize - offset
	}

	f, err := os.OpenFile(m.tempPath(uploadID), os.O_WRONLY, 0o644)
	if err != nil {
		m.sendError(w, http.StatusInternalServerError, "temp file not accessible")
		return
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		m.sendError(w, http.StatusInternalServerError, "failed to seek in temp file")
		return
	}

	// Limit to expected size + 1 to detect an over-size chunk.
	n, err := io.Copy(f, io.LimitReader(r.Body, expectedSize+1))
	if err != nil {
		m.sendError(w, http.StatusInternalServerError, "failed to write chunk")
		return
	}
	if n > expectedSize {
		m.sendError(w, http.StatusBadRequest, "chunk data exceeds expected size")
		return
	}

	m.mu.Lock()
	sess.Received[chunkIndex] = n
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

// ─── Complete Upload ────────────────────────────────────────────────────────

func (m *ChunkedUploadManager) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())
	if id.IsAnonymous() {
		m.sendError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	uploadID := r.PathValue("uploadId")
	sess, code, msg := m.lookup(uploadID, id)
	if sess == nil {
		m.sendError(w, code, msg)
		return
	}

	m.mu.Lock()
	received := len(sess.Received)
	var finalSize int64
	for _, n := range sess.Received {
		finalSize += n
	}
	m.mu.Unlock()

	if received != sess.TotalChunks {
		m.sendError(w, http.StatusBadRequest,
			fmt.Sprintf("incomplete upload: received %d/%d chunks", received, sess.TotalChunks))
		return
	}

	// The reservation at init used whole chunks; re-check the actual
	// assembled size against both the tier ceiling and the quota. A
	// rejection here is final, so the partial assembly goes with it.
	if err := m.server.admission.CheckUploadSize(id, finalSize); err != nil {
		m.discard(sess)
		m.server.writeError(w, err)
		return
	}
	if err := m.server.admission.Admit(id, finalSize); err != nil {
		m.discard(sess)
		m.server.writeError(w, err)
		return
	}

	tmpFile := m.tempPath(uploadID)

	// The pre-allocated spool is FileSize long; trim the tail when the
	// client sent less than it announced.
	if finalSize != sess.FileSize {
		if err := os.Truncate(tmpFile, finalSize); err != nil {
			m.sendError(w, http.StatusInternalServerError, "failed to finalize temp file")
			return
		}
	}

	f, err := os.Open(tmpFile)
	if err != nil {
		m.sendError(w, http.StatusInternalServerError, "failed to open assembled file")
		return
	}

	// The temp dir may be on another filesystem, so stream into the
	// destination dir and rename there instead of renaming across.
	n, err := m.server.saveStream(sess.DestDir, sess.FileName, f)
	f.Close()
	if err != nil {
		metrics.RecordUpload(0, false)
		m.server.writeError(w, mirror.MapIOError(err))
		return
	}

	m.discard(sess)

	metrics.RecordUpload(n, true)

	filePath := path.Join(sess.Rel, sess.FileName)
	logging.Info("chunked upload completed",
		zap.String("path", filePath),
		zap.Int64("size", n))

	m.server.refreshIndexSync()
	m.server.publishEvent(events.EventUpload, filePath, n)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"path": filePath,
		"size": n,
	})
}

// ─── Upload Status ──────────────────────────────────────────────────────────

func (m *ChunkedUploadManager) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())
	if id.IsAnonymous() {
		m.sendError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	uploadID := r.PathValue("uploadId")
	sess, code, msg := m.lookup(uploadID, id)
	if sess == nil {
		m.sendError(w, code, msg)
		return
	}

	m.mu.Lock()
	received := make([]int, 0, len(sess.Received))
	for idx := range sess.Received {
		received = append(received, idx)
	}
	m.mu.Unlock()
	sort.Ints(received)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"totalChunks": sess.TotalChunks,
		"received":    received,
	})
}

// ─── Abort Upload ───────────────────────────────────────────────────────────

func (m *ChunkedUploadManager) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFrom(r.Context())
	if id.IsAnonymous() {
		m.sendError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	uploadID := r.PathValue("uploadId")
	sess, code, msg := m.lookup(uploadID, id)
	if sess == nil {
		m.sendError(w, code, msg)
		return
	}

	m.discard(sess)

	logging.Info("chunked upload aborted", zap.String("upload_id", sess.ID))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"aborted": true})
}

// ─── Cleanup ────────────────────────────────────────────────────────────────

func (m *ChunkedUploadManager) cleanupExpired() {
	cutoff := time.Now().Add(-m.expiry)

	m.mu.Lock()
	var expired []string
	for id, sess := range m.sessions {
		if sess.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		os.Remove(m.tempPath(id))
		logging.Info("cleaned up expired chunked upload", zap.String("upload_id", id))
	}

	// Also sweep .part files orphaned by a restart.
	entries, err := os.ReadDir(m.tempDir)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".part" {
			continue
		}
		id := name[:len(name)-len(".part")]
		if _, live := m.sessions[id]; live {
			continue
		}
		info, err := entry.Info()
		if err != nil || time.Since(info.ModTime()) < m.expiry {
			continue
		}
		os.Remove(filepath.Join(m.tempDir, name))
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (m *ChunkedUploadManager) sendError(w http.ResponseWriter, code int, message string) {
	m.server.sendError(w, code, message)
}

func generateUploadID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

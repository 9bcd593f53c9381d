package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
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

// maxUploadMemory bounds what ParseMultipartForm keeps in memory; the
// rest spills to temp files.
const maxUploadMemory = 32 << 20

type uploadedFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// handleUpload accepts multipart form uploads into the directory named
// by the URL path. Quota admission runs before the form is parsed so an
// over-quota caller never spools bytes to disk.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	rel := r.PathValue("path")

	id := auth.IdentityFrom(r.Context())
	rp, err := s.resolver.ResolveMutating(rel, id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.admission.CheckUsage(id); err != nil {
		s.writeError(w, err)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		s.sendError(w, http.StatusBadRequest, "no files in upload")
		return
	}

	// Bytes accepted earlier in this request are not in the index
	// snapshot yet, so each file is admitted on top of them.
	var admitted int64

	var saved []uploadedFile
	for _, fh := range headers {
		name := filepath.Base(fh.Filename)
		if err := validateFileName(name); err != nil {
			s.sendError(w, http.StatusBadRequest, "invalid file name: "+fh.Filename)
			return
		}
		if !s.config.ExtensionAllowed(extensionOf(name)) {
			s.sendError(w, http.StatusBadRequest, "file type not accepted: "+name)
			return
		}

		if err := s.admission.CheckUploadSize(id, fh.Size); err != nil {
			s.writeError(w, err)
			return
		}
		if err := s.admission.Admit(id, admitted+fh.Size); err != nil {
			if admitted > 0 {
				s.refreshIndexSync()
			}
			s.writeError(w, err)
			return
		}

		n, err := s.saveUpload(rp.AbsolutePath, name, fh)
		if err != nil {
			metrics.RecordUpload(0, false)
			if admitted > 0 {
				s.refreshIndexSync()
			}
			s.writeError(w, mirror.MapIOError(err))
			return
		}
		admitted += n
		metrics.RecordUpload(n, true)

		filePath := path.Join(rp.Rel, name)
		saved = append(saved, uploadedFile{Name: name, Path: filePath, Size: n})

		logging.Info("file uploaded",
			zap.String("path", filePath),
			zap.Int64("size", n),
			zap.String("user", id.Username))

		s.publishEvent(events.EventUpload, filePath, n)
	}

	s.refreshIndexSync()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"files": saved})
}

// saveUpload writes one uploaded multipart file under dir.
func (s *Server) saveUpload(dir, name string, fh *multipart.FileHeader) (int64, error) {
	src, err := fh.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return s.saveStream(dir, name, src)
}

// saveStream writes src under dir. The content goes to a temp file in
// the destination directory first and is renamed into place, so a
// crashed upload never leaves a partial file visible.
func (s *Server) saveStream(dir, name string, src io.Reader) (int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, err
	}

	dst := filepath.Join(dir, name)
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}

// validateFileName rejects names that would change the resolved
// directory or collide with visibility markers.
func validateFileName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("empty or relative file name")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("file name contains a path separator")
	}
	if isMarkerName(name) {
		return fmt.Errorf("reserved file name")
	}
	return nil
}

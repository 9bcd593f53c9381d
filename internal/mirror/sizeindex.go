package mirror

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marmak/mirror/internal/logging"
	"github.com/marmak/mirror/internal/metrics"
)

// FileEntry is one record of the size index. Directory paths carry a
// trailing slash to distinguish them from files of the same name; the
// served root itself is "/".
type FileEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// SizeIndex maintains an eventually-consistent snapshot of per-file and
// aggregated per-directory sizes for the served tree. A background task
// rebuilds the snapshot wholesale every interval; request handlers read
// it instead of walking the disk. Readers tolerate up to one interval of
// staleness unless an out-of-band Refresh is triggered.
type SizeIndex struct {
	root     string
	interval time.Duration

	// OnRefresh, if set, is invoked after every successful rebuild with
	// the number of files walked and the total size of the tree. Must be
	// set before Run is called.
	OnRefresh func(files int, total int64)

	mu       sync.RWMutex
	entries  []FileEntry
	dirSizes map[string]int64
}

// NewSizeIndex creates an empty index over the served root. The snapshot
// stays empty until the first Refresh or Run cycle.
func NewSizeIndex(root string, interval time.Duration) *SizeIndex {
	return &SizeIndex{
		root:     filepath.Clean(root),
		interval: interval,
		dirSizes: make(map[string]int64),
	}
}

// Run performs an initial rebuild and then rebuilds on every interval
// tick until the context is cancelled. A walk overrunning the interval
// simply delays the next cycle.
func (s *SizeIndex) Run(ctx context.Context) {
	metrics.RecordIndexTrigger("startup")
	if err := s.Refresh(); err != nil {
		logging.Error("size index initial walk failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.RecordIndexTrigger("timer")
			if err := s.Refresh(); err != nil {
				logging.Error("size index walk failed", zap.Error(err))
			}
		}
	}
}

// Refresh walks the whole served tree and atomically replaces the
// snapshot. It is also called out-of-band by handlers whose writes must
// be visible to subsequent requests immediately; concurrent triggers are
// not deduplicated and simply perform redundant walks.
func (s *SizeIndex) Refresh() error {
	start := time.Now()

	var files []FileEntry
	dirs := make(map[string]int64)
	dirs["/"] = 0

	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// A single unreadable entry must not abort the cycle.
			logging.Warn("size index walk entry skipped", zap.String("path", p), zap.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			// Directories appear in the snapshot even when empty.
			if _, ok := dirs[rel+"/"]; !ok {
				dirs[rel+"/"] = 0
			}
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			logging.Warn("size index stat skipped", zap.String("path", p), zap.Error(infoErr))
			return nil
		}

		size := info.Size()
		files = append(files, FileEntry{Path: rel, Size: size})
		for dir := path.Dir(rel); ; dir = path.Dir(dir) {
			if dir == "." {
				dirs["/"] += size
				break
			}
			dirs[dir+"/"] += size
		}
		return nil
	})
	if err != nil {
		return err
	}

	entries := make([]FileEntry, 0, len(files)+len(dirs))
	for dir, size := range dirs {
		entries = append(entries, FileEntry{Path: dir, Size: size})
	}
	entries = append(entries, files...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	s.mu.Lock()
	s.entries = entries
	s.dirSizes = dirs
	s.mu.Unlock()

	elapsed := time.Since(start)
	metrics.RecordIndexRefresh(elapsed)
	metrics.SetIndexEntries(int64(len(entries)))
	logging.Debug("size index rebuilt",
		zap.Int("files", len(files)),
		zap.Int("dirs", len(dirs)),
		zap.Duration("elapsed", elapsed))

	if s.OnRefresh != nil {
		s.OnRefresh(len(files), dirs["/"])
	}
	return nil
}

// Snapshot returns the current full snapshot. The returned slice is the
// published value and must not be mutated.
func (s *SizeIndex) Snapshot() []FileEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries
}

// DirSize returns the aggregate size of the directory at the given
// normalized relative path ("" for the root), or 0 if it has not been
// indexed yet.
func (s *SizeIndex) DirSize(rel string) int64 {
	key := "/"
	if rel != "" && rel != "." {
		key = strings.TrimSuffix(rel, "/") + "/"
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirSizes[key]
}

// PrivateUsage returns the current private-folder usage for a user,
// defaulting to 0 when the folder is absent from the snapshot.
func (s *SizeIndex) PrivateUsage(username string) int64 {
	return s.DirSize(path.Join(privateSegment, username))
}

// Len returns the number of entries in the current snapshot.
func (s *SizeIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

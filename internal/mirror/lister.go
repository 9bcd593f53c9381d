package mirror

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/marmak/mirror/internal/logging"
)

// Icon names used for directory entries. File icons are resolved from
// the extension with a generic fallback.
const (
	iconFolder       = "folder"
	iconLockedFolder = "lockedfolder"
	iconDefault      = "default"
)

// MirrorFile is one listing entry, derived per request and never
// persisted. Two entries are equal iff (name, extension) match; ordering
// is lexicographic by name.
type MirrorFile struct {
	Name      string `json:"name"`
	Extension string `json:"extension"`
	Icon      string `json:"icon"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	Downloads int64  `json:"downloads,omitempty"`
}

// Equal reports listing-entry equality, used to detect marker files by
// name inside a listing.
func (f MirrorFile) Equal(other MirrorFile) bool {
	return f.Name == other.Name && f.Extension == other.Extension
}

// Listing is the filtered, sorted content of one directory. Directories
// come before files; each group is sorted independently.
type Listing struct {
	Path        string       `json:"path"`
	IsPrivate   bool         `json:"is_private"`
	Directories []MirrorFile `json:"directories"`
	Files       []MirrorFile `json:"files"`
	TotalSize   int64        `json:"total_size"`
	TotalHuman  string       `json:"total_size_human"`
	ReadmeHTML  string       `json:"readme_html,omitempty"`
	ReadmeOnTop bool         `json:"readme_on_top,omitempty"`
}

// DownloadCounter provides persistent per-path download counts for
// public files. A nil counter disables the column.
type DownloadCounter interface {
	Count(ctx context.Context, path string) (int64, error)
}

// Lister combines the resolver, visibility filter and size index into
// directory listings.
type Lister struct {
	resolver  *Resolver
	vis       *Visibility
	index     *SizeIndex
	iconDir   string
	hidden    map[string]struct{}
	downloads DownloadCounter
}

// NewLister creates a lister. hiddenNames is the configured list of
// entry names suppressed from listings; downloads may be nil.
func NewLister(resolver *Resolver, vis *Visibility, index *SizeIndex, iconDir string, hiddenNames []string, downloads DownloadCounter) *Lister {
	hidden := make(map[string]struct{}, len(hiddenNames))
	for _, name := range hiddenNames {
		hidden[name] = struct{}{}
	}
	return &Lister{
		resolver:  resolver,
		vis:       vis,
		index:     index,
		iconDir:   iconDir,
		hidden:    hidden,
		downloads: downloads,
	}
}

// List produces the listing for rel as seen by the caller. Hidden paths
// surface as ErrNotFound so they are indistinguishable from absent ones;
// restricted paths surface as ErrAccessDenied so the caller can be sent
// to a login explanation instead of a silent 404.
func (l *Lister) List(ctx context.Context, rel, lang string, id Identity) (*Listing, error) {
	rp, err := l.resolver.Resolve(rel, id)
	if err != nil {
		return nil, err
	}
	if l.vis.IsHidden(rp.AbsolutePath, id) {
		return nil, ErrNotFound
	}
	if l.vis.IsRestricted(rp.AbsolutePath, !id.IsAnonymous()) {
		return nil, fmt.Errorf("restricted directory: %w", ErrAccessDenied)
	}

	entries, err := os.ReadDir(rp.AbsolutePath)
	if err != nil {
		return nil, MapIOError(err)
	}

	listing := &Listing{
		Path:      rp.Rel,
		IsPrivate: rp.IsPrivate,
		TotalSize: l.index.DirSize(rp.Rel),
	}
	listing.TotalHuman = humanize.IBytes(uint64(listing.TotalSize))

	// Files and directories are enumerated separately: markers among the
	// files decide the icon of every directory in the same listing.
	locked := false
	topMarker := false
	readme := ""
	localizedReadme := "README." + lang + ".md"

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch name {
		case MarkerRestricted:
			locked = true
		case MarkerHidden:
			// Marker for the visibility filter, never listed.
		case MarkerTop:
			topMarker = true
		}
		if name == "README.md" && readme == "" {
			readme = name
		}
		if lang != "" && name == localizedReadme {
			readme = name
		}
		if l.isHiddenName(name, id) {
			continue
		}
		file := MirrorFile{
			Name:      name,
			Extension: extensionOf(name),
			Size:      fileSize(entry),
		}
		file.SizeHuman = humanize.IBytes(uint64(file.Size))
		file.Icon = l.iconFor(file.Extension)
		if l.downloads != nil && !rp.IsPrivate {
			count, err := l.downloads.Count(ctx, path.Join(rp.Rel, name))
			if err != nil {
				logging.Warn("download count lookup failed",
					zap.String("path", path.Join(rp.Rel, name)), zap.Error(err))
			} else {
				file.Downloads = count
			}
		}
		listing.Files = append(listing.Files, file)
	}

	dirIcon := iconFolder
	if locked {
		dirIcon = iconLockedFolder
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if l.isHiddenName(name, id) {
			continue
		}
		size := l.index.DirSize(path.Join(rp.Rel, name))
		listing.Directories = append(listing.Directories, MirrorFile{
			Name:      name,
			Icon:      dirIcon,
			Size:      size,
			SizeHuman: humanize.IBytes(uint64(size)),
		})
	}

	sort.Slice(listing.Directories, func(i, j int) bool {
		return listing.Directories[i].Name < listing.Directories[j].Name
	})
	sort.Slice(listing.Files, func(i, j int) bool {
		return listing.Files[i].Name < listing.Files[j].Name
	})

	if readme != "" {
		src, err := os.ReadFile(filepath.Join(rp.AbsolutePath, readme))
		if err != nil {
			logging.Warn("readme read failed", zap.String("path", rp.Rel), zap.Error(err))
		} else if html, err := RenderMarkdown(src); err == nil {
			listing.ReadmeHTML = html
			listing.ReadmeOnTop = topMarker
		}
	}

	return listing, nil
}

// isHiddenName applies the configured hidden-name suppression. Markers
// are suppressed for everyone; administrators see the rest of the list,
// including the private entry itself.
func (l *Lister) isHiddenName(name string, id Identity) bool {
	switch name {
	case MarkerRestricted, MarkerHidden, MarkerTop:
		return true
	}
	if id.IsAdmin() {
		return false
	}
	_, hidden := l.hidden[name]
	return hidden
}

// iconFor resolves the icon for a file extension, falling back to the
// generic icon when no asset exists for it.
func (l *Lister) iconFor(ext string) string {
	if ext == "" || l.iconDir == "" {
		return iconDefault
	}
	if _, err := os.Stat(filepath.Join(l.iconDir, ext+".png")); err != nil {
		return iconDefault
	}
	return ext
}

func extensionOf(name string) string {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	return strings.ToLower(ext)
}

func fileSize(entry os.DirEntry) int64 {
	info, err := entry.Info()
	if err != nil {
		return 0
	}
	return info.Size()
}

package mirror

import (
	"os"
	"path/filepath"
	"strings"
)

// Reserved marker filenames. Their mere presence in a directory changes
// access or display behavior, independent of content.
const (
	MarkerRestricted = "RESTRICTED"
	MarkerHidden     = "HIDDEN"
	MarkerTop        = "top"
)

// Visibility applies the marker-file access rules. The two checks are
// orthogonal: a path can require login (RESTRICTED) independent of
// requiring admin (HIDDEN).
type Visibility struct {
	root string
}

// NewVisibility creates a visibility filter bounded by the served root.
func NewVisibility(root string) *Visibility {
	return &Visibility{root: filepath.Clean(root)}
}

// IsRestricted reports whether abs is blocked by a RESTRICTED marker in
// an ancestor directory. The walk starts at the parent: the marker
// directory itself stays listable, which is where its subdirectories
// pick up the locked icon. Any session, regardless of permission level,
// clears the check.
func (v *Visibility) IsRestricted(abs string, authenticated bool) bool {
	if authenticated {
		return false
	}
	return v.hasMarker(filepath.Dir(filepath.Clean(abs)), MarkerRestricted)
}

// IsHidden reports whether abs is blocked by a HIDDEN marker in any
// ancestor directory or, for a directory, in the directory itself. Only
// administrators clear the check; anonymous callers are always blocked.
func (v *Visibility) IsHidden(abs string, id Identity) bool {
	if id.IsAdmin() {
		return false
	}
	dir := filepath.Clean(abs)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		dir = filepath.Dir(dir)
	}
	return v.hasMarker(dir, MarkerHidden)
}

// hasMarker walks from dir up through every ancestor directory until the
// served root, probing for the marker. First match wins. Per-entry stat
// errors are treated as marker absence.
func (v *Visibility) hasMarker(dir, marker string) bool {
	for {
		if !strings.HasPrefix(dir, v.root) {
			return false
		}
		if info, err := os.Stat(filepath.Join(dir, marker)); err == nil && !info.IsDir() {
			return true
		}
		if dir == v.root {
			return false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
	}
}

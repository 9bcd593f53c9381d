package mirror

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// privateSegment is the reserved first path segment addressing the
// caller's own private subtree.
const privateSegment = "private"

// ResolvedPath is the outcome of mapping an untrusted URL-relative path
// into the served tree. Computed once per request, never persisted.
type ResolvedPath struct {
	// AbsolutePath is the validated location on disk.
	AbsolutePath string
	// Rel is the normalized slash-separated path relative to the served
	// root ("" for the root itself). For private paths it already carries
	// the substituted username.
	Rel string
	// IsPrivate reports whether the path is rooted under the caller's
	// private namespace.
	IsPrivate bool
}

// Resolver maps URL-relative paths plus a caller identity into validated
// filesystem locations under the served root.
type Resolver struct {
	root string
}

// NewResolver creates a resolver rooted at the served tree.
func NewResolver(root string) *Resolver {
	return &Resolver{root: filepath.Clean(root)}
}

// Root returns the served root directory.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve maps rel into the served tree for the given caller.
//
// A path whose first segment is "private" is identity-bound: the
// username is substituted server-side, so a caller can never address
// another user's private subtree. Anonymous callers are denied private
// access entirely. The resolver validates only the namespace rule;
// whether the path exists on disk is the caller's concern.
func (r *Resolver) Resolve(rel string, id Identity) (ResolvedPath, error) {
	cleaned, err := CleanRelPath(rel)
	if err != nil {
		return ResolvedPath{}, err
	}

	first, rest := splitFirst(cleaned)
	if first != privateSegment {
		return ResolvedPath{
			AbsolutePath: filepath.Join(r.root, filepath.FromSlash(cleaned)),
			Rel:          cleaned,
			IsPrivate:    false,
		}, nil
	}

	if id.IsAnonymous() {
		return ResolvedPath{}, fmt.Errorf("anonymous caller in private namespace: %w", ErrAccessDenied)
	}

	bound := path.Join(privateSegment, id.Username, rest)
	return ResolvedPath{
		AbsolutePath: filepath.Join(r.root, filepath.FromSlash(bound)),
		Rel:          bound,
		IsPrivate:    true,
	}, nil
}

// ResolveMutating is the stricter variant used for rename, delete,
// create-folder and upload: any authenticated user may mutate their own
// private tree, but only administrators mutate the public tree.
func (r *Resolver) ResolveMutating(rel string, id Identity) (ResolvedPath, error) {
	rp, err := r.Resolve(rel, id)
	if err != nil {
		return ResolvedPath{}, err
	}
	if !rp.IsPrivate && !id.IsAdmin() {
		return ResolvedPath{}, fmt.Errorf("public tree mutation requires admin: %w", ErrAccessDenied)
	}
	return rp, nil
}

// CleanRelPath normalizes an untrusted URL-relative path and rejects
// anything that would escape the served root.
func CleanRelPath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", nil
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path escapes root: %w", ErrAccessDenied)
	}
	return cleaned, nil
}

// splitFirst splits a normalized relative path into its first segment
// and the remainder.
func splitFirst(rel string) (first, rest string) {
	if rel == "" {
		return "", ""
	}
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		return rel[:i], rel[i+1:]
	}
	return rel, ""
}

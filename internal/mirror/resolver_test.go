package mirror

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolvePublic(t *testing.T) {
	r := NewResolver("/srv/files")

	rp, err := r.Resolve("music/album", Anonymous())
	if err != nil {
		t.Fatalf("resolve public: %v", err)
	}
	if rp.IsPrivate {
		t.Error("public path flagged private")
	}
	if rp.AbsolutePath != filepath.Join("/srv/files", "music", "album") {
		t.Errorf("unexpected absolute path: %s", rp.AbsolutePath)
	}
	if rp.Rel != "music/album" {
		t.Errorf("unexpected rel: %s", rp.Rel)
	}
}

func TestResolvePrivateIsIdentityBound(t *testing.T) {
	r := NewResolver("/srv/files")
	alice := Identity{Username: "alice", Perms: PermStandard}

	rp, err := r.Resolve("private/note.txt", alice)
	if err != nil {
		t.Fatalf("resolve private: %v", err)
	}
	if !rp.IsPrivate {
		t.Error("private path not flagged private")
	}
	want := filepath.Join("/srv/files", "private", "alice", "note.txt")
	if rp.AbsolutePath != want {
		t.Errorf("absolute path = %s, want %s", rp.AbsolutePath, want)
	}

	// The username segment comes from the identity, never the URL: bob
	// can never address alice's subtree.
	bob := Identity{Username: "bob", Perms: PermStandard}
	for _, sub := range []string{"note.txt", "alice/note.txt", "x/y/z"} {
		rp, err := r.Resolve("private/"+sub, bob)
		if err != nil {
			t.Fatalf("resolve private/%s as bob: %v", sub, err)
		}
		prefix := filepath.Join("/srv/files", "private", "bob")
		if !strings.HasPrefix(rp.AbsolutePath, prefix) {
			t.Errorf("path %s not rooted in bob's namespace", rp.AbsolutePath)
		}
	}
}

func TestResolveAnonymousPrivateDenied(t *testing.T) {
	r := NewResolver("/srv/files")

	for _, p := range []string{"private", "private/", "private/x", "private/a/b/c"} {
		_, err := r.Resolve(p, Anonymous())
		if !errors.Is(err, ErrAccessDenied) {
			t.Errorf("resolve %q as anonymous: got %v, want ErrAccessDenied", p, err)
		}
	}
}

func TestResolveTraversalRejected(t *testing.T) {
	r := NewResolver("/srv/files")

	for _, p := range []string{"..", "../etc/passwd", "a/../../etc"} {
		_, err := r.Resolve(p, Anonymous())
		if !errors.Is(err, ErrAccessDenied) {
			t.Errorf("resolve %q: got %v, want ErrAccessDenied", p, err)
		}
	}

	// Interior dot-dot segments that stay inside the root are fine.
	rp, err := r.Resolve("a/b/../c", Anonymous())
	if err != nil {
		t.Fatalf("resolve a/b/../c: %v", err)
	}
	if rp.Rel != "a/c" {
		t.Errorf("rel = %s, want a/c", rp.Rel)
	}
}

func TestResolveMutating(t *testing.T) {
	r := NewResolver("/srv/files")
	admin := Identity{Username: "root", Perms: PermAdmin}
	user := Identity{Username: "alice", Perms: PermStandard}

	if _, err := r.ResolveMutating("docs/report.pdf", admin); err != nil {
		t.Errorf("admin public mutation: %v", err)
	}
	if _, err := r.ResolveMutating("docs/report.pdf", user); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("standard user public mutation: got %v, want ErrAccessDenied", err)
	}
	if _, err := r.ResolveMutating("private/report.pdf", user); err != nil {
		t.Errorf("standard user private mutation: %v", err)
	}
	if _, err := r.ResolveMutating("private/report.pdf", Anonymous()); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("anonymous private mutation: got %v, want ErrAccessDenied", err)
	}
}

func TestCleanRelPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{".", ""},
		{"a/b/", "a/b"},
		{"/a//b", "a/b"},
		{"a\\b", "a/b"},
	}
	for _, c := range cases {
		got, err := CleanRelPath(c.in)
		if err != nil {
			t.Errorf("CleanRelPath(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("CleanRelPath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

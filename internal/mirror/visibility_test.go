package mirror

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestIsRestricted(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "locked", MarkerRestricted), nil)
	writeFile(t, filepath.Join(root, "locked", "secret.txt"), []byte("x"))
	writeFile(t, filepath.Join(root, "open", "readme.txt"), []byte("x"))

	v := NewVisibility(root)

	if !v.IsRestricted(filepath.Join(root, "locked", "secret.txt"), false) {
		t.Error("unauthenticated access to restricted file should be blocked")
	}
	if v.IsRestricted(filepath.Join(root, "locked", "secret.txt"), true) {
		t.Error("any session clears the restricted check")
	}
	if v.IsRestricted(filepath.Join(root, "open", "readme.txt"), false) {
		t.Error("unrestricted file blocked")
	}
	if v.IsRestricted(filepath.Join(root, "locked"), false) {
		t.Error("the marker directory itself stays listable")
	}
}

func TestIsRestrictedAncestorWalk(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", MarkerRestricted), nil)
	writeFile(t, filepath.Join(root, "a", "b", "c", "deep.txt"), []byte("x"))

	v := NewVisibility(root)

	if !v.IsRestricted(filepath.Join(root, "a", "b", "c", "deep.txt"), false) {
		t.Error("marker in a distant ancestor should block")
	}
	if !v.IsRestricted(filepath.Join(root, "a", "b", "c"), false) {
		t.Error("marker in an ancestor should block the directory itself")
	}
	if !v.IsRestricted(filepath.Join(root, "a", "b"), false) {
		t.Error("marker in the parent should block a subdirectory")
	}
	if v.IsRestricted(filepath.Join(root, "a"), false) {
		t.Error("the marker directory itself must not be blocked")
	}
}

func TestIsHidden(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "secret", MarkerHidden), nil)
	writeFile(t, filepath.Join(root, "secret", "payload.bin"), []byte("x"))

	v := NewVisibility(root)
	admin := Identity{Username: "root", Perms: PermAdmin}
	user := Identity{Username: "alice", Perms: PermStandard}

	if !v.IsHidden(filepath.Join(root, "secret"), user) {
		t.Error("hidden directory visible to standard user")
	}
	if !v.IsHidden(filepath.Join(root, "secret", "payload.bin"), user) {
		t.Error("file under hidden directory visible to standard user")
	}
	if !v.IsHidden(filepath.Join(root, "secret"), Anonymous()) {
		t.Error("hidden directory visible to anonymous")
	}
	if v.IsHidden(filepath.Join(root, "secret"), admin) {
		t.Error("hidden directory blocked for admin")
	}
}

func TestHiddenAndRestrictedAreOrthogonal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "both", MarkerRestricted), nil)
	writeFile(t, filepath.Join(root, "both", MarkerHidden), nil)
	writeFile(t, filepath.Join(root, "both", "x.txt"), []byte("x"))

	v := NewVisibility(root)
	user := Identity{Username: "alice", Perms: PermStandard}

	// Login clears RESTRICTED but not HIDDEN.
	if v.IsRestricted(filepath.Join(root, "both", "x.txt"), true) {
		t.Error("session should clear restricted")
	}
	if !v.IsHidden(filepath.Join(root, "both", "x.txt"), user) {
		t.Error("session must not clear hidden")
	}
}

func TestMarkerOutsideRootIgnored(t *testing.T) {
	parent := t.TempDir()
	writeFile(t, filepath.Join(parent, MarkerRestricted), nil)
	root := filepath.Join(parent, "files")
	writeFile(t, filepath.Join(root, "a", "x.txt"), []byte("x"))

	v := NewVisibility(root)
	if v.IsRestricted(filepath.Join(root, "a", "x.txt"), false) {
		t.Error("marker above the served root must not block")
	}
}

package mirror

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSizeIndexAggregation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "x"), make([]byte, 100))
	writeFile(t, filepath.Join(root, "a", "b", "y"), make([]byte, 50))

	idx := NewSizeIndex(root, time.Minute)
	if err := idx.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if got := idx.DirSize("a"); got != 150 {
		t.Errorf("size of a/ = %d, want 150", got)
	}
	if got := idx.DirSize("a/b"); got != 50 {
		t.Errorf("size of a/b/ = %d, want 50", got)
	}
	if got := idx.DirSize(""); got != 150 {
		t.Errorf("size of root = %d, want 150", got)
	}

	// Every directory has exactly one entry whose size is the sum of the
	// files transitively under it.
	entries := idx.Snapshot()
	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.Path]++
	}
	for p, n := range counts {
		if n != 1 {
			t.Errorf("entry %q appears %d times", p, n)
		}
	}
	if counts["a/"] != 1 || counts["a/b/"] != 1 || counts["a/x"] != 1 || counts["a/b/y"] != 1 {
		t.Errorf("missing expected entries in snapshot: %v", counts)
	}
}

func TestSizeIndexIdempotentRebuild(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "docs", "one.txt"), make([]byte, 10))
	writeFile(t, filepath.Join(root, "docs", "sub", "two.txt"), make([]byte, 20))
	writeFile(t, filepath.Join(root, "three.txt"), make([]byte, 5))

	idx := NewSizeIndex(root, time.Minute)
	if err := idx.Refresh(); err != nil {
		t.Fatal(err)
	}
	first := idx.Snapshot()

	if err := idx.Refresh(); err != nil {
		t.Fatal(err)
	}
	second := idx.Snapshot()

	if len(first) != len(second) {
		t.Fatalf("snapshot length changed: %d vs %d", len(first), len(second))
	}
	sizes := make(map[string]int64, len(first))
	for _, e := range first {
		sizes[e.Path] = e.Size
	}
	for _, e := range second {
		if want, ok := sizes[e.Path]; !ok || want != e.Size {
			t.Errorf("entry %q = %d, want %d", e.Path, e.Size, want)
		}
	}
}

func TestSizeIndexShrinksAfterDelete(t *testing.T) {
	root := t.TempDir()
	keep := filepath.Join(root, "data", "keep.bin")
	gone := filepath.Join(root, "data", "gone.bin")
	writeFile(t, keep, make([]byte, 30))
	writeFile(t, gone, make([]byte, 70))

	idx := NewSizeIndex(root, time.Minute)
	if err := idx.Refresh(); err != nil {
		t.Fatal(err)
	}
	if got := idx.DirSize("data"); got != 100 {
		t.Fatalf("size before delete = %d, want 100", got)
	}

	if err := os.Remove(gone); err != nil {
		t.Fatal(err)
	}
	if err := idx.Refresh(); err != nil {
		t.Fatal(err)
	}
	if got := idx.DirSize("data"); got != 30 {
		t.Errorf("size after delete = %d, want 30 (full rebuild must shrink)", got)
	}
}

func TestSizeIndexPrivateUsage(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "public.txt"), make([]byte, 10))
	writeFile(t, filepath.Join(root, "private", "alice", "note.txt"), make([]byte, 20))
	writeFile(t, filepath.Join(root, "private", "bob", "note.txt"), make([]byte, 5))

	idx := NewSizeIndex(root, time.Minute)
	if err := idx.Refresh(); err != nil {
		t.Fatal(err)
	}

	if got := idx.PrivateUsage("alice"); got != 20 {
		t.Errorf("alice usage = %d, want 20", got)
	}
	if got := idx.PrivateUsage("bob"); got != 5 {
		t.Errorf("bob usage = %d, want 5", got)
	}
	if got := idx.PrivateUsage("carol"); got != 0 {
		t.Errorf("unknown user usage = %d, want 0", got)
	}
}

func TestSizeIndexEmptyUntilRefresh(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "x.txt"), make([]byte, 10))

	idx := NewSizeIndex(root, time.Minute)
	if idx.Len() != 0 {
		t.Error("index should start empty")
	}
	if got := idx.DirSize("anything"); got != 0 {
		t.Errorf("unindexed directory size = %d, want 0", got)
	}
}

func TestSizeIndexOnRefresh(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), make([]byte, 7))
	writeFile(t, filepath.Join(root, "b.txt"), make([]byte, 3))

	idx := NewSizeIndex(root, time.Minute)
	var gotFiles int
	var gotTotal int64
	idx.OnRefresh = func(files int, total int64) {
		gotFiles = files
		gotTotal = total
	}
	if err := idx.Refresh(); err != nil {
		t.Fatal(err)
	}
	if gotFiles != 2 || gotTotal != 10 {
		t.Errorf("OnRefresh got (%d, %d), want (2, 10)", gotFiles, gotTotal)
	}
}

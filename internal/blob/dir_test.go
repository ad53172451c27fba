package blob

import (
	"context"
	"errors"
	"sort"
	"testing"
)

func TestDirStoreRoundTrip(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := s.Upload(ctx, "samples", "docs/a.docx", []byte("original")); err != nil {
		t.Fatal(err)
	}
	if err := s.Upload(ctx, "samples", "post-cdr/glasswall/docs/a.docx", []byte("sanitized")); err != nil {
		t.Fatal(err)
	}

	data, err := s.Download(ctx, "samples", "post-cdr/glasswall/docs/a.docx")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "sanitized" {
		t.Errorf("data = %q", data)
	}

	paths, err := s.List(ctx, "samples")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(paths)
	want := []string{"docs/a.docx", "post-cdr/glasswall/docs/a.docx"}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("paths = %v, want %v", paths, want)
	}
}

func TestDirStoreNotFound(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Download(context.Background(), "samples", "missing.pdf"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDirStoreListEmptyContainer(t *testing.T) {
	s, err := NewDirStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	paths, err := s.List(context.Background(), "nothing-here")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 0 {
		t.Errorf("paths = %v, want empty", paths)
	}
}

func TestDirStoreRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	s, err := NewDirStore(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Traversal components are cleaned away, not followed.
	if err := s.Upload(ctx, "samples", "../../escape.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	paths, err := s.List(ctx, "samples")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 1 || paths[0] != "escape.txt" {
		t.Errorf("paths = %v", paths)
	}
}

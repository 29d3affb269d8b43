package content

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadAtomic(t *testing.T) {
	// WHAT: WriteFile leaves no .tmp file behind and ReadFile returns the bytes.
	s := New(t.TempDir())
	key := PDFKey("doc.pdf")
	if err := s.WriteFile(key, []byte("%PDF-1.7 body")); err != nil {
		t.Fatal(err)
	}
	got, err := s.ReadFile(key)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "%PDF-1.7 body" {
		t.Fatalf("got %q", got)
	}
	p, _ := s.Path(key)
	if _, err := os.Stat(p + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind: %v", err)
	}
}

func TestReadHead(t *testing.T) {
	s := New(t.TempDir())
	s.WriteFile("pdfs/short.pdf", []byte("%PD"))
	s.WriteFile("pdfs/long.pdf", []byte("%PDF-1.4 and more"))

	head, err := s.ReadHead("pdfs/long.pdf", 5)
	if err != nil || string(head) != "%PDF-" {
		t.Fatalf("head = %q, err = %v", head, err)
	}
	head, err = s.ReadHead("pdfs/short.pdf", 5)
	if err != nil || string(head) != "%PD" {
		t.Fatalf("short head = %q, err = %v", head, err)
	}
	if _, err := s.ReadHead("pdfs/missing.pdf", 5); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestPathRejectsTraversal(t *testing.T) {
	// WHAT: keys cannot escape the root.
	// WHY: filenames come from a remote listing page.
	s := New(t.TempDir())
	for _, key := range []string{"", "../etc/passwd", "pdfs/../../x", "/"} {
		if _, err := s.Path(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Path(%q) err = %v", key, err)
		}
	}
}

func TestListImagesSortedAndMissingDir(t *testing.T) {
	s := New(t.TempDir())
	if keys, err := s.ListImages("nodoc"); err != nil || keys != nil {
		t.Fatalf("missing dir: %v %v", keys, err)
	}
	s.WriteFile(ImageKey("doc", 2, 1, "png"), []byte("b"))
	s.WriteFile(ImageKey("doc", 1, 1, ".jpg"), []byte("a"))
	// A stray temp file must not be listed.
	dir, _ := s.Path(ImageDir("doc"))
	os.WriteFile(filepath.Join(dir, "page003_img001.png.tmp"), []byte("x"), 0o644)

	keys, err := s.ListImages("doc")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"images/doc/page001_img001.jpg", "images/doc/page002_img001.png"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestPageFromImageKey(t *testing.T) {
	tests := map[string]int{
		"images/doc/page012_img003.png": 12,
		"images/doc/page001_img001.jpg": 1,
		"images/doc/cover.png":          0,
	}
	for key, want := range tests {
		if got := PageFromImageKey(key); got != want {
			t.Errorf("PageFromImageKey(%s) = %d, want %d", key, got, want)
		}
	}
}

func TestRemoveAll(t *testing.T) {
	s := New(t.TempDir())
	s.WriteFile(ImageKey("doc", 1, 1, "png"), []byte("a"))
	if err := s.RemoveAll(ImageDir("doc")); err != nil {
		t.Fatal(err)
	}
	if s.Exists(ImageKey("doc", 1, 1, "png")) {
		t.Fatal("image still present")
	}
}

func TestReplaceDir(t *testing.T) {
	// WHAT: staged images replace the old set, and a missing stage empties it.
	s := New(t.TempDir())
	s.WriteFile(ImageKey("doc", 1, 1, "png"), []byte("old"))
	s.WriteFile(StagingDir("doc")+"/page002_img001.png", []byte("new"))

	if err := s.ReplaceDir(ImageDir("doc"), StagingDir("doc")); err != nil {
		t.Fatal(err)
	}
	keys, err := s.ListImages("doc")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != ImageKey("doc", 2, 1, "png") {
		t.Fatalf("images = %v", keys)
	}
	staging, _ := s.Path(StagingDir("doc"))
	if _, err := os.Stat(staging); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("staging dir left behind: %v", err)
	}

	if err := s.ReplaceDir(ImageDir("doc"), StagingDir("doc")); err != nil {
		t.Fatal(err)
	}
	if keys, _ := s.ListImages("doc"); len(keys) != 0 {
		t.Fatalf("images after empty stage = %v", keys)
	}
}

// Package content is the filesystem store for downloaded PDFs, extracted
// page images and face crops. Keys are slash-separated paths relative to the
// store root:
//
//	pdfs/<filename>
//	images/<doc_stem>/page001_img001.png
//	faces/<doc_stem>/<embedding_id>.jpg
//	staging/<doc_stem>/page001_img001.png
//
// Writes are atomic (write .tmp then rename) so a concurrent reader or a
// crash never observes a partial file.
package content

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInvalidKey is returned for keys that would escape the store root.
var ErrInvalidKey = errors.New("content: invalid key")

// Store is rooted at a directory.
type Store struct {
	root string
}

// New returns a Store rooted at dir. The directory is created lazily.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// PDFKey returns the key of a document's PDF.
func PDFKey(filename string) string { return "pdfs/" + filename }

// ImageDir returns the key prefix holding a document's page images.
func ImageDir(docStem string) string { return "images/" + docStem }

// StagingDir returns the key prefix where a re-extraction writes page images
// before they replace ImageDir(docStem).
func StagingDir(docStem string) string { return "staging/" + docStem }

// ImageKey names a page image: images/<stem>/page%03d_img%03d.<ext>.
func ImageKey(docStem string, page, index int, ext string) string {
	return fmt.Sprintf("images/%s/page%03d_img%03d.%s", docStem, page, index, strings.TrimPrefix(ext, "."))
}

// FaceCropKey names a face crop: faces/<stem>/<embedding_id>.jpg.
func FaceCropKey(docStem, embeddingID string) string {
	return "faces/" + docStem + "/" + embeddingID + ".jpg"
}

// Path resolves a key to an absolute filesystem path.
func (s *Store) Path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, elem := range strings.Split(key, "/") {
		if elem == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(clean[1:])), nil
}

// WriteFile stores data under key atomically.
func (s *Store) WriteFile(key string, data []byte) error {
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("content: mkdir %s: %w", key, err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("content: write tmp %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("content: rename %s: %w", key, err)
	}
	return nil
}

// ReadFile returns the content stored under key.
func (s *Store) ReadFile(key string) ([]byte, error) {
	p, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("content: read %s: %w", key, err)
	}
	return data, nil
}

// ReadHead returns up to n leading bytes of key. A missing file yields
// an error wrapping fs.ErrNotExist.
func (s *Store) ReadHead(key string, n int) ([]byte, error) {
	p, err := s.Path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("content: open %s: %w", key, err)
	}
	defer f.Close()
	buf := make([]byte, n)
	m, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("content: read head %s: %w", key, err)
	}
	return buf[:m], nil
}

// Exists reports whether key holds a regular file.
func (s *Store) Exists(key string) bool {
	p, err := s.Path(key)
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// Size returns the size in bytes of key.
func (s *Store) Size(key string) (int64, error) {
	p, err := s.Path(key)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return 0, fmt.Errorf("content: stat %s: %w", key, err)
	}
	return fi.Size(), nil
}

// ListImages returns the keys of a document's page images, sorted. A
// document without an image directory has no images.
func (s *Store) ListImages(docStem string) ([]string, error) {
	dir, err := s.Path(ImageDir(docStem))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("content: list images %s: %w", docStem, err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		keys = append(keys, ImageDir(docStem)+"/"+e.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

// RemoveAll deletes everything under a key prefix (e.g. a document's image
// directory before re-extraction).
func (s *Store) RemoveAll(prefix string) error {
	p, err := s.Path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("content: remove %s: %w", prefix, err)
	}
	return nil
}

// ReplaceDir moves the directory at src over dst. The previous dst is kept
// aside until the move succeeds and restored if it fails. A missing src
// leaves dst empty.
func (s *Store) ReplaceDir(dst, src string) error {
	dp, err := s.Path(dst)
	if err != nil {
		return err
	}
	sp, err := s.Path(src)
	if err != nil {
		return err
	}
	old := dp + ".old"
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("content: replace %s: %w", dst, err)
	}
	if err := os.Rename(dp, old); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("content: replace %s: %w", dst, err)
	}
	if err := os.MkdirAll(filepath.Dir(dp), 0o755); err != nil {
		_ = os.Rename(old, dp)
		return fmt.Errorf("content: replace %s: %w", dst, err)
	}
	if err := os.Rename(sp, dp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = os.Rename(old, dp)
		return fmt.Errorf("content: replace %s: %w", dst, err)
	}
	return os.RemoveAll(old)
}

// Remove deletes one key. Missing keys are not an error.
func (s *Store) Remove(key string) error {
	p, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("content: remove %s: %w", key, err)
	}
	return nil
}

// PageFromImageKey parses the page number out of a page%03d_img%03d name.
// It returns 0 when the name does not follow the convention.
func PageFromImageKey(key string) int {
	base := path.Base(key)
	if !strings.HasPrefix(base, "page") {
		return 0
	}
	n := 0
	for _, r := range base[len("page"):] {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}

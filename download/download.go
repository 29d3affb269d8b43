// Package download brings source PDFs into the content store: listing page
// discovery, rate-limited HTTP fetching behind an optional age-verification
// gate, and the content-addressed skip logic that keeps re-runs cheap.
package download

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"

	"github.com/hazyhaar/pdfdossier/content"
)

// ErrNotPDF is returned when a fetched body does not start with the PDF
// magic header. The document fails as a content error.
var ErrNotPDF = errors.New("download: response is not a PDF")

// Magic is the header every valid PDF begins with.
var Magic = []byte("%PDF-")

// IsPDF reports whether data begins with the PDF magic header.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, Magic)
}

// Hash returns the lowercase hex SHA-256 of data.
func Hash(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// Deduper decides whether a document's PDF must be fetched at all.
type Deduper struct {
	store *content.Store
}

// NewDeduper returns a Deduper over store.
func NewDeduper(store *content.Store) *Deduper {
	return &Deduper{store: store}
}

// HasValidCopy reports whether pdfs/<filename> exists and begins with
// %PDF-. The file is not hashed; a valid header is enough to skip the
// fetch.
func (d *Deduper) HasValidCopy(filename string) (bool, error) {
	head, err := d.store.ReadHead(content.PDFKey(filename), len(Magic))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return IsPDF(head), nil
}

// Store writes a fetched PDF and returns its hash and size.
func (d *Deduper) Store(filename string, data []byte) (hash string, size int64, err error) {
	if !IsPDF(data) {
		return "", 0, ErrNotPDF
	}
	if err := d.store.WriteFile(content.PDFKey(filename), data); err != nil {
		return "", 0, err
	}
	return Hash(data), int64(len(data)), nil
}

// ChangePolicy decides what happens when a re-downloaded document's hash
// differs from the recorded one.
type ChangePolicy string

const (
	// PolicyReprocess resets every downstream stage to pending.
	PolicyReprocess ChangePolicy = "reprocess"
	// PolicyFlag sets needs_review and leaves downstream stages alone.
	PolicyFlag ChangePolicy = "flag"
)

// ParseChangePolicy validates a policy name. The empty string means
// PolicyReprocess.
func ParseChangePolicy(s string) (ChangePolicy, error) {
	switch ChangePolicy(s) {
	case "", PolicyReprocess:
		return PolicyReprocess, nil
	case PolicyFlag:
		return PolicyFlag, nil
	}
	return "", fmt.Errorf("download: unknown change policy %q", s)
}

// Changed reports whether a new hash replaces a different, already
// recorded one.
func Changed(previous, current string) bool {
	return previous != "" && previous != current
}

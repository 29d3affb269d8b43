// Package docpipe turns PDF bytes into page text and embedded page images
// using pdfcpu. Pages whose text layer is too thin are sent to an optional
// OCR capability, one call per embedded image.
//
//	x := docpipe.New(docpipe.Config{OCR: client.OCR()})
//	out, err := x.Extract(ctx, pdfBytes)
package docpipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/pdfdossier/extractor"
)

// Extractor is the local TextExtractor.
type Extractor struct {
	cfg    Config
	logger *slog.Logger
}

var _ extractor.TextExtractor = (*Extractor)(nil)

// New creates an Extractor.
func New(cfg Config) *Extractor {
	cfg.defaults()
	return &Extractor{cfg: cfg, logger: cfg.Logger}
}

// Available always succeeds: pdfcpu is compiled in.
func (x *Extractor) Available(context.Context) error { return nil }

// Extract parses pdf. Corrupt or non-PDF input fails with
// extractor.ErrContent.
func (x *Extractor) Extract(ctx context.Context, pdf []byte) (*extractor.Extraction, error) {
	if int64(len(pdf)) > x.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: pdf is %d bytes (max %d)", extractor.ErrContent, len(pdf), x.cfg.MaxFileSize)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		return nil, fmt.Errorf("%w: missing %%PDF- header", extractor.ErrContent)
	}

	parsed, err := parsePDF(pdf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", extractor.ErrContent, err)
	}

	out := &extractor.Extraction{PageCount: parsed.pageCount}
	for _, img := range parsed.images {
		if len(img.Data) < x.cfg.MinImageBytes {
			continue
		}
		out.Images = append(out.Images, img)
	}

	for _, p := range parsed.pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if needsOCR(p.Text, x.cfg.OCRMinChars) {
			p.Text = x.ocrPage(ctx, p, out.Images)
		}
		out.Pages = append(out.Pages, p)
	}

	var sb strings.Builder
	for _, p := range out.Pages {
		if p.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(p.Text)
	}
	out.Text = sb.String()

	x.logger.DebugContext(ctx, "pdf extracted",
		"pages", out.PageCount, "chars", len(out.Text), "images", len(out.Images))
	return out, nil
}

// ocrPage returns the page text augmented with OCR output of its images.
// OCR being unavailable or failing keeps the original text.
func (x *Extractor) ocrPage(ctx context.Context, p extractor.Page, images []extractor.Image) string {
	if x.cfg.OCR == nil {
		return p.Text
	}
	if err := x.cfg.OCR.Available(ctx); err != nil {
		return p.Text
	}
	parts := []string{}
	if p.Text != "" {
		parts = append(parts, p.Text)
	}
	for _, img := range images {
		if img.Page != p.Number {
			continue
		}
		text, err := x.cfg.OCR.Recognize(ctx, img.Data)
		if err != nil {
			if !errors.Is(err, extractor.ErrUnavailable) {
				x.logger.WarnContext(ctx, "ocr failed", "page", p.Number, "image", img.Index, "error", err)
			}
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// Title returns the first non-empty line of text, cut to 200 runes.
func Title(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 200 {
			line = string(r[:200])
		}
		return line
	}
	return ""
}

package docpipe

import (
	"log/slog"

	"github.com/hazyhaar/pdfdossier/extractor"
)

// Config configures the PDF extractor.
type Config struct {
	// MaxFileSize is the largest PDF accepted (default 512 MiB).
	MaxFileSize int64 `yaml:"max_file_size"`

	// MinImageBytes drops embedded images smaller than this (default 1000).
	MinImageBytes int `yaml:"min_image_bytes"`

	// OCRMinChars sends pages with fewer text characters to OCR (default 50).
	OCRMinChars int `yaml:"ocr_min_chars"`

	// OCR is optional.
	OCR extractor.OCR `yaml:"-"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 512 << 20
	}
	if c.MinImageBytes <= 0 {
		c.MinImageBytes = 1000
	}
	if c.OCRMinChars <= 0 {
		c.OCRMinChars = 50
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

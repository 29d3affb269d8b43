// Package extractor defines the capabilities the pipeline consumes (text
// extraction, entity recognition, face detection, image captioning, OCR)
// and clients that reach them through a connectivity.Router.
package extractor

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the capability is not installed, not routed or
	// disabled. Stages map it to 'skipped'.
	ErrUnavailable = errors.New("extractor: capability unavailable")
	// ErrContent means the input itself is unusable (corrupt PDF, not an
	// image). Stages map it to 'failed'.
	ErrContent = errors.New("extractor: unusable content")
)

// Routed service names.
const (
	ServiceTextExtract  = "text_extract"
	ServiceNER          = "ner_recognize"
	ServiceFaceDetect   = "face_detect"
	ServiceImageCaption = "image_caption"
	ServiceOCR          = "ocr_image"
)

// Page is the text of one PDF page (1-based).
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Image is an image embedded in a PDF page. Index is 1-based per page.
type Image struct {
	Page  int    `json:"page"`
	Index int    `json:"index"`
	Ext   string `json:"ext"`
	Data  []byte `json:"data"`
}

// Extraction is the output of a TextExtractor.
type Extraction struct {
	Text      string  `json:"text"`
	PageCount int     `json:"page_count"`
	Pages     []Page  `json:"pages"`
	Images    []Image `json:"images"`
}

// Span is one recognised entity. Start and End are rune offsets into the
// text handed to Recognize.
type Span struct {
	Text  string `json:"text"`
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// BBox is a face box in source image pixels.
type BBox struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Detection is one detected face.
type Detection struct {
	BBox      BBox      `json:"bbox"`
	Embedding []float32 `json:"embedding"`
	SizePx    int       `json:"size_px"`
	Crop      []byte    `json:"crop,omitempty"` // JPEG, padded
}

// Analysis is the captioner's verdict on one image.
type Analysis struct {
	Description   string   `json:"description"`
	Tags          []string `json:"tags"`
	Category      string   `json:"category"`
	InterestScore float64  `json:"interest_score"`
	Flagged       bool     `json:"flagged"`
	FlagReason    string   `json:"flag_reason"`
	Raw           string   `json:"raw,omitempty"`
}

// Prober reports whether a capability can be called right now. A nil
// error means available; ErrUnavailable (wrapped) means not.
type Prober interface {
	Available(ctx context.Context) error
}

type TextExtractor interface {
	Prober
	Extract(ctx context.Context, pdf []byte) (*Extraction, error)
}

type EntityRecognizer interface {
	Prober
	Recognize(ctx context.Context, text string) ([]Span, error)
}

type FaceDetector interface {
	Prober
	Detect(ctx context.Context, image []byte) ([]Detection, error)
}

type ImageCaptioner interface {
	Prober
	Analyze(ctx context.Context, image []byte) (*Analysis, error)
}

type OCR interface {
	Prober
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Categories are the image categories the captioner may return.
var Categories = []string{
	"document", "photo", "handwritten", "map", "flight_log",
	"receipt", "evidence", "explicit", "correspondence", "other",
}

// Normalize clamps the score to [0,1] and maps unknown categories to
// "other".
func (a *Analysis) Normalize() {
	known := false
	for _, c := range Categories {
		if a.Category == c {
			known = true
			break
		}
	}
	if !known {
		a.Category = "other"
	}
	switch {
	case a.InterestScore < 0:
		a.InterestScore = 0
	case a.InterestScore > 1:
		a.InterestScore = 1
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
}

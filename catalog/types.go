package catalog

import (
	"errors"
	"fmt"
	"time"
)

// Stage names one step of the document pipeline.
type Stage string

const (
	StageDownload      Stage = "download"
	StageExtraction    Stage = "extraction"
	StageEntity        Stage = "entity"
	StageFace          Stage = "face"
	StageImageAnalysis Stage = "image_analysis"
	StageIndex         Stage = "index"
)

// Stages lists every stage in dependency order.
var Stages = []Stage{
	StageDownload,
	StageExtraction,
	StageEntity,
	StageFace,
	StageImageAnalysis,
	StageIndex,
}

// Status is the per-stage state of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
)

// Statuses lists every status, for reporting.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusSkipped}

var (
	ErrNotFound     = errors.New("catalog: not found")
	ErrUnknownStage = errors.New("catalog: unknown stage")
	// ErrClaimLost is returned when a worker commits a stage it no longer
	// holds (another worker reclaimed it after the claim TTL).
	ErrClaimLost = errors.New("catalog: stage claim lost")
)

type stageColumns struct {
	status  string
	claimed string
}

// columns is the whitelist used to build per-stage SQL. Stage values never
// reach a query string without going through it.
var columns = map[Stage]stageColumns{
	StageDownload:      {"download_status", "download_claimed_at"},
	StageExtraction:    {"extraction_status", "extraction_claimed_at"},
	StageEntity:        {"entity_status", "entity_claimed_at"},
	StageFace:          {"face_status", "face_claimed_at"},
	StageImageAnalysis: {"image_analysis_status", "image_analysis_claimed_at"},
	StageIndex:         {"index_status", "index_claimed_at"},
}

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if _, ok := columns[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, s)
	}
	return st, nil
}

// Prerequisite returns the stage that must be completed before s may run.
// The download stage has none.
func (s Stage) Prerequisite() (Stage, bool) {
	switch s {
	case StageDownload:
		return "", false
	case StageExtraction:
		return StageDownload, true
	default:
		return StageExtraction, true
	}
}

// Downstream returns the stages that depend, directly or not, on s.
func (s Stage) Downstream() []Stage {
	switch s {
	case StageDownload:
		return Stages[1:]
	case StageExtraction:
		return Stages[2:]
	default:
		return nil
	}
}

func (s Stage) cols() (stageColumns, error) {
	c, ok := columns[s]
	if !ok {
		return stageColumns{}, fmt.Errorf("%w: %q", ErrUnknownStage, string(s))
	}
	return c, nil
}

// Document is one catalog record.
type Document struct {
	ID            string
	Filename      string
	Title         string
	SourceURL     string
	FileSize      int64
	FileHash      string
	PageCount     int
	HasImages     bool
	ImageCount    int
	ExtractedText *string
	EarliestDate  *time.Time
	LatestDate    *time.Time
	NeedsReview   bool
	Status        map[Stage]Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Stem returns the filename without its extension. Content store keys for
// page images and face crops are derived from it.
func (d *Document) Stem() string {
	name := d.Filename
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i]
		}
		if name[i] == '/' {
			break
		}
	}
	return name
}

// Text returns the extracted text or "".
func (d *Document) Text() string {
	if d.ExtractedText == nil {
		return ""
	}
	return *d.ExtractedText
}

// DocumentPatch lists the document fields a stage may change. Nil fields
// are left untouched.
type DocumentPatch struct {
	Title         *string
	SourceURL     *string
	FileSize      *int64
	FileHash      *string
	PageCount     *int
	HasImages     *bool
	ImageCount    *int
	ExtractedText *string
	NeedsReview   *bool
}

// Entity is a deduplicated named entity.
type Entity struct {
	ID             string
	Name           string
	NormalizedName string
	Type           string
	MentionCount   int
	DocumentCount  int
}

// Mention is one occurrence of an entity in a document.
type Mention struct {
	EntityID   string
	DocumentID string
	Text       string
	Position   int
	Context    string
}

// BBox is a face bounding box in source image pixels.
type BBox struct {
	Top, Right, Bottom, Left int
}

// Face is one detected face instance.
type Face struct {
	ID          string
	DocumentID  string
	ImagePath   string
	PageNumber  int
	BBox        BBox
	CropPath    string
	FaceSize    int
	EmbeddingID string
	ClusterID   string
}

// Cluster is a presumed identity produced by a clustering run.
type Cluster struct {
	ID                   string
	RepresentativeFaceID string
	FaceCount            int
	DocumentCount        int
	Label                string
	FaceIDs              []string
}

// ImageAnalysis is the captioner's verdict on one page image.
type ImageAnalysis struct {
	ID            string
	DocumentID    string
	ImagePath     string
	PageNumber    int
	Description   string
	Tags          []string
	Category      string
	InterestScore float64
	Flagged       bool
	FlagReason    string
	RawResponse   string
}

// SearchHit is one full-text search result.
type SearchHit struct {
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Title      string  `json:"title"`
	Snippet    string  `json:"snippet"`
	Rank       float64 `json:"rank"`
}

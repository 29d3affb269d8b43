package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hazyhaar/pdfdossier/connectivity"
)

func TestClient_UnroutedIsUnavailable(t *testing.T) {
	// WHAT: a capability with no route maps to ErrUnavailable on the availability check and on call.
	// WHY: the stage runner turns ErrUnavailable into 'skipped', not 'failed'.
	c := NewClient(connectivity.New())
	ctx := context.Background()

	if err := c.Faces().Available(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Available = %v", err)
	}
	if _, err := c.Faces().Detect(ctx, []byte("img")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Detect = %v", err)
	}
}

func TestClient_Recognize(t *testing.T) {
	r := connectivity.New()
	r.RegisterLocal(ServiceNER, func(_ context.Context, p []byte) ([]byte, error) {
		var req struct{ Text string }
		if err := json.Unmarshal(p, &req); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"entities": []Span{{Text: req.Text[:4], Label: "PERSON", Start: 0, End: 4}}})
	})
	spans, err := NewClient(r).NER().Recognize(context.Background(), "John met Mary")
	if err != nil {
		t.Fatal(err)
	}
	if len(spans) != 1 || spans[0].Text != "John" || spans[0].Label != "PERSON" {
		t.Fatalf("spans = %+v", spans)
	}
}

func TestClient_EmptyResponseIsUnavailable(t *testing.T) {
	r := connectivity.New()
	r.RegisterLocal(ServiceOCR, func(context.Context, []byte) ([]byte, error) { return nil, nil })
	if _, err := NewClient(r).OCR().Recognize(context.Background(), []byte("x")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestClient_BadRequestIsContentError(t *testing.T) {
	r := connectivity.New()
	r.RegisterLocal(ServiceFaceDetect, func(context.Context, []byte) ([]byte, error) {
		return nil, &connectivity.ErrHTTPStatus{Code: 422, Body: "not an image"}
	})
	if _, err := NewClient(r).Faces().Detect(context.Background(), []byte("x")); !errors.Is(err, ErrContent) {
		t.Fatalf("err = %v", err)
	}
}

func TestClient_AnalyzeNormalizes(t *testing.T) {
	r := connectivity.New()
	r.RegisterLocal(ServiceImageCaption, func(context.Context, []byte) ([]byte, error) {
		return []byte(`{"description":"a plane","category":"aircraft","interest_score":1.7}`), nil
	})
	a, err := NewClient(r).Captioner().Analyze(context.Background(), []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if a.Category != "other" || a.InterestScore != 1 || a.Tags == nil {
		t.Fatalf("analysis = %+v", a)
	}
}

func TestAnalysisNormalize(t *testing.T) {
	tests := []struct {
		cat       string
		score     float64
		wantCat   string
		wantScore float64
	}{
		{"flight_log", 0.5, "flight_log", 0.5},
		{"", -2, "other", 0},
		{"photo", 3, "photo", 1},
	}
	for _, tt := range tests {
		a := Analysis{Category: tt.cat, InterestScore: tt.score}
		a.Normalize()
		if a.Category != tt.wantCat || a.InterestScore != tt.wantScore {
			t.Errorf("Normalize(%q,%v) = %q,%v", tt.cat, tt.score, a.Category, a.InterestScore)
		}
	}
}

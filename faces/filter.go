package faces

import (
	"context"
	"fmt"
	"math"

	"github.com/hazyhaar/pdfdossier/vecindex"
)

// DismissalFilter drops detections that resemble a dismissed face. It
// only reads the dismissed set.
type DismissalFilter struct {
	coll      *vecindex.Collection
	threshold float64
}

// NewDismissalFilter returns a filter over coll.
func NewDismissalFilter(coll *vecindex.Collection, threshold float64) *DismissalFilter {
	return &DismissalFilter{coll: coll, threshold: threshold}
}

// Check reports whether vec lies closer than the threshold to a dismissed
// embedding, with the nearest distance (+Inf when the set is empty).
func (f *DismissalFilter) Check(ctx context.Context, vec []float32) (bool, float64, error) {
	nearest, err := f.coll.QueryNearest(ctx, vec, 1)
	if err != nil {
		return false, 0, fmt.Errorf("faces: dismissal lookup: %w", err)
	}
	if len(nearest) == 0 {
		return false, math.Inf(1), nil
	}
	d := nearest[0].Distance
	return d < f.threshold, d, nil
}

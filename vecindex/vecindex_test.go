package vecindex_test

import (
	"context"
	"errors"
	"math"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pdfdossier/dbopen"
	"github.com/hazyhaar/pdfdossier/vecindex"
)

func newIndex(t *testing.T) *vecindex.Index {
	t.Helper()
	return vecindex.New(dbopen.OpenMemory(t, dbopen.WithSchema(vecindex.Schema)))
}

func TestSerializeRoundTrip(t *testing.T) {
	vec := []float32{0, -1.5, 3.25, float32(math.Pi)}
	got := vecindex.DeserializeVector(vecindex.SerializeVector(vec))
	for i := range vec {
		if got[i] != vec[i] {
			t.Fatalf("[%d] = %v, want %v", i, got[i], vec[i])
		}
	}
}

func TestEuclidean(t *testing.T) {
	if d := vecindex.Euclidean([]float32{0, 0}, []float32{3, 4}); d != 5 {
		t.Fatalf("distance = %v, want 5", d)
	}
	if d := vecindex.Euclidean([]float32{0}, []float32{0, 1}); !math.IsInf(d, 1) {
		t.Fatalf("dim mismatch distance = %v, want +Inf", d)
	}
}

func TestCollectionsAreIsolated(t *testing.T) {
	// WHAT: the same id in two collections refers to two embeddings.
	// WHY: dismissed copies keep the face embedding id.
	ix := newIndex(t)
	ctx := context.Background()
	faces := ix.Collection(vecindex.CollectionFaces)
	dismissed := ix.Collection(vecindex.CollectionDismissed)

	if err := faces.Add(ctx, "face_1", []float32{1, 0}, map[string]any{"document_id": "d1"}); err != nil {
		t.Fatal(err)
	}
	if n, _ := dismissed.Count(ctx); n != 0 {
		t.Fatalf("dismissed count = %d, want 0", n)
	}
	if err := dismissed.Add(ctx, "face_1", []float32{1, 0}, nil); err != nil {
		t.Fatal(err)
	}
	if err := faces.Delete(ctx, "face_1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := dismissed.Has(ctx, "face_1"); !ok {
		t.Fatal("dismissed copy deleted with the face")
	}
}

func TestAddIsImmutable(t *testing.T) {
	ix := newIndex(t)
	ctx := context.Background()
	c := ix.Collection("faces")
	c.Add(ctx, "a", []float32{1, 2}, nil)
	c.Add(ctx, "a", []float32{9, 9}, nil)

	got, err := c.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 1 || got[1] != 2 {
		t.Fatalf("vector overwritten: %v", got)
	}
}

func TestGetMissing(t *testing.T) {
	c := newIndex(t).Collection("faces")
	if _, err := c.Get(context.Background(), "nope"); !errors.Is(err, vecindex.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestQueryNearest(t *testing.T) {
	ix := newIndex(t)
	ctx := context.Background()
	c := ix.Collection("faces")
	c.Add(ctx, "far", []float32{10, 10}, nil)
	c.Add(ctx, "near", []float32{0.1, 0}, map[string]any{"document_id": "d1"})
	c.Add(ctx, "mid", []float32{1, 1}, nil)
	c.Add(ctx, "other-dim", []float32{0, 0, 0}, nil)

	got, err := c.QueryNearest(ctx, []float32{0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "near" || got[1].ID != "mid" {
		t.Fatalf("neighbors = %+v", got)
	}
	if math.Abs(got[0].Distance-0.1) > 1e-6 {
		t.Fatalf("distance = %v, want 0.1", got[0].Distance)
	}
	if got[0].Metadata["document_id"] != "d1" {
		t.Fatalf("metadata = %v", got[0].Metadata)
	}
}

func TestQueryNearestEmpty(t *testing.T) {
	c := newIndex(t).Collection(vecindex.CollectionDismissed)
	got, err := c.QueryNearest(context.Background(), []float32{0, 0}, 1)
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
}

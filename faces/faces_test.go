package faces_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pdfdossier/catalog"
	"github.com/hazyhaar/pdfdossier/dbopen"
	"github.com/hazyhaar/pdfdossier/faces"
	"github.com/hazyhaar/pdfdossier/graph"
	"github.com/hazyhaar/pdfdossier/idgen"
	"github.com/hazyhaar/pdfdossier/vecindex"
)

type fixture struct {
	cat   *catalog.Store
	vec   *vecindex.Index
	graph *graph.Memory
	eng   *faces.Engine
	docs  []string
}

func newFixture(t *testing.T, docs int) *fixture {
	t.Helper()
	ctx := context.Background()
	cat := catalog.New(dbopen.OpenMemory(t, dbopen.WithSchema(catalog.Schema)), catalog.WithIDGenerator(idgen.Sequence("c")))
	vec := vecindex.New(dbopen.OpenMemory(t, dbopen.WithSchema(vecindex.Schema)))
	g := graph.NewMemory()
	f := &fixture{cat: cat, vec: vec, graph: g, eng: faces.New(cat, vec, g, faces.Config{})}
	for i := range docs {
		id, _, err := cat.UpsertDiscovered(ctx, fmt.Sprintf("doc%d.pdf", i), "", "")
		if err != nil {
			t.Fatal(err)
		}
		f.docs = append(f.docs, id)
	}
	return f
}

// addFace inserts a face row and its vector.
func (f *fixture) addFace(t *testing.T, id, doc string, size int, vec []float32) {
	t.Helper()
	ctx := context.Background()
	emb := "face_" + id
	if vec != nil {
		if err := f.vec.Collection(vecindex.CollectionFaces).Add(ctx, emb, vec, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.cat.InTx(ctx, func(tx *catalog.Tx) error {
		return tx.InsertFace(ctx, &catalog.Face{ID: id, DocumentID: doc, ImagePath: "img", FaceSize: size, EmbeddingID: emb})
	}); err != nil {
		t.Fatal(err)
	}
	f.graph.UpsertFaceNode(ctx, graph.FaceNode{ID: id, DocumentID: doc, EmbeddingID: emb, FaceSize: size})
}

func TestDBSCANTwoGroupsAndOutlier(t *testing.T) {
	// WHAT: two dense groups and one far point give two clusters and one noise point.
	// WHY: noise faces must stay unclustered.
	pts := []faces.Point{
		{ID: "a1", Vec: []float32{0, 0}},
		{ID: "a2", Vec: []float32{0.1, 0}},
		{ID: "a3", Vec: []float32{0, 0.1}},
		{ID: "b1", Vec: []float32{5, 5}},
		{ID: "b2", Vec: []float32{5.1, 5}},
		{ID: "x", Vec: []float32{-10, 10}},
	}
	labels := faces.DBSCAN(pts, 0.5, 2)
	want := []int{0, 0, 0, 1, 1, faces.Noise}
	for i := range want {
		if labels[i] != want[i] {
			t.Fatalf("labels = %v, want %v", labels, want)
		}
	}
}

func TestDBSCANChain(t *testing.T) {
	// WHAT: density-reachable points join the same cluster even beyond eps of the seed.
	// WHY: DBSCAN expands through core points.
	pts := []faces.Point{
		{ID: "1", Vec: []float32{0}},
		{ID: "2", Vec: []float32{0.4}},
		{ID: "3", Vec: []float32{0.8}},
		{ID: "4", Vec: []float32{1.2}},
	}
	labels := faces.DBSCAN(pts, 0.5, 2)
	for i, l := range labels {
		if l != 0 {
			t.Fatalf("point %d label %d, want 0 (%v)", i, l, labels)
		}
	}
}

func TestClusterPersistsClustersAndRepresentative(t *testing.T) {
	// WHAT: Cluster writes two clusters, leaves the outlier NULL and picks the largest face as representative.
	// WHY: the representative is what operators see for an identity.
	f := newFixture(t, 2)
	ctx := context.Background()
	d0, d1 := f.docs[0], f.docs[1]
	f.addFace(t, "a1", d0, 1500, []float32{0, 0})
	f.addFace(t, "a2", d1, 4000, []float32{0.1, 0})
	f.addFace(t, "a3", d1, 2000, []float32{0, 0.1})
	f.addFace(t, "b1", d0, 3000, []float32{5, 5})
	f.addFace(t, "b2", d0, 3000, []float32{5.1, 5})
	f.addFace(t, "x", d1, 9000, []float32{-10, 10})

	rep, err := f.eng.Cluster(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Clusters != 2 || rep.Clustered != 5 || rep.Noise != 1 {
		t.Fatalf("report = %+v", rep)
	}

	clusters, err := f.cat.ListClusters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(clusters) != 2 {
		t.Fatalf("clusters = %d", len(clusters))
	}
	byRep := map[string]catalog.Cluster{}
	for _, c := range clusters {
		byRep[c.RepresentativeFaceID] = c
	}
	a, ok := byRep["a2"]
	if !ok || a.FaceCount != 3 || a.DocumentCount != 2 {
		t.Errorf("cluster a = %+v (%v)", a, ok)
	}
	// Equal sizes: the smaller id wins.
	b, ok := byRep["b1"]
	if !ok || b.FaceCount != 2 || b.DocumentCount != 1 {
		t.Errorf("cluster b = %+v (%v)", b, ok)
	}

	docFaces, _ := f.cat.DocumentFaces(ctx, d1)
	for _, fc := range docFaces {
		if fc.ID == "x" && fc.ClusterID != "" {
			t.Errorf("outlier clustered: %q", fc.ClusterID)
		}
	}
	// 3 pairs in a, 1 in b.
	if f.graph.EdgeCount() != 4 || rep.Edges != 4 {
		t.Errorf("edges: graph=%d report=%d", f.graph.EdgeCount(), rep.Edges)
	}
}

func TestClusterExcludesMissingAndMismatchedVectors(t *testing.T) {
	// WHAT: faces without a stored vector or with another dimension are excluded, the rest clusters.
	// WHY: one bad embedding must not abort the batch.
	f := newFixture(t, 1)
	ctx := context.Background()
	d := f.docs[0]
	f.addFace(t, "a1", d, 1000, []float32{0, 0})
	f.addFace(t, "a2", d, 1000, []float32{0.1, 0})
	f.addFace(t, "gone", d, 1000, nil)
	f.addFace(t, "odd", d, 1000, []float32{0, 0, 0})

	rep, err := f.eng.Cluster(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Excluded != 2 || rep.Clusters != 1 || rep.Clustered != 2 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestClusterNeedsTwoEmbeddings(t *testing.T) {
	// WHAT: with a single usable embedding nothing is written.
	// WHY: previous clusters survive a run that cannot recompute them.
	f := newFixture(t, 1)
	ctx := context.Background()
	f.addFace(t, "a1", f.docs[0], 1000, []float32{0, 0})
	if _, err := f.cat.ReplaceClusters(ctx, []catalog.Cluster{{ID: "keep", RepresentativeFaceID: "a1", FaceCount: 1, DocumentCount: 1, FaceIDs: []string{"a1"}}}); err != nil {
		t.Fatal(err)
	}

	rep, err := f.eng.Cluster(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Clusters != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if _, err := f.cat.GetCluster(ctx, "keep"); err != nil {
		t.Fatalf("existing cluster touched: %v", err)
	}
}

func TestClusterIsDeterministic(t *testing.T) {
	// WHAT: two runs over the same faces produce the same memberships.
	// WHY: points are sorted by face id before clustering.
	f := newFixture(t, 1)
	ctx := context.Background()
	d := f.docs[0]
	for i := range 6 {
		f.addFace(t, fmt.Sprintf("f%d", i), d, 1000, []float32{float32(i%2) * 3, float32(i) * 0.01})
	}
	members := func() map[string]string {
		clusters, _ := f.cat.ListClusters(ctx, 10)
		out := map[string]string{}
		for _, c := range clusters {
			full, _ := f.cat.GetCluster(ctx, c.ID)
			for _, id := range full.FaceIDs {
				out[id] = full.FaceIDs[0]
			}
		}
		return out
	}
	if _, err := f.eng.Cluster(ctx); err != nil {
		t.Fatal(err)
	}
	first := members()
	if _, err := f.eng.Cluster(ctx); err != nil {
		t.Fatal(err)
	}
	second := members()
	if len(first) != 6 || fmt.Sprint(first) != fmt.Sprint(second) {
		t.Fatalf("runs differ: %v vs %v", first, second)
	}
}

func TestPairCapTruncatesEdges(t *testing.T) {
	// WHAT: a cluster larger than the pair cap only links its first PairCap members.
	// WHY: edge count grows quadratically with cluster size.
	cat := catalog.New(dbopen.OpenMemory(t, dbopen.WithSchema(catalog.Schema)))
	vec := vecindex.New(dbopen.OpenMemory(t, dbopen.WithSchema(vecindex.Schema)))
	g := graph.NewMemory()
	eng := faces.New(cat, vec, g, faces.Config{PairCap: 3})
	f := &fixture{cat: cat, vec: vec, graph: g, eng: eng}
	ctx := context.Background()
	doc, _, _ := cat.UpsertDiscovered(ctx, "a.pdf", "", "")
	for i := range 5 {
		f.addFace(t, fmt.Sprintf("f%d", i), doc, 1000, []float32{float32(i) * 0.01})
	}
	rep, err := eng.Cluster(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Edges != 3 || g.EdgeCount() != 3 {
		t.Fatalf("edges: report=%d graph=%d, want 3", rep.Edges, g.EdgeCount())
	}
}

func TestDismissalFilter(t *testing.T) {
	// WHAT: a detection at distance 0.1 from a dismissed face is dropped, one at 1.0 is kept.
	// WHY: recurring false positives must not come back.
	f := newFixture(t, 0)
	ctx := context.Background()
	filter := f.eng.Filter()

	drop, d, err := filter.Check(ctx, []float32{0, 0})
	if err != nil || drop {
		t.Fatalf("empty set dropped: %v %v %v", drop, d, err)
	}

	if err := f.vec.Collection(vecindex.CollectionDismissed).Add(ctx, "face_x", []float32{0, 0}, nil); err != nil {
		t.Fatal(err)
	}
	drop, d, _ = filter.Check(ctx, []float32{0.1, 0})
	if !drop {
		t.Errorf("distance %.2f not dropped", d)
	}
	drop, d, _ = filter.Check(ctx, []float32{1, 0})
	if drop {
		t.Errorf("distance %.2f dropped", d)
	}
}

func TestDismissCluster(t *testing.T) {
	// WHAT: dismissing a cluster moves member vectors to dismissed and deletes the faces and the cluster.
	// WHY: later runs must neither cluster nor re-detect the false positive.
	f := newFixture(t, 1)
	ctx := context.Background()
	d := f.docs[0]
	f.addFace(t, "a1", d, 1000, []float32{0, 0})
	f.addFace(t, "a2", d, 1000, []float32{0.1, 0})
	f.addFace(t, "b1", d, 1000, []float32{5, 5})
	f.addFace(t, "b2", d, 1000, []float32{5.1, 5})
	if _, err := f.eng.Cluster(ctx); err != nil {
		t.Fatal(err)
	}

	a1, _ := f.cat.DocumentFaces(ctx, d)
	var clusterID string
	for _, fc := range a1 {
		if fc.ID == "a1" {
			clusterID = fc.ClusterID
		}
	}
	rep, err := f.eng.Dismiss(ctx, clusterID)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Faces != 2 || rep.Dismissed != 2 {
		t.Fatalf("report = %+v", rep)
	}

	if _, err := f.cat.GetCluster(ctx, clusterID); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("cluster still present: %v", err)
	}
	remaining, _ := f.cat.DocumentFaces(ctx, d)
	if len(remaining) != 2 {
		t.Errorf("faces left = %d, want 2", len(remaining))
	}
	if n, _ := f.vec.Collection(vecindex.CollectionDismissed).Count(ctx); n != 2 {
		t.Errorf("dismissed = %d", n)
	}
	if has, _ := f.vec.Collection(vecindex.CollectionFaces).Has(ctx, "face_a1"); has {
		t.Error("dismissed vector still in faces")
	}
	if _, ok := f.graph.Faces["a1"]; ok {
		t.Error("dismissed face node still in graph")
	}
	if _, ok := f.graph.Faces["b1"]; !ok || f.graph.EdgeCount() != 1 {
		t.Errorf("graph faces = %v, edges = %d", f.graph.Faces, f.graph.EdgeCount())
	}
	if drop, _, _ := f.eng.Filter().Check(ctx, []float32{0.05, 0}); !drop {
		t.Error("similar detection not filtered after dismissal")
	}

	if _, err := f.eng.Dismiss(ctx, "nope"); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("unknown cluster: %v", err)
	}
}

func TestReclusterDropsStaleEdges(t *testing.T) {
	// WHAT: edges of the previous clustering do not survive a recluster.
	// WHY: faces removed since the last run must not stay linked as one person.
	f := newFixture(t, 2)
	ctx := context.Background()
	f.addFace(t, "a1", f.docs[0], 1000, []float32{0, 0})
	f.addFace(t, "a2", f.docs[0], 1000, []float32{0.1, 0})
	f.addFace(t, "b1", f.docs[1], 1000, []float32{5, 5})
	f.addFace(t, "b2", f.docs[1], 1000, []float32{5.1, 5})
	if _, err := f.eng.Cluster(ctx); err != nil {
		t.Fatal(err)
	}
	if f.graph.EdgeCount() != 2 {
		t.Fatalf("edges = %d, want 2", f.graph.EdgeCount())
	}

	if err := f.cat.InTx(ctx, func(tx *catalog.Tx) error {
		_, err := tx.DeleteDocumentFaces(ctx, f.docs[0])
		return err
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.Cluster(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.graph.SamePerson[[2]string{"b1", "b2"}]; !ok || f.graph.EdgeCount() != 1 {
		t.Fatalf("edges after recluster = %v", f.graph.SamePerson)
	}
}

func TestLabel(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.addFace(t, "a1", f.docs[0], 1000, []float32{0})
	f.addFace(t, "a2", f.docs[0], 1000, []float32{0.1})
	if _, err := f.eng.Cluster(ctx); err != nil {
		t.Fatal(err)
	}
	clusters, _ := f.cat.ListClusters(ctx, 1)
	if err := f.eng.Label(ctx, clusters[0].ID, "pilot"); err != nil {
		t.Fatal(err)
	}
	got, _ := f.cat.GetCluster(ctx, clusters[0].ID)
	if got.Label != "pilot" {
		t.Errorf("label = %q", got.Label)
	}
}

// Package faces turns detected face embeddings into presumed identities.
// It holds the dismissal filter applied to new detections, the full
// recompute DBSCAN clustering over the catalog's faces, and the curation
// actions (dismiss, label) operators run on the resulting clusters.
package faces

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hazyhaar/pdfdossier/catalog"
	"github.com/hazyhaar/pdfdossier/graph"
	"github.com/hazyhaar/pdfdossier/vecindex"
)

// Config tunes the engine.
type Config struct {
	// DismissThreshold is the Euclidean distance under which a detection
	// matches a dismissed face. Default: 0.4.
	DismissThreshold float64
	// Eps is the DBSCAN neighbourhood radius. Default: 0.5.
	Eps float64
	// MinSamples is the DBSCAN core point size. Default: 2.
	MinSamples int
	// PairCap bounds the members of one cluster that get SAME_PERSON
	// edges. Default: 200.
	PairCap int
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.DismissThreshold <= 0 {
		c.DismissThreshold = 0.4
	}
	if c.Eps <= 0 {
		c.Eps = 0.5
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 2
	}
	if c.PairCap <= 0 {
		c.PairCap = 200
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine clusters and curates faces.
type Engine struct {
	cat       *catalog.Store
	faces     *vecindex.Collection
	dismissed *vecindex.Collection
	graph     graph.Store
	cfg       Config
}

// New creates an Engine. g may be nil.
func New(cat *catalog.Store, vec *vecindex.Index, g graph.Store, cfg Config) *Engine {
	cfg.defaults()
	if g == nil {
		g = graph.Noop{}
	}
	return &Engine{
		cat:       cat,
		faces:     vec.Collection(vecindex.CollectionFaces),
		dismissed: vec.Collection(vecindex.CollectionDismissed),
		graph:     g,
		cfg:       cfg,
	}
}

// Filter returns the dismissal filter bound to the engine's dismissed set.
func (e *Engine) Filter() *DismissalFilter {
	return NewDismissalFilter(e.dismissed, e.cfg.DismissThreshold)
}

// ClusterReport summarises a clustering run.
type ClusterReport struct {
	Faces     int           `json:"faces"`
	Excluded  int           `json:"excluded"`
	Clusters  int           `json:"clusters"`
	Clustered int           `json:"clustered"`
	Noise     int           `json:"noise"`
	Edges     int           `json:"edges"`
	Duration  time.Duration `json:"duration_ns"`
}

// Cluster recomputes every identity cluster from scratch. With fewer than
// two usable embeddings it writes nothing. Cluster ids change on every run.
func (e *Engine) Cluster(ctx context.Context) (ClusterReport, error) {
	start := time.Now()
	var rep ClusterReport
	log := e.cfg.Logger

	// Two-step read: catalog ids first, then vectors. The two stores are
	// not read in one transaction; a face deleted in between only loses
	// its vector lookup and is excluded.
	faces, err := e.cat.EmbeddedFaces(ctx)
	if err != nil {
		return rep, fmt.Errorf("faces: load faces: %w", err)
	}
	rep.Faces = len(faces)

	byID := make(map[string]catalog.Face, len(faces))
	points := make([]Point, 0, len(faces))
	for _, f := range faces {
		vec, err := e.faces.Get(ctx, f.EmbeddingID)
		if errors.Is(err, vecindex.ErrNotFound) {
			log.WarnContext(ctx, "face vector missing, excluded", "face_id", f.ID, "embedding_id", f.EmbeddingID)
			rep.Excluded++
			continue
		}
		if err != nil {
			return rep, fmt.Errorf("faces: load vector %s: %w", f.EmbeddingID, err)
		}
		byID[f.ID] = f
		points = append(points, Point{ID: f.ID, Vec: vec})
	}
	points, dropped := dominantDim(points)
	for _, p := range dropped {
		log.WarnContext(ctx, "face vector dimension mismatch, excluded", "face_id", p.ID, "dim", len(p.Vec))
		rep.Excluded++
	}

	if len(points) < 2 {
		log.InfoContext(ctx, "clustering skipped, not enough embeddings", "usable", len(points))
		rep.Duration = time.Since(start)
		return rep, nil
	}

	sort.Slice(points, func(i, j int) bool { return points[i].ID < points[j].ID })
	labels := DBSCAN(points, e.cfg.Eps, e.cfg.MinSamples)

	groups := make(map[int][]Point)
	for i, l := range labels {
		if l == Noise {
			rep.Noise++
			continue
		}
		groups[l] = append(groups[l], points[i])
	}

	order := make([]int, 0, len(groups))
	for l := range groups {
		order = append(order, l)
	}
	sort.Ints(order)

	clusters := make([]catalog.Cluster, 0, len(groups))
	for _, l := range order {
		members := groups[l]
		clusters = append(clusters, buildCluster(members, byID))
		rep.Clustered += len(members)
	}

	if _, err := e.cat.ReplaceClusters(ctx, clusters); err != nil {
		return rep, fmt.Errorf("faces: replace clusters: %w", err)
	}
	rep.Clusters = len(clusters)

	_ = e.graph.ClearSamePersonEdges(ctx)
	for _, l := range order {
		rep.Edges += e.linkCluster(ctx, groups[l])
	}

	rep.Duration = time.Since(start)
	log.InfoContext(ctx, "clustering done",
		"faces", rep.Faces, "excluded", rep.Excluded, "clusters", rep.Clusters,
		"clustered", rep.Clustered, "noise", rep.Noise, "duration_ms", rep.Duration.Milliseconds())
	return rep, nil
}

// buildCluster derives the cluster record of a group of member points.
func buildCluster(members []Point, byID map[string]catalog.Face) catalog.Cluster {
	c := catalog.Cluster{FaceCount: len(members)}
	docs := make(map[string]bool)
	var rep catalog.Face
	for i, p := range members {
		f := byID[p.ID]
		c.FaceIDs = append(c.FaceIDs, f.ID)
		docs[f.DocumentID] = true
		if i == 0 || f.FaceSize > rep.FaceSize || (f.FaceSize == rep.FaceSize && f.ID < rep.ID) {
			rep = f
		}
	}
	c.RepresentativeFaceID = rep.ID
	c.DocumentCount = len(docs)
	return c
}

// linkCluster writes SAME_PERSON edges between members. Edges of the
// previous clustering are cleared before the first call. Clusters larger
// than PairCap only link their first PairCap members.
func (e *Engine) linkCluster(ctx context.Context, members []Point) int {
	if len(members) > e.cfg.PairCap {
		e.cfg.Logger.WarnContext(ctx, "cluster exceeds pair cap, edges truncated",
			"members", len(members), "pair_cap", e.cfg.PairCap)
		members = members[:e.cfg.PairCap]
	}
	n := 0
	for i := range members {
		for j := i + 1; j < len(members); j++ {
			sim := 1 - vecindex.Euclidean(members[i].Vec, members[j].Vec)
			if sim < 0 {
				sim = 0
			}
			_ = e.graph.UpsertSamePersonEdge(ctx, members[i].ID, members[j].ID, sim)
			n++
		}
	}
	return n
}

// dominantDim keeps the points sharing the most common dimension and
// returns the others separately. Ties favour the larger dimension.
func dominantDim(points []Point) (kept, dropped []Point) {
	counts := make(map[int]int)
	for _, p := range points {
		counts[len(p.Vec)]++
	}
	best, bestN := 0, 0
	for dim, n := range counts {
		if n > bestN || (n == bestN && dim > best) {
			best, bestN = dim, n
		}
	}
	for _, p := range points {
		if len(p.Vec) == best && best > 0 {
			kept = append(kept, p)
		} else {
			dropped = append(dropped, p)
		}
	}
	return kept, dropped
}

// DismissReport summarises a dismissal.
type DismissReport struct {
	ClusterID string `json:"cluster_id"`
	Faces     int    `json:"faces"`
	Dismissed int    `json:"dismissed"`
}

// Dismiss marks a cluster as a false positive: its member embeddings are
// copied to the dismissed set, then the member faces and the cluster are
// deleted from the catalog and the graph, then the embeddings leave the
// faces collection. Later detections close to any of them are dropped.
func (e *Engine) Dismiss(ctx context.Context, clusterID string) (DismissReport, error) {
	rep := DismissReport{ClusterID: clusterID}
	if _, err := e.cat.GetCluster(ctx, clusterID); err != nil {
		return rep, err
	}
	members, err := e.cat.ClusterFaces(ctx, clusterID)
	if err != nil {
		return rep, err
	}
	rep.Faces = len(members)

	for _, f := range members {
		if f.EmbeddingID == "" {
			continue
		}
		vec, err := e.faces.Get(ctx, f.EmbeddingID)
		if errors.Is(err, vecindex.ErrNotFound) {
			continue
		}
		if err != nil {
			return rep, fmt.Errorf("faces: dismiss %s: %w", clusterID, err)
		}
		meta := map[string]any{"face_id": f.ID, "document_id": f.DocumentID, "cluster_id": clusterID}
		if err := e.dismissed.Add(ctx, f.EmbeddingID, vec, meta); err != nil {
			return rep, fmt.Errorf("faces: dismiss %s: %w", clusterID, err)
		}
		rep.Dismissed++
	}

	embeddingIDs, err := e.cat.DeleteCluster(ctx, clusterID)
	if err != nil {
		return rep, err
	}
	faceIDs := make([]string, len(members))
	for i, f := range members {
		faceIDs[i] = f.ID
	}
	_ = e.graph.DeleteFaceNodes(ctx, faceIDs...)
	if err := e.faces.Delete(ctx, embeddingIDs...); err != nil {
		// The catalog no longer references them; clustering ignores them.
		e.cfg.Logger.WarnContext(ctx, "dismissed vectors not removed from faces", "cluster_id", clusterID, "error", err)
	}
	e.cfg.Logger.InfoContext(ctx, "cluster dismissed", "cluster_id", clusterID, "faces", rep.Faces, "dismissed", rep.Dismissed)
	return rep, nil
}

// Label sets an operator label on a cluster. An empty label clears it.
func (e *Engine) Label(ctx context.Context, clusterID, label string) error {
	return e.cat.LabelCluster(ctx, clusterID, label)
}

package catalog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pdfdossier/catalog"
	"github.com/hazyhaar/pdfdossier/dbopen"
	"github.com/hazyhaar/pdfdossier/idgen"
)

func newStore(t *testing.T) *catalog.Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(catalog.Schema))
	return catalog.New(db, catalog.WithIDGenerator(idgen.Sequence("id")))
}

func addDoc(t *testing.T, s *catalog.Store, filename string) string {
	t.Helper()
	id, created, err := s.UpsertDiscovered(context.Background(), filename, "", "https://example.org/"+filename)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatalf("%s already existed", filename)
	}
	return id
}

// complete drives (id, stage) through claim + commit.
func complete(t *testing.T, s *catalog.Store, id string, stage catalog.Stage) {
	t.Helper()
	ctx := context.Background()
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := s.Claim(ctx, id, stage, doc.Status[stage], time.Time{})
	if err != nil || !ok {
		t.Fatalf("claim %s/%s: ok=%v err=%v", id, stage, ok, err)
	}
	if err := s.InTx(ctx, func(tx *catalog.Tx) error { return tx.CompleteStage(ctx, id, stage) }); err != nil {
		t.Fatalf("complete %s/%s: %v", id, stage, err)
	}
}

func TestUpsertDiscoveredKeepsExisting(t *testing.T) {
	// WHAT: rediscovering a filename returns the existing id and changes nothing.
	// WHY: filename is the document identity.
	s := newStore(t)
	ctx := context.Background()
	id := addDoc(t, s, "a.pdf")
	complete(t, s, id, catalog.StageDownload)

	again, created, err := s.UpsertDiscovered(ctx, "a.pdf", "other title", "https://elsewhere/a.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if created || again != id {
		t.Fatalf("got (%s, %v), want (%s, false)", again, created, id)
	}
	doc, _ := s.GetDocument(ctx, id)
	if doc.Status[catalog.StageDownload] != catalog.StatusCompleted {
		t.Fatalf("download status reset to %s", doc.Status[catalog.StageDownload])
	}
	if doc.SourceURL != "https://example.org/a.pdf" {
		t.Fatalf("source url overwritten: %s", doc.SourceURL)
	}
}

func TestSelectCandidatesRespectsPrerequisite(t *testing.T) {
	// WHAT: a stage only sees documents whose prerequisite is completed.
	s := newStore(t)
	ctx := context.Background()
	a := addDoc(t, s, "a.pdf")
	addDoc(t, s, "b.pdf")
	complete(t, s, a, catalog.StageDownload)

	cands, err := s.SelectCandidates(ctx, catalog.StageExtraction, catalog.Selection{})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].ID != a {
		t.Fatalf("candidates = %+v, want only %s", cands, a)
	}

	cands, _ = s.SelectCandidates(ctx, catalog.StageDownload, catalog.Selection{})
	if len(cands) != 1 {
		t.Fatalf("download candidates = %d, want 1 (b only)", len(cands))
	}
	cands, _ = s.SelectCandidates(ctx, catalog.StageDownload, catalog.Selection{Reprocess: true})
	if len(cands) != 2 {
		t.Fatalf("reprocess candidates = %d, want 2", len(cands))
	}
}

func TestClaimIsExclusive(t *testing.T) {
	// WHAT: two claims with the same observed status, only one wins.
	// WHY: no two workers may process the same (document, stage).
	s := newStore(t)
	ctx := context.Background()
	id := addDoc(t, s, "a.pdf")

	ok1, err := s.Claim(ctx, id, catalog.StageDownload, catalog.StatusPending, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	ok2, err := s.Claim(ctx, id, catalog.StageDownload, catalog.StatusPending, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if !ok1 || ok2 {
		t.Fatalf("claims = %v, %v; want true, false", ok1, ok2)
	}

	// A live claim is invisible to selection.
	cands, _ := s.SelectCandidates(ctx, catalog.StageDownload, catalog.Selection{StaleBefore: time.Now().Add(-time.Hour)})
	if len(cands) != 0 {
		t.Fatalf("claimed doc selected: %+v", cands)
	}
}

func TestReleaseClaimRestoresStatus(t *testing.T) {
	// WHAT: an interrupted claim goes back to the observed status, not failed.
	s := newStore(t)
	ctx := context.Background()
	id := addDoc(t, s, "a.pdf")

	if ok, err := s.Claim(ctx, id, catalog.StageDownload, catalog.StatusPending, time.Time{}); !ok || err != nil {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	if err := s.ReleaseClaim(ctx, id, catalog.StageDownload, catalog.StatusPending); err != nil {
		t.Fatal(err)
	}
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got := doc.Status[catalog.StageDownload]; got != catalog.StatusPending {
		t.Fatalf("status = %s, want pending", got)
	}
	cands, _ := s.SelectCandidates(ctx, catalog.StageDownload, catalog.Selection{})
	if len(cands) != 1 {
		t.Fatalf("released doc not selectable: %+v", cands)
	}

	// Nothing to release once the claim is gone.
	if err := s.ReleaseClaim(ctx, id, catalog.StageDownload, catalog.StatusPending); !errors.Is(err, catalog.ErrClaimLost) {
		t.Fatalf("second release err = %v", err)
	}
}

func TestStaleClaimIsReclaimable(t *testing.T) {
	// WHAT: a 'processing' claim older than the TTL is selectable and claimable.
	// WHY: a crashed worker must not strand a document forever.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(catalog.Schema))
	past := time.Now().Add(-2 * time.Hour)
	old := catalog.New(db, catalog.WithClock(func() time.Time { return past }))
	s := catalog.New(db)
	ctx := context.Background()

	id, _, err := s.UpsertDiscovered(ctx, "a.pdf", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := old.Claim(ctx, id, catalog.StageDownload, catalog.StatusPending, time.Time{}); !ok {
		t.Fatal("initial claim failed")
	}

	stale := time.Now().Add(-30 * time.Minute)
	cands, err := s.SelectCandidates(ctx, catalog.StageDownload, catalog.Selection{StaleBefore: stale})
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || cands[0].Status != catalog.StatusProcessing {
		t.Fatalf("candidates = %+v", cands)
	}
	ok, err := s.Claim(ctx, id, catalog.StageDownload, catalog.StatusProcessing, stale)
	if err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
}

func TestCompleteWithoutClaimFails(t *testing.T) {
	// WHAT: committing a stage that is not claimed reports ErrClaimLost and writes nothing.
	s := newStore(t)
	ctx := context.Background()
	id := addDoc(t, s, "a.pdf")

	title := "should not persist"
	err := s.InTx(ctx, func(tx *catalog.Tx) error {
		if err := tx.PatchDocument(ctx, id, catalog.DocumentPatch{Title: &title}); err != nil {
			return err
		}
		return tx.CompleteStage(ctx, id, catalog.StageDownload)
	})
	if !errors.Is(err, catalog.ErrClaimLost) {
		t.Fatalf("err = %v, want ErrClaimLost", err)
	}
	doc, _ := s.GetDocument(ctx, id)
	if doc.Title == title {
		t.Fatal("patch persisted despite rollback")
	}
}

func TestMarkSkippedIsIdempotent(t *testing.T) {
	// WHAT: skipping already-skipped candidates writes nothing.
	s := newStore(t)
	ctx := context.Background()
	a := addDoc(t, s, "a.pdf")
	complete(t, s, a, catalog.StageDownload)
	complete(t, s, a, catalog.StageExtraction)

	cands, _ := s.SelectCandidates(ctx, catalog.StageFace, catalog.Selection{})
	n, err := s.MarkSkipped(ctx, catalog.StageFace, cands)
	if err != nil || n != 1 {
		t.Fatalf("first skip: n=%d err=%v", n, err)
	}
	cands, _ = s.SelectCandidates(ctx, catalog.StageFace, catalog.Selection{})
	if len(cands) != 1 || cands[0].Status != catalog.StatusSkipped {
		t.Fatalf("skipped doc not reselected: %+v", cands)
	}
	n, err = s.MarkSkipped(ctx, catalog.StageFace, cands)
	if err != nil || n != 0 {
		t.Fatalf("second skip: n=%d err=%v", n, err)
	}
}

func TestResetStages(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := addDoc(t, s, "a.pdf")
	complete(t, s, id, catalog.StageDownload)
	complete(t, s, id, catalog.StageExtraction)
	complete(t, s, id, catalog.StageIndex)

	if err := s.InTx(ctx, func(tx *catalog.Tx) error {
		return tx.ResetStages(ctx, id, catalog.StageDownload.Downstream()...)
	}); err != nil {
		t.Fatal(err)
	}
	doc, _ := s.GetDocument(ctx, id)
	for _, st := range catalog.StageDownload.Downstream() {
		if doc.Status[st] != catalog.StatusPending {
			t.Errorf("%s = %s, want pending", st, doc.Status[st])
		}
	}
	if doc.Status[catalog.StageDownload] != catalog.StatusCompleted {
		t.Errorf("download reset too")
	}
}

func TestEntityCounts(t *testing.T) {
	// WHAT: mention_count/document_count follow the mention table, including after a reprocess.
	s := newStore(t)
	ctx := context.Background()
	a := addDoc(t, s, "a.pdf")
	b := addDoc(t, s, "b.pdf")

	var entityID string
	write := func(doc string, n int) {
		err := s.InTx(ctx, func(tx *catalog.Tx) error {
			old, err := tx.DeleteDocumentMentions(ctx, doc)
			if err != nil {
				return err
			}
			id, err := tx.UpsertEntity(ctx, "John Smith", "john smith", "PERSON")
			if err != nil {
				return err
			}
			entityID = id
			for i := range n {
				if err := tx.InsertMention(ctx, catalog.Mention{EntityID: id, DocumentID: doc, Text: "John Smith", Position: i * 10}); err != nil {
					return err
				}
			}
			return tx.RefreshEntityCounts(ctx, append(old, id))
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	write(a, 2)
	write(b, 1)
	write(a, 1) // reprocess of a

	e, err := s.GetEntity(ctx, entityID)
	if err != nil {
		t.Fatal(err)
	}
	if e.MentionCount != 2 || e.DocumentCount != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", e.MentionCount, e.DocumentCount)
	}
	counts, _ := s.EntityCounts(ctx)
	if counts["PERSON"] != 1 {
		t.Fatalf("PERSON entities = %d, want 1 (dedup by normalized name)", counts["PERSON"])
	}
}

func TestReplaceClusters(t *testing.T) {
	// WHAT: a clustering run replaces all previous clusters and assignments.
	s := newStore(t)
	ctx := context.Background()
	doc := addDoc(t, s, "a.pdf")

	faceIDs := []string{"f1", "f2", "f3"}
	if err := s.InTx(ctx, func(tx *catalog.Tx) error {
		for i, id := range faceIDs {
			if err := tx.InsertFace(ctx, &catalog.Face{ID: id, DocumentID: doc, ImagePath: "img", FaceSize: 1000 + i, EmbeddingID: "face_" + id}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	first, err := s.ReplaceClusters(ctx, []catalog.Cluster{{RepresentativeFaceID: "f2", FaceCount: 2, DocumentCount: 1, FaceIDs: []string{"f1", "f2"}}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReplaceClusters(ctx, []catalog.Cluster{{RepresentativeFaceID: "f3", FaceCount: 2, DocumentCount: 1, FaceIDs: []string{"f2", "f3"}}}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.GetCluster(ctx, first[0].ID); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("old cluster still present: %v", err)
	}
	faces, _ := s.DocumentFaces(ctx, doc)
	want := map[string]bool{"f1": false, "f2": true, "f3": true}
	for _, f := range faces {
		if (f.ClusterID != "") != want[f.ID] {
			t.Errorf("face %s cluster = %q", f.ID, f.ClusterID)
		}
	}
	totals, _ := s.FaceTotals(ctx)
	if totals.Faces != 3 || totals.Clustered != 2 || totals.Clusters != 1 {
		t.Fatalf("totals = %+v", totals)
	}
}

func TestDateMentions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := addDoc(t, s, "a.pdf")
	b := addDoc(t, s, "b.pdf")
	for _, id := range []string{a, b} {
		complete(t, s, id, catalog.StageDownload)
		complete(t, s, id, catalog.StageExtraction)
	}
	if err := s.InTx(ctx, func(tx *catalog.Tx) error {
		id, err := tx.UpsertEntity(ctx, "1997", "1997", "DATE")
		if err != nil {
			return err
		}
		for _, pos := range []int{1, 2} {
			if err := tx.InsertMention(ctx, catalog.Mention{EntityID: id, DocumentID: a, Text: "1997", Position: pos}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	complete(t, s, a, catalog.StageEntity)
	complete(t, s, b, catalog.StageEntity)

	got, err := s.DateMentions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got[a]) != 1 || got[a][0] != "1997" {
		t.Fatalf("a mentions = %v", got[a])
	}
	if v, ok := got[b]; !ok || len(v) != 0 {
		t.Fatalf("b should be present with no mentions: %v %v", v, ok)
	}
}

func TestSearchText(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := addDoc(t, s, "flight.pdf")
	text := "Passenger manifest for the flight to Palm Beach"
	if err := s.PatchDocument(ctx, id, catalog.DocumentPatch{ExtractedText: &text}); err != nil {
		t.Fatal(err)
	}
	doc, _ := s.GetDocument(ctx, id)
	if err := s.InTx(ctx, func(tx *catalog.Tx) error { return tx.IndexDocument(ctx, doc) }); err != nil {
		t.Fatal(err)
	}
	// Reindexing must not duplicate the entry.
	if err := s.InTx(ctx, func(tx *catalog.Tx) error { return tx.IndexDocument(ctx, doc) }); err != nil {
		t.Fatal(err)
	}

	hits, err := s.SearchText(ctx, `manifest "palm`, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].DocumentID != id {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestStageCounts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := addDoc(t, s, "a.pdf")
	addDoc(t, s, "b.pdf")
	complete(t, s, a, catalog.StageDownload)

	counts, err := s.StageCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[catalog.StageDownload][catalog.StatusCompleted] != 1 || counts[catalog.StageDownload][catalog.StatusPending] != 1 {
		t.Fatalf("download counts = %v", counts[catalog.StageDownload])
	}
	if counts[catalog.StageIndex][catalog.StatusPending] != 2 {
		t.Fatalf("index counts = %v", counts[catalog.StageIndex])
	}
}

func TestParseStage(t *testing.T) {
	if _, err := catalog.ParseStage("index"); err != nil {
		t.Fatal(err)
	}
	if _, err := catalog.ParseStage("index_status; DROP TABLE documents"); !errors.Is(err, catalog.ErrUnknownStage) {
		t.Fatalf("err = %v", err)
	}
}

func TestDocumentStem(t *testing.T) {
	d := &catalog.Document{Filename: "EFTA00001.v2.pdf"}
	if got := d.Stem(); got != "EFTA00001.v2" {
		t.Fatalf("stem = %q", got)
	}
}

// Package graph mirrors catalog facts into a property graph for network
// queries: Document, Entity and Face nodes with MENTIONED_IN, APPEARS_IN and
// SAME_PERSON relationships. The graph is never a source of truth; every
// write is an idempotent MERGE that can be replayed by reprocessing.
package graph

import (
	"context"
	"log/slog"
)

// DocumentNode is the graph projection of a document.
type DocumentNode struct {
	ID        string
	Filename  string
	Title     string
	PageCount int
}

// EntityNode is the graph projection of an entity.
type EntityNode struct {
	ID             string
	Name           string
	NormalizedName string
	Type           string
}

// FaceNode is the graph projection of a face; it is linked to its document
// with APPEARS_IN.
type FaceNode struct {
	ID          string
	DocumentID  string
	EmbeddingID string
	PageNumber  int
	FaceSize    int
}

// Store is the write surface the pipeline uses.
type Store interface {
	UpsertDocumentNode(ctx context.Context, d DocumentNode) error
	UpsertEntityNode(ctx context.Context, e EntityNode) error
	UpsertMentionEdge(ctx context.Context, entityID, documentID string, count int) error
	UpsertFaceNode(ctx context.Context, f FaceNode) error
	UpsertSamePersonEdge(ctx context.Context, faceA, faceB string, similarity float64) error
	// DeleteDocumentFaces removes a document's Face nodes and their edges.
	DeleteDocumentFaces(ctx context.Context, documentID string) error
	DeleteFaceNodes(ctx context.Context, faceIDs ...string) error
	// ClearSamePersonEdges drops every SAME_PERSON edge ahead of a relink.
	ClearSamePersonEdges(ctx context.Context) error
	Close(ctx context.Context) error
}

// Noop discards every write. Used when no graph is configured.
type Noop struct{}

func (Noop) UpsertDocumentNode(context.Context, DocumentNode) error { return nil }
func (Noop) UpsertEntityNode(context.Context, EntityNode) error { return nil }
func (Noop) UpsertMentionEdge(context.Context, string, string, int) error { return nil }
func (Noop) UpsertFaceNode(context.Context, FaceNode) error { return nil }
func (Noop) UpsertSamePersonEdge(context.Context, string, string, float64) error { return nil }
func (Noop) DeleteDocumentFaces(context.Context, string) error { return nil }
func (Noop) DeleteFaceNodes(context.Context, ...string) error { return nil }
func (Noop) ClearSamePersonEdges(context.Context) error { return nil }
func (Noop) Close(context.Context) error { return nil }

// BestEffort wraps a Store so that failures are logged and swallowed. The
// graph being down must never fail a pipeline stage.
type BestEffort struct {
	inner  Store
	logger *slog.Logger
}

// NewBestEffort wraps inner. A nil inner behaves like Noop.
func NewBestEffort(inner Store, logger *slog.Logger) *BestEffort {
	if inner == nil {
		inner = Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BestEffort{inner: inner, logger: logger}
}

func (b *BestEffort) warn(ctx context.Context, op string, err error, args ...any) {
	if err == nil {
		return
	}
	b.logger.WarnContext(ctx, "graph sync failed (continuing)", append([]any{"op", op, "error", err}, args...)...)
}

func (b *BestEffort) UpsertDocumentNode(ctx context.Context, d DocumentNode) error {
	b.warn(ctx, "document", b.inner.UpsertDocumentNode(ctx, d), "doc_id", d.ID)
	return nil
}

func (b *BestEffort) UpsertEntityNode(ctx context.Context, e EntityNode) error {
	b.warn(ctx, "entity", b.inner.UpsertEntityNode(ctx, e), "entity_id", e.ID)
	return nil
}

func (b *BestEffort) UpsertMentionEdge(ctx context.Context, entityID, documentID string, count int) error {
	b.warn(ctx, "mentioned_in", b.inner.UpsertMentionEdge(ctx, entityID, documentID, count), "entity_id", entityID, "doc_id", documentID)
	return nil
}

func (b *BestEffort) UpsertFaceNode(ctx context.Context, f FaceNode) error {
	b.warn(ctx, "face", b.inner.UpsertFaceNode(ctx, f), "face_id", f.ID)
	return nil
}

func (b *BestEffort) UpsertSamePersonEdge(ctx context.Context, faceA, faceB string, similarity float64) error {
	b.warn(ctx, "same_person", b.inner.UpsertSamePersonEdge(ctx, faceA, faceB, similarity), "face_a", faceA, "face_b", faceB)
	return nil
}

func (b *BestEffort) DeleteDocumentFaces(ctx context.Context, documentID string) error {
	b.warn(ctx, "delete_document_faces", b.inner.DeleteDocumentFaces(ctx, documentID), "doc_id", documentID)
	return nil
}

func (b *BestEffort) DeleteFaceNodes(ctx context.Context, faceIDs ...string) error {
	b.warn(ctx, "delete_faces", b.inner.DeleteFaceNodes(ctx, faceIDs...), "faces", len(faceIDs))
	return nil
}

func (b *BestEffort) ClearSamePersonEdges(ctx context.Context) error {
	b.warn(ctx, "clear_same_person", b.inner.ClearSamePersonEdges(ctx))
	return nil
}

func (b *BestEffort) Close(ctx context.Context) error {
	b.warn(ctx, "close", b.inner.Close(ctx))
	return nil
}

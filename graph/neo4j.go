package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jConfig holds the connection settings of a Neo4j graph.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Neo4j writes graph facts with idempotent MERGE queries.
type Neo4j struct {
	driver neo4j.DriverWithContext
	db     string
}

var constraints = []string{
	`CREATE CONSTRAINT document_id IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE`,
	`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
	`CREATE CONSTRAINT face_id IF NOT EXISTS FOR (f:Face) REQUIRE f.id IS UNIQUE`,
}

// OpenNeo4j connects, verifies connectivity and ensures uniqueness
// constraints. Callers that want degraded operation wrap the error path
// with Noop.
func OpenNeo4j(ctx context.Context, cfg Neo4jConfig) (*Neo4j, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("graph: neo4j connectivity: %w", err)
	}
	g := &Neo4j{driver: driver, db: cfg.Database}
	for _, c := range constraints {
		if err := g.run(ctx, c, nil); err != nil {
			driver.Close(ctx)
			return nil, err
		}
	}
	return g, nil
}

func (g *Neo4j) run(ctx context.Context, query string, params map[string]any) error {
	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithWritersRouting()}
	if g.db != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(g.db))
	}
	if _, err := neo4j.ExecuteQuery(ctx, g.driver, query, params, neo4j.EagerResultTransformer, opts...); err != nil {
		return fmt.Errorf("graph: neo4j: %w", err)
	}
	return nil
}

func (g *Neo4j) UpsertDocumentNode(ctx context.Context, d DocumentNode) error {
	return g.run(ctx,
		`MERGE (d:Document {id: $id})
		 SET d.filename = $filename, d.title = $title, d.page_count = $page_count`,
		map[string]any{"id": d.ID, "filename": d.Filename, "title": d.Title, "page_count": d.PageCount})
}

func (g *Neo4j) UpsertEntityNode(ctx context.Context, e EntityNode) error {
	return g.run(ctx,
		`MERGE (e:Entity {id: $id})
		 SET e.name = $name, e.normalized_name = $normalized, e.type = $type`,
		map[string]any{"id": e.ID, "name": e.Name, "normalized": e.NormalizedName, "type": e.Type})
}

func (g *Neo4j) UpsertMentionEdge(ctx context.Context, entityID, documentID string, count int) error {
	return g.run(ctx,
		`MATCH (e:Entity {id: $entity_id}), (d:Document {id: $document_id})
		 MERGE (e)-[r:MENTIONED_IN]->(d)
		 SET r.count = $count`,
		map[string]any{"entity_id": entityID, "document_id": documentID, "count": count})
}

func (g *Neo4j) UpsertFaceNode(ctx context.Context, f FaceNode) error {
	return g.run(ctx,
		`MERGE (f:Face {id: $id})
		 SET f.embedding_id = $embedding_id, f.page_number = $page, f.face_size = $size,
		     f.document_id = $document_id
		 WITH f
		 MATCH (d:Document {id: $document_id})
		 MERGE (f)-[:APPEARS_IN]->(d)`,
		map[string]any{"id": f.ID, "embedding_id": f.EmbeddingID, "page": f.PageNumber,
			"size": f.FaceSize, "document_id": f.DocumentID})
}

func (g *Neo4j) UpsertSamePersonEdge(ctx context.Context, faceA, faceB string, similarity float64) error {
	return g.run(ctx,
		`MATCH (a:Face {id: $a}), (b:Face {id: $b})
		 MERGE (a)-[r:SAME_PERSON]-(b)
		 SET r.similarity = $similarity`,
		map[string]any{"a": faceA, "b": faceB, "similarity": similarity})
}

func (g *Neo4j) DeleteDocumentFaces(ctx context.Context, documentID string) error {
	return g.run(ctx,
		`MATCH (f:Face {document_id: $document_id}) DETACH DELETE f`,
		map[string]any{"document_id": documentID})
}

func (g *Neo4j) DeleteFaceNodes(ctx context.Context, faceIDs ...string) error {
	if len(faceIDs) == 0 {
		return nil
	}
	return g.run(ctx,
		`MATCH (f:Face) WHERE f.id IN $ids DETACH DELETE f`,
		map[string]any{"ids": faceIDs})
}

func (g *Neo4j) ClearSamePersonEdges(ctx context.Context) error {
	return g.run(ctx, `MATCH (:Face)-[r:SAME_PERSON]->(:Face) DELETE r`, nil)
}

// Close releases the driver.
func (g *Neo4j) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

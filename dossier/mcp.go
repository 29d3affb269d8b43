package dossier

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pdfdossier/idgen"
	"github.com/hazyhaar/pdfdossier/kit"
	"github.com/hazyhaar/pdfdossier/pipeline"
)

// RegisterMCP registers the dossier tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerStatus(srv)
	s.registerRunStage(srv)
	s.registerSearch(srv)
	s.registerDismissCluster(srv)
}

// endpoint tags each call with a request id and logs it.
func (s *Service) endpoint(name string, fn kit.Endpoint) kit.Endpoint {
	return kit.Chain(withRequestID, kit.Logging(s.logger, name))(fn)
}

func withRequestID(next kit.Endpoint) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		if kit.GetRequestID(ctx) == "" {
			ctx = kit.WithRequestID(ctx, idgen.New())
		}
		return next(ctx, req)
	}
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (s *Service) registerStatus(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "dossier_status",
		Description: "Document counts per stage and status, entity and face totals, latest stage runs",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return s.Status(ctx)
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[req])
}

func (s *Service) registerRunStage(srv *mcp.Server) {
	type req struct {
		Stage     string `json:"stage"`
		Limit     int    `json:"limit"`
		Reprocess bool   `json:"reprocess"`
	}

	tool := &mcp.Tool{
		Name:        "dossier_run_stage",
		Description: "Run one pipeline stage over the documents waiting for it",
		InputSchema: inputSchema(map[string]any{
			"stage":     map[string]any{"type": "string", "description": "download, extraction, entity, face, image_analysis or index"},
			"limit":     map[string]any{"type": "integer", "description": "Maximum documents to process (0 = all)"},
			"reprocess": map[string]any{"type": "boolean", "description": "Include documents already completed"},
		}, []string{"stage"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.RunStage(ctx, p.Stage, pipeline.RunOptions{Limit: p.Limit, Reprocess: p.Reprocess})
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[req])
}

func (s *Service) registerSearch(srv *mcp.Server) {
	type req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "dossier_search",
		Description: "Full-text search over indexed documents",
		InputSchema: inputSchema(map[string]any{
			"query": map[string]any{"type": "string", "description": "Words to search for"},
			"limit": map[string]any{"type": "integer", "description": "Maximum hits (default 20)"},
		}, []string{"query"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.Query == "" {
			return nil, errors.New("query is required")
		}
		return s.Search(ctx, p.Query, p.Limit)
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[req])
}

func (s *Service) registerDismissCluster(srv *mcp.Server) {
	type req struct {
		ClusterID string `json:"cluster_id"`
	}

	tool := &mcp.Tool{
		Name:        "dossier_dismiss_cluster",
		Description: "Mark a face cluster as a false positive; similar detections are dropped from then on",
		InputSchema: inputSchema(map[string]any{
			"cluster_id": map[string]any{"type": "string", "description": "Cluster ID"},
		}, []string{"cluster_id"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.ClusterID == "" {
			return nil, errors.New("cluster_id is required")
		}
		return s.DismissCluster(ctx, p.ClusterID)
	}
	kit.RegisterMCPTool(srv, tool, s.endpoint(tool.Name, endpoint), kit.DecodeArgs[req])
}

package dossier

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pdfdossier/catalog"
	"github.com/hazyhaar/pdfdossier/connectivity"
	"github.com/hazyhaar/pdfdossier/idgen"
	"github.com/hazyhaar/pdfdossier/kit"
	"github.com/hazyhaar/pdfdossier/pipeline"
)

// Routes returns the operator HTTP surface. mcpSrv, when non-nil, is
// served at /mcp over the streamable HTTP transport.
func (s *Service) Routes(mcpSrv *mcp.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			id := req.Header.Get("X-Request-ID")
			if id == "" {
				id = idgen.New()
			}
			ctx := kit.WithRequestID(kit.WithTransport(req.Context(), "http"), id)
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.Catalog.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		st, err := s.Status(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	r.Get("/search", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
			return
		}
		hits, err := s.Search(r.Context(), q, queryInt(r, "limit", 20))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if hits == nil {
			hits = []catalog.SearchHit{}
		}
		writeJSON(w, http.StatusOK, hits)
	})

	r.Get("/routes", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.ServiceRoutes())
	})

	r.Get("/routes/{service}", func(w http.ResponseWriter, r *http.Request) {
		d, err := s.ServiceRoute(r.Context(), chi.URLParam(r, "service"))
		if errors.Is(err, ErrUnknownService) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	})

	r.Put("/routes/{service}/strategy", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Strategy string `json:"strategy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Strategy == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "strategy is required"})
			return
		}
		name := chi.URLParam(r, "service")
		writeRouteChange(w, s.SetRouteStrategy(r.Context(), name, req.Strategy), name)
	})

	r.Delete("/routes/{service}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "service")
		writeRouteChange(w, s.DeleteRoute(r.Context(), name), name)
	})

	r.Post("/runs/{stage}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Limit       int      `json:"limit"`
			Reprocess   bool     `json:"reprocess"`
			Concurrency int      `json:"concurrency"`
			DocumentIDs []string `json:"document_ids"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		rep, err := s.RunStage(r.Context(), chi.URLParam(r, "stage"), pipeline.RunOptions{
			Limit:       req.Limit,
			Reprocess:   req.Reprocess,
			Concurrency: req.Concurrency,
			DocumentIDs: req.DocumentIDs,
		})
		if errors.Is(err, catalog.ErrUnknownStage) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})

	r.Post("/clusters/{id}/dismiss", func(w http.ResponseWriter, r *http.Request) {
		rep, err := s.DismissCluster(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, catalog.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	})

	if mcpSrv != nil {
		h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil)
		r.Handle("/mcp", h)
		r.Handle("/mcp/*", h)
	}
	return r
}

func writeRouteChange(w http.ResponseWriter, err error, service string) {
	switch {
	case errors.Is(err, connectivity.ErrRouteNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"service": service, "status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return def
	}
	return v
}

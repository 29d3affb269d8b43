package docpipe

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/pdfdossier/connectivity"
	"github.com/hazyhaar/pdfdossier/extractor"
)

// RegisterConnectivity registers the extractor as the local text_extract
// service. A route in the routes table can still send the capability to a
// remote extractor instead.
func (x *Extractor) RegisterConnectivity(router *connectivity.Router) {
	router.RegisterLocal(extractor.ServiceTextExtract, x.handleExtract)
}

func (x *Extractor) handleExtract(ctx context.Context, payload []byte) ([]byte, error) {
	var req extractor.ExtractRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("docpipe: decode: %w", err)
	}
	out, err := x.Extract(ctx, req.PDF)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

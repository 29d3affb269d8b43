package docpipe

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/pdfdossier/connectivity"
	"github.com/hazyhaar/pdfdossier/extractor"
)

func TestConn_ExtractThroughClient(t *testing.T) {
	// WHAT: the local handler answers extractor.Client calls end to end.
	// WHY: the extraction stage only talks to the router, never to docpipe.
	router := connectivity.New()
	New(Config{}).RegisterConnectivity(router)
	client := extractor.NewClient(router)

	if err := client.Available(context.Background()); err != nil {
		t.Fatalf("Available: %v", err)
	}
	out, err := client.Extract(context.Background(), buildTextPDF("Flight manifest 1997"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out.PageCount != 1 {
		t.Fatalf("page count = %d", out.PageCount)
	}
}

func TestConn_ExtractGarbage(t *testing.T) {
	router := connectivity.New()
	New(Config{}).RegisterConnectivity(router)

	_, err := extractor.NewClient(router).Extract(context.Background(), []byte("<html>age verification</html>"))
	if !errors.Is(err, extractor.ErrContent) {
		t.Fatalf("err = %v, want ErrContent", err)
	}
}

func TestConn_InvalidJSON(t *testing.T) {
	router := connectivity.New()
	New(Config{}).RegisterConnectivity(router)
	if _, err := router.Call(context.Background(), extractor.ServiceTextExtract, []byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

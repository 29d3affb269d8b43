package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/pdfdossier/dbopen"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func echo(_ context.Context, p []byte) ([]byte, error) { return p, nil }

func TestCall_Local(t *testing.T) {
	r := New()
	r.RegisterLocal("text_extract", echo)

	resp, err := r.Call(context.Background(), "text_extract", []byte("hello"))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp) != "hello" {
		t.Fatalf("got %q", resp)
	}
}

func TestCall_NotRoutable(t *testing.T) {
	// WHAT: a service with no route and no handler yields ErrServiceNotFound.
	// WHY: stages map it to "capability unavailable" and skip documents.
	r := New()
	_, err := r.Call(context.Background(), "face_detect", nil)
	var nf *ErrServiceNotFound
	if !errors.As(err, &nf) || nf.Service != "face_detect" {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
	if !IsUnroutable(err) {
		t.Fatal("IsUnroutable should be true")
	}
	if r.Available("face_detect") == nil {
		t.Fatal("Available should fail")
	}
}

func TestReload_NoopDisablesLocal(t *testing.T) {
	// WHAT: a noop route overrides a registered local handler.
	// WHY: operators disable a capability without redeploying.
	db := setupTestDB(t)
	ctx := context.Background()
	r := New()
	r.RegisterLocal("ocr_image", echo)

	if err := NewAdmin(db).UpsertRoute(ctx, "ocr_image", "noop", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(ctx, db); err != nil {
		t.Fatal(err)
	}

	_, err := r.Call(ctx, "ocr_image", []byte("x"))
	var dis *ErrServiceDisabled
	if !errors.As(err, &dis) {
		t.Fatalf("expected ErrServiceDisabled, got %v", err)
	}
	if err := r.Available("ocr_image"); !IsUnroutable(err) {
		t.Fatalf("Available: %v", err)
	}
	info, ok := r.Inspect("ocr_image")
	if !ok || info.Available || info.Strategy != "noop" {
		t.Fatalf("inspect: %+v ok=%v", info, ok)
	}
}

func TestReload_RemoteWinsOverLocal(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	r := New()
	r.RegisterLocal("ner_recognize", func(context.Context, []byte) ([]byte, error) {
		return []byte("local"), nil
	})
	r.RegisterTransport("http", func(endpoint string, _ json.RawMessage) (Handler, func(), error) {
		return func(context.Context, []byte) ([]byte, error) { return []byte("remote:" + endpoint), nil }, nil, nil
	})
	if err := NewAdmin(db).UpsertRoute(ctx, "ner_recognize", "http", "http://ner:8000", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(ctx, db); err != nil {
		t.Fatal(err)
	}

	resp, err := r.Call(ctx, "ner_recognize", nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "remote:http://ner:8000" {
		t.Fatalf("got %q", resp)
	}
}

func TestReload_RebuildsOnlyChangedRoutes(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	admin := NewAdmin(db)
	var builds, closes atomic.Int32
	r := New()
	r.RegisterTransport("http", func(string, json.RawMessage) (Handler, func(), error) {
		builds.Add(1)
		return echo, func() { closes.Add(1) }, nil
	})

	if err := admin.UpsertRoute(ctx, "face_detect", "http", "http://a", nil); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := r.Reload(ctx, db); err != nil {
			t.Fatal(err)
		}
	}
	if builds.Load() != 1 {
		t.Fatalf("builds = %d, want 1", builds.Load())
	}

	if err := admin.UpsertRoute(ctx, "face_detect", "http", "http://b", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(ctx, db); err != nil {
		t.Fatal(err)
	}
	if builds.Load() != 2 || closes.Load() != 1 {
		t.Fatalf("builds=%d closes=%d", builds.Load(), closes.Load())
	}

	if err := admin.DeleteRoute(ctx, "face_detect"); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(ctx, db); err != nil {
		t.Fatal(err)
	}
	if closes.Load() != 2 {
		t.Fatalf("closes = %d, want 2", closes.Load())
	}
}

func TestReload_MissingFactorySkipsRoute(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	r := New(WithLogger(slog.New(slog.DiscardHandler)))
	if err := NewAdmin(db).UpsertRoute(ctx, "image_caption", "http", "http://x", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(ctx, db); err != nil {
		t.Fatal(err)
	}
	if err := r.Available("image_caption"); err == nil {
		t.Fatal("route without factory should not be available")
	}
}

func TestRemoteMiddlewareApplied(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	var wrapped atomic.Int32
	r := New(WithRemoteMiddleware(func(service, strategy string) HandlerMiddleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, p []byte) ([]byte, error) {
				wrapped.Add(1)
				return next(ctx, p)
			}
		}
	}))
	r.RegisterTransport("http", func(string, json.RawMessage) (Handler, func(), error) { return echo, nil, nil })
	if err := NewAdmin(db).UpsertRoute(ctx, "face_detect", "http", "http://x", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(ctx, db); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Call(ctx, "face_detect", nil); err != nil {
		t.Fatal(err)
	}
	if wrapped.Load() != 1 {
		t.Fatalf("middleware calls = %d", wrapped.Load())
	}
}

func TestHTTPFactory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		if string(body) == "boom" {
			http.Error(w, "bad", http.StatusInternalServerError)
			return
		}
		w.Write(append([]byte("ok:"), body...))
	}))
	defer srv.Close()

	h, closeFn, err := HTTPFactory()(srv.URL, json.RawMessage(`{"timeout_ms": 2000}`))
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()

	resp, err := h(context.Background(), []byte("x"))
	if err != nil || string(resp) != "ok:x" {
		t.Fatalf("resp=%q err=%v", resp, err)
	}
	_, err = h(context.Background(), []byte("boom"))
	var st *ErrHTTPStatus
	if !errors.As(err, &st) || st.Code != http.StatusInternalServerError {
		t.Fatalf("expected status error, got %v", err)
	}

	if _, _, err := HTTPFactory()("ftp://host/x", nil); err == nil {
		t.Fatal("expected scheme rejection")
	}
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(
		WithBreakerThreshold(2),
		WithBreakerResetTimeout(time.Minute),
		WithBreakerHalfOpenMax(1),
		WithBreakerClock(func() time.Time { return now }),
	)
	failing := WithCircuitBreaker(cb, "face_detect")(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("down")
	})
	ctx := context.Background()

	failing(ctx, nil)
	failing(ctx, nil)
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	_, err := failing(ctx, nil)
	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}

	now = now.Add(2 * time.Minute)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half_open", cb.State())
	}
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestBreakers_PerService(t *testing.T) {
	b := NewBreakers(WithBreakerThreshold(1))
	b.For("a").RecordFailure()
	if b.For("a") != b.For("a") {
		t.Fatal("breaker not reused")
	}
	states := b.States()
	if states["a"] != BreakerOpen {
		t.Fatalf("a = %v", states["a"])
	}
	if b.For("b").State() != BreakerClosed {
		t.Fatal("b should be closed")
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(slog.New(slog.DiscardHandler))(func(context.Context, []byte) ([]byte, error) {
		panic("kaboom")
	})
	_, err := h(context.Background(), nil)
	var p *ErrPanic
	if !errors.As(err, &p) || p.Value != "kaboom" {
		t.Fatalf("expected ErrPanic, got %v", err)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) HandlerMiddleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, p []byte) ([]byte, error) {
				order = append(order, name)
				return next(ctx, p)
			}
		}
	}
	h := Chain(mk("outer"), mk("inner"))(echo)
	h(context.Background(), nil)
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("order = %v", order)
	}
}

func TestListServicesSorted(t *testing.T) {
	r := New()
	r.RegisterLocal("text_extract", echo)
	r.RegisterLocal("face_detect", echo)
	var names []string
	for info := range r.ListServices() {
		names = append(names, info.Name)
		if !info.Available {
			t.Fatalf("%s should be available", info.Name)
		}
	}
	if len(names) != 2 || names[0] != "face_detect" {
		t.Fatalf("names = %v", names)
	}
}

func TestAdmin_NotFound(t *testing.T) {
	db := setupTestDB(t)
	a := NewAdmin(db)
	ctx := context.Background()
	if _, err := a.GetRoute(ctx, "x"); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("get: %v", err)
	}
	if err := a.SetStrategy(ctx, "x", "noop"); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("set: %v", err)
	}
	if err := a.SyncRoutes(ctx, []RouteRow{{ServiceName: "x", Strategy: "local"}}); err != nil {
		t.Fatal(err)
	}
	rows, err := a.ListRoutes(ctx)
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows=%v err=%v", rows, err)
	}
}

package lifespan

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/almazom/kmi-gateway/internal/clock"
	"github.com/almazom/kmi-gateway/internal/gwconfig"
	"github.com/almazom/kmi-gateway/internal/gwstate"
	"github.com/almazom/kmi-gateway/internal/registry"
	"github.com/almazom/kmi-gateway/internal/tracesink"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Credential{
		registry.NewCredential("alpha", "sk-alpha-secret", 0, "", false),
	})
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	return reg
}

func TestStartBringsUpStoreAndTraceAndReturnsUsableClient(t *testing.T) {
	dir := t.TempDir()
	reg := testRegistry(t)
	store := gwstate.New(dir, clock.System{}, nil)
	if err := store.Load(reg); err != nil {
		t.Fatalf("store.Load() error = %v", err)
	}
	trace := tracesink.New(dir, 1024*1024, 1, nil)

	srv := &http.Server{Addr: "127.0.0.1:0"}
	ls := New(gwconfig.Config{TraceAsync: true}, reg, store, trace, nil, srv, nil)

	client := ls.Start()
	if client == nil {
		t.Fatal("Start() returned a nil *http.Client")
	}

	store.MarkDirty()
	ls.Shutdown()

	// A second Shutdown call must be a no-op, not a panic on a closed channel.
	ls.Shutdown()
}

func TestShutdownClosesServerAndWaitUnblocks(t *testing.T) {
	dir := t.TempDir()
	reg := testRegistry(t)
	store := gwstate.New(dir, clock.System{}, nil)
	if err := store.Load(reg); err != nil {
		t.Fatalf("store.Load() error = %v", err)
	}
	trace := tracesink.New(dir, 1024*1024, 1, nil)

	listener := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer listener.Close()

	srv := &http.Server{Addr: "127.0.0.1:0"}
	ls := New(gwconfig.Config{}, reg, store, trace, nil, srv, nil)
	ls.Start()

	done := make(chan struct{})
	go func() {
		ls.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown() did not return in time")
	}

	ls.Wait()
}

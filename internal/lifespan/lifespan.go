// Package lifespan orders gateway startup and shutdown: the sequence in
// which the State Store, Trace Sink, Health Refresher, and shared HTTP
// client come up and tear down around the HTTP server's own lifecycle.
package lifespan

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/almazom/kmi-gateway/infrastructure/logging"
	"github.com/almazom/kmi-gateway/internal/dispatch"
	"github.com/almazom/kmi-gateway/internal/gwconfig"
	"github.com/almazom/kmi-gateway/internal/gwstate"
	"github.com/almazom/kmi-gateway/internal/health"
	"github.com/almazom/kmi-gateway/internal/registry"
	"github.com/almazom/kmi-gateway/internal/tracesink"
)

// Lifespan owns the startup/shutdown order for every long-lived gateway
// component, plus the HTTP server's own graceful-shutdown window.
type Lifespan struct {
	mu sync.Mutex

	cfg    gwconfig.Config
	reg    *registry.Registry
	store  *gwstate.Store
	trace  *tracesink.Sink
	health *health.Refresher
	client *http.Client
	server *http.Server
	logger *logging.Logger

	shutdownTimeout time.Duration
	shutdownChan    chan struct{}
	shutdownOnce    sync.Once
}

// New constructs a Lifespan. Start must be called before the HTTP server
// begins accepting connections; Shutdown (directly, or via a caught
// signal through ListenForSignals) tears everything down in reverse.
func New(cfg gwconfig.Config, reg *registry.Registry, store *gwstate.Store, trace *tracesink.Sink, refresher *health.Refresher, server *http.Server, logger *logging.Logger) *Lifespan {
	return &Lifespan{
		cfg: cfg, reg: reg, store: store, trace: trace, health: refresher,
		server: server, logger: logger,
		shutdownTimeout: 30 * time.Second,
		shutdownChan:    make(chan struct{}),
	}
}

// Start brings up State and Trace Sink, then constructs the shared HTTP
// client other components (the Health Refresher's usage fetcher, the
// Upstream Dispatcher) are built from. The State Store must already have
// Load called on it by the caller (construction needs the Key Registry,
// which the caller assembles from its credentials source before reaching
// Lifespan). The Health Refresher cannot exist until the shared client
// does, so it is not started here — the caller constructs it from the
// returned client and hands it back via AttachHealth.
func (l *Lifespan) Start() *http.Client {
	l.store.Start()
	if l.cfg.TraceAsync {
		l.trace.Start()
	}
	l.client = &http.Client{
		Timeout: 0, // per-attempt timeouts are enforced by internal/dispatch
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return l.client
}

// AttachHealth registers the Health Refresher (built after Start, since it
// depends on the shared HTTP client) so Shutdown stops it in order, and
// starts its background polling loop.
func (l *Lifespan) AttachHealth(refresher *health.Refresher) {
	l.mu.Lock()
	l.health = refresher
	l.mu.Unlock()
	refresher.Start()
}

// NewDispatcher is a convenience constructor for the Upstream Dispatcher
// bound to the HTTP client Start produced.
func (l *Lifespan) NewDispatcher() *dispatch.Dispatcher {
	return dispatch.New(l.client, dispatch.Config{
		RetryMax:    l.cfg.RetryMax,
		RetryBaseMS: l.cfg.RetryBaseMS,
	})
}

// ListenForSignals starts a background goroutine that calls Shutdown on
// SIGINT, SIGTERM, or SIGQUIT.
func (l *Lifespan) ListenForSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		if l.logger != nil {
			l.logger.WithFields(map[string]interface{}{"signal": sig.String()}).Info("received signal, initiating graceful shutdown")
		}
		l.Shutdown()
	}()
}

// Shutdown tears down the HTTP server first (so no new requests are
// admitted), then the Health Refresher, Trace Sink, and State Store in
// that order — the reverse of Start, with the server itself added at the
// front since in-flight requests must drain before the components they
// depend on disappear underneath them.
func (l *Lifespan) Shutdown() {
	l.shutdownOnce.Do(func() {
		l.runRecovered("server shutdown", func() {
			if l.server == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
			defer cancel()
			if err := l.server.Shutdown(ctx); err != nil && l.logger != nil {
				l.logger.WithError(err).Warn("lifespan: server shutdown did not complete cleanly")
			}
		})

		l.runRecovered("health refresher stop", func() {
			if l.health != nil {
				l.health.Stop()
			}
		})

		l.runRecovered("trace sink stop", func() {
			l.trace.Stop()
		})

		l.runRecovered("state store stop", func() {
			l.store.Stop()
		})

		l.runRecovered("http client idle connections close", func() {
			if l.client != nil {
				l.client.CloseIdleConnections()
			}
		})

		close(l.shutdownChan)
	})
}

// Wait blocks until Shutdown has completed.
func (l *Lifespan) Wait() {
	<-l.shutdownChan
}

func (l *Lifespan) runRecovered(step string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil && l.logger != nil {
			l.logger.WithFields(map[string]interface{}{"step": step, "panic": rec}).Error("lifespan: recovered from panic during shutdown step")
		}
	}()
	fn()
}

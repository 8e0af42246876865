// Package host implements §4.I's integration surface: `serve()` returns
// a generic HTTP handler plus a WebSocket upgrade hook, `handler(request)`
// mounts under an arbitrary path in any web host, and `startRunner()`
// (cmd/rivetkit-host) wraps the handler in a standalone *http.Server with
// the teacher's signal-driven graceful shutdown (backend/main.go).
package host

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/internal/inspector"
	"github.com/rivetkit-go/rivetkit/internal/manager"
	"github.com/rivetkit-go/rivetkit/internal/rivetmetrics"
)

// Deps holds the host's dependencies, mirroring the teacher router's
// Deps-struct-plus-New(d Deps) http.Handler shape (backend/router/router.go).
type Deps struct {
	Manager *manager.Manager
	Log     *zap.Logger

	// BasePath prefixes every route (§6 "under a configurable base path,
	// default /api/rivet or /rivet"). Empty defaults to "/rivet".
	BasePath string

	// Inspector gates the admin surface; Token empty + Disabled false
	// panics the same way internal/inspector.New does, since an
	// unauthenticated admin endpoint is never the right default.
	InspectorToken    string
	InspectorDisabled bool

	// Metrics, if set, is exposed read-only at `{BasePath}/inspect/metrics`
	// (SPEC_FULL §2) alongside the rest of §4.H's admin surface. Nil skips
	// registration entirely — a metrics-less host is a valid configuration,
	// unlike the inspector's always-mounted 404-when-disabled shape.
	Metrics *rivetmetrics.Metrics
}

// Host is the integration surface of §4.I: one per process, wrapping a
// Manager with the client<->actor HTTP/WS protocol.
type Host struct {
	mgr      *manager.Manager
	log      *zap.Logger
	basePath string
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	metrics  *rivetmetrics.Metrics
}

// New builds the host's full route tree (§6 HTTP routes, §4.H inspector).
func New(d Deps) *Host {
	basePath := d.BasePath
	if basePath == "" {
		basePath = "/rivet"
	}
	h := &Host{
		mgr:      d.Manager,
		log:      d.Log.Named("host"),
		basePath: basePath,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			// Actor WS clients are not same-origin browser pages in the
			// common case (SDKs, server-to-server); origin checking is a
			// caller concern enforced by whatever fronts this handler.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: d.Metrics,
	}
	h.registerActorRoutes()
	// internal/inspector's own mux matches against "/inspect/..." patterns
	// regardless of this host's base path, so the prefix is stripped before
	// the request reaches it.
	insp := http.StripPrefix(basePath, inspector.New(inspector.Deps{
		Manager: d.Manager, Log: d.Log, Token: d.InspectorToken, Disabled: d.InspectorDisabled,
	}))
	h.mux.Handle(basePath+"/inspect", insp)
	h.mux.Handle(basePath+"/inspect/", insp)
	if d.Metrics != nil {
		h.mux.Handle(basePath+"/inspect/metrics", h.metricsHandler())
	}
	return h
}

// metricsHandler refreshes the live-actor gauge from the manager's current
// instance table on every scrape, then delegates to promhttp — cheaper
// than keeping that gauge continuously up to date from Manager callbacks.
func (h *Host) metricsHandler() http.Handler {
	inner := h.metrics.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.metrics.SetLiveActors(len(h.mgr.List("", nil, 0)))
		inner.ServeHTTP(w, r)
	})
}

// Handler returns the `fetch(request) -> response` compatible handler
// (§4.I "serve()/handler()"): mount it directly, or under a parent mux at
// an arbitrary prefix via http.StripPrefix.
func (h *Host) Handler() http.Handler { return h.mux }

// ListenAndServe starts a standalone *http.Server on addr and blocks
// until ctx is cancelled, then drains in-flight requests and shuts the
// manager down (§4.I "startRunner()", backend/main.go's
// ListenAndServe-in-goroutine + signal.NotifyContext + srv.Shutdown
// pattern, generalized from OS-signal-driven to caller-context-driven
// since cmd/rivetkit-host owns the signal wiring).
func (h *Host) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		h.log.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	h.log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		h.log.Warn("http shutdown", zap.Error(err))
	}
	h.mgr.Shutdown(shutCtx)
	return <-errCh
}

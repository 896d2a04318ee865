package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"go-detection-dashboard/internal/config"
	"go-detection-dashboard/internal/connectors/audit"
	"go-detection-dashboard/internal/connectors/detections"
	"go-detection-dashboard/internal/dashboard"
	"go-detection-dashboard/internal/live"
)

// Server wraps the HTTP server, the dashboard and its background loops.
type Server struct {
	httpServer *nethttp.Server
	client     *detections.Client
	auditStore *audit.Store
	dash       *dashboard.Dashboard
	poller     *dashboard.Poller
	hub        *live.Hub
	logger     *slog.Logger

	unsubscribe func()
	hubCancel   context.CancelFunc
}

// NewServer wires the backend client, dashboard, poller, hub and routes.
func NewServer(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := detections.NewClient(cfg.BackendURL, cfg.BackendTimeout)
	if !client.Enabled() {
		return nil, fmt.Errorf("backend url required (set APP_BACKEND_URL)")
	}

	var store *audit.Store
	if cfg.AuditEnabled {
		created, err := audit.Open(cfg.AuditDriver, cfg.AuditDSN())
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		store = created
	}

	opts := dashboard.Options{
		ClipRoute: cfg.ClipRoute,
		Logger:    logger,
		Observe:   observeDashboard,
	}
	if store != nil {
		opts.Audit = store
	}
	dash := dashboard.New(client, opts)
	poller := dashboard.NewPoller(dash, cfg.RefreshInterval, logger)
	hub := live.NewHub(logger)

	proxy, err := clipProxy(client.Endpoint(), cfg.ClipRoute)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	s := &Server{
		client:     client,
		auditStore: store,
		dash:       dash,
		poller:     poller,
		hub:        hub,
		logger:     logger,
	}

	r := newRouter(routeDeps{
		dash:       dash,
		poller:     poller,
		hub:        hub,
		client:     client,
		auditStore: store,
		auditLimit: cfg.AuditListLimit,
		clipRoute:  cfg.ClipRoute,
		clipProxy:  proxy,
	})

	s.httpServer = &nethttp.Server{
		Addr:         cfg.ListenAddr,
		Handler:      loggingMiddleware(logger, observabilityMiddleware(cfg.ClipRoute, r)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

type routeDeps struct {
	dash       *dashboard.Dashboard
	poller     *dashboard.Poller
	hub        *live.Hub
	client     *detections.Client
	auditStore *audit.Store
	auditLimit int
	clipRoute  string
	clipProxy  nethttp.Handler
}

func newRouter(d routeDeps) chi.Router {
	r := chi.NewRouter()

	r.Get("/", dashboardHandler(d.dash))
	r.Get("/favicon.ico", faviconHandler)
	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(d.dash))
	r.Handle("/metrics", metricsHandler())
	r.Get("/api/v1/metrics/app", appMetricsSummaryHandler())
	if d.hub != nil {
		r.Get("/ws", d.hub.Handler(func() any {
			snap := d.dash.Snapshot()
			return dashboard.Event{Type: dashboard.EventRegions, Snapshot: &snap}
		}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/dashboard", snapshotHandler(d.dash))
		r.Post("/refresh", refreshHandler(d.dash))
		r.Post("/play", playHandler(d.dash))
		r.Post("/delete", deleteHandler(d.dash))
		r.Get("/audit/deletions", deletionsHandler(d.auditStore, d.auditLimit))
		r.Get("/status/services", servicesStatusHandler(d.client, d.poller, d.auditStore, d.hub))
	})

	if d.clipProxy != nil {
		r.Get(d.clipRoute+"*", d.clipProxy.ServeHTTP)
		r.Head(d.clipRoute+"*", d.clipProxy.ServeHTTP)
	}
	return r
}

// clipProxy forwards media requests under clipRoute to the backend's /clips/.
// Paths with ".." segments are rejected before reaching the backend.
func clipProxy(endpoint, clipRoute string) (nethttp.Handler, error) {
	target, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			rest := strings.TrimPrefix(pr.In.URL.Path, clipRoute)
			pr.SetURL(target)
			pr.Out.URL.Path = strings.TrimRight(target.Path, "/") + "/clips/" + rest
			pr.Out.URL.RawPath = ""
			pr.Out.Host = target.Host
		},
	}
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if hasDotDotSegment(strings.TrimPrefix(r.URL.Path, clipRoute)) {
			writeJSON(w, nethttp.StatusBadRequest, map[string]any{"error": "invalid clip path"})
			return
		}
		proxy.ServeHTTP(w, r)
	}), nil
}

func hasDotDotSegment(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// ListenAndServe starts the hub, the poller and the HTTP server.
func (s *Server) ListenAndServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.hubCancel = cancel
	go s.hub.Run(ctx)

	s.unsubscribe = s.dash.Subscribe(func(ev dashboard.Event) {
		s.hub.Publish(ev)
	})
	if err := s.poller.Start(ctx); err != nil {
		return err
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the poller and hub, then gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.poller.Stop()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.hubCancel != nil {
		s.hubCancel()
	}
	if s.auditStore != nil {
		_ = s.auditStore.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func healthHandler(w nethttp.ResponseWriter, _ *nethttp.Request) {
	writeJSON(w, nethttp.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// readyHandler reports ready once the first refresh has rendered.
func readyHandler(dash *dashboard.Dashboard) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		snap := dash.Snapshot()
		if snap.Version == 0 {
			writeJSON(w, nethttp.StatusServiceUnavailable, map[string]any{"status": "waiting for first refresh"})
			return
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"status":      "ready",
			"rendered_at": snap.RenderedAt,
		})
	}
}

func loggingMiddleware(logger *slog.Logger, next nethttp.Handler) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: nethttp.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("http", "method", r.Method, "path", r.URL.Path, "status", strconv.Itoa(rec.status), "duration", time.Since(start))
	})
}

func writeJSON(w nethttp.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

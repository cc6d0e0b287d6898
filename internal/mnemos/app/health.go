package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bdobrica/mnemos/common/version"
	"github.com/bdobrica/mnemos/internal/mnemos/memory"
	"github.com/bdobrica/mnemos/internal/mnemos/store"
)

// HealthServer exposes /health, /status and /metrics.
// It is optional; mnemos serves without it when http.addr is empty.
type HealthServer struct {
	addr      string
	status    statusProvider
	startedAt time.Time
	mux       *http.ServeMux
}

// statusProvider is the minimal interface the health server needs from the
// memory manager.
type statusProvider interface {
	Stats(ctx context.Context) (store.Stats, error)
	CacheMetrics() memory.CacheMetrics
}

type healthResponse struct {
	Status string `json:"status"`
	version.Build
}

type statusResponse struct {
	Status string `json:"status"`
	version.Build
	StartedAt  time.Time           `json:"started_at"`
	UptimeSecs float64             `json:"uptime_seconds"`
	Store      *store.Stats        `json:"store,omitempty"`
	Cache      memory.CacheMetrics `json:"cache"`
	Error      string              `json:"error,omitempty"`
}

// NewHealthServer creates and configures the HTTP server (does not start it).
// A nil gatherer leaves /metrics unregistered.
func NewHealthServer(addr string, sp statusProvider, gatherer prometheus.Gatherer) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		status:    sp,
		startedAt: time.Now(),
		mux:       mux,
	}
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.HandleFunc("GET /status", hs.handleStatus)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return hs
}

// ServeHTTP implements http.Handler so the server can be tested without a
// live network listener.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Serve listens on the configured address and blocks until ctx is
// cancelled, then shuts the server down gracefully.
func (h *HealthServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}
	return h.serve(ctx, ln)
}

func (h *HealthServer) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Build: version.Current()})
}

// handleStatus reports store and cache figures. A failing store turns the
// response into a 503 with status "degraded".
func (h *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Build:      version.Current(),
		StartedAt:  h.startedAt,
		UptimeSecs: time.Since(h.startedAt).Seconds(),
		Cache:      h.status.CacheMetrics(),
	}
	code := http.StatusOK
	if stats, err := h.status.Stats(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Error = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		resp.Store = &stats
	}
	writeJSON(w, code, resp)
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}

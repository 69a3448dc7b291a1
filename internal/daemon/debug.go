package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/smartlink/internal/config"
	"github.com/matheus3301/smartlink/internal/status"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DebugServer serves /metrics and /healthz on debug.metrics_addr.
type DebugServer struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewDebugServer returns nil when no metrics address is configured.
func NewDebugServer(cfg *config.Config, m *status.Machine, logger *zap.Logger) *DebugServer {
	if cfg.Debug.MetricsAddr == "" {
		return nil
	}
	return &DebugServer{
		srv: &http.Server{
			Addr:              cfg.Debug.MetricsAddr,
			Handler:           debugRouter(m),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func debugRouter(m *status.Machine) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"connection": m.Current(),
			"since":      m.Since(),
		})
	})
	return r
}

// Start blocks serving HTTP until Stop.
func (d *DebugServer) Start() error {
	d.logger.Info("debug server starting", zap.String("addr", d.srv.Addr))
	return d.srv.ListenAndServe()
}

// Stop shuts the server down.
func (d *DebugServer) Stop(ctx context.Context) {
	if err := d.srv.Shutdown(ctx); err != nil {
		d.logger.Warn("debug server shutdown", zap.Error(err))
	}
}

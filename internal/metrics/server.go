package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sigfuse/sigfuse/internal/config"
	"github.com/sigfuse/sigfuse/internal/eventlog"
	"github.com/sigfuse/sigfuse/internal/heartbeat"
)

// Server is the ops HTTP surface: /health aggregates module heartbeats,
// /metrics serves the Prometheus registry.
type Server struct {
	addr    string
	kv      eventlog.Log
	modules []string
	ttl     time.Duration
	lat     config.LatencyThresholds
	m       *Metrics
	http    *http.Server
}

// NewServer builds the ops server. modules is the heartbeat set /health
// reports on; ttl is the freshness bound per module; lat classifies each
// module's reported latency as ok/warn/crit.
func NewServer(addr string, kv eventlog.Log, modules []string, ttl time.Duration, lat config.LatencyThresholds, m *Metrics) *Server {
	s := &Server{addr: addr, kv: kv, modules: modules, ttl: ttl, lat: lat, m: m}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

type healthResponse struct {
	Status  string                  `json:"status"` // ok | degraded
	Modules map[string]moduleHealth `json:"modules"`
}

type moduleHealth struct {
	Alive     bool              `json:"alive"`
	Latency   string            `json:"latency,omitempty"` // ok | warn | crit
	Heartbeat map[string]string `json:"heartbeat,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := healthResponse{Status: "ok", Modules: make(map[string]moduleHealth, len(s.modules))}
	for _, mod := range s.modules {
		alive := heartbeat.Alive(ctx, s.kv, mod, s.ttl)
		mh := moduleHealth{Alive: alive}
		if hb, err := heartbeat.Snapshot(ctx, s.kv, mod); err == nil && len(hb) > 0 {
			mh.Heartbeat = hb
			mh.Latency = s.latencyStatus(mod, hb)
		}
		if !alive {
			resp.Status = "degraded"
		}
		resp.Modules[mod] = mh
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("health response write failed")
	}
}

// latencyStatus classifies a module's last reported latency against its
// configured thresholds. Empty when the module has no thresholds or no
// latency sample yet.
func (s *Server) latencyStatus(module string, hb map[string]string) string {
	warn, crit := s.latencyBounds(module)
	if crit <= 0 {
		return ""
	}
	ms, err := strconv.ParseInt(hb["latency_ms"], 10, 64)
	if err != nil || ms <= 0 {
		return ""
	}
	switch {
	case ms >= crit:
		return "crit"
	case warn > 0 && ms >= warn:
		return "warn"
	default:
		return "ok"
	}
}

func (s *Server) latencyBounds(module string) (warn, crit int64) {
	switch {
	case module == "telegram":
		return s.lat.TelegramWarn, s.lat.TelegramCrit
	case strings.HasPrefix(module, "rest_"):
		return s.lat.RestAPIWarn, s.lat.RestAPICrit
	case module == "fusion":
		return s.lat.FusionWarn, s.lat.FusionCrit
	}
	return 0, 0
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	log.Info().Str("addr", s.addr).Msg("ops http server started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

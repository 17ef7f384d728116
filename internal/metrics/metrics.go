package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the feed engine.
type Metrics struct {
	TicksTotal      *prometheus.CounterVec // labels: mode
	DecodeErrors    prometheus.Counter
	WSReconnects    *prometheus.CounterVec // labels: mode
	DroppedTicks    prometheus.Counter
	QueueSaturation *prometheus.GaugeVec   // labels: queue
	PlanTransitions *prometheus.CounterVec // labels: to
	PublishErrors   prometheus.Counter
	WritesShed      prometheus.Gauge // 1 while snapshot writes are shed
	SubscribedCount prometheus.Gauge
}

// NewMetrics registers and returns all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_ticks_total",
			Help: "Decoded ticks received, by subscription mode",
		}, []string{"mode"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_decode_errors_total",
			Help: "Frames that failed binary decoding",
		}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_ws_reconnects_total",
			Help: "Upstream reconnection attempts, by subscription mode",
		}, []string{"mode"}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_dropped_ticks_total",
			Help: "Ticks evicted from full dispatch queues",
		}),
		QueueSaturation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feedengine_queue_saturation_pct",
			Help: "Dispatch queue fill percentage (len/cap * 100)",
		}, []string{"queue"}),
		PlanTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedengine_plan_transitions_total",
			Help: "Order-plan status transitions, by target status",
		}, []string{"to"}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedengine_publish_errors_total",
			Help: "Failed snapshot writes or pub/sub publishes",
		}),
		WritesShed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedengine_store_writes_shed",
			Help: "1 while snapshot writes are shed after consecutive redis failures",
		}),
		SubscribedCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedengine_subscribed_tokens",
			Help: "Tokens currently held in the subscription registry",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.DecodeErrors,
		m.WSReconnects,
		m.DroppedTicks,
		m.QueueSaturation,
		m.PlanTransitions,
		m.PublishErrors,
		m.WritesShed,
		m.SubscribedCount,
	)
	return m
}

// HealthStatus tracks liveness of the engine's dependencies.
type HealthStatus struct {
	mu sync.RWMutex

	ConnStates     map[int]string // mode → state string
	LastTickTime   time.Time
	RedisConnected bool
	PlanStoreOK    bool

	RedisLatencyMs float64
	LastCheckAt    time.Time
	StartedAt      time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		ConnStates: make(map[int]string),
		StartedAt:  time.Now(),
	}
}

func (h *HealthStatus) SetConnState(mode int, state string) {
	h.mu.Lock()
	h.ConnStates[mode] = state
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetPlanStoreOK(v bool) {
	h.mu.Lock()
	h.PlanStoreOK = v
	h.mu.Unlock()
}

// CheckRedis pings the store and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency probes.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	allReady := len(h.ConnStates) > 0
	for _, s := range h.ConnStates {
		if s != "READY" {
			allReady = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !allReady || !h.RedisConnected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	out := struct {
		Status         string         `json:"status"`
		Uptime         string         `json:"uptime"`
		Connections    map[int]string `json:"connections"`
		LastTickTime   string         `json:"last_tick_time"`
		TickAge        string         `json:"tick_age"`
		RedisConnected bool           `json:"redis_connected"`
		RedisLatencyMs float64        `json:"redis_latency_ms"`
		PlanStoreOK    bool           `json:"plan_store_ok"`
		LastCheckAt    string         `json:"last_check_at"`
	}{
		Status:         status,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		Connections:    h.ConnStates,
		LastTickTime:   h.LastTickTime.Format(time.RFC3339),
		TickAge:        tickAge,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		PlanStoreOK:    h.PlanStoreOK,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(out)
}

// Server exposes /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates the metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", slog.String("component", "metrics"), slog.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server failed", slog.String("component", "metrics"), slog.Any("error", err))
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

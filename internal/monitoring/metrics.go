package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Prometheus metrics for the fan-out gateway.
// Served on a dedicated listener (METRICS_ADDR) so the public route
// surface stays exactly the documented one.
var (
	// Connection metrics
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamgate_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_connections_rejected_total",
		Help: "Subscriber admissions rejected before upgrade, by reason",
	}, []string{"reason"})

	// Publish / fan-out metrics
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_messages_published_total",
		Help: "Messages accepted for fan-out, by source",
	}, []string{"source"})

	FanoutDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_fanout_deliveries_total",
		Help: "Messages enqueued to subscriber rings",
	})

	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_fanout_dropped_total",
		Help: "Messages dropped from subscriber rings on overflow",
	})

	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_heartbeats_sent_total",
		Help: "Heartbeat frames written to subscribers",
	})

	ChannelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamgate_channels_active",
		Help: "Current number of live channel hubs",
	})

	// Delegated auth metrics
	AuthResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgate_auth_results_total",
		Help: "Delegated auth outcomes, by result",
	}, []string{"result"})

	// Admission rate limiter
	RateLimitDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamgate_rate_limit_denials_total",
		Help: "Admissions denied by the fixed-window rate limiter",
	})

	// System metrics
	CPUUsagePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamgate_cpu_usage_percent",
		Help: "Current process host CPU usage percentage",
	})

	MemoryUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamgate_memory_bytes",
		Help: "Current heap allocation in bytes",
	})

	Goroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamgate_goroutines",
		Help: "Current goroutine count",
	})
)

// Rejection reasons for ConnectionsRejected.
const (
	RejectBadRequest      = "bad_request"
	RejectRateLimited     = "rate_limited"
	RejectUnauthorized    = "unauthorized"
	RejectAuthUnavailable = "auth_unavailable"
	RejectAuthMalformed   = "auth_malformed"
	RejectShuttingDown    = "shutting_down"
)

// MetricsServer serves /metrics on its own listener.
type MetricsServer struct {
	server *http.Server
	logger zerolog.Logger
}

// NewMetricsServer builds the side listener. addr must be non-empty.
func NewMetricsServer(addr string, logger zerolog.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start begins serving in a background goroutine.
func (m *MetricsServer) Start() {
	go func() {
		m.logger.Info().Str("addr", m.server.Addr).Msg("Metrics listener started")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error().Err(err).Msg("Metrics listener error")
		}
	}()
}

// Shutdown stops the listener.
func (m *MetricsServer) Shutdown(ctx context.Context) {
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Metrics listener shutdown error")
	}
}

// Package server wires the gateway's HTTP surface to the registries:
// the authenticated WebSocket upgrade path, the admin webhook publish
// path, stats, and forced disconnect.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/streamgate/internal/auth"
	"github.com/adred-codev/streamgate/internal/clients"
	"github.com/adred-codev/streamgate/internal/config"
	"github.com/adred-codev/streamgate/internal/hub"
	"github.com/adred-codev/streamgate/internal/ingest"
	"github.com/adred-codev/streamgate/internal/limits"
	"github.com/adred-codev/streamgate/internal/monitoring"
)

// Server owns the gateway state and lifecycle.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	authGateway *auth.Gateway
	limiter     *limits.RateLimiter
	channels    *hub.Registry
	clients     *clients.Registry

	httpServer    *http.Server
	metricsServer *monitoring.MetricsServer
	systemMonitor *monitoring.SystemMonitor
	bridge        *ingest.Bridge

	// Live sockets, so shutdown can force-close stragglers.
	conns sync.Map // map[*conn]struct{}

	// heartbeat paces the liveness frame; tests shorten it.
	heartbeat time.Duration

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
}

// New builds a stopped server from validated configuration.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		authGateway: auth.NewGateway(cfg.APIEndpoint, auth.DefaultTimeout, logger),
		limiter:     limits.NewRateLimiter(cfg.RateLimitCount, cfg.RateLimitWindow(), logger),
		channels:    hub.NewRegistry(logger),
		clients:     clients.NewRegistry(logger),
		heartbeat:   heartbeatInterval,
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.MetricsAddr != "" {
		s.metricsServer = monitoring.NewMetricsServer(cfg.MetricsAddr, logger)
		s.systemMonitor = monitoring.NewSystemMonitor(cfg.MetricsInterval, logger)
	}

	if cfg.NATSURL != "" {
		bridge, err := ingest.NewBridge(cfg.NATSURL, cfg.NATSSubjectPrefix, s.ingestPublish, logger)
		if err != nil {
			cancel()
			s.limiter.Stop()
			return nil, err
		}
		s.bridge = bridge
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("POST /broadcast/{channel}", s.handleBroadcast)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /disconnect", s.handleDisconnect)
	mux.HandleFunc("/", s.handleNotFound)
	return mux
}

// Start brings up the listeners and background loops. Non-blocking.
func (s *Server) Start() error {
	if s.metricsServer != nil {
		s.metricsServer.Start()
		s.systemMonitor.Start()
	}

	if s.cfg.SweepInterval > 0 {
		s.channels.StartSweeper(s.ctx, s.cfg.SweepInterval, s.cfg.SweepIdleAfter)
	}

	if s.bridge != nil {
		if err := s.bridge.Start(); err != nil {
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("Gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Shutdown drains the gateway: stop accepting, close the ingest bridge,
// give in-flight connections a grace period, then force-close the rest.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.bridge != nil {
		s.bridge.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown did not drain in time")
	}

	// Force-close whatever is still connected; pumps then unwind and
	// deregister themselves.
	s.conns.Range(func(key, _ any) bool {
		if c, ok := key.(*conn); ok {
			c.close()
		}
		return true
	})

	s.cancel()
	s.limiter.Stop()
	if s.metricsServer != nil {
		s.systemMonitor.Shutdown()
		s.metricsServer.Shutdown(shutdownCtx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.channels.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Graceful shutdown completed")
	case <-shutdownCtx.Done():
		s.logger.Warn().Msg("Shutdown grace period expired with goroutines still running")
	}
	return nil
}

// Handler exposes the public mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// adminAuthorized gates the admin surface with a constant-time compare.
func (s *Server) adminAuthorized(r *http.Request) bool {
	token := r.Header.Get("Authorization")
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) == 1
}

// publish canonicalises nothing; callers hand it the already-serialised
// payload. It reports the advisory recipient set observed at call time.
func (s *Server) publish(channel, payload, source string) []string {
	sentTo := s.clients.IDsOn(channel)
	s.channels.Publish(channel, payload)
	monitoring.MessagesPublished.WithLabelValues(source).Inc()

	s.logger.Debug().
		Str("channel", channel).
		Int("recipients", len(sentTo)).
		Str("source", source).
		Msg("Message published")
	return sentTo
}

// ingestPublish adapts the NATS bridge to the publish path. Non-JSON
// payloads are dropped; the wire protocol only ever carries JSON.
func (s *Server) ingestPublish(channel string, payload []byte) {
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		s.logger.Warn().
			Str("channel", channel).
			Msg("Dropping non-JSON ingest payload")
		return
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return
	}
	s.publish(channel, string(canonical), "nats")
}

// clientIP extracts the admission key for rate limiting: the first
// X-Forwarded-For hop when present, else the host part of RemoteAddr.
func clientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

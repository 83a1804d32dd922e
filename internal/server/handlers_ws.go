package server

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/adred-codev/streamgate/internal/auth"
	"github.com/adred-codev/streamgate/internal/clients"
	"github.com/adred-codev/streamgate/internal/ident"
	"github.com/adred-codev/streamgate/internal/monitoring"
)

// handleWebSocket runs the pre-upgrade admission pipeline: query
// validation, fixed-window rate limiting, delegated auth, then the
// upgrade itself. Every failure before the upgrade surfaces as an HTTP
// error; after the upgrade the socket is simply torn down on failure.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		monitoring.ConnectionsRejected.WithLabelValues(monitoring.RejectShuttingDown).Inc()
		writeError(w, http.StatusServiceUnavailable, codeServiceUnavailable)
		return
	}

	query := r.URL.Query()
	channel := query.Get("channel")
	token := query.Get("token")
	if channel == "" || token == "" {
		monitoring.ConnectionsRejected.WithLabelValues(monitoring.RejectBadRequest).Inc()
		writeError(w, http.StatusBadRequest, codeBadRequest)
		return
	}

	ip := clientIP(r)
	if !s.limiter.Admit(ip) {
		monitoring.ConnectionsRejected.WithLabelValues(monitoring.RejectRateLimited).Inc()
		s.logger.Warn().
			Str("client_ip", ip).
			Str("channel", channel).
			Msg("Connection rejected: rate limit exceeded")
		writeError(w, http.StatusTooManyRequests, codeTooManyRequests)
		return
	}

	reply, err := s.authGateway.Authenticate(r.Context(), channel, token, r.RemoteAddr, r.Header)
	if err != nil {
		if errors.Is(err, auth.ErrDecode) {
			monitoring.ConnectionsRejected.WithLabelValues(monitoring.RejectAuthMalformed).Inc()
			writeError(w, http.StatusInternalServerError, codeInternalServerError)
			return
		}
		monitoring.ConnectionsRejected.WithLabelValues(monitoring.RejectAuthUnavailable).Inc()
		writeError(w, http.StatusServiceUnavailable, codeServiceUnavailable)
		return
	}
	if !reply.OK {
		monitoring.ConnectionsRejected.WithLabelValues(monitoring.RejectUnauthorized).Inc()
		s.logger.Info().
			Str("client_ip", ip).
			Str("channel", channel).
			Msg("Connection refused by delegated auth")
		writeError(w, http.StatusUnauthorized, codeUnauthorized)
		return
	}

	sock, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		// UpgradeHTTP has already written its own error response.
		s.logger.Warn().
			Err(err).
			Str("client_ip", ip).
			Msg("WebSocket upgrade failed")
		return
	}

	receiver := s.channels.Subscribe(channel)
	id := ident.New()
	s.clients.Register(&clients.Record{
		ID:          id,
		RemoteAddr:  r.RemoteAddr,
		UserAgent:   r.Header.Get("User-Agent"),
		Channels:    map[string]struct{}{channel: {}},
		ConnectedAt: time.Now().UTC(),
		Metadata:    reply.Metadata,
	})

	c := &conn{
		id:       id,
		channel:  channel,
		sock:     sock,
		receiver: receiver,
	}
	s.conns.Store(c, struct{}{})

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Inc()
	s.logger.Info().
		Str("connection_id", id).
		Str("channel", channel).
		Str("client_ip", ip).
		Msg("Subscriber connected")

	s.wg.Add(2)
	go s.writePump(c)
	go s.readPump(c)
}

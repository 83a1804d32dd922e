// Package auth delegates the subscriber accept/refuse decision to an
// operator-supplied HTTP endpoint.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/adred-codev/streamgate/internal/monitoring"
)

// DefaultTimeout covers connect plus the full response.
const DefaultTimeout = 2 * time.Second

// Error kinds. A refusal (ok:false in the reply) is NOT an error; these
// cover the round-trip itself failing.
var (
	ErrTransport = errors.New("auth endpoint unreachable")
	ErrTimeout   = errors.New("auth request timed out")
	ErrStatus    = errors.New("auth endpoint returned non-2xx status")
	ErrDecode    = errors.New("auth response is not valid JSON")
)

// Reply is the authenticator's decision.
type Reply struct {
	OK       bool              `json:"ok"`
	Metadata map[string]string `json:"metadata"`
}

// envelope is the request body sent to the authenticator.
type envelope struct {
	Channel string            `json:"channel"`
	Token   string            `json:"token"`
	IP      string            `json:"ip"`
	Headers map[string]string `json:"headers"`
}

// Gateway performs the delegated auth round-trip. The underlying
// http.Client is shared and safe for concurrent callers.
type Gateway struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

// NewGateway builds a gateway for the given endpoint. timeout <= 0 means
// DefaultTimeout.
func NewGateway(endpoint string, timeout time.Duration, logger zerolog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "auth_gateway").Logger(),
	}
}

// Authenticate POSTs {channel, token, ip, headers} and decodes the reply.
// remoteAddr is forwarded verbatim as host:port. Inbound header values
// that are not valid UTF-8 are silently dropped.
func (g *Gateway) Authenticate(ctx context.Context, channel, token, remoteAddr string, headers http.Header) (*Reply, error) {
	body, err := json.Marshal(envelope{
		Channel: channel,
		Token:   token,
		IP:      remoteAddr,
		Headers: flattenHeaders(headers),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			monitoring.AuthResults.WithLabelValues("timeout").Inc()
			g.logger.Warn().Str("channel", channel).Msg("Auth request timed out")
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		monitoring.AuthResults.WithLabelValues("transport_error").Inc()
		g.logger.Warn().Err(err).Str("channel", channel).Msg("Auth request failed")
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		monitoring.AuthResults.WithLabelValues("bad_status").Inc()
		g.logger.Warn().
			Int("status", resp.StatusCode).
			Str("channel", channel).
			Msg("Auth endpoint returned unexpected status")
		return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		monitoring.AuthResults.WithLabelValues("malformed").Inc()
		g.logger.Warn().Err(err).Str("channel", channel).Msg("Auth response undecodable")
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if reply.OK {
		monitoring.AuthResults.WithLabelValues("accepted").Inc()
	} else {
		monitoring.AuthResults.WithLabelValues("refused").Inc()
	}
	if reply.Metadata == nil {
		reply.Metadata = map[string]string{}
	}
	return &reply, nil
}

// flattenHeaders lowers header names and keeps the last valid-UTF-8 value
// per name, matching what the authenticator has always been sent.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		for _, v := range values {
			if utf8.ValidString(v) {
				out[strings.ToLower(name)] = v
			}
		}
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

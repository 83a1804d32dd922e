package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/streamgate/internal/config"
)

const testAdminToken = "AAA"

// newTestGateway stands up a gateway in front of the given delegated
// auth handler and returns the server and its public test listener.
func newTestGateway(t *testing.T, authHandler http.HandlerFunc, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()

	var authURL string
	if authHandler != nil {
		upstream := httptest.NewServer(authHandler)
		t.Cleanup(upstream.Close)
		authURL = upstream.URL
	} else {
		// Nothing listens here: transport error territory.
		authURL = "http://127.0.0.1:1"
	}

	cfg := &config.Config{
		AdminToken:             testAdminToken,
		APIEndpoint:            authURL,
		Port:                   3113,
		RateLimitCount:         100,
		RateLimitWindowSeconds: 60,
		SweepIdleAfter:         10 * time.Minute,
		MetricsInterval:        15 * time.Second,
		ShutdownGrace:          2 * time.Second,
		LogLevel:               "info",
		LogFormat:              "json",
	}
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	public := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		public.Close()
		srv.Shutdown()
	})

	return srv, public
}

func authAccept(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(`{"ok":true,"metadata":{"user":"alice"}}`))
}

func authRefuse(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(`{"ok":false,"metadata":{}}`))
}

func doRequest(t *testing.T, method, url, token, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body["error"]
}

type statsBody struct {
	Channels []struct {
		ChannelID   string     `json:"channel_id"`
		Connections int        `json:"connections"`
		Messages    uint64     `json:"messages"`
		LastMessage *time.Time `json:"last_message"`
	} `json:"channels"`
	Clients []struct {
		ID       string   `json:"id"`
		Channels []string `json:"channels"`
	} `json:"clients"`
}

func fetchStats(t *testing.T, baseURL string) statsBody {
	t.Helper()
	resp := doRequest(t, http.MethodGet, baseURL+"/stats", testAdminToken, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats statsBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	return stats
}

// waitForClients polls /stats until the live client count matches.
func waitForClients(t *testing.T, baseURL string, want int) statsBody {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		stats := fetchStats(t, baseURL)
		if len(stats.Clients) == want {
			return stats
		}
		require.True(t, time.Now().Before(deadline), "timed out waiting for %d clients, have %d", want, len(stats.Clients))
		time.Sleep(10 * time.Millisecond)
	}
}

// wsConn wraps a dialed client socket; reads must go through the
// dialer's buffered reader when it returned one.
type wsConn struct {
	io.Reader
	io.Writer
	close func()
}

func dialWS(t *testing.T, baseURL, channel, token string) *wsConn {
	t.Helper()
	u := strings.Replace(baseURL, "http://", "ws://", 1) +
		fmt.Sprintf("/ws?channel=%s&token=%s", channel, token)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.DefaultDialer.Dial(ctx, u)
	require.NoError(t, err)

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, bufio.NewReader(conn))
	}
	c := &wsConn{Reader: r, Writer: conn, close: func() { conn.Close() }}
	t.Cleanup(c.close)
	return c
}

func TestStatsRejectsWrongAdminToken(t *testing.T) {
	_, public := newTestGateway(t, authAccept, nil)

	resp := doRequest(t, http.MethodGet, public.URL+"/stats", "BBB", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, resp))
}

func TestStatsRejectsMissingAdminToken(t *testing.T) {
	_, public := newTestGateway(t, authAccept, nil)

	resp := doRequest(t, http.MethodGet, public.URL+"/stats", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	_, public := newTestGateway(t, authAccept, nil)

	resp := doRequest(t, http.MethodGet, public.URL+"/nope", "", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, resp))
}

func TestWebSocketMissingQueryParams(t *testing.T) {
	_, public := newTestGateway(t, authAccept, nil)

	for _, path := range []string{"/ws", "/ws?channel=x", "/ws?token=y", "/ws?channel=&token=y"} {
		resp := doRequest(t, http.MethodGet, public.URL+path, "", "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "path %s", path)
		assert.Equal(t, "BAD_REQUEST", errorCode(t, resp))
	}
}

func TestWebSocketRateLimited(t *testing.T) {
	_, public := newTestGateway(t, authRefuse, func(c *config.Config) {
		c.RateLimitCount = 2
		c.RateLimitWindowSeconds = 5
	})

	// First two admissions reach the auth phase (refused there), the
	// third is denied by the window counter.
	for i := 0; i < 2; i++ {
		resp := doRequest(t, http.MethodGet, public.URL+"/ws?channel=x&token=y", "", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "admission %d", i+1)
	}

	resp := doRequest(t, http.MethodGet, public.URL+"/ws?channel=x&token=y", "", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "TOO_MANY_REQUESTS", errorCode(t, resp))
}

func TestWebSocketAuthRefused(t *testing.T) {
	_, public := newTestGateway(t, authRefuse, nil)

	resp := doRequest(t, http.MethodGet, public.URL+"/ws?channel=x&token=y", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, resp))
}

func TestWebSocketAuthUpstreamUnavailable(t *testing.T) {
	_, public := newTestGateway(t, nil, nil)

	resp := doRequest(t, http.MethodGet, public.URL+"/ws?channel=x&token=y", "", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "SERVICE_UNAVAILABLE", errorCode(t, resp))
}

func TestWebSocketAuthUpstreamMalformed(t *testing.T) {
	_, public := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("definitely not json"))
	}, nil)

	resp := doRequest(t, http.MethodGet, public.URL+"/ws?channel=x&token=y", "", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "INTERNAL_SERVER_ERROR", errorCode(t, resp))
}

func TestBroadcastRejectsWrongAdminToken(t *testing.T) {
	_, public := newTestGateway(t, authAccept, nil)

	resp := doRequest(t, http.MethodPost, public.URL+"/broadcast/room1", "BBB", "application/json", []byte(`{}`))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBroadcastRejectsWrongContentType(t *testing.T) {
	_, public := newTestGateway(t, authAccept, nil)

	resp := doRequest(t, http.MethodPost, public.URL+"/broadcast/room1", testAdminToken, "text/plain", []byte(`{}`))
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	assert.Equal(t, "UNSUPPORTED_MEDIA_TYPE", errorCode(t, resp))
}

func TestBroadcastAcceptsContentTypeWithCharset(t *testing.T) {
	_, public := newTestGateway(t, authAccept, nil)

	resp := doRequest(t, http.MethodPost, public.URL+"/broadcast/room1",
		testAdminToken, "application/json; charset=utf-8", []byte(`{"a":1}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBroadcastRejectsMalformedJSON(t *testing.T) {
	_, public := newTestGateway(t, authAccept, nil)

	resp := doRequest(t, http.MethodPost, public.URL+"/broadcast/room1", testAdminToken, "application/json", []byte(`{"a":`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, resp))
}

func TestBroadcastWithNoSubscribers(t *testing.T) {
	_, public := newTestGateway(t, authAccept, nil)

	resp := doRequest(t, http.MethodPost, public.URL+"/broadcast/empty", testAdminToken, "application/json", []byte(`{"a":1}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		SentTo []string `json:"sent_to"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotNil(t, body.SentTo)
	assert.Empty(t, body.SentTo)

	stats := fetchStats(t, public.URL)
	require.Len(t, stats.Channels, 1)
	assert.Equal(t, uint64(1), stats.Channels[0].Messages, "creation publish starts the count at 1")
}

func TestPublishAndReceive(t *testing.T) {
	_, public := newTestGateway(t, authAccept, nil)

	sub := dialWS(t, public.URL, "room1", "tok")
	stats := waitForClients(t, public.URL, 1)
	subID := stats.Clients[0].ID
	require.Len(t, subID, 8)

	resp := doRequest(t, http.MethodPost, public.URL+"/broadcast/room1",
		testAdminToken, "application/json", []byte(`{"hello":"world"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		SentTo []string `json:"sent_to"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{subID}, body.SentTo)

	msg, err := wsutil.ReadServerText(sub)
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, string(msg), "subscriber receives the canonical serialisation")
}

func TestLateSubscriberDoesNotReplay(t *testing.T) {
	_, public := newTestGateway(t, authAccept, nil)

	resp := doRequest(t, http.MethodPost, public.URL+"/broadcast/room1",
		testAdminToken, "application/json", []byte(`{"n":1}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sub := dialWS(t, public.URL, "room1", "tok")
	waitForClients(t, public.URL, 1)

	resp = doRequest(t, http.MethodPost, public.URL+"/broadcast/room1",
		testAdminToken, "application/json", []byte(`{"n":2}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	msg, err := wsutil.ReadServerText(sub)
	require.NoError(t, err)
	assert.Equal(t, `{"n":2}`, string(msg), "only messages published after subscribe arrive")
}

func TestAdminDetach(t *testing.T) {
	srv, public := newTestGateway(t, authAccept, nil)

	dialWS(t, public.URL, "room1", "tok")
	stats := waitForClients(t, public.URL, 1)
	subID := stats.Clients[0].ID

	payload := []byte(fmt.Sprintf(`{"id":%q,"channel":"room1"}`, subID))
	resp := doRequest(t, http.MethodPost, public.URL+"/disconnect", testAdminToken, "application/json", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, srv.clients.Len())

	resp = doRequest(t, http.MethodPost, public.URL+"/disconnect", testAdminToken, "application/json", payload)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(t, resp))
}

func TestDisconnectUnknownID(t *testing.T) {
	_, public := newTestGateway(t, authAccept, nil)

	resp := doRequest(t, http.MethodPost, public.URL+"/disconnect",
		testAdminToken, "application/json", []byte(`{"id":"ZZZZ9999","channel":"room1"}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsReflectsLiveConnection(t *testing.T) {
	_, public := newTestGateway(t, authAccept, nil)

	dialWS(t, public.URL, "room1", "tok")
	stats := waitForClients(t, public.URL, 1)

	require.Len(t, stats.Channels, 1)
	assert.Equal(t, "room1", stats.Channels[0].ChannelID)
	assert.Equal(t, 1, stats.Channels[0].Connections)
	assert.Nil(t, stats.Channels[0].LastMessage, "no publish yet")
	assert.Equal(t, []string{"room1"}, stats.Clients[0].Channels)
}

func TestClientCloseRemovesRegistration(t *testing.T) {
	_, public := newTestGateway(t, authAccept, nil)

	sub := dialWS(t, public.URL, "room1", "tok")
	waitForClients(t, public.URL, 1)

	sub.close()
	waitForClients(t, public.URL, 0)
}

func TestHeartbeatDeliveredToIdleSubscriber(t *testing.T) {
	srv, public := newTestGateway(t, authAccept, nil)
	srv.heartbeat = 50 * time.Millisecond

	sub := dialWS(t, public.URL, "room1", "tok")
	waitForClients(t, public.URL, 1)

	for i := 0; i < 2; i++ {
		msg, err := wsutil.ReadServerText(sub)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(msg), "heartbeat %d", i+1)
	}
}

func TestHeartbeatInterleavesWithPayloads(t *testing.T) {
	srv, public := newTestGateway(t, authAccept, nil)
	srv.heartbeat = 50 * time.Millisecond

	sub := dialWS(t, public.URL, "room1", "tok")
	waitForClients(t, public.URL, 1)

	resp := doRequest(t, http.MethodPost, public.URL+"/broadcast/room1",
		testAdminToken, "application/json", []byte(`{"n":1}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Both the payload and at least one ping arrive as whole text
	// frames, in some interleaving.
	var sawPayload, sawPing bool
	for i := 0; i < 5 && !(sawPayload && sawPing); i++ {
		msg, err := wsutil.ReadServerText(sub)
		require.NoError(t, err)
		switch string(msg) {
		case `{"n":1}`:
			sawPayload = true
		case "ping":
			sawPing = true
		default:
			t.Fatalf("unexpected frame %q", msg)
		}
	}
	assert.True(t, sawPayload)
	assert.True(t, sawPing)
}

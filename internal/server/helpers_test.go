package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/ticko-relay/internal/relay"
)

const testOrigin = "http://localhost:8080"

// newTestService builds a service with test defaults, applies customize and
// serves it from an httptest server. Both are torn down with the test.
func newTestService(t *testing.T, customize func(cfg *Config)) (*Service, *httptest.Server) {
	t.Helper()

	cfg := NewConfig()
	cfg.NodeID = "test-node"
	cfg.AllowedOrigins = []string{testOrigin}
	cfg.ShutdownTimeout = 2 * time.Second
	if customize != nil {
		customize(cfg)
	}

	svc := NewService(cfg)
	ts := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		_ = svc.Shutdown(2 * time.Second)
		ts.Close()
		SetConfig(nil)
	})
	return svc, ts
}

func wsURL(ts *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
}

// dialWS opens a websocket with an allowed origin and returns the handshake
// response status alongside any error.
func dialWS(ts *httptest.Server, query string, header http.Header) (*websocket.Conn, int, error) {
	if header == nil {
		header = http.Header{}
	}
	if _, ok := header["Origin"]; !ok {
		header.Set("Origin", testOrigin)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL(ts, query), header)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}
	return conn, status, err
}

func mustDial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := dialWS(ts, query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	frame, err := relay.EncodeFrame(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

// readEvent reads frames until one carries event, skipping everything else.
func readEvent(t *testing.T, conn *websocket.Conn, event string) relay.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q", event)

		env, err := relay.DecodeEnvelope(raw)
		require.NoError(t, err)
		if env.Event == event {
			return env
		}
	}
}

// readPresence reads online users frames until one lists exactly users.
func readPresence(t *testing.T, conn *websocket.Conn, users ...string) relay.Presence {
	t.Helper()
	if users == nil {
		users = []string{}
	}
	for {
		env := readEvent(t, conn, relay.EventOnlineUsers)
		var p relay.Presence
		require.NoError(t, json.Unmarshal(env.Data, &p))
		if p.Users == nil {
			p.Users = []string{}
		}
		if equalStrings(p.Users, users) {
			return p
		}
	}
}

// expectNoEvent fails if event arrives on conn within wait. The read
// deadline breaks the connection, so call it last.
func expectNoEvent(t *testing.T, conn *websocket.Conn, event string, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return
			}
			t.Fatalf("unexpected read error while waiting: %v", err)
		}
		env, err := relay.DecodeEnvelope(raw)
		require.NoError(t, err)
		if env.Event == event {
			t.Fatalf("unexpected %q frame: %s", event, raw)
		}
	}
}

// scrapeMetrics returns the /metrics exposition text, or "" on error.
func scrapeMetrics(ts *httptest.Server) string {
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func chatPayload(sender, room string, members ...string) map[string]any {
	users := make([]map[string]string, 0, len(members))
	for _, m := range members {
		users = append(users, map[string]string{"_id": m})
	}
	return map[string]any{
		"content": "hello from " + sender,
		"sender":  map[string]string{"_id": sender},
		"chat":    map[string]any{"_id": room, "users": users},
	}
}

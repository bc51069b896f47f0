package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/ticko-relay/internal/relay"
)

// fanOutBound is how long a hub call may take while a peer is stalled.
const fanOutBound = 200 * time.Millisecond

// stalledPeer wires a real Client to hub over a loopback websocket whose
// remote end never reads.
func stalledPeer(t *testing.T, hub *relay.Hub) *Client {
	t.Helper()

	SetConfig(&Config{SendBufferSize: 2, MaxMessageSize: 4096})
	t.Cleanup(func() { SetConfig(nil) })

	var pumps sync.WaitGroup
	clients := make(chan *Client, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(conn, r.RemoteAddr, zap.NewNop())
		session, err := hub.Attach(client, "")
		if err != nil {
			_ = client.Close()
			return
		}
		client.session = session
		client.run(&pumps)
		clients <- client
	}))

	remote, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = remote.Close()
		_ = hub.Shutdown(2 * time.Second)
		pumps.Wait()
		ts.Close()
	})

	select {
	case client := <-clients:
		return client
	case <-time.After(2 * time.Second):
		t.Fatal("server side of the websocket never attached")
		return nil
	}
}

// fillUntilStalled queues large frames until the write pump is blocked on
// the socket and the send buffer stays full.
func fillUntilStalled(t *testing.T, c *Client) {
	t.Helper()
	frame := bytes.Repeat([]byte("x"), 1<<20)
	for i := 0; i < 256; i++ {
		err := c.Send(frame)
		if err == nil {
			continue
		}
		require.ErrorIs(t, err, relay.ErrSendBufferFull)
		time.Sleep(50 * time.Millisecond)
		if len(c.send) == cap(c.send) {
			return
		}
	}
	t.Fatal("write pump never stalled")
}

func setupFrame(t *testing.T, user string) []byte {
	t.Helper()
	frame, err := relay.EncodeFrame(relay.EventSetup, user)
	require.NoError(t, err)
	return frame
}

type quietPeer struct{ id string }

func (p quietPeer) ID() string          { return p.id }
func (p quietPeer) Send(_ []byte) error { return nil }
func (p quietPeer) Close() error        { return nil }

func TestClientCloseReturnsWhileWritePumpIsStalled(t *testing.T) {
	hub := relay.NewHub(relay.Options{NodeID: "test-node", Logger: zap.NewNop()})
	client := stalledPeer(t, hub)
	fillUntilStalled(t, client)

	start := time.Now()
	require.NoError(t, client.Close())
	assert.Less(t, time.Since(start), fanOutBound)
	assert.ErrorIs(t, client.Send([]byte("late")), relay.ErrPeerClosed)

	require.Eventually(t, func() bool {
		return hub.Connections() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDeliverMessageDoesNotBlockOnStalledClient(t *testing.T) {
	hub := relay.NewHub(relay.Options{NodeID: "test-node", Logger: zap.NewNop()})
	client := stalledPeer(t, hub)
	require.NoError(t, client.session.Handle(setupFrame(t, "slow")))

	payload := []byte(`"` + strings.Repeat("x", 1<<20) + `"`)
	ev := relay.MessageEvent{SenderID: "u1", RoomID: "r1", Members: []string{"u1", "slow"}, Raw: payload}

	failed := false
	for i := 0; i < 256 && !failed; i++ {
		start := time.Now()
		n := hub.DeliverMessage(ev)
		elapsed := time.Since(start)
		require.Less(t, elapsed, fanOutBound, "delivery %d took %s", i, elapsed)
		failed = n == 0
	}
	require.True(t, failed, "send buffer never filled")

	require.Eventually(t, func() bool {
		return hub.Connections() == 0 && !hub.Registry().IsOnline("slow")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPresenceBroadcastDoesNotBlockOnStalledClient(t *testing.T) {
	hub := relay.NewHub(relay.Options{NodeID: "test-node", Logger: zap.NewNop()})
	client := stalledPeer(t, hub)
	fillUntilStalled(t, client)

	other, err := hub.Attach(quietPeer{id: "other"}, "")
	require.NoError(t, err)
	t.Cleanup(other.Close)

	start := time.Now()
	require.NoError(t, other.Handle(setupFrame(t, "u2")))
	assert.Less(t, time.Since(start), fanOutBound)

	require.Eventually(t, func() bool {
		return hub.Connections() == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"u2"}, hub.Online().Users)
}

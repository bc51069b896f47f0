package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/ticko-relay/internal/relay"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := Dial(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, rdb.Close())

	mr.Close()
	_, err = Dial(context.Background(), Config{Addr: mr.Addr()})
	assert.Error(t, err)
}

func TestRedisPresence_WriteReplacesSet(t *testing.T) {
	mr, rdb := newRedis(t)
	p := NewRedisPresence(rdb, "node-a", time.Minute)
	ctx := context.Background()

	require.NoError(t, p.Write(ctx, []string{"u2", "u1"}))
	users, err := p.NodeOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)
	assert.Equal(t, time.Minute, mr.TTL(p.Key()))

	require.NoError(t, p.Write(ctx, []string{"u3"}))
	users, err = p.NodeOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u3"}, users)

	require.NoError(t, p.Write(ctx, nil))
	assert.False(t, mr.Exists(p.Key()))
}

func TestRedisPresence_PublishKeepsLatest(t *testing.T) {
	_, rdb := newRedis(t)
	p := NewRedisPresence(rdb, "node-a", time.Minute)

	p.Publish(relay.Presence{Users: []string{"u1"}, Version: 1})
	p.Publish(relay.Presence{Users: []string{"u1", "u2"}, Version: 2})
	p.Publish(relay.Presence{Users: []string{"u2"}, Version: 3})

	got := <-p.latest
	assert.Equal(t, uint64(3), got.Version)
	select {
	case extra := <-p.latest:
		t.Fatalf("unexpected queued snapshot %+v", extra)
	default:
	}
}

func TestRedisPresence_RunMirrorsAndCleansUp(t *testing.T) {
	mr, rdb := newRedis(t)
	p := NewRedisPresence(rdb, "node-a", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	p.Publish(relay.Presence{Users: []string{"u1", "u2"}, Version: 4})

	assert.Eventually(t, func() bool {
		members, err := mr.Members(p.Key())
		return err == nil && len(members) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.False(t, mr.Exists(p.Key()))
}

func TestRedisPresence_ClusterOnline(t *testing.T) {
	_, rdb := newRedis(t)
	a := NewRedisPresence(rdb, "node-a", time.Minute)
	b := NewRedisPresence(rdb, "node-b", time.Minute)
	ctx := context.Background()

	users, err := a.ClusterOnline(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	require.NoError(t, a.Write(ctx, []string{"u1", "u2"}))
	require.NoError(t, b.Write(ctx, []string{"u2", "u3"}))

	users, err = b.ClusterOnline(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, users)
}

func TestRedisPresence_MirrorsHubBroadcasts(t *testing.T) {
	mr, rdb := newRedis(t)
	p := NewRedisPresence(rdb, "node-a", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	h := relay.NewHub(relay.Options{NodeID: "node-a", Mirror: p})
	s, err := h.Attach(&nopPeer{id: "c1"}, "")
	require.NoError(t, err)

	setupFrame, err := relay.EncodeFrame(relay.EventSetup, "u1")
	require.NoError(t, err)
	require.NoError(t, s.Handle(setupFrame))

	assert.Eventually(t, func() bool {
		ok, _ := mr.SIsMember(p.Key(), "u1")
		return ok
	}, time.Second, 10*time.Millisecond)

	s.Close()
	assert.Eventually(t, func() bool {
		return !mr.Exists(p.Key())
	}, time.Second, 10*time.Millisecond)
}

type nopPeer struct{ id string }

func (n *nopPeer) ID() string          { return n.id }
func (n *nopPeer) Send(_ []byte) error { return nil }
func (n *nopPeer) Close() error        { return nil }

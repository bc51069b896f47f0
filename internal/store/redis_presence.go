// Package store mirrors the relay's online set into Redis so other services
// and other relay nodes can see who is connected.
package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/ticko-relay/internal/logger"
	"github.com/Tyrowin/ticko-relay/internal/relay"
)

const keyPrefix = "ticko:online:"

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects to Redis and checks the connection with a PING.
func Dial(ctx context.Context, c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", c.Addr)
	}
	return rdb, nil
}

// RedisPresence keeps the set ticko:online:<node> equal to the latest
// presence snapshot of this node. Publish is non-blocking and last value
// wins; Run performs the writes and refreshes the key TTL.
type RedisPresence struct {
	rdb    *redis.Client
	key    string
	ttl    time.Duration
	log    *zap.Logger
	latest chan relay.Presence
}

// NewRedisPresence builds a mirror for the given node.
func NewRedisPresence(rdb *redis.Client, nodeID string, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisPresence{
		rdb:    rdb,
		key:    keyPrefix + nodeID,
		ttl:    ttl,
		log:    logger.L().Named("presence-mirror"),
		latest: make(chan relay.Presence, 1),
	}
}

// Key returns the Redis key owned by this node.
func (p *RedisPresence) Key() string { return p.key }

// Publish records p as the snapshot to write next, replacing any snapshot
// that has not been written yet.
func (p *RedisPresence) Publish(snap relay.Presence) {
	for {
		select {
		case p.latest <- snap:
			return
		default:
		}
		select {
		case <-p.latest:
		default:
		}
	}
}

// Run writes snapshots until ctx is done, then deletes the node's key.
func (p *RedisPresence) Run(ctx context.Context) error {
	refresh := p.ttl / 2
	if refresh <= 0 {
		refresh = p.ttl
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	var current []string
	for {
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := p.rdb.Del(cleanup, p.key).Err(); err != nil {
				p.log.Warn("remove presence key", zap.String("key", p.key), zap.Error(err))
			}
			return nil

		case snap := <-p.latest:
			current = snap.Users
			if err := p.Write(ctx, current); err != nil {
				p.log.Warn("mirror presence", zap.Uint64("version", snap.Version), zap.Error(err))
			}

		case <-ticker.C:
			if err := p.Write(ctx, current); err != nil {
				p.log.Warn("refresh presence", zap.Error(err))
			}
		}
	}
}

// Write replaces the node's set with users in a single transaction.
func (p *RedisPresence) Write(ctx context.Context, users []string) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.key)
		if len(users) > 0 {
			members := make([]interface{}, len(users))
			for i, u := range users {
				members[i] = u
			}
			pipe.SAdd(ctx, p.key, members...)
			pipe.Expire(ctx, p.key, p.ttl)
		}
		return nil
	})
	return errors.Wrap(err, "write presence set")
}

// NodeOnline reads back this node's mirrored set.
func (p *RedisPresence) NodeOnline(ctx context.Context) ([]string, error) {
	users, err := p.rdb.SMembers(ctx, p.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read presence set")
	}
	sort.Strings(users)
	return users, nil
}

// ClusterOnline unions the online sets of every relay node.
func (p *RedisPresence) ClusterOnline(ctx context.Context) ([]string, error) {
	var keys []string
	iter := p.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "scan presence keys")
	}
	if len(keys) == 0 {
		return []string{}, nil
	}

	users, err := p.rdb.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "union %s", strings.Join(keys, ","))
	}
	sort.Strings(users)
	return users, nil
}

package tap

import (
	"context"

	"github.com/chat-relay/relay/internal/config"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type hashStore interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisPresence keeps a hash of connectionId -> nickname for live sessions.
type RedisPresence struct {
	store  hashStore
	key    string
	client *redis.Client
}

// NewRedisPresence connects and clears entries left by a previous process.
func NewRedisPresence(ctx context.Context, cfg config.RedisConfig) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis ping %s", cfg.Addr)
	}
	p := &RedisPresence{store: client, key: cfg.Key, client: client}
	if err := p.store.Del(ctx, p.key).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "reset presence hash")
	}
	return p, nil
}

func (p *RedisPresence) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindPeerJoined:
		return p.store.HSet(ctx, p.key, ev.ConnectionID, ev.Nickname).Err()
	case KindPeerLeft:
		return p.store.HDel(ctx, p.key, ev.ConnectionID).Err()
	}
	return nil
}

// Close removes the hash; nobody is connected to a stopped relay.
func (p *RedisPresence) Close(ctx context.Context) error {
	err := p.store.Del(ctx, p.key).Err()
	if p.client != nil {
		if cerr := p.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

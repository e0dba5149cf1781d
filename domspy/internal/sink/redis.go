package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/scrollspy/domspy/change"
)

// Publisher is the part of a redis client the Redis sink uses.
// *redis.Client and *redis.ClusterClient satisfy it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Redis publishes each change on "<prefix>.<page_id>".
type Redis struct {
	pub    Publisher
	prefix string
	owned  *redis.Client
}

// DefaultChannelPrefix is used when no prefix is configured.
const DefaultChannelPrefix = "domspy.active"

// NewRedis connects to the server at addr (host:port or a redis:// URL).
func NewRedis(addr, prefix string) (*Redis, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		opt = &redis.Options{Addr: addr}
	}
	c := redis.NewClient(opt)
	r := NewRedisPublisher(c, prefix)
	r.owned = c
	return r, nil
}

// NewRedisPublisher wraps an existing client. Close leaves it open.
func NewRedisPublisher(pub Publisher, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &Redis{pub: pub, prefix: prefix}
}

// Channel returns the channel a page's changes are published on.
func (r *Redis) Channel(pageID string) string {
	return r.prefix + "." + pageID
}

func (r *Redis) Send(ctx context.Context, ev change.Event) error {
	body, err := json.Marshal(envelope{Type: envelopeType, Data: ev})
	if err != nil {
		return fmt.Errorf("redis: marshal: %w", err)
	}
	if err := r.pub.Publish(ctx, r.Channel(ev.PageID), body).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", r.Channel(ev.PageID), err)
	}
	return nil
}

func (r *Redis) Close() error {
	if r.owned != nil {
		return r.owned.Close()
	}
	return nil
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	marketplace "github.com/givabit/marketplace"
)

// RedisPublisher publishes events on a Redis channel and keeps the latest
// batch events retrievable by batch ID for ttl.
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	channel string
	ttl     time.Duration
	now     func() time.Time
}

// NewRedisPublisher connects to addr. Keys and the channel are namespaced
// under prefix.
func NewRedisPublisher(addr, prefix string, ttl time.Duration) *RedisPublisher {
	return NewRedisPublisherWithClient(redis.NewClient(&redis.Options{Addr: addr}), prefix, ttl)
}

func NewRedisPublisherWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		prefix:  prefix,
		channel: prefix + ":events",
		ttl:     ttl,
		now:     time.Now,
	}
}

// Channel returns the pub/sub channel events are published on
func (p *RedisPublisher) Channel() string {
	return p.channel
}

func (p *RedisPublisher) Emit(ctx context.Context, event marketplace.Event) error {
	env, err := Encode(event, p.now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.EventName(), err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	if id := batchID(event); id != "" {
		if err := p.client.Set(ctx, p.batchKey(id), data, p.ttl).Err(); err != nil {
			return fmt.Errorf("store batch %s: %w", id, err)
		}
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

// Batch returns the stored event of a batch, or nil when unknown or expired
func (p *RedisPublisher) Batch(ctx context.Context, id string) (*Envelope, error) {
	raw, err := p.client.Get(ctx, p.batchKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Ping checks connectivity
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func (p *RedisPublisher) batchKey(id string) string {
	return fmt.Sprintf("%s:batch:%s", p.prefix, id)
}

func batchID(event marketplace.Event) string {
	switch e := event.(type) {
	case marketplace.BatchPurchased:
		return e.BatchID
	case marketplace.BatchCancelled:
		return e.BatchID
	}
	return ""
}

package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Transport is the low-level publish/subscribe primitive the client wraps.
type Transport interface {
	Subscribe(ctx context.Context, channel string) (Conn, error)
}

// Conn is one live subscription to a channel. Receive blocks until the next
// event or a transport failure.
type Conn interface {
	Receive(ctx context.Context) (Event, error)
	Close() error
}

// ChannelName maps a resource and optional filter to a feed channel.
func ChannelName(resource, filter string) string {
	if filter == "" {
		return "feed:" + resource
	}
	return fmt.Sprintf("feed:%s:%s", resource, filter)
}

// RedisTransport implements Transport over Redis pub/sub.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport wraps an existing Redis client.
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// Subscribe opens a pub/sub subscription and waits for the server handshake
// so connection failures surface here rather than on first Receive.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Conn, error) {
	ps := t.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &redisConn{ps: ps}, nil
}

type redisConn struct {
	ps *redis.PubSub
}

func (c *redisConn) Receive(ctx context.Context) (Event, error) {
	for {
		msg, err := c.ps.ReceiveMessage(ctx)
		if err != nil {
			return Event{}, err
		}
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			// Malformed payloads are dropped rather than treated as a
			// transport failure.
			continue
		}
		return ev, nil
	}
}

func (c *redisConn) Close() error {
	return c.ps.Close()
}

// Publisher pushes change events onto the feed so other sessions converge
// without polling.
type Publisher struct {
	client *redis.Client
}

// NewPublisher wraps an existing Redis client.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish sends one event to the resource's base channel.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode feed event: %w", err)
	}
	return p.client.Publish(ctx, ChannelName(ev.Resource, ""), payload).Err()
}

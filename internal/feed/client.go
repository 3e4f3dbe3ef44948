package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"civicsync/internal/telemetry"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 30 * time.Second
	defaultMaxRetries  = 5
)

// ClientConfig configures one logical change-feed subscription.
type ClientConfig struct {
	Transport Transport
	Resource  string
	Filter    string

	// OnEvent receives every decoded change notification.
	OnEvent func(Event)
	// OnStatus observes connection-state transitions, if set.
	OnStatus func(Status)
	// OnError receives recovered callback panics and other non-fatal
	// faults. The subscription itself is never torn down by them.
	OnError func(error)

	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxRetries  int
}

// Client owns one subscription to a resource's change stream and manages
// reconnection with exponential backoff. Transport failures never propagate
// to the caller; they surface only as status transitions.
type Client struct {
	cfg   ClientConfig
	label string

	mu         sync.Mutex
	status     Status
	attempts   int
	conn       Conn
	retryTimer *time.Timer
	closed     bool

	// afterFunc is swapped in tests to observe retry scheduling.
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewClient builds a client; Open starts it.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	return &Client{
		cfg: cfg,
		// Unique label so a stale handle can never collide with a
		// resubscription for the same resource and filter.
		label:     fmt.Sprintf("%s:%s:%d", cfg.Resource, cfg.Filter, time.Now().UnixNano()),
		status:    StatusDisconnected,
		afterFunc: time.AfterFunc,
	}
}

// Label identifies this subscription instance.
func (c *Client) Label() string { return c.label }

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Open starts the subscription. The context bounds the lifetime of the
// connection and all reconnect attempts.
func (c *Client) Open(ctx context.Context) {
	c.setStatus(StatusConnecting)
	go c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) {
	conn, err := c.cfg.Transport.Subscribe(ctx, ChannelName(c.cfg.Resource, c.cfg.Filter))
	if err != nil {
		c.scheduleRetry(ctx)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.receiveLoop(ctx, conn)
}

func (c *Client) receiveLoop(ctx context.Context, conn Conn) {
	for {
		ev, err := conn.Receive(ctx)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || ctx.Err() != nil {
				c.setStatus(StatusDisconnected)
				return
			}
			c.setStatus(StatusDisconnected)
			telemetry.FeedReconnects.Inc()
			c.scheduleRetry(ctx)
			return
		}
		c.deliver(ev)
	}
}

// deliver invokes the event callback, recovering panics into the error sink
// so one bad consumer cannot kill the subscription.
func (c *Client) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil && c.cfg.OnError != nil {
			c.cfg.OnError(fmt.Errorf("feed callback panic on %s: %v", c.label, r))
		}
	}()
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

func (c *Client) scheduleRetry(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxRetries {
		c.mu.Unlock()
		c.setStatus(StatusError)
		return
	}
	delay := retryDelay(c.attempts, c.cfg.BackoffBase, c.cfg.BackoffMax)
	c.attempts++
	c.retryTimer = c.afterFunc(delay, func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		c.setStatus(StatusConnecting)
		c.connect(ctx)
	})
	c.mu.Unlock()
}

// Resume retries a dead subscription once, used when the host UI returns to
// the foreground. The retry budget starts over.
func (c *Client) Resume(ctx context.Context) {
	c.mu.Lock()
	if c.closed || (c.status != StatusDisconnected && c.status != StatusError) {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	c.mu.Unlock()
	c.setStatus(StatusConnecting)
	go c.connect(ctx)
}

// Close tears down the subscription. Safe to call concurrently with an
// in-flight reconnect: the pending retry timer is cancelled.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.setStatus(StatusDisconnected)
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	cb := c.cfg.OnStatus
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// retryDelay is the reconnect schedule: base*2^attempt capped at max.
func retryDelay(attempt int, base, max time.Duration) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}

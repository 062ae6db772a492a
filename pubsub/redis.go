// Package pubsub provides a resilient Redis client used for task
// progress channels, human question round-trips, and the keyed task
// store. Messages published while the broker is unreachable are held
// in a bounded in-memory buffer and flushed in order once a background
// reconnection loop restores the connection.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/AltairaLabs/DispatchKit/events"
	"github.com/AltairaLabs/DispatchKit/logger"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("pubsub: not found")
	// ErrNotConnected is returned by Subscribe, Set and Get when the
	// client has no live connection.
	ErrNotConnected = errors.New("pubsub: not connected")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("pubsub: client closed")
)

const (
	// DefaultBufferSize is the maximum number of messages retained
	// while disconnected. The oldest message is discarded on overflow.
	DefaultBufferSize = 100

	reconnectInitialInterval = 1 * time.Second
	reconnectMaxInterval     = 30 * time.Second
	receivePollTimeout       = 1 * time.Second
	opTimeout                = 5 * time.Second
)

// pendingMessage is a buffered publish awaiting reconnection.
type pendingMessage struct {
	channel string
	payload string
}

// Client wraps a Redis connection with publish buffering, automatic
// reconnection and a small keyed store. All blocking operations take a
// context; Publish never surfaces transport errors to the caller.
type Client struct {
	client *redis.Client
	bus    *events.EventBus

	mu           sync.Mutex
	connected    bool
	closed       bool
	reconnecting bool
	buffer       []pendingMessage

	bufferSize int
	done       chan struct{}
	wg         sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithEventBus attaches an event bus; the client publishes
// pubsub.reconnected and pubsub.dropped events to it.
func WithEventBus(bus *events.EventBus) Option {
	return func(c *Client) {
		c.bus = bus
	}
}

// WithBufferSize overrides the disconnected publish buffer capacity.
// Values below 1 are ignored.
func WithBufferSize(n int) Option {
	return func(c *Client) {
		if n >= 1 {
			c.bufferSize = n
		}
	}
}

// NewClient creates a Client on top of an existing go-redis client.
//
// Example:
//
//	client := NewClient(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    WithEventBus(bus),
//	)
func NewClient(client *redis.Client, opts ...Option) *Client {
	c := &Client{
		client:     client,
		bufferSize: DefaultBufferSize,
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NewClientFromURL creates a Client from a Redis connection URL such
// as "redis://localhost:6379/0".
func NewClientFromURL(redisURL string, opts ...Option) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("pubsub: parse redis url: %w", err)
	}
	return NewClient(redis.NewClient(opt), opts...), nil
}

// Connect verifies connectivity with a PING and marks the client
// connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pubsub: ping failed: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Connected reports whether the client currently holds a live
// connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Publish sends a message to a channel. While disconnected the message
// is buffered and a reconnection loop is started; a transport failure
// on a connected client buffers the message the same way. The caller
// never sees a transport error.
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.connected {
		c.bufferLocked(channel, message)
		c.startReconnectLocked()
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		logger.Warn("Publish failed, buffering message", "channel", channel, "error", err)
		c.mu.Lock()
		c.connected = false
		c.bufferLocked(channel, message)
		c.startReconnectLocked()
		c.mu.Unlock()
	}
	return nil
}

// Subscribe delivers each payload published to channel to fn. It
// blocks until ctx is cancelled and unsubscribes on every exit path.
// Requires a connected client.
func (c *Client) Subscribe(ctx context.Context, channel string, fn func(string)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	sub := c.client.Subscribe(ctx, channel)
	defer func() {
		unsubCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		if err := sub.Unsubscribe(unsubCtx, channel); err != nil {
			logger.Debug("Unsubscribe failed", "channel", channel, "error", err)
		}
		cancel()
		_ = sub.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		default:
		}

		// Short receive timeout keeps cancellation responsive.
		msg, err := sub.ReceiveTimeout(ctx, receivePollTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("pubsub: receive on %s failed: %w", channel, err)
		}

		// Subscription acks and counts are not payloads.
		if m, ok := msg.(*redis.Message); ok {
			fn(m.Payload)
		}
	}
}

// Set stores a key with an optional TTL (0 means no expiration).
// Requires a connected client; a transport failure marks the client
// disconnected and surfaces the error.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.requireConnected(); err != nil {
		return err
	}

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.markDisconnected()
		return fmt.Errorf("pubsub: set %s failed: %w", key, err)
	}
	return nil
}

// Get retrieves a key. Returns ErrNotFound when the key is absent.
// Requires a connected client; a transport failure marks the client
// disconnected and surfaces the error.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if err := c.requireConnected(); err != nil {
		return "", err
	}

	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		c.markDisconnected()
		return "", fmt.Errorf("pubsub: get %s failed: %w", key, err)
	}
	return val, nil
}

// Close stops the reconnection loop and releases the underlying
// connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	return c.client.Close()
}

func (c *Client) requireConnected() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	c.connected = false
	c.startReconnectLocked()
	c.mu.Unlock()
}

// bufferLocked appends a message to the disconnected buffer, dropping
// the oldest entries on overflow. Caller holds c.mu.
func (c *Client) bufferLocked(channel, message string) {
	if len(c.buffer) >= c.bufferSize {
		dropped := len(c.buffer) - c.bufferSize + 1
		c.buffer = c.buffer[dropped:]
		logger.Warn("Publish buffer full, dropping oldest messages",
			"channel", channel, "dropped", dropped)
		c.emitEvent(&events.Event{
			Type:      events.EventPubSubDropped,
			Timestamp: time.Now(),
			Data:      &events.PubSubDroppedData{Channel: channel, Dropped: dropped},
		})
	}
	c.buffer = append(c.buffer, pendingMessage{channel: channel, payload: message})
}

// startReconnectLocked launches the reconnection loop if one is not
// already running. Caller holds c.mu.
func (c *Client) startReconnectLocked() {
	if c.reconnecting || c.closed {
		return
	}
	c.reconnecting = true
	c.wg.Add(1)
	go c.reconnectLoop()
}

// newReconnectBackOff returns the reconnection schedule: 1s doubling
// up to a 30s ceiling, no jitter, retrying until stopped.
func newReconnectBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     reconnectInitialInterval,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         reconnectMaxInterval,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}

	b.Reset()

	return b
}

// reconnectLoop pings on a backoff schedule until the connection is
// restored, then flushes the buffer and exits. Stops on Close.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	b := newReconnectBackOff()
	attempts := 0

	for {
		select {
		case <-c.done:
			return
		case <-time.After(b.NextBackOff()):
		}

		attempts++
		pingCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err := c.client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Debug("Reconnect attempt failed", "attempt", attempts, "error", err)
			continue
		}

		flushed, ok := c.drainBuffer()
		if !ok {
			continue
		}

		logger.Info("Reconnected to Redis", "attempts", attempts, "flushed", flushed)
		c.emitEvent(&events.Event{
			Type:      events.EventPubSubReconnected,
			Timestamp: time.Now(),
			Data:      &events.PubSubReconnectedData{Attempts: attempts, Flushed: flushed},
		})
		return
	}
}

// drainBuffer replays buffered messages in insertion order until the
// buffer is empty, then marks the client connected. If a publish
// fails, the unflushed remainder returns to the head of the buffer and
// the client stays disconnected.
func (c *Client) drainBuffer() (int, bool) {
	flushed := 0
	for {
		c.mu.Lock()
		if len(c.buffer) == 0 {
			c.connected = true
			c.reconnecting = false
			c.mu.Unlock()
			return flushed, true
		}
		pending := c.buffer
		c.buffer = nil
		c.mu.Unlock()

		for i := range pending {
			pubCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
			err := c.client.Publish(pubCtx, pending[i].channel, pending[i].payload).Err()
			cancel()
			if err != nil {
				logger.Warn("Flush failed, resuming reconnect",
					"channel", pending[i].channel, "error", err)
				c.mu.Lock()
				c.buffer = append(pending[i:], c.buffer...)
				c.mu.Unlock()
				return flushed, false
			}
			flushed++
		}
	}
}

func (c *Client) emitEvent(event *events.Event) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(event)
}

package pubsub

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/DispatchKit/events"
)

// setupClient creates a test client backed by miniredis
func setupClient(t *testing.T, opts ...Option) (*Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	client := NewClient(redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	}), opts...)
	t.Cleanup(func() {
		_ = client.Close()
	})

	return client, mr
}

// setupUnreachableClient creates a client pointing at a dead address
// so it can never connect or reconnect.
func setupUnreachableClient(t *testing.T, opts ...Option) *Client {
	client := NewClient(redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:1",
	}), opts...)
	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestClient_Connect(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	require.NoError(t, client.Connect(ctx))
	assert.True(t, client.Connected())
}

func TestClient_ConnectFailure(t *testing.T) {
	client := setupUnreachableClient(t)
	ctx := context.Background()

	err := client.Connect(ctx)
	assert.Error(t, err)
	assert.False(t, client.Connected())
}

func TestClient_NewClientFromURL(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClientFromURL("redis://" + mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))
}

func TestClient_NewClientFromURLInvalid(t *testing.T) {
	_, err := NewClientFromURL("://not-a-url")
	assert.Error(t, err)
}

func TestClient_PublishSubscribe(t *testing.T) {
	client, mr := setupClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.Connect(ctx))

	var mu sync.Mutex
	var received []string
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Subscribe(ctx, "progress:task-1", func(payload string) {
			mu.Lock()
			received = append(received, payload)
			mu.Unlock()
		})
	}()

	// Publish returns the receiver count, so a count of 1 means the
	// subscription is registered and the message was delivered.
	require.Eventually(t, func() bool {
		return mr.Publish("progress:task-1", "first") == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, mr.Publish("progress:task-1", "second"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, received)
	mu.Unlock()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("Subscribe did not return after cancellation")
	}
}

func TestClient_SubscribeUnsubscribesOnExit(t *testing.T) {
	client, mr := setupClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.Connect(ctx))

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Subscribe(ctx, "answer:task-1", func(string) {})
	}()

	require.Eventually(t, func() bool {
		return mr.Publish("answer:task-1", "ping") == 1
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("Subscribe did not return after cancellation")
	}

	// The channel should have no subscribers left.
	assert.Equal(t, 0, mr.Publish("answer:task-1", "pong"))
}

func TestClient_SubscribeNotConnected(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	err := client.Subscribe(ctx, "progress:task-1", func(string) {})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_SetGet(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	require.NoError(t, client.Connect(ctx))

	require.NoError(t, client.Set(ctx, "task:abc", `{"id":"abc"}`, 0))

	val, err := client.Get(ctx, "task:abc")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"abc"}`, val)
}

func TestClient_GetNotFound(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	require.NoError(t, client.Connect(ctx))

	_, err := client.Get(ctx, "task:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_SetTTL(t *testing.T) {
	client, mr := setupClient(t)
	ctx := context.Background()

	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.Set(ctx, "idempotency:key-1", "task-id", 100*time.Millisecond))

	_, err := client.Get(ctx, "idempotency:key-1")
	require.NoError(t, err)

	mr.FastForward(200 * time.Millisecond)

	_, err = client.Get(ctx, "idempotency:key-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_SetGetNotConnected(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	err := client.Set(ctx, "task:abc", "value", 0)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.Get(ctx, "task:abc")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_SetFailureMarksDisconnected(t *testing.T) {
	client, mr := setupClient(t)
	ctx := context.Background()

	require.NoError(t, client.Connect(ctx))

	mr.Close()

	err := client.Set(ctx, "task:abc", "value", 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotConnected)
	assert.False(t, client.Connected())

	// Subsequent calls fail fast without touching the transport.
	err = client.Set(ctx, "task:abc", "value", 0)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = client.Get(ctx, "task:abc")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_PublishFailureReturnsNil(t *testing.T) {
	client, mr := setupClient(t)
	ctx := context.Background()

	require.NoError(t, client.Connect(ctx))

	mr.Close()

	err := client.Publish(ctx, "progress:task-1", "update")
	require.NoError(t, err)
	assert.False(t, client.Connected())

	client.mu.Lock()
	buffered := len(client.buffer)
	client.mu.Unlock()
	assert.Equal(t, 1, buffered)
}

func TestClient_PublishBuffersWhenDisconnected(t *testing.T) {
	client := setupUnreachableClient(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, client.Publish(ctx, "progress:task-1", fmt.Sprintf("msg-%d", i)))
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.buffer, 3)
	assert.Equal(t, "msg-0", client.buffer[0].payload)
	assert.Equal(t, "msg-2", client.buffer[2].payload)
}

func TestClient_PublishBufferOverflowDropsOldest(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()

	var mu sync.Mutex
	dropped := 0
	bus.Subscribe(events.EventPubSubDropped, func(e *events.Event) {
		if data, ok := e.Data.(*events.PubSubDroppedData); ok {
			mu.Lock()
			dropped += data.Dropped
			mu.Unlock()
		}
	})

	client := setupUnreachableClient(t, WithEventBus(bus))
	ctx := context.Background()

	for i := 0; i < DefaultBufferSize+5; i++ {
		require.NoError(t, client.Publish(ctx, "progress:task-1", fmt.Sprintf("msg-%d", i)))
	}

	client.mu.Lock()
	require.Len(t, client.buffer, DefaultBufferSize)
	assert.Equal(t, "msg-5", client.buffer[0].payload)
	assert.Equal(t, fmt.Sprintf("msg-%d", DefaultBufferSize+4), client.buffer[DefaultBufferSize-1].payload)
	client.mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dropped == 5
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClient_CustomBufferSize(t *testing.T) {
	client := setupUnreachableClient(t, WithBufferSize(2))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, client.Publish(ctx, "progress:task-1", fmt.Sprintf("msg-%d", i)))
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.buffer, 2)
	assert.Equal(t, "msg-2", client.buffer[0].payload)
	assert.Equal(t, "msg-3", client.buffer[1].payload)
}

func TestClient_ReconnectFlushesInOrder(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.StartAddr("127.0.0.1:0"))
	addr := mr.Addr()

	bus := events.NewEventBus()
	defer bus.Close()

	var mu sync.Mutex
	var reconnects []*events.PubSubReconnectedData
	bus.Subscribe(events.EventPubSubReconnected, func(e *events.Event) {
		if data, ok := e.Data.(*events.PubSubReconnectedData); ok {
			mu.Lock()
			reconnects = append(reconnects, data)
			mu.Unlock()
		}
	})

	client := NewClient(redis.NewClient(&redis.Options{Addr: addr}), WithEventBus(bus))
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	// Kill the server so publishes buffer, then bring it back.
	mr.Close()
	require.NoError(t, client.Publish(ctx, "progress:task-1", "first"))
	require.NoError(t, client.Publish(ctx, "progress:task-1", "second"))
	require.NoError(t, client.Publish(ctx, "progress:task-1", "third"))
	assert.False(t, client.Connected())

	restarted := miniredis.NewMiniRedis()
	require.NoError(t, restarted.StartAddr(addr))
	defer restarted.Close()

	// Subscribe with a separate connection so flushed messages are observable.
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	sub := rdb.Subscribe(ctx, "progress:task-1")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	msgCh := sub.Channel()

	var received []string
	require.Eventually(t, func() bool {
		for {
			select {
			case m := <-msgCh:
				received = append(received, m.Payload)
			default:
				return len(received) == 3
			}
		}
	}, 10*time.Second, 50*time.Millisecond)
	assert.Equal(t, []string{"first", "second", "third"}, received)

	require.Eventually(t, client.Connected, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reconnects) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 3, reconnects[0].Flushed)
	assert.GreaterOrEqual(t, reconnects[0].Attempts, 1)
	mu.Unlock()
}

func TestClient_BackoffSchedule(t *testing.T) {
	b := newReconnectBackOff()

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, want := range expected {
		assert.Equal(t, want, b.NextBackOff(), "interval %d", i)
	}
}

func TestClient_Close(t *testing.T) {
	client := setupUnreachableClient(t)
	ctx := context.Background()

	// Start the reconnect loop via a buffered publish, then close.
	require.NoError(t, client.Publish(ctx, "progress:task-1", "msg"))

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	assert.ErrorIs(t, client.Publish(ctx, "progress:task-1", "msg"), ErrClosed)
	assert.ErrorIs(t, client.Set(ctx, "task:abc", "v", 0), ErrClosed)
	_, err := client.Get(ctx, "task:abc")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, client.Subscribe(ctx, "progress:task-1", func(string) {}), ErrClosed)
	assert.ErrorIs(t, client.Connect(ctx), ErrClosed)
}

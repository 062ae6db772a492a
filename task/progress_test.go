package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/DispatchKit/pubsub"
)

type capturePubSub struct {
	mu       sync.Mutex
	channels []string
	payloads []string
}

func (c *capturePubSub) Publish(_ context.Context, channel, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels = append(c.channels, channel)
	c.payloads = append(c.payloads, message)
	return nil
}

func (c *capturePubSub) Subscribe(ctx context.Context, _ string, _ func(string)) error {
	<-ctx.Done()
	return ctx.Err()
}

type messageUpdate struct {
	channel string
	ts      string
	text    string
}

type fakeUpdater struct {
	mu      sync.Mutex
	updates []messageUpdate
	err     error
}

func (f *fakeUpdater) UpdateMessage(_ context.Context, channel, ts, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, messageUpdate{channel: channel, ts: ts, text: text})
	return f.err
}

func (f *fakeUpdater) snapshot() []messageUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]messageUpdate, len(f.updates))
	copy(out, f.updates)
	return out
}

func (f *fakeUpdater) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestFormatProgress(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusPending, "待機中... (1/5)"},
		{StatusStarting, "起動中... (2/5)"},
		{StatusCloning, "クローン中... (3/5)"},
		{StatusRunning, "実行中... (4/5)"},
		{StatusWaitingUser, "ユーザー回答待ち... (4/5)"},
		{StatusCompleted, "完了 (5/5)"},
		{StatusFailed, "エラー (5/5)"},
		{StatusCancelled, "キャンセル (5/5)"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			step := 0
			switch tt.status {
			case StatusPending:
				step = 1
			case StatusStarting:
				step = 2
			case StatusCloning:
				step = 3
			case StatusRunning, StatusWaitingUser:
				step = 4
			default:
				step = 5
			}
			assert.Equal(t, tt.want, FormatProgress(tt.status, step, 5))
		})
	}
}

func TestFormatProgressUnknownStatus(t *testing.T) {
	assert.Equal(t, "rebooting (1/5)", FormatProgress(Status("rebooting"), 1, 5))
}

func TestProgressChannel(t *testing.T) {
	assert.Equal(t, "progress:task-1", ProgressChannel("task-1"))
}

func TestNotifier_NotifyPayload(t *testing.T) {
	ps := &capturePubSub{}
	n := NewNotifier(ps, nil)

	require.NoError(t, n.Notify(context.Background(), "task-1", StatusStarting, 2, 5))

	ps.mu.Lock()
	defer ps.mu.Unlock()
	require.Len(t, ps.channels, 1)
	assert.Equal(t, "progress:task-1", ps.channels[0])

	var p progressPayload
	require.NoError(t, json.Unmarshal([]byte(ps.payloads[0]), &p))
	assert.Equal(t, "starting", p.Status)
	assert.Equal(t, 2, p.Step)
	assert.Equal(t, 5, p.Total)
}

func setupNotifier(t *testing.T) (*Notifier, *fakeUpdater, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := pubsub.NewClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	updater := &fakeUpdater{}
	return NewNotifier(client, updater), updater, mr
}

func TestNotifier_ListenerEditsProgressMessage(t *testing.T) {
	n, updater, _ := setupNotifier(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.StartListening(ctx, "task-1", "C123", "111.222")
	}()

	// Re-publish until the subscription is live and an edit lands.
	require.Eventually(t, func() bool {
		if err := n.Notify(context.Background(), "task-1", StatusRunning, 4, 5); err != nil {
			return false
		}
		return len(updater.snapshot()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	updates := updater.snapshot()
	assert.Equal(t, "C123", updates[0].channel)
	assert.Equal(t, "111.222", updates[0].ts)
	assert.Equal(t, "実行中... (4/5)", updates[0].text)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestNotifier_ListenerStopsAfterTerminalEdit(t *testing.T) {
	n, updater, _ := setupNotifier(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.StartListening(context.Background(), "task-1", "C123", "111.222")
	}()

	require.Eventually(t, func() bool {
		if err := n.Notify(context.Background(), "task-1", StatusFailed, 5, 5); err != nil {
			return false
		}
		return len(updater.snapshot()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener kept running after the terminal edit")
	}
	assert.Equal(t, "エラー (5/5)", updater.snapshot()[0].text)
}

func TestNotifier_ListenerSkipsMalformedPayloads(t *testing.T) {
	n, updater, mr := setupNotifier(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = n.StartListening(ctx, "task-1", "C123", "111.222")
	}()

	// Deliver garbage and an unknown status once the subscription is live.
	require.Eventually(t, func() bool {
		return mr.Publish("progress:task-1", "{not json") == 1
	}, 5*time.Second, 50*time.Millisecond)
	mr.Publish("progress:task-1", `{"status":"exploded","step":1,"total":5}`)

	require.Eventually(t, func() bool {
		if err := n.Notify(context.Background(), "task-1", StatusCompleted, 5, 5); err != nil {
			return false
		}
		return len(updater.snapshot()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	for _, u := range updater.snapshot() {
		assert.Equal(t, "完了 (5/5)", u.text)
	}
}

func TestNotifier_ListenerSurvivesUpdateFailures(t *testing.T) {
	n, updater, _ := setupNotifier(t)
	updater.setErr(errors.New("rate limited"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.StartListening(ctx, "task-1", "C123", "111.222")
	}()

	require.Eventually(t, func() bool {
		if err := n.Notify(context.Background(), "task-1", StatusCloning, 3, 5); err != nil {
			return false
		}
		return len(updater.snapshot()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	// The failed edit must not tear down the subscription.
	select {
	case err := <-errCh:
		t.Fatalf("listener exited early: %v", err)
	default:
	}

	updater.setErr(nil)
	before := len(updater.snapshot())
	require.Eventually(t, func() bool {
		if err := n.Notify(context.Background(), "task-1", StatusCompleted, 5, 5); err != nil {
			return false
		}
		return len(updater.snapshot()) > before
	}, 5*time.Second, 50*time.Millisecond)
}

package events

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recvTimeout = 200 * time.Millisecond

// subscribeChan registers a listener that forwards events to a channel.
func subscribeChan(bus *EventBus, eventType EventType) <-chan *Event {
	ch := make(chan *Event, 16)
	bus.Subscribe(eventType, func(e *Event) { ch <- e })
	return ch
}

// recv waits for one event or fails the test.
func recv(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(recvTimeout):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// recvNothing asserts no event arrives within the timeout.
func recvNothing(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBusDeliversToTypeAndGlobalListeners(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	defer bus.Close()

	specific := subscribeChan(bus, EventTaskSubmitted)
	all := make(chan *Event, 16)
	bus.SubscribeAll(func(e *Event) { all <- e })

	bus.Publish(&Event{
		Type:   EventTaskSubmitted,
		TaskID: "task-1",
		Data:   TaskSubmittedData{User: "U123", Channel: "C456", Repository: "octocat/hello"},
	})

	got := recv(t, specific)
	require.Equal(t, EventTaskSubmitted, got.Type)
	data, ok := got.Data.(TaskSubmittedData)
	require.True(t, ok)
	assert.Equal(t, "U123", data.User)
	assert.Equal(t, "octocat/hello", data.Repository)

	assert.Equal(t, "task-1", recv(t, all).TaskID)
}

func TestEventBusListenerPanicDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	defer bus.Close()

	bus.Subscribe(EventTaskFailed, func(*Event) {
		panic("listener panic")
	})
	survivor := subscribeChan(bus, EventTaskFailed)

	bus.Publish(&Event{Type: EventTaskFailed, Data: TaskFailedData{Status: "failed"}})

	recv(t, survivor)
}

func TestEventBusUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	defer bus.Close()

	ch := make(chan *Event, 16)
	unsub := bus.Subscribe(EventQuestionAsked, func(e *Event) { ch <- e })

	bus.Publish(&Event{Type: EventQuestionAsked, Data: QuestionAskedData{QuestionID: "q-1"}})
	recv(t, ch)

	unsub()

	// A sentinel listener tells us the second event went through the worker.
	sentinel := subscribeChan(bus, EventQuestionAsked)
	bus.Publish(&Event{Type: EventQuestionAsked, Data: QuestionAskedData{QuestionID: "q-2"}})
	recv(t, sentinel)

	recvNothing(t, ch)
}

func TestEventBusUnsubscribeGlobal(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	defer bus.Close()

	ch := make(chan *Event, 16)
	unsub := bus.SubscribeAll(func(e *Event) { ch <- e })

	bus.Publish(&Event{Type: EventSandboxCreated, Data: SandboxCreatedData{ContainerGroup: "sandbox-1"}})
	recv(t, ch)

	unsub()

	sentinel := subscribeChan(bus, EventSandboxCreated)
	bus.Publish(&Event{Type: EventSandboxCreated})
	recv(t, sentinel)

	recvNothing(t, ch)
}

func TestEventBusPublishAfterClose(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	ch := subscribeChan(bus, EventTaskCompleted)

	require.True(t, bus.Publish(&Event{Type: EventTaskCompleted, Data: TaskCompletedData{Status: "completed"}}))
	recv(t, ch)

	bus.Close()

	assert.False(t, bus.Publish(&Event{Type: EventTaskCompleted}), "Publish after Close should report the drop")
}

func TestEventBusCloseTwice(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	bus.Close()
	bus.Close()
}

func TestEventBusCloseDrainsQueue(t *testing.T) {
	t.Parallel()

	// A single worker serializes delivery so the drain is observable.
	bus := NewEventBus(WithWorkerPoolSize(1), WithEventBufferSize(100))

	var delivered atomic.Int32
	bus.Subscribe(EventTaskQueued, func(*Event) {
		delivered.Add(1)
	})

	const published = 50
	for i := 0; i < published; i++ {
		require.True(t, bus.Publish(&Event{Type: EventTaskQueued, Data: TaskQueuedData{QueueDepth: i}}))
	}

	bus.Close()

	assert.Equal(t, int32(published), delivered.Load())
}

func TestEventBusOptions(t *testing.T) {
	t.Parallel()

	bus := NewEventBus(WithWorkerPoolSize(2), WithEventBufferSize(5))
	defer bus.Close()

	ch := subscribeChan(bus, EventTaskStarted)

	for i := 0; i < 3; i++ {
		bus.Publish(&Event{Type: EventTaskStarted, Data: TaskStartedData{Running: i + 1}})
	}
	for i := 0; i < 3; i++ {
		recv(t, ch)
	}
}

func TestEventBusOptionsRejectNonPositive(t *testing.T) {
	t.Parallel()

	// Zero and negative values keep the defaults.
	bus := NewEventBus(WithWorkerPoolSize(0), WithEventBufferSize(-1))
	defer bus.Close()

	ch := subscribeChan(bus, EventPubSubReconnected)
	bus.Publish(&Event{Type: EventPubSubReconnected, Data: PubSubReconnectedData{Attempts: 3, Flushed: 7}})
	recv(t, ch)
}

func TestEventBusClear(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	defer bus.Close()

	cleared := subscribeChan(bus, EventTaskSubmitted)
	clearedAll := make(chan *Event, 16)
	bus.SubscribeAll(func(e *Event) { clearedAll <- e })

	bus.Clear()

	sentinel := subscribeChan(bus, EventTaskSubmitted)
	bus.Publish(&Event{Type: EventTaskSubmitted})
	recv(t, sentinel)

	recvNothing(t, cleared)
	recvNothing(t, clearedAll)
}

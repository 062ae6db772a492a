package events

import (
	"time"
)

// EventType identifies the type of event emitted by the orchestrator.
type EventType string

const (
	// EventTaskSubmitted marks task intake (before admission).
	EventTaskSubmitted EventType = "task.submitted"
	// EventTaskQueued marks a task waiting for a free slot.
	EventTaskQueued EventType = "task.queued"
	// EventTaskStarted marks a task acquiring a slot and starting execution.
	EventTaskStarted EventType = "task.started"
	// EventTaskCompleted marks successful task completion.
	EventTaskCompleted EventType = "task.completed"
	// EventTaskFailed marks task failure.
	EventTaskFailed EventType = "task.failed"
	// EventTaskCancelled marks task cancellation.
	EventTaskCancelled EventType = "task.cancelled"

	// EventSandboxCreated marks successful container group creation.
	EventSandboxCreated EventType = "sandbox.created"
	// EventSandboxCreateFailed marks container group creation failure.
	EventSandboxCreateFailed EventType = "sandbox.create_failed"
	// EventSandboxDestroyed marks container group teardown.
	EventSandboxDestroyed EventType = "sandbox.destroyed"

	// EventQuestionAsked marks a question forwarded to the requesting user.
	EventQuestionAsked EventType = "question.asked"
	// EventQuestionAnswered marks an answer returned to the sandbox.
	EventQuestionAnswered EventType = "question.answered"
	// EventQuestionTimeout marks a question expiring without an answer.
	EventQuestionTimeout EventType = "question.timeout"

	// EventPubSubReconnected marks the pubsub client re-establishing its connection.
	EventPubSubReconnected EventType = "pubsub.reconnected"
	// EventPubSubDropped marks buffered messages discarded during an outage.
	EventPubSubDropped EventType = "pubsub.dropped"
)

// EventData is a marker interface for event payloads.
type EventData interface {
	eventData()
}

// Event represents an orchestrator event delivered to listeners.
type Event struct {
	Type      EventType
	Timestamp time.Time
	TaskID    string
	Data      EventData
}

// baseEventData provides a shared marker implementation for all event payloads.
type baseEventData struct{}

func (baseEventData) eventData() {}

// --- Task events ---

// TaskSubmittedData contains data for task intake events.
type TaskSubmittedData struct {
	baseEventData
	User       string
	Channel    string
	Repository string
	// Duplicate is true when the idempotency key mapped to an existing task.
	Duplicate bool
}

// TaskQueuedData contains data for task queueing events.
type TaskQueuedData struct {
	baseEventData
	QueueDepth int
}

// TaskStartedData contains data for task start events.
type TaskStartedData struct {
	baseEventData
	Repository string
	Running    int
	QueueDepth int
}

// TaskFinishedData is the unified payload for all terminal task events
// (completed, failed, cancelled). Fields like Error are zero-valued when
// not applicable to the outcome.
type TaskFinishedData struct {
	baseEventData
	Status   string
	Duration time.Duration
	Running  int
	Error    error // Set on failed
}

type (
	// TaskCompletedData is an alias for TaskFinishedData.
	TaskCompletedData = TaskFinishedData
	// TaskFailedData is an alias for TaskFinishedData.
	TaskFailedData = TaskFinishedData
	// TaskCancelledData is an alias for TaskFinishedData.
	TaskCancelledData = TaskFinishedData
)

// --- Sandbox events ---

// SandboxEventData is the unified payload for all sandbox lifecycle events
// (created, create_failed, destroyed). Fields like Duration, Error are
// zero-valued when not applicable to the current phase.
type SandboxEventData struct {
	baseEventData
	ContainerGroup string
	Duration       time.Duration // Set on created
	Error          error         // Set on create_failed
}

type (
	// SandboxCreatedData is an alias for SandboxEventData.
	SandboxCreatedData = SandboxEventData
	// SandboxCreateFailedData is an alias for SandboxEventData.
	SandboxCreateFailedData = SandboxEventData
	// SandboxDestroyedData is an alias for SandboxEventData.
	SandboxDestroyedData = SandboxEventData
)

// --- Question events ---

// QuestionEventData is the unified payload for all question lifecycle events
// (asked, answered, timeout). Duration is zero-valued on asked.
type QuestionEventData struct {
	baseEventData
	QuestionID string
	User       string
	Duration   time.Duration // Set on answered/timeout
}

type (
	// QuestionAskedData is an alias for QuestionEventData.
	QuestionAskedData = QuestionEventData
	// QuestionAnsweredData is an alias for QuestionEventData.
	QuestionAnsweredData = QuestionEventData
	// QuestionTimeoutData is an alias for QuestionEventData.
	QuestionTimeoutData = QuestionEventData
)

// --- PubSub events ---

// PubSubReconnectedData contains data for reconnection events.
type PubSubReconnectedData struct {
	baseEventData
	// Attempts is the number of connection attempts the outage took.
	Attempts int
	// Flushed is the number of buffered messages republished after reconnect.
	Flushed int
}

// PubSubDroppedData contains data for buffer overflow events.
type PubSubDroppedData struct {
	baseEventData
	// Channel is the pubsub channel of the oldest discarded message.
	Channel string
	// Dropped is the number of messages discarded.
	Dropped int
}

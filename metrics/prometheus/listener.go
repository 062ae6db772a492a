package prometheus

import (
	"github.com/AltairaLabs/DispatchKit/events"
)

// Label constants for metric values.
const (
	outcomeAccepted  = "accepted"
	outcomeDuplicate = "duplicate"
	outcomeAsked     = "asked"
	outcomeAnswered  = "answered"
	outcomeTimeout   = "timeout"

	statusCompleted = "completed"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

// MetricsListener records orchestrator events as Prometheus metrics.
// It implements the events.Listener signature and should be registered
// with an EventBus using SubscribeAll.
type MetricsListener struct{}

// NewMetricsListener creates a new MetricsListener.
func NewMetricsListener() *MetricsListener {
	return &MetricsListener{}
}

// Handle processes an event and records relevant metrics.
// This method is designed to be used with EventBus.SubscribeAll.
func (l *MetricsListener) Handle(event *events.Event) {
	switch event.Type {
	case events.EventTaskSubmitted:
		l.handleTaskSubmitted(event)
	case events.EventTaskQueued:
		l.handleTaskQueued(event)
	case events.EventTaskStarted:
		l.handleTaskStarted(event)
	case events.EventTaskCompleted:
		l.handleTaskFinished(event, statusCompleted)
	case events.EventTaskFailed:
		l.handleTaskFinished(event, statusFailed)
	case events.EventTaskCancelled:
		l.handleTaskFinished(event, statusCancelled)
	case events.EventSandboxCreated:
		l.handleSandboxCreated(event)
	case events.EventQuestionAsked:
		RecordQuestion(outcomeAsked)
	case events.EventQuestionAnswered:
		RecordQuestion(outcomeAnswered)
	case events.EventQuestionTimeout:
		RecordQuestion(outcomeTimeout)
	case events.EventPubSubReconnected:
		RecordPubSubReconnect()
	case events.EventPubSubDropped:
		l.handlePubSubDropped(event)
	default:
		// Ignore events that don't have metrics
	}
}

func (l *MetricsListener) handleTaskSubmitted(event *events.Event) {
	if data, ok := event.Data.(*events.TaskSubmittedData); ok {
		outcome := outcomeAccepted
		if data.Duplicate {
			outcome = outcomeDuplicate
		}
		RecordTaskSubmitted(outcome)
	}
}

func (l *MetricsListener) handleTaskQueued(event *events.Event) {
	if data, ok := event.Data.(*events.TaskQueuedData); ok {
		RecordTaskQueued(data.QueueDepth)
	}
}

func (l *MetricsListener) handleTaskStarted(event *events.Event) {
	if data, ok := event.Data.(*events.TaskStartedData); ok {
		RecordTaskStart(data.Running, data.QueueDepth)
	}
}

func (l *MetricsListener) handleTaskFinished(event *events.Event, status string) {
	if data, ok := event.Data.(*events.TaskFinishedData); ok {
		RecordTaskEnd(status, data.Duration.Seconds(), data.Running)
	}
}

func (l *MetricsListener) handleSandboxCreated(event *events.Event) {
	if data, ok := event.Data.(*events.SandboxCreatedData); ok {
		RecordSandboxCreated(data.Duration.Seconds())
	}
}

func (l *MetricsListener) handlePubSubDropped(event *events.Event) {
	if data, ok := event.Data.(*events.PubSubDroppedData); ok {
		RecordPubSubDropped(data.Dropped)
	}
}

// Listener returns an events.Listener function that can be registered with an EventBus.
func (l *MetricsListener) Listener() events.Listener {
	return l.Handle
}

package task

import (
	"context"
	"errors"
	"time"

	"github.com/AltairaLabs/DispatchKit/events"
	"github.com/AltairaLabs/DispatchKit/logger"
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithController wires a concurrency controller into the manager. Without
// one every submission starts immediately.
func WithController(c *Controller) ManagerOption {
	return func(m *Manager) {
		m.controller = c
	}
}

// WithEventBus wires an event bus for lifecycle events.
func WithEventBus(bus *events.EventBus) ManagerOption {
	return func(m *Manager) {
		m.bus = bus
	}
}

// SubmitResult reports the outcome of a submission.
type SubmitResult struct {
	// TaskID is the authoritative task ID. For duplicate submissions it is
	// the ID of the previously accepted task, not the one handed in.
	TaskID string
	// Queued is true when the task was accepted but is waiting for a free
	// execution slot.
	Queued bool
}

// Manager owns the task lifecycle: idempotent submission, admission
// through the concurrency controller, state transitions, and cancellation.
type Manager struct {
	store      *Store
	controller *Controller
	bus        *events.EventBus
}

// NewManager creates a Manager persisting through the given store.
func NewManager(store *Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: store}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit accepts a task and returns its authoritative ID. See
// SubmitWithResult for the queued/started distinction.
func (m *Manager) Submit(ctx context.Context, t *Task) (string, error) {
	res, err := m.SubmitWithResult(ctx, t)
	return res.TaskID, err
}

// SubmitWithResult accepts a task for execution. Submissions carrying an
// idempotency key already seen return the stored task ID without writing
// anything. Otherwise the task is persisted as pending and either started
// (slot available) or enqueued.
func (m *Manager) SubmitWithResult(ctx context.Context, t *Task) (SubmitResult, error) {
	if err := t.Validate(); err != nil {
		return SubmitResult{}, err
	}
	if t.IdempotencyKey == "" {
		t.IdempotencyKey = t.ID
	}

	existing, err := m.store.IdempotentTaskID(ctx, t.IdempotencyKey)
	switch {
	case err == nil:
		logger.Info("Duplicate submission, returning existing task",
			"idempotency_key", t.IdempotencyKey,
			"task_id", existing)
		m.emit(&events.Event{
			Type:      events.EventTaskSubmitted,
			Timestamp: time.Now(),
			TaskID:    existing,
			Data: &events.TaskSubmittedData{
				User:       t.User,
				Channel:    t.Channel,
				Repository: t.RepositoryURL,
				Duplicate:  true,
			},
		})
		return SubmitResult{TaskID: existing}, nil
	case !errors.Is(err, ErrTaskNotFound):
		return SubmitResult{}, err
	}

	if err := m.store.PutIdempotencyKey(ctx, t.IdempotencyKey, t.ID); err != nil {
		return SubmitResult{}, err
	}

	t.Status = StatusPending
	if err := m.store.Save(ctx, t); err != nil {
		return SubmitResult{}, err
	}
	logger.Info("Task submitted",
		"task_id", t.ID,
		"user", t.User,
		"repository", t.RepositoryURL)
	m.emit(&events.Event{
		Type:      events.EventTaskSubmitted,
		Timestamp: time.Now(),
		TaskID:    t.ID,
		Data: &events.TaskSubmittedData{
			User:       t.User,
			Channel:    t.Channel,
			Repository: t.RepositoryURL,
		},
	})

	if m.controller != nil && !m.controller.Acquire() {
		m.controller.Enqueue(t)
		m.emit(&events.Event{
			Type:      events.EventTaskQueued,
			Timestamp: time.Now(),
			TaskID:    t.ID,
			Data:      &events.TaskQueuedData{QueueDepth: m.controller.QueueSize()},
		})
		return SubmitResult{TaskID: t.ID, Queued: true}, nil
	}

	updated, err := m.store.Transition(ctx, t.ID, StatusStarting)
	if err != nil {
		if m.controller != nil {
			m.controller.refundSlot()
		}
		return SubmitResult{}, err
	}
	t.Status = updated.Status
	m.emitStarted(updated)
	return SubmitResult{TaskID: t.ID}, nil
}

// OnTaskComplete releases the finished task's execution slot and promotes
// the queue head, if any. The promoted task is transitioned to starting,
// persisted, and returned for the caller to run. Tasks cancelled while
// they waited are skipped, their slot passing to the next in line.
func (m *Manager) OnTaskComplete(ctx context.Context, taskID string) (*Task, error) {
	if m.controller == nil {
		return nil, nil
	}
	logger.Debug("Releasing execution slot", "task_id", taskID)

	for {
		next := m.controller.Release()
		if next == nil {
			return nil, nil
		}

		updated, err := m.store.Transition(ctx, next.ID, StatusStarting)
		if err != nil {
			if errors.Is(err, ErrTaskTerminal) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrTaskNotFound) {
				logger.Warn("Skipping queued task",
					"task_id", next.ID,
					"error", err)
				continue
			}
			m.controller.refundSlot()
			return nil, err
		}
		m.emitStarted(updated)
		return updated, nil
	}
}

// GetStatus returns the task's current lifecycle state.
func (m *Manager) GetStatus(ctx context.Context, taskID string) (Status, error) {
	t, err := m.store.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// Get returns the stored task.
func (m *Manager) Get(ctx context.Context, taskID string) (*Task, error) {
	return m.store.Get(ctx, taskID)
}

// Transition moves the task to a new state through the state machine table.
func (m *Manager) Transition(ctx context.Context, taskID string, state Status) (*Task, error) {
	return m.store.Transition(ctx, taskID, state)
}

// Cancel marks the task cancelled. Unknown and already-terminal tasks
// report false without error so repeated cancels stay harmless.
func (m *Manager) Cancel(ctx context.Context, taskID string) (bool, error) {
	t, err := m.store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			logger.Warn("Cancel requested for unknown task", "task_id", taskID)
			return false, nil
		}
		return false, err
	}
	if t.Terminal() {
		logger.Warn("Cancel requested for terminal task",
			"task_id", taskID,
			"status", string(t.Status))
		return false, nil
	}

	from := t.Status
	t.Status = StatusCancelled
	if err := m.store.Save(ctx, t); err != nil {
		return false, err
	}
	logger.TaskTransition(taskID, string(from), string(StatusCancelled))
	m.emit(&events.Event{
		Type:      events.EventTaskCancelled,
		Timestamp: time.Now(),
		TaskID:    taskID,
		Data: &events.TaskCancelledData{
			Status:   string(StatusCancelled),
			Duration: t.Age(),
			Running:  m.running(),
		},
	})
	return true, nil
}

func (m *Manager) emitStarted(t *Task) {
	queueDepth := 0
	if m.controller != nil {
		queueDepth = m.controller.QueueSize()
	}
	m.emit(&events.Event{
		Type:      events.EventTaskStarted,
		Timestamp: time.Now(),
		TaskID:    t.ID,
		Data: &events.TaskStartedData{
			Repository: t.RepositoryURL,
			Running:    m.running(),
			QueueDepth: queueDepth,
		},
	})
}

func (m *Manager) running() int {
	if m.controller == nil {
		return 0
	}
	return m.controller.RunningCount()
}

func (m *Manager) emit(event *events.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(event)
}

package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AltairaLabs/DispatchKit/logger"
	"github.com/AltairaLabs/DispatchKit/pubsub"
)

// Task store errors.
var (
	ErrTaskNotFound      = errors.New("task: task not found")
	ErrInvalidTransition = errors.New("task: invalid state transition")
	ErrTaskTerminal      = errors.New("task: task is in a terminal state")
)

// terminalStates are states from which no further transitions are allowed.
var terminalStates = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// validTransitions defines the allowed state machine transitions. Every
// non-terminal state may move to cancelled or failed.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusStarting:  true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusStarting: {
		StatusCloning:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusCloning: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusRunning: {
		StatusWaitingUser: true,
		StatusCompleted:   true,
		StatusCancelled:   true,
		StatusFailed:      true,
	},
	StatusWaitingUser: {
		StatusRunning:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
}

// KV is the keyed-store surface tasks persist through. *pubsub.Client
// satisfies it.
type KV interface {
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// Store persists tasks and idempotency mappings in the keyed store.
// Tasks live under task:{id} as JSON; idempotency keys map to task IDs
// under idempotency:{key}.
type Store struct {
	kv KV
}

// NewStore creates a Store backed by the given keyed store.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

func taskKey(id string) string {
	return "task:" + id
}

func idempotencyKey(key string) string {
	return "idempotency:" + key
}

// Save writes the task under task:{id}, overwriting any previous state.
func (s *Store) Save(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("task: marshal task %s: %w", t.ID, err)
	}
	if err := s.kv.Set(ctx, taskKey(t.ID), string(data), 0); err != nil {
		return fmt.Errorf("task: save task %s: %w", t.ID, err)
	}
	return nil
}

// Get retrieves a task by ID.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	data, err := s.kv.Get(ctx, taskKey(id))
	if err != nil {
		if errors.Is(err, pubsub.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("task: load task %s: %w", id, err)
	}

	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("task: unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// Transition moves the task to a new state and persists it. The state
// machine table guards the move; terminal states absorb.
func (s *Store) Transition(ctx context.Context, id string, state Status) (*Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	current := t.Status

	if terminalStates[current] {
		return nil, fmt.Errorf("%w: cannot transition from terminal state %q", ErrTaskTerminal, current)
	}

	allowed, ok := validTransitions[current]
	if !ok || !allowed[state] {
		return nil, fmt.Errorf("%w: %q → %q", ErrInvalidTransition, current, state)
	}

	t.Status = state
	if err := s.Save(ctx, t); err != nil {
		return nil, err
	}
	logger.TaskTransition(id, string(current), string(state))
	return t, nil
}

// IdempotentTaskID returns the task ID previously stored for the given
// idempotency key, or ErrTaskNotFound when the key has not been seen.
func (s *Store) IdempotentTaskID(ctx context.Context, key string) (string, error) {
	id, err := s.kv.Get(ctx, idempotencyKey(key))
	if err != nil {
		if errors.Is(err, pubsub.ErrNotFound) {
			return "", ErrTaskNotFound
		}
		return "", fmt.Errorf("task: load idempotency key %q: %w", key, err)
	}
	return id, nil
}

// PutIdempotencyKey records the idempotency key → task ID mapping. It is
// written once per key, before the task itself.
func (s *Store) PutIdempotencyKey(ctx context.Context, key, taskID string) error {
	if err := s.kv.Set(ctx, idempotencyKey(key), taskID, 0); err != nil {
		return fmt.Errorf("task: save idempotency key %q: %w", key, err)
	}
	return nil
}

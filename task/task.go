// Package task implements the task lifecycle: the model and its state
// machine, Redis-backed persistence with idempotent submission, bounded
// concurrent admission with FIFO queueing, progress notification, and the
// runner that drives an admitted task through its sandbox execution.
package task

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

// Task lifecycle states.
const (
	StatusPending     Status = "pending"
	StatusStarting    Status = "starting"
	StatusCloning     Status = "cloning"
	StatusRunning     Status = "running"
	StatusWaitingUser Status = "waiting_user"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// repositoryURLPattern matches the GitHub HTTPS clone URLs a task may carry.
var repositoryURLPattern = regexp.MustCompile(`^https://github\.com/.+`)

// Validation errors.
var (
	ErrInvalidTaskID        = errors.New("task: id must be a canonical UUID")
	ErrEmptyPrompt          = errors.New("task: prompt must not be empty")
	ErrInvalidRepositoryURL = errors.New("task: repository url must start with https://github.com/")
)

// Task is a single unit of work submitted from chat. CreatedAt is epoch
// seconds so the encoding stays stable across runtimes.
type Task struct {
	ID             string  `json:"id"`
	Channel        string  `json:"channel_id"`
	Thread         string  `json:"thread_ts"`
	User           string  `json:"user_id"`
	Prompt         string  `json:"prompt"`
	RepositoryURL  string  `json:"repository_url"`
	Status         Status  `json:"status"`
	CreatedAt      float64 `json:"created_at"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// Validate checks the structural constraints on a task. It does not
// inspect lifecycle state.
func (t *Task) Validate() error {
	if len(t.ID) != 36 {
		return ErrInvalidTaskID
	}
	if _, err := uuid.Parse(t.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTaskID, err)
	}
	if strings.TrimSpace(t.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if !repositoryURLPattern.MatchString(t.RepositoryURL) {
		return ErrInvalidRepositoryURL
	}
	return nil
}

// Terminal reports whether the task has reached an absorbing state.
func (t *Task) Terminal() bool {
	return terminalStates[t.Status]
}

// Age returns how long ago the task was created.
func (t *Task) Age() time.Duration {
	return time.Since(time.Unix(0, int64(t.CreatedAt*float64(time.Second))))
}

// MessageType distinguishes the advisory pub/sub envelopes exchanged
// around a task.
type MessageType string

// Message types.
const (
	MessageTypeProgress MessageType = "progress"
	MessageTypeResult   MessageType = "result"
	MessageTypeQuestion MessageType = "question"
	MessageTypeError    MessageType = "error"
)

// Message is the advisory envelope published about a task.
type Message struct {
	TaskID  string         `json:"task_id"`
	Type    MessageType    `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// DefaultQuestionTimeoutSeconds is how long a human question waits for an
// answer before the task is cancelled.
const DefaultQuestionTimeoutSeconds = 600

// HumanQuestion is a question the sandboxed assistant asks the submitting
// user mid-run.
type HumanQuestion struct {
	TaskID         string   `json:"task_id"`
	Question       string   `json:"question"`
	Options        []string `json:"options,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// Timeout returns the question's timeout in seconds, falling back to the
// default when unset.
func (q *HumanQuestion) Timeout() int {
	if q.TimeoutSeconds <= 0 {
		return DefaultQuestionTimeoutSeconds
	}
	return q.TimeoutSeconds
}

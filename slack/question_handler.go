package slack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AltairaLabs/DispatchKit/events"
	"github.com/AltairaLabs/DispatchKit/logger"
	"github.com/AltairaLabs/DispatchKit/task"
)

// questionTemplate is the thread message asking the user to answer.
const questionTemplate = "<@%s> Claude Code question:\n\n%s\n\n_Please reply in this thread. (Timeout: %d min)_"

// timeoutTemplate is posted when the user never answered.
const timeoutTemplate = "<@%s> Timeout. Task cancelled due to no response to the question."

// MessageSender posts messages to a channel or thread.
type MessageSender interface {
	SendMessage(ctx context.Context, channel, text, threadTS string) (string, error)
}

// QuestionHandler relays questions from a running sandbox to the task's
// thread and answers back. At most one question per task is outstanding;
// an unanswered question cancels the task after the timeout.
type QuestionHandler struct {
	pubsub   task.PubSub
	sender   MessageSender
	manager  *task.Manager
	notifier *task.Notifier
	bus      *events.EventBus
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*task.HumanQuestion
	answers map[string]chan string
}

// QuestionOption configures a QuestionHandler.
type QuestionOption func(*QuestionHandler)

// WithQuestionTimeout overrides the time a question may wait for an
// answer before the task is cancelled.
func WithQuestionTimeout(d time.Duration) QuestionOption {
	return func(h *QuestionHandler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithQuestionEventBus publishes question lifecycle events to bus.
func WithQuestionEventBus(bus *events.EventBus) QuestionOption {
	return func(h *QuestionHandler) { h.bus = bus }
}

// NewQuestionHandler creates a QuestionHandler.
func NewQuestionHandler(ps task.PubSub, sender MessageSender, manager *task.Manager, notifier *task.Notifier, opts ...QuestionOption) *QuestionHandler {
	h := &QuestionHandler{
		pubsub:   ps,
		sender:   sender,
		manager:  manager,
		notifier: notifier,
		timeout:  task.DefaultQuestionTimeoutSeconds * time.Second,
		pending:  make(map[string]*task.HumanQuestion),
		answers:  make(map[string]chan string),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Listen subscribes to the task's question channel and relays each
// question until ctx ends. The payload is the raw question text. It
// satisfies the runner's QuestionListener.
func (h *QuestionHandler) Listen(ctx context.Context, taskID string) error {
	ctx = logger.WithTaskID(ctx, taskID)
	return h.pubsub.Subscribe(ctx, task.QuestionChannel(taskID), func(question string) {
		h.handleQuestion(ctx, taskID, question)
	})
}

// HasPendingQuestion reports whether the task has an outstanding
// question awaiting an answer.
func (h *QuestionHandler) HasPendingQuestion(taskID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[taskID]
	return ok
}

// SubmitAnswer fulfills the task's outstanding question with answer. It
// returns false when no question is pending, or when the question was
// already answered or timed out.
func (h *QuestionHandler) SubmitAnswer(taskID, answer string) bool {
	h.mu.Lock()
	ch, ok := h.answers[taskID]
	if ok {
		delete(h.answers, taskID)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	ch <- answer
	return true
}

// handleQuestion walks one question through the ask-and-wait flow. It
// blocks its subscription until the answer or the timeout; the sandbox
// side is blocked on the same exchange, so questions never overlap.
func (h *QuestionHandler) handleQuestion(ctx context.Context, taskID, question string) {
	t, err := h.manager.Get(ctx, taskID)
	if err != nil {
		logger.WarnContext(ctx, "Dropping question for unknown task", "error", err)
		return
	}
	ctx = logger.WithLoggingContext(ctx, &logger.LoggingFields{Channel: t.Channel, User: t.User})

	answerCh, registered := h.register(taskID, question)
	if !registered {
		logger.WarnContext(ctx, "Question already pending, dropping")
		return
	}
	defer h.cleanup(taskID)

	if _, err := h.manager.Transition(ctx, taskID, task.StatusWaitingUser); err != nil {
		logger.WarnContext(ctx, "Dropping question, task not waiting", "error", err)
		return
	}
	h.notifyProgress(ctx, taskID, task.StatusWaitingUser)

	asked := time.Now()
	text := fmt.Sprintf(questionTemplate, t.User, question, int(h.timeout.Minutes()))
	if _, err := h.sender.SendMessage(ctx, t.Channel, text, t.Thread); err != nil {
		logger.ErrorContext(ctx, "Failed to post question to thread", "error", err)
	}
	logger.InfoContext(ctx, "Question forwarded to user")
	h.emit(events.EventQuestionAsked, taskID, &events.QuestionAskedData{
		QuestionID: taskID,
		User:       t.User,
	})

	select {
	case answer := <-answerCh:
		h.deliverAnswer(ctx, t, answer, time.Since(asked))
	case <-time.After(h.timeout):
		h.expireQuestion(ctx, t, time.Since(asked))
	case <-ctx.Done():
	}
}

// deliverAnswer relays the user's answer to the sandbox and resumes the
// task.
func (h *QuestionHandler) deliverAnswer(ctx context.Context, t *task.Task, answer string, took time.Duration) {
	if err := h.pubsub.Publish(ctx, task.AnswerChannel(t.ID), answer); err != nil {
		logger.ErrorContext(ctx, "Failed to publish answer", "error", err)
	}
	if _, err := h.manager.Transition(ctx, t.ID, task.StatusRunning); err != nil {
		logger.WarnContext(ctx, "Task not resumed after answer", "error", err)
	}
	h.notifyProgress(ctx, t.ID, task.StatusRunning)

	logger.InfoContext(ctx, "Question answered", "took", took)
	h.emit(events.EventQuestionAnswered, t.ID, &events.QuestionAnsweredData{
		QuestionID: t.ID,
		User:       t.User,
		Duration:   took,
	})
}

// expireQuestion cancels the task after an unanswered question and
// notifies the thread.
func (h *QuestionHandler) expireQuestion(ctx context.Context, t *task.Task, took time.Duration) {
	logger.WarnContext(ctx, "Question timed out, cancelling task", "timeout", h.timeout)

	if _, err := h.manager.Cancel(ctx, t.ID); err != nil {
		logger.ErrorContext(ctx, "Failed to cancel task after question timeout", "error", err)
	}
	if _, err := h.sender.SendMessage(ctx, t.Channel, fmt.Sprintf(timeoutTemplate, t.User), t.Thread); err != nil {
		logger.ErrorContext(ctx, "Failed to post timeout notice", "error", err)
	}
	h.emit(events.EventQuestionTimeout, t.ID, &events.QuestionTimeoutData{
		QuestionID: t.ID,
		User:       t.User,
		Duration:   took,
	})
}

// register records the question and its one-shot answer handle. It
// refuses a second question while one is outstanding.
func (h *QuestionHandler) register(taskID, question string) (chan string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.pending[taskID]; exists {
		return nil, false
	}
	ch := make(chan string, 1)
	h.pending[taskID] = &task.HumanQuestion{
		TaskID:         taskID,
		Question:       question,
		TimeoutSeconds: int(h.timeout.Seconds()),
	}
	h.answers[taskID] = ch
	return ch, true
}

func (h *QuestionHandler) cleanup(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, taskID)
	delete(h.answers, taskID)
}

// notifyProgress mirrors the waiting/resumed state into the progress
// display. Both states sit at the running step of the scale.
func (h *QuestionHandler) notifyProgress(ctx context.Context, taskID string, status task.Status) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(ctx, taskID, status, 4, task.ProgressTotalSteps); err != nil {
		logger.WarnContext(ctx, "Failed to publish progress",
			"status", string(status),
			"error", err)
	}
}

func (h *QuestionHandler) emit(typ events.EventType, taskID string, data events.EventData) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(&events.Event{
		Type:      typ,
		Timestamp: time.Now(),
		TaskID:    taskID,
		Data:      data,
	})
}

package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AltairaLabs/DispatchKit/config"
	"github.com/AltairaLabs/DispatchKit/events"
	"github.com/AltairaLabs/DispatchKit/logger"
	"github.com/AltairaLabs/DispatchKit/sandbox"
)

// ProgressTotalSteps is the fixed progress scale a task moves through:
// accepted 1, starting 2, cloning 3, running 4, terminal 5.
const ProgressTotalSteps = 5

// SandboxManager provisions and tears down task sandboxes.
// *sandbox.Manager satisfies it.
type SandboxManager interface {
	Create(ctx context.Context, taskID string, cfg sandbox.Config) (*sandbox.Sandbox, error)
	Destroy(ctx context.Context, taskID string) error
	SetStatus(taskID string, status sandbox.Status)
	Wait(ctx context.Context, taskID string) (sandbox.Status, error)
	Logs(ctx context.Context, taskID string) (string, error)
}

// ResultPoster delivers results and error details to the task's thread.
type ResultPoster interface {
	PostResult(ctx context.Context, t *Task, result string) error
	PostError(ctx context.Context, t *Task, detail string) error
}

// QuestionListener forwards sandbox questions for one task until the
// context ends.
type QuestionListener interface {
	Listen(ctx context.Context, taskID string) error
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithQuestionListener wires the human-in-the-loop question forwarder.
// Without one, sandbox questions go unanswered until they time out.
func WithQuestionListener(q QuestionListener) RunnerOption {
	return func(r *Runner) {
		r.questions = q
	}
}

// Runner drives one admitted task end to end: sandbox creation, progress
// notification, question forwarding, result collection, and teardown.
type Runner struct {
	cfg       *config.Config
	manager   *Manager
	notifier  *Notifier
	sandboxes SandboxManager
	poster    ResultPoster
	questions QuestionListener
}

// NewRunner creates a Runner.
func NewRunner(cfg *config.Config, manager *Manager, notifier *Notifier, sandboxes SandboxManager, poster ResultPoster, opts ...RunnerOption) *Runner {
	r := &Runner{
		cfg:       cfg,
		manager:   manager,
		notifier:  notifier,
		sandboxes: sandboxes,
		poster:    poster,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// runOutcome captures what execute recorded for a task.
type runOutcome struct {
	// status is the terminal state written to the store, or empty when
	// the pipeline stopped without recording one.
	status Status
	// cause is the failure cause when status is failed.
	cause error
	// created reports whether a sandbox exists and needs teardown.
	created bool
}

// Run executes the task and returns the next queued task promoted by this
// task's completion, if any. The caller starts a runner for the returned
// task; nil means the queue was empty.
func (r *Runner) Run(ctx context.Context, t *Task) (*Task, error) {
	// Downstream logs pick these fields up through the context handler.
	ctx = logger.WithLoggingContext(ctx, &logger.LoggingFields{
		TaskID:  t.ID,
		Channel: t.Channel,
		User:    t.User,
	})
	logger.InfoContext(ctx, "Running task", "repository", t.RepositoryURL)

	out := r.execute(ctx, t)

	if out.created {
		// Teardown must happen even when the surrounding context is done.
		r.sandboxes.Destroy(context.WithoutCancel(ctx), t.ID)
	}

	next, err := r.manager.OnTaskComplete(ctx, t.ID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to promote queued task", "error", err)
	}

	r.emitOutcome(t, out)
	return next, err
}

// execute walks the task through the sandbox pipeline and records its
// terminal state. Posting happens here; teardown and slot release belong
// to Run.
func (r *Runner) execute(ctx context.Context, t *Task) runOutcome {
	taskID := t.ID

	r.notify(ctx, taskID, StatusStarting, 2)

	sb, err := r.sandboxes.Create(ctx, taskID, r.sandboxConfig(t))
	if err != nil {
		logger.ErrorContext(ctx, "Sandbox creation failed", "error", err)
		r.markFailed(ctx, t, fmt.Sprintf("Sandbox creation failed: %v", err))
		return runOutcome{status: StatusFailed, cause: err}
	}
	logger.InfoContext(ctx, "Sandbox ready", "container_group", sb.ContainerGroupName)
	r.sandboxes.SetStatus(taskID, sandbox.StatusStarting)

	out := runOutcome{created: true}

	if !r.advance(ctx, t, StatusCloning, 3) || !r.advance(ctx, t, StatusRunning, 4) {
		if r.cancelled(ctx, taskID) {
			r.notify(ctx, taskID, StatusCancelled, ProgressTotalSteps)
			out.status = StatusCancelled
		}
		return out
	}

	if r.questions != nil {
		qctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go r.listenQuestions(qctx, taskID)
	}

	status, waitErr := r.sandboxes.Wait(ctx, taskID)
	output, logErr := r.sandboxes.Logs(ctx, taskID)
	if logErr != nil {
		logger.WarnContext(ctx, "Failed to collect sandbox logs", "error", logErr)
	}

	if r.cancelled(ctx, taskID) {
		logger.InfoContext(ctx, "Task cancelled during execution, skipping result")
		r.notify(ctx, taskID, StatusCancelled, ProgressTotalSteps)
		out.status = StatusCancelled
		return out
	}

	if waitErr == nil && status == sandbox.StatusTerminated {
		if r.markCompleted(ctx, t, output) {
			out.status = StatusCompleted
		}
		return out
	}

	detail := output
	cause := waitErr
	if waitErr != nil {
		logger.ErrorContext(ctx, "Sandbox wait failed", "error", waitErr)
		detail = waitErr.Error()
	} else {
		cause = fmt.Errorf("container exited with status %s", status)
	}
	if r.markFailed(ctx, t, detail) {
		out.status = StatusFailed
		out.cause = cause
	}
	return out
}

// advance transitions the task and publishes the matching progress step.
// It returns false when the transition is refused, which normally means
// the task went terminal underneath the pipeline.
func (r *Runner) advance(ctx context.Context, t *Task, state Status, step int) bool {
	if _, err := r.manager.Transition(ctx, t.ID, state); err != nil {
		logger.WarnContext(ctx, "Stopping pipeline, task not transitioned",
			"to", string(state),
			"error", err)
		return false
	}
	// Cloning and running exist in both state spaces; mirror them onto
	// the sandbox so status queries track the pipeline.
	r.sandboxes.SetStatus(t.ID, sandbox.Status(state))
	r.notify(ctx, t.ID, state, step)
	return true
}

// markCompleted records completion and posts the result. It returns false
// when the task refused the transition, for example because a question was
// still pending when the container exited.
func (r *Runner) markCompleted(ctx context.Context, t *Task, result string) bool {
	if _, err := r.manager.Transition(ctx, t.ID, StatusCompleted); err != nil {
		logger.WarnContext(ctx, "Task not marked completed", "error", err)
		return false
	}
	r.notify(ctx, t.ID, StatusCompleted, ProgressTotalSteps)
	if err := r.poster.PostResult(ctx, t, result); err != nil {
		logger.ErrorContext(ctx, "Failed to post result", "error", err)
	}
	return true
}

// markFailed records failure and posts the error detail to the thread.
func (r *Runner) markFailed(ctx context.Context, t *Task, detail string) bool {
	if _, err := r.manager.Transition(ctx, t.ID, StatusFailed); err != nil {
		logger.WarnContext(ctx, "Task not marked failed", "error", err)
		return false
	}
	r.notify(ctx, t.ID, StatusFailed, ProgressTotalSteps)
	if err := r.poster.PostError(ctx, t, detail); err != nil {
		logger.ErrorContext(ctx, "Failed to post error detail", "error", err)
	}
	return true
}

func (r *Runner) cancelled(ctx context.Context, taskID string) bool {
	t, err := r.manager.Get(ctx, taskID)
	return err == nil && t.Status == StatusCancelled
}

func (r *Runner) notify(ctx context.Context, taskID string, status Status, step int) {
	if err := r.notifier.Notify(ctx, taskID, status, step, ProgressTotalSteps); err != nil {
		logger.WarnContext(ctx, "Failed to publish progress",
			"status", string(status),
			"error", err)
	}
}

func (r *Runner) listenQuestions(ctx context.Context, taskID string) {
	if err := r.questions.Listen(ctx, taskID); err != nil && !errors.Is(err, context.Canceled) {
		logger.WarnContext(ctx, "Question listener stopped", "error", err)
	}
}

// emitOutcome publishes the terminal lifecycle event. Cancellations are
// not emitted here; whoever cancelled the task already did.
func (r *Runner) emitOutcome(t *Task, out runOutcome) {
	var typ events.EventType
	switch out.status {
	case StatusCompleted:
		typ = events.EventTaskCompleted
	case StatusFailed:
		typ = events.EventTaskFailed
	default:
		return
	}
	r.manager.emit(&events.Event{
		Type:      typ,
		Timestamp: time.Now(),
		TaskID:    t.ID,
		Data: &events.TaskFinishedData{
			Status:   string(out.status),
			Duration: t.Age(),
			Running:  r.manager.running(),
			Error:    out.cause,
		},
	})
}

// sandboxConfig assembles the sandbox configuration for the task. The
// pub/sub URL rides along so the in-container helper can reach it.
func (r *Runner) sandboxConfig(t *Task) sandbox.Config {
	env := map[string]string{}
	if r.cfg.RedisURL != "" {
		env["REDIS_URL"] = r.cfg.RedisURL
	}
	return sandbox.Config{
		Image:           r.cfg.Sandbox.Image,
		CPU:             r.cfg.Sandbox.CPU,
		MemoryGB:        r.cfg.Sandbox.MemoryGB,
		Environment:     env,
		RepositoryURL:   t.RepositoryURL,
		CredentialToken: r.cfg.GitHubPAT,
		Prompt:          t.Prompt,
	}
}

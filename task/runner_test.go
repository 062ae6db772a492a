package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/DispatchKit/config"
	"github.com/AltairaLabs/DispatchKit/events"
	"github.com/AltairaLabs/DispatchKit/sandbox"
)

type fakeSandboxes struct {
	mu         sync.Mutex
	createErr  error
	waitStatus sandbox.Status
	waitErr    error
	logs       string
	logsErr    error
	created    []sandbox.Config
	destroyed  []string
	statuses   []sandbox.Status
	// onWait runs while the container is "executing", before Wait returns.
	onWait func()
}

func (f *fakeSandboxes) Create(_ context.Context, taskID string, cfg sandbox.Config) (*sandbox.Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, cfg)
	return &sandbox.Sandbox{
		TaskID:             taskID,
		ContainerGroupName: "sandbox-" + taskID[:8],
		Status:             sandbox.StatusRunning,
	}, nil
}

func (f *fakeSandboxes) Destroy(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, taskID)
	return nil
}

func (f *fakeSandboxes) SetStatus(_ string, status sandbox.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
}

func (f *fakeSandboxes) Wait(_ context.Context, _ string) (sandbox.Status, error) {
	if f.onWait != nil {
		f.onWait()
	}
	return f.waitStatus, f.waitErr
}

func (f *fakeSandboxes) Logs(_ context.Context, _ string) (string, error) {
	return f.logs, f.logsErr
}

type fakePoster struct {
	mu      sync.Mutex
	results []string
	details []string
}

func (f *fakePoster) PostResult(_ context.Context, _ *Task, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}

func (f *fakePoster) PostError(_ context.Context, _ *Task, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details = append(f.details, detail)
	return nil
}

type fakeQuestionListener struct {
	mu      sync.Mutex
	started []string
	stopped bool
}

func (f *fakeQuestionListener) Listen(ctx context.Context, taskID string) error {
	f.mu.Lock()
	f.started = append(f.started, taskID)
	f.mu.Unlock()

	<-ctx.Done()

	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	return ctx.Err()
}

type runnerFixture struct {
	runner    *Runner
	manager   *Manager
	store     *Store
	ctrl      *Controller
	sandboxes *fakeSandboxes
	poster    *fakePoster
	progress  *capturePubSub
}

func setupRunner(t *testing.T, bus *events.EventBus, opts ...RunnerOption) *runnerFixture {
	t.Helper()

	store, _ := setupStore(t)
	ctrl := NewController(1)
	mgrOpts := []ManagerOption{WithController(ctrl)}
	if bus != nil {
		mgrOpts = append(mgrOpts, WithEventBus(bus))
	}
	manager := NewManager(store, mgrOpts...)

	progress := &capturePubSub{}
	sandboxes := &fakeSandboxes{waitStatus: sandbox.StatusTerminated, logs: "all done"}
	poster := &fakePoster{}
	cfg := &config.Config{
		RedisURL:  "redis://redis.internal:6379",
		GitHubPAT: "ghp_test",
		Sandbox: config.SandboxConfig{
			Image:    "ghcr.io/acme/sandbox:latest",
			CPU:      1,
			MemoryGB: 2,
		},
	}

	return &runnerFixture{
		runner:    NewRunner(cfg, manager, NewNotifier(progress, nil), sandboxes, poster, opts...),
		manager:   manager,
		store:     store,
		ctrl:      ctrl,
		sandboxes: sandboxes,
		poster:    poster,
		progress:  progress,
	}
}

// submitTask admits a fresh task so it holds a slot and sits at starting.
func submitTask(t *testing.T, f *runnerFixture) *Task {
	t.Helper()
	task := validTask()
	res, err := f.manager.SubmitWithResult(context.Background(), task)
	require.NoError(t, err)
	require.False(t, res.Queued)
	return task
}

// progressSteps decodes every payload published on the task's channel.
func progressSteps(t *testing.T, f *runnerFixture, taskID string) []progressPayload {
	t.Helper()
	f.progress.mu.Lock()
	defer f.progress.mu.Unlock()

	var steps []progressPayload
	for i, ch := range f.progress.channels {
		if ch != ProgressChannel(taskID) {
			continue
		}
		var p progressPayload
		require.NoError(t, json.Unmarshal([]byte(f.progress.payloads[i]), &p))
		steps = append(steps, p)
	}
	return steps
}

func TestRunner_SuccessfulRun(t *testing.T) {
	f := setupRunner(t, nil)
	ctx := context.Background()
	task := submitTask(t, f)

	next, err := f.runner.Run(ctx, task)
	require.NoError(t, err)
	assert.Nil(t, next)

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	assert.Equal(t, []string{"all done"}, f.poster.results)
	assert.Empty(t, f.poster.details)
	assert.Equal(t, []string{task.ID}, f.sandboxes.destroyed)
	assert.Equal(t, 0, f.ctrl.RunningCount())
	assert.Equal(t, []sandbox.Status{
		sandbox.StatusStarting,
		sandbox.StatusCloning,
		sandbox.StatusRunning,
	}, f.sandboxes.statuses)

	steps := progressSteps(t, f, task.ID)
	require.Len(t, steps, 4)
	assert.Equal(t, progressPayload{Status: "starting", Step: 2, Total: 5}, steps[0])
	assert.Equal(t, progressPayload{Status: "cloning", Step: 3, Total: 5}, steps[1])
	assert.Equal(t, progressPayload{Status: "running", Step: 4, Total: 5}, steps[2])
	assert.Equal(t, progressPayload{Status: "completed", Step: 5, Total: 5}, steps[3])
}

func TestRunner_SandboxConfig(t *testing.T) {
	f := setupRunner(t, nil)
	task := submitTask(t, f)

	_, err := f.runner.Run(context.Background(), task)
	require.NoError(t, err)

	require.Len(t, f.sandboxes.created, 1)
	cfg := f.sandboxes.created[0]
	assert.Equal(t, "ghcr.io/acme/sandbox:latest", cfg.Image)
	assert.Equal(t, 1.0, cfg.CPU)
	assert.Equal(t, 2.0, cfg.MemoryGB)
	assert.Equal(t, "redis://redis.internal:6379", cfg.Environment["REDIS_URL"])
	assert.Equal(t, task.RepositoryURL, cfg.RepositoryURL)
	assert.Equal(t, task.Prompt, cfg.Prompt)
	assert.Equal(t, "ghp_test", cfg.CredentialToken)
}

func TestRunner_CreationFailure(t *testing.T) {
	f := setupRunner(t, nil)
	ctx := context.Background()
	task := submitTask(t, f)
	f.sandboxes.createErr = errors.New("quota exceeded")

	next, err := f.runner.Run(ctx, task)
	require.NoError(t, err)
	assert.Nil(t, next)

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	require.Len(t, f.poster.details, 1)
	assert.Contains(t, f.poster.details[0], "quota exceeded")
	assert.Empty(t, f.poster.results)
	// No sandbox existed, so nothing to tear down.
	assert.Empty(t, f.sandboxes.destroyed)
	assert.Equal(t, 0, f.ctrl.RunningCount())
}

func TestRunner_ContainerFailure(t *testing.T) {
	f := setupRunner(t, nil)
	ctx := context.Background()
	task := submitTask(t, f)
	f.sandboxes.waitStatus = sandbox.StatusFailed
	f.sandboxes.logs = "Traceback: boom"

	next, err := f.runner.Run(ctx, task)
	require.NoError(t, err)
	assert.Nil(t, next)

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	assert.Equal(t, []string{"Traceback: boom"}, f.poster.details)
	assert.Empty(t, f.poster.results)
	assert.Equal(t, []string{task.ID}, f.sandboxes.destroyed)
}

func TestRunner_WaitError(t *testing.T) {
	f := setupRunner(t, nil)
	ctx := context.Background()
	task := submitTask(t, f)
	f.sandboxes.waitErr = errors.New("poll timed out")

	_, err := f.runner.Run(ctx, task)
	require.NoError(t, err)

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	require.Len(t, f.poster.details, 1)
	assert.Contains(t, f.poster.details[0], "poll timed out")
}

func TestRunner_CancelledDuringRun(t *testing.T) {
	f := setupRunner(t, nil)
	ctx := context.Background()
	task := submitTask(t, f)

	f.sandboxes.onWait = func() {
		ok, err := f.manager.Cancel(ctx, task.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	next, err := f.runner.Run(ctx, task)
	require.NoError(t, err)
	assert.Nil(t, next)

	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// Cancelled tasks post nothing but still clean up.
	assert.Empty(t, f.poster.results)
	assert.Empty(t, f.poster.details)
	assert.Equal(t, []string{task.ID}, f.sandboxes.destroyed)

	steps := progressSteps(t, f, task.ID)
	last := steps[len(steps)-1]
	assert.Equal(t, progressPayload{Status: "cancelled", Step: 5, Total: 5}, last)
}

func TestRunner_ExitWhileQuestionPending(t *testing.T) {
	f := setupRunner(t, nil)
	ctx := context.Background()
	task := submitTask(t, f)

	f.sandboxes.onWait = func() {
		_, err := f.store.Transition(ctx, task.ID, StatusWaitingUser)
		require.NoError(t, err)
	}

	_, err := f.runner.Run(ctx, task)
	require.NoError(t, err)

	// The container exited while a question was pending; the task stays in
	// waiting_user until the question times out and cancels it.
	got, err := f.store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingUser, got.Status)

	assert.Empty(t, f.poster.results)
	assert.Equal(t, []string{task.ID}, f.sandboxes.destroyed)
}

func TestRunner_PromotesQueuedTask(t *testing.T) {
	f := setupRunner(t, nil)
	ctx := context.Background()

	a := submitTask(t, f)
	b := validTask()
	res, err := f.manager.SubmitWithResult(ctx, b)
	require.NoError(t, err)
	require.True(t, res.Queued)

	next, err := f.runner.Run(ctx, a)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, b.ID, next.ID)
	assert.Equal(t, StatusStarting, next.Status)
	assert.Equal(t, 1, f.ctrl.RunningCount())
}

func TestRunner_QuestionListenerLifecycle(t *testing.T) {
	listener := &fakeQuestionListener{}
	f := setupRunner(t, nil, WithQuestionListener(listener))
	task := submitTask(t, f)

	_, err := f.runner.Run(context.Background(), task)
	require.NoError(t, err)

	// Listen starts on its own goroutine, so observe both sides eventually.
	assert.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.started) == 1 && listener.started[0] == task.ID && listener.stopped
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_EmitsTerminalEvents(t *testing.T) {
	bus := events.NewEventBus()
	rec := &eventRecorder{}
	bus.SubscribeAll(rec.record)

	f := setupRunner(t, bus)
	task := submitTask(t, f)

	_, err := f.runner.Run(context.Background(), task)
	require.NoError(t, err)
	bus.Close()

	completed := rec.find(events.EventTaskCompleted)
	require.Len(t, completed, 1)
	data, ok := completed[0].Data.(*events.TaskCompletedData)
	require.True(t, ok)
	assert.Equal(t, "completed", data.Status)
	assert.Equal(t, 0, data.Running)
}

func TestRunner_EmitsFailureEvent(t *testing.T) {
	bus := events.NewEventBus()
	rec := &eventRecorder{}
	bus.SubscribeAll(rec.record)

	f := setupRunner(t, bus)
	task := submitTask(t, f)
	f.sandboxes.waitStatus = sandbox.StatusFailed
	f.sandboxes.logs = "exit status 1"

	_, err := f.runner.Run(context.Background(), task)
	require.NoError(t, err)
	bus.Close()

	failed := rec.find(events.EventTaskFailed)
	require.Len(t, failed, 1)
	data, ok := failed[0].Data.(*events.TaskFailedData)
	require.True(t, ok)
	assert.Equal(t, "failed", data.Status)
	assert.Error(t, data.Error)
}

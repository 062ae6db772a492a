package slack

import (
	"context"
	"sync"

	"github.com/AltairaLabs/DispatchKit/logger"
	"github.com/AltairaLabs/DispatchKit/task"
)

// WebAPI is the full messaging surface the bot drives. *Client
// satisfies it.
type WebAPI interface {
	SendMessage(ctx context.Context, channel, text, threadTS string) (string, error)
	UpdateMessage(ctx context.Context, channel, ts, text string) error
	UploadFile(ctx context.Context, channel, content, filename, threadTS string) error
	AuthTest(ctx context.Context) (string, error)
	Respond(ctx context.Context, responseURL, text string) error
}

// EventSource feeds chat events to a Handler until its context ends.
// *SocketModeClient satisfies it.
type EventSource interface {
	Run(ctx context.Context) error
}

// Bot ties the chat front end together: it turns mentions and slash
// commands into tasks, routes thread replies to pending questions, and
// keeps the per-task progress message updated. It is the socket client's
// Handler.
type Bot struct {
	api       WebAPI
	manager   *task.Manager
	runner    *task.Runner
	notifier  *task.Notifier
	questions *QuestionHandler

	botUserID string

	mu      sync.Mutex
	threads map[string]string

	wg sync.WaitGroup
}

// NewBot creates a Bot. The question handler may be nil when thread
// replies should be ignored.
func NewBot(api WebAPI, manager *task.Manager, runner *task.Runner, notifier *task.Notifier, questions *QuestionHandler) *Bot {
	return &Bot{
		api:       api,
		manager:   manager,
		runner:    runner,
		notifier:  notifier,
		questions: questions,
		threads:   make(map[string]string),
	}
}

// Run resolves the bot's own user ID, then consumes events from source
// until ctx ends. It returns after all in-flight task goroutines have
// drained.
func (b *Bot) Run(ctx context.Context, source EventSource) error {
	userID, err := b.api.AuthTest(ctx)
	if err != nil {
		return err
	}
	b.botUserID = userID
	logger.Info("Bot authenticated", "bot_user_id", userID)

	err = source.Run(ctx)
	b.wg.Wait()
	return err
}

// threadKey identifies a thread across channels.
func threadKey(channel, threadTS string) string {
	return channel + "|" + threadTS
}

// registerThread maps a thread root to the task whose replies it carries.
func (b *Bot) registerThread(channel, threadTS, taskID string) {
	if threadTS == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.threads[threadKey(channel, threadTS)] = taskID
}

func (b *Bot) unregisterThread(channel, threadTS string) {
	if threadTS == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.threads, threadKey(channel, threadTS))
}

// lookupThread returns the task owning the thread, if any.
func (b *Bot) lookupThread(channel, threadTS string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.threads[threadKey(channel, threadTS)]
	return id, ok
}

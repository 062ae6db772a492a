package slack

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/DispatchKit/logger"
	"github.com/AltairaLabs/DispatchKit/task"
)

// Inner event types dispatched from the events API.
const (
	eventTypeAppMention = "app_mention"
	eventTypeMessage    = "message"
)

// slashCommandName is the slash command that creates tasks.
const slashCommandName = "/claude"

// User-facing intake messages.
const (
	missingURLTemplate  = "<@%s> リポジトリURLを指定してください"
	ackTemplate         = "<@%s> 起動中... (タスクID: %s)"
	submitFailedMessage = "<@%s> タスクの登録に失敗しました"
)

// githubURLPattern extracts the repository URL from intake text.
var githubURLPattern = regexp.MustCompile(`https://github\.com/[^\s]+`)

// HandleEvent dispatches an events API event. Mentions create tasks;
// thread replies may answer a pending question.
func (b *Bot) HandleEvent(ctx context.Context, ev *Event) {
	switch ev.Type {
	case eventTypeAppMention:
		b.handleMention(ctx, ev)
	case eventTypeMessage:
		b.handleReply(ctx, ev)
	default:
		logger.Debug("Ignoring event", "type", ev.Type)
	}
}

// HandleSlashCommand turns a /claude invocation into a task. The socket
// layer has already acked the envelope; replies go through the command's
// response URL.
func (b *Bot) HandleSlashCommand(ctx context.Context, cmd *SlashCommand) {
	if cmd.Command != slashCommandName {
		logger.Debug("Ignoring slash command", "command", cmd.Command)
		return
	}

	url := githubURLPattern.FindString(cmd.Text)
	if url == "" {
		logger.Warn("Slash command without repository URL",
			"user", cmd.UserID)
		b.respond(ctx, cmd.ResponseURL, fmt.Sprintf(missingURLTemplate, cmd.UserID))
		return
	}

	id := uuid.NewString()
	logger.Info("Task intake from slash command",
		"task_id", id,
		"user", cmd.UserID,
		"repository", url)
	b.respond(ctx, cmd.ResponseURL, fmt.Sprintf(ackTemplate, cmd.UserID, id))

	t := newTask(id, cmd.ChannelID, "", cmd.UserID, cmd.Text, url)
	b.startTask(ctx, t, "")
}

// handleMention turns an app_mention into a task. The acknowledgement
// message it posts doubles as the progress display.
func (b *Bot) handleMention(ctx context.Context, ev *Event) {
	root := ev.ThreadTS
	if root == "" {
		root = ev.TS
	}

	url := githubURLPattern.FindString(ev.Text)
	if url == "" {
		logger.Warn("Mention without repository URL",
			"user", ev.User)
		b.post(ctx, ev.Channel, fmt.Sprintf(missingURLTemplate, ev.User), root)
		return
	}

	id := uuid.NewString()
	logger.Info("Task intake from mention",
		"task_id", id,
		"user", ev.User,
		"repository", url)
	ts, err := b.api.SendMessage(ctx, ev.Channel, fmt.Sprintf(ackTemplate, ev.User, id), root)
	if err != nil {
		logger.Error("Failed to post acknowledgement",
			"task_id", id,
			"error", err)
	}

	t := newTask(id, ev.Channel, root, ev.User, ev.Text, url)
	b.startTask(ctx, t, ts)
}

// handleReply routes a human thread reply to the pending question of the
// task owning the thread. Bot messages and mentions are not answers.
func (b *Bot) handleReply(ctx context.Context, ev *Event) {
	if b.questions == nil || ev.ThreadTS == "" {
		return
	}
	if ev.BotID != "" || ev.User == b.botUserID {
		return
	}
	if b.botUserID != "" && strings.Contains(ev.Text, "<@"+b.botUserID+">") {
		return
	}

	taskID, ok := b.lookupThread(ev.Channel, ev.ThreadTS)
	if !ok {
		return
	}
	if !b.questions.HasPendingQuestion(taskID) {
		logger.Debug("Thread reply without pending question",
			"task_id", taskID)
		return
	}
	if b.questions.SubmitAnswer(taskID, ev.Text) {
		logger.Info("Thread reply routed as answer",
			"task_id", taskID,
			"user", ev.User)
	}
}

// newTask builds a pending task from intake fields. The task ID doubles
// as the idempotency key.
func newTask(id, channel, thread, user, text, url string) *task.Task {
	return &task.Task{
		ID:             id,
		Channel:        channel,
		Thread:         thread,
		User:           user,
		Prompt:         strings.TrimSpace(text),
		RepositoryURL:  url,
		Status:         task.StatusPending,
		CreatedAt:      float64(time.Now().UnixNano()) / float64(time.Second),
		IdempotencyKey: id,
	}
}

// startTask submits the task and, when admitted, hands it to a runner
// goroutine. progressTS is the acknowledgement message the progress
// listener edits; empty means no progress display.
func (b *Bot) startTask(ctx context.Context, t *task.Task, progressTS string) {
	res, err := b.manager.SubmitWithResult(ctx, t)
	if err != nil {
		logger.Error("Task submission failed",
			"task_id", t.ID,
			"error", err)
		b.post(ctx, t.Channel, fmt.Sprintf(submitFailedMessage, t.User), t.Thread)
		return
	}
	if res.TaskID != t.ID {
		logger.Info("Duplicate submission absorbed",
			"task_id", res.TaskID)
		return
	}

	b.registerThread(t.Channel, t.Thread, t.ID)
	if progressTS != "" {
		b.watchProgress(ctx, t, progressTS)
	}

	if res.Queued {
		logger.Info("Task queued", "task_id", t.ID)
		// The queued label is edited in directly; the listener's
		// subscription may not be registered yet and pub/sub does not
		// replay.
		if progressTS != "" {
			text := task.FormatProgress(task.StatusPending, 1, task.ProgressTotalSteps)
			if err := b.api.UpdateMessage(ctx, t.Channel, progressTS, text); err != nil {
				logger.Error("Failed to show queued progress",
					"task_id", t.ID,
					"error", err)
			}
		}
		return
	}

	b.runTask(ctx, t)
}

// watchProgress follows the task's progress channel and mirrors updates
// into the acknowledgement message until a terminal state lands.
func (b *Bot) watchProgress(ctx context.Context, t *task.Task, messageTS string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := b.notifier.StartListening(ctx, t.ID, t.Channel, messageTS)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Progress listener stopped",
				"task_id", t.ID,
				"error", err)
		}
	}()
}

// runTask drives the task and every queued task its completion promotes.
func (b *Bot) runTask(ctx context.Context, t *task.Task) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for cur := t; cur != nil; {
			next, _ := b.runner.Run(ctx, cur) // promotion errors are logged by Run
			b.unregisterThread(cur.Channel, cur.Thread)
			cur = next
		}
	}()
}

// post sends a thread message, logging failures.
func (b *Bot) post(ctx context.Context, channel, text, threadTS string) {
	if _, err := b.api.SendMessage(ctx, channel, text, threadTS); err != nil {
		logger.Error("Failed to post message",
			"channel", channel,
			"error", err)
	}
}

// respond replies through a slash command's response URL, logging
// failures.
func (b *Bot) respond(ctx context.Context, responseURL, text string) {
	if err := b.api.Respond(ctx, responseURL, text); err != nil {
		logger.Error("Failed to respond to slash command",
			"error", err)
	}
}

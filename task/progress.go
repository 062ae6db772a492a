package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AltairaLabs/DispatchKit/logger"
)

// statusLabels maps lifecycle states to the display labels shown in chat.
var statusLabels = map[Status]string{
	StatusPending:     "待機中...",
	StatusStarting:    "起動中...",
	StatusCloning:     "クローン中...",
	StatusRunning:     "実行中...",
	StatusWaitingUser: "ユーザー回答待ち...",
	StatusCompleted:   "完了",
	StatusFailed:      "エラー",
	StatusCancelled:   "キャンセル",
}

// FormatProgress renders a progress line like "実行中... (4/5)". Unknown
// statuses fall back to their raw value.
func FormatProgress(status Status, step, total int) string {
	label, ok := statusLabels[status]
	if !ok {
		label = string(status)
	}
	return fmt.Sprintf("%s (%d/%d)", label, step, total)
}

// ProgressChannel returns the pub/sub channel progress updates for the
// task travel on.
func ProgressChannel(taskID string) string {
	return "progress:" + taskID
}

// QuestionChannel returns the pub/sub channel the sandbox publishes
// human questions on. The payload is the raw question text.
func QuestionChannel(taskID string) string {
	return "question:" + taskID
}

// AnswerChannel returns the pub/sub channel answers travel back on.
func AnswerChannel(taskID string) string {
	return "answer:" + taskID
}

// progressPayload is the JSON body published on progress channels.
type progressPayload struct {
	Status string `json:"status"`
	Step   int    `json:"step"`
	Total  int    `json:"total"`
}

// PubSub is the messaging surface the notifier publishes and subscribes
// through. *pubsub.Client satisfies it.
type PubSub interface {
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string, fn func(string)) error
}

// MessageUpdater edits a previously posted chat message in place.
type MessageUpdater interface {
	UpdateMessage(ctx context.Context, channel, ts, text string) error
}

// Notifier publishes task progress and mirrors received progress into the
// chat thread by editing the task's progress message.
type Notifier struct {
	pubsub  PubSub
	updater MessageUpdater
}

// NewNotifier creates a Notifier. The updater may be nil when the process
// only publishes progress and never listens.
func NewNotifier(ps PubSub, updater MessageUpdater) *Notifier {
	return &Notifier{pubsub: ps, updater: updater}
}

// Notify publishes a progress update for the task.
func (n *Notifier) Notify(ctx context.Context, taskID string, status Status, step, total int) error {
	payload, err := json.Marshal(progressPayload{
		Status: string(status),
		Step:   step,
		Total:  total,
	})
	if err != nil {
		return fmt.Errorf("task: marshal progress for %s: %w", taskID, err)
	}
	return n.pubsub.Publish(ctx, ProgressChannel(taskID), string(payload))
}

// StartListening subscribes to the task's progress channel and edits the
// message at (channel, messageTS) for every update. It returns nil once a
// terminal status has been displayed, or ctx's error when cancelled first.
// Malformed payloads and unknown statuses are logged and skipped; update
// failures never stop the subscription.
func (n *Notifier) StartListening(ctx context.Context, taskID, channel, messageTS string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe runs the callback on this goroutine, so done needs no lock.
	var done bool
	err := n.pubsub.Subscribe(ctx, ProgressChannel(taskID), func(raw string) {
		var p progressPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			logger.Warn("Ignoring malformed progress payload",
				"task_id", taskID,
				"error", err)
			return
		}
		status := Status(p.Status)
		if _, ok := statusLabels[status]; !ok {
			logger.Warn("Ignoring progress with unknown status",
				"task_id", taskID,
				"status", p.Status)
			return
		}

		text := FormatProgress(status, p.Step, p.Total)
		if err := n.updater.UpdateMessage(ctx, channel, messageTS, text); err != nil {
			logger.Error("Failed to update progress message",
				"task_id", taskID,
				"channel", channel,
				"error", err)
			return
		}
		if terminalStates[status] {
			done = true
			cancel()
		}
	})
	if done && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

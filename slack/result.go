package slack

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/AltairaLabs/DispatchKit/logger"
	"github.com/AltairaLabs/DispatchKit/task"
)

// messageLimit is the longest text chat.postMessage accepts without
// truncating, counted in characters.
const messageLimit = 4000

// failureTemplate prefixes the error detail posted to the thread when a
// task fails.
const failureTemplate = "<@%s> Task failed.\n\n%s"

// ResultAPI is the messaging surface result posting needs. *Client
// satisfies it.
type ResultAPI interface {
	MessageSender
	UploadFile(ctx context.Context, channel, content, filename, threadTS string) error
}

// ResultPoster delivers task results to the task's thread. Results up to
// the message limit go out as plain messages; longer ones are uploaded as
// a text file named after the task. It satisfies task.ResultPoster.
type ResultPoster struct {
	api ResultAPI
}

// NewResultPoster creates a ResultPoster backed by api.
func NewResultPoster(api ResultAPI) *ResultPoster {
	return &ResultPoster{api: api}
}

// PostResult posts the task's result text to its thread.
func (p *ResultPoster) PostResult(ctx context.Context, t *task.Task, result string) error {
	if utf8.RuneCountInString(result) <= messageLimit {
		_, err := p.api.SendMessage(ctx, t.Channel, result, t.Thread)
		return err
	}
	filename := "result-" + t.ID + ".txt"
	logger.Info("Result exceeds message limit, uploading as file",
		"task_id", t.ID,
		"filename", filename,
		"length", len(result))
	return p.api.UploadFile(ctx, t.Channel, result, filename, t.Thread)
}

// PostError posts a failure notice with the tail of the error detail,
// clamped so the whole message fits within the message limit.
func (p *ResultPoster) PostError(ctx context.Context, t *task.Task, detail string) error {
	text := fmt.Sprintf(failureTemplate, t.User, detail)
	if over := utf8.RuneCountInString(text) - messageLimit; over > 0 {
		text = fmt.Sprintf(failureTemplate, t.User, tailRunes(detail, over))
	}
	_, err := p.api.SendMessage(ctx, t.Channel, text, t.Thread)
	return err
}

// tailRunes drops the first n runes of s, keeping the end of the detail
// where the failing output usually is.
func tailRunes(s string, n int) string {
	runes := []rune(s)
	if n >= len(runes) {
		return ""
	}
	return string(runes[n:])
}

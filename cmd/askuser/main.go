// Command askuser relays a clarifying question from inside a task sandbox
// to the user who submitted the task, then blocks until the answer comes
// back. The assistant CLI shells out to it mid-run:
//
//	askuser "Which branch should I target?"
//
// TASK_ID and REDIS_URL are injected into the container by the
// orchestrator. The answer is written to stdout so the calling process
// can capture it; everything else goes to stderr.
//
// Exit codes: 0 answered, 1 usage or environment error, 2 timeout,
// 3 Redis connection failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/AltairaLabs/DispatchKit/logger"
	"github.com/AltairaLabs/DispatchKit/task"
	"github.com/AltairaLabs/DispatchKit/version"
)

// defaultTimeout matches the orchestrator's question timeout.
const defaultTimeout = task.DefaultQuestionTimeoutSeconds * time.Second

const (
	exitUsage      = 1
	exitTimeout    = 2
	exitConnection = 3
)

// Sentinel causes mapped to exit codes by exitCode.
var (
	errTimeout    = errors.New("timeout waiting for user answer")
	errConnection = errors.New("redis connection failed")
)

var rootCmd = &cobra.Command{
	Use:           "askuser <question>",
	Short:         "Ask the submitting user a question and wait for the answer",
	Version:       version.GetVersion(),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, err := cmd.Flags().GetDuration("timeout")
		if err != nil {
			return err
		}
		answer, err := ask(cmd.Context(), args[0], timeout)
		if err != nil {
			return err
		}
		// The caller reads the answer from stdout.
		fmt.Println(answer)
		return nil
	},
}

func init() {
	rootCmd.Flags().DurationP("timeout", "t", defaultTimeout, "How long to wait for an answer")
}

// ask publishes the question and waits for the first message on the
// task's answer channel. The subscription is established before the
// question goes out so the answer cannot slip past.
func ask(ctx context.Context, question string, timeout time.Duration) (string, error) {
	taskID := os.Getenv("TASK_ID")
	if taskID == "" {
		return "", errors.New("TASK_ID environment variable is required")
	}
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return "", errors.New("REDIS_URL environment variable is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return "", fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	sub := client.Subscribe(ctx, task.AnswerChannel(taskID))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", errConnection, err)
	}

	if err := client.Publish(ctx, task.QuestionChannel(taskID), question).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", errConnection, err)
	}
	logger.Info("Question published, waiting for answer",
		"task_id", taskID,
		"timeout", timeout)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	msg, err := sub.ReceiveMessage(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", errTimeout, timeout)
		}
		return "", fmt.Errorf("%w: %v", errConnection, err)
	}
	return msg.Payload, nil
}

// exitCode maps an error to the documented process exit code.
func exitCode(err error) int {
	switch {
	case errors.Is(err, errTimeout):
		return exitTimeout
	case errors.Is(err, errConnection):
		return exitConnection
	default:
		return exitUsage
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Error already printed by cobra
		os.Exit(exitCode(err))
	}
}

// Package logger provides structured logging with automatic secret redaction.
//
// This package wraps Go's standard log/slog with convenience functions for:
//   - Chat platform API call logging (requests, responses, errors)
//   - Task lifecycle logging
//   - Automatic token and credential redaction
//   - Contextual logging with per-task tracing
//   - Level-based verbosity control
//
// All exported functions use the global DefaultLogger which can be configured
// for different output formats and log levels.
package logger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

var (
	// DefaultLogger is the global structured logger instance.
	// It is safe for concurrent use and initialized with slog.LevelInfo by default.
	DefaultLogger *slog.Logger

	// logOutput is the destination for all log handlers created by this package.
	logOutput io.Writer = os.Stderr

	// currentLevel tracks the active level so output changes preserve it.
	currentLevel = slog.LevelInfo

	// customHandler holds a handler installed via SetLogger. When set, Configure
	// leaves it in place instead of rebuilding the logger.
	customHandler slog.Handler
)

func init() {
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		currentLevel = ParseLevel(envLevel)
	}

	DefaultLogger = slog.New(slog.NewTextHandler(logOutput, &slog.HandlerOptions{
		Level: currentLevel,
	}))
}

// ParseLevel converts a level name to a slog.Level.
// Recognized names (case-insensitive): trace, debug, info, warn, warning, error.
// Unrecognized or empty names default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return slog.LevelDebug - 4
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the logging level for all subsequent log operations.
// It replaces the entire logger instance, which is safe for concurrent use.
func SetLevel(level slog.Level) {
	currentLevel = level
	DefaultLogger = slog.New(slog.NewTextHandler(logOutput, &slog.HandlerOptions{
		Level: level,
	}))
}

// SetOutput redirects log output to w. Passing nil resets output to stderr.
// The current log level is preserved.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	logOutput = w
	SetLevel(currentLevel)
}

// SetVerbose toggles between debug and info level. Convenience for
// command-line verbose flags.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// SetLogger installs a custom slog handler as the global logger.
// Subsequent Configure calls preserve the custom handler.
func SetLogger(handler slog.Handler) {
	customHandler = handler
	DefaultLogger = slog.New(handler)
	slog.SetDefault(DefaultLogger)
}

// Info logs at info level. Args are key-value pairs.
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs at info level with context fields.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs at debug level. Args are key-value pairs.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs at debug level with context fields.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs at warn level. Args are key-value pairs.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs at warn level with context fields.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs at error level. Args are key-value pairs.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs at error level with context fields.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// TaskTransition logs a task status change with structured fields for observability.
// Additional attributes can be passed as key-value pairs after the required parameters.
func TaskTransition(taskID, from, to string, attrs ...any) {
	base := []any{"task_id", taskID, "from", from, "to", to}
	Info("🔄 Task Transition", append(base, attrs...)...)
}

// SandboxEvent logs a sandbox lifecycle operation (create, destroy, status poll).
func SandboxEvent(op, taskID, containerGroup string, attrs ...any) {
	base := []any{"op", op, "task_id", taskID, "container_group", containerGroup}
	Info("📦 Sandbox "+op, append(base, attrs...)...)
}

// secretPatterns matches the token formats this system handles.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`xox[abp]-[a-zA-Z0-9-]+`),       // Slack bot/user tokens
	regexp.MustCompile(`xapp-[a-zA-Z0-9-]+`),           // Slack app-level tokens
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{16,}`),         // GitHub personal access tokens
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`), // GitHub fine-grained tokens
	regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),     // Bearer tokens
	regexp.MustCompile(`https://[^@/\s]+@`),            // credentials embedded in clone URLs
	regexp.MustCompile(`CREDENTIAL_TOKEN=[^\s"']+`),    // credential env assignments
}

// redactMatch rewrites one pattern match into its redacted form.
func redactMatch(match string) string {
	switch {
	case strings.HasPrefix(match, "Bearer "):
		return "Bearer [REDACTED]"
	case strings.HasPrefix(match, "https://"):
		return "https://[REDACTED]@"
	case strings.HasPrefix(match, "CREDENTIAL_TOKEN="):
		return "CREDENTIAL_TOKEN=[REDACTED]"
	case len(match) > 8:
		// Keep a short prefix for debugging context.
		return match[:4] + "...[REDACTED]"
	default:
		return "[REDACTED]"
	}
}

// RedactSensitiveData removes tokens and other sensitive information from
// strings. Matched tokens keep their first few characters for debugging;
// Bearer values, URL credentials, and CREDENTIAL_TOKEN assignments are
// replaced wholesale. Safe for concurrent use.
func RedactSensitiveData(input string) string {
	out := input
	for _, pattern := range secretPatterns {
		out = pattern.ReplaceAllStringFunc(out, redactMatch)
	}
	return out
}

// APIRequest logs an outgoing HTTP request at debug level. The URL,
// header values, and JSON-encoded body all pass through redaction.
// No-op unless debug logging is enabled.
func APIRequest(service, method, url string, headers map[string]string, body interface{}) {
	if !DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := []any{
		"service", service,
		"method", method,
		"url", RedactSensitiveData(url),
	}

	if len(headers) > 0 {
		redacted := make(map[string]string, len(headers))
		for k, v := range headers {
			redacted[k] = RedactSensitiveData(v)
		}
		attrs = append(attrs, "headers", redacted)
	}

	if body != nil {
		if raw, err := json.Marshal(body); err != nil {
			attrs = append(attrs, "body_error", err.Error())
		} else {
			attrs = append(attrs, "body", RedactSensitiveData(string(raw)))
		}
	}

	Debug("🔵 API Request", attrs...)
}

// APIResponse logs an HTTP response at debug level with redaction, or at
// error level when err is set. JSON bodies are re-indented for
// readability. No-op unless debug logging is enabled.
func APIResponse(service string, statusCode int, body string, err error) {
	if !DefaultLogger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	attrs := []any{"service", service, "status_code", statusCode}

	if err != nil {
		attrs = append(attrs, "error", err.Error())
		Error("🔴 API Response Error", attrs...)
		return
	}

	if body != "" {
		attrs = append(attrs, "body", RedactSensitiveData(prettyJSON(body)))
	}

	Debug(statusEmoji(statusCode)+" API Response", attrs...)
}

// prettyJSON re-indents body when it parses as JSON, otherwise returns it
// unchanged.
func prettyJSON(body string) string {
	var obj interface{}
	if json.Unmarshal([]byte(body), &obj) != nil {
		return body
	}
	pretty, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return body
	}
	return string(pretty)
}

// statusEmoji picks the response marker: 🟢 2xx, 🔴 4xx and up, 🟡 otherwise.
func statusEmoji(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "🟢"
	case statusCode >= 400:
		return "🔴"
	default:
		return "🟡"
	}
}

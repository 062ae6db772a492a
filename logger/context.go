package logger

import "context"

// contextKey is unexported so values stamped here cannot collide with
// context keys owned by other packages.
type contextKey string

// Keys for the task-scoped fields ContextHandler lifts out of a context.
// The string value doubles as the attribute key in the log record.
const (
	ContextKeyTaskID      contextKey = "task_id"
	ContextKeyChannel     contextKey = "channel" // originating Slack channel
	ContextKeyThread      contextKey = "thread"  // thread timestamp
	ContextKeyUser        contextKey = "user"    // requesting Slack user
	ContextKeySandbox     contextKey = "sandbox" // container group name
	ContextKeyStage       contextKey = "stage"   // pipeline stage
	ContextKeyRequestID   contextKey = "request_id"
	ContextKeyEnvironment contextKey = "environment"
)

// allContextKeys drives the handler's context extraction.
var allContextKeys = []contextKey{
	ContextKeyTaskID,
	ContextKeyChannel,
	ContextKeyThread,
	ContextKeyUser,
	ContextKeySandbox,
	ContextKeyStage,
	ContextKeyRequestID,
	ContextKeyEnvironment,
}

// WithTaskID stamps the task ID onto ctx.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, ContextKeyTaskID, taskID)
}

// WithChannel stamps the Slack channel ID onto ctx.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ContextKeyChannel, channel)
}

// WithThread stamps the thread timestamp onto ctx.
func WithThread(ctx context.Context, thread string) context.Context {
	return context.WithValue(ctx, ContextKeyThread, thread)
}

// WithUser stamps the requesting user ID onto ctx.
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, ContextKeyUser, user)
}

// WithSandbox stamps the container group name onto ctx.
func WithSandbox(ctx context.Context, sandbox string) context.Context {
	return context.WithValue(ctx, ContextKeySandbox, sandbox)
}

// WithStage stamps the pipeline stage onto ctx.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, ContextKeyStage, stage)
}

// WithRequestID stamps the request ID onto ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithEnvironment stamps the deployment environment onto ctx.
func WithEnvironment(ctx context.Context, environment string) context.Context {
	return context.WithValue(ctx, ContextKeyEnvironment, environment)
}

// LoggingFields is the bulk form of the With* helpers. Zero-valued
// fields are ignored.
type LoggingFields struct {
	TaskID      string
	Channel     string
	Thread      string
	User        string
	Sandbox     string
	Stage       string
	RequestID   string
	Environment string
}

// WithLoggingContext stamps every non-empty field onto ctx in one call.
// A nil fields is a no-op.
func WithLoggingContext(ctx context.Context, fields *LoggingFields) context.Context {
	if fields == nil {
		return ctx
	}
	for _, f := range []struct {
		key   contextKey
		value string
	}{
		{ContextKeyTaskID, fields.TaskID},
		{ContextKeyChannel, fields.Channel},
		{ContextKeyThread, fields.Thread},
		{ContextKeyUser, fields.User},
		{ContextKeySandbox, fields.Sandbox},
		{ContextKeyStage, fields.Stage},
		{ContextKeyRequestID, fields.RequestID},
		{ContextKeyEnvironment, fields.Environment},
	} {
		if f.value != "" {
			ctx = context.WithValue(ctx, f.key, f.value)
		}
	}
	return ctx
}

// ctxString reads the string stored under key, tolerating absent or
// mistyped values.
func ctxString(ctx context.Context, key contextKey) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// ExtractLoggingFields gathers every known field present on ctx.
func ExtractLoggingFields(ctx context.Context) LoggingFields {
	return LoggingFields{
		TaskID:      ctxString(ctx, ContextKeyTaskID),
		Channel:     ctxString(ctx, ContextKeyChannel),
		Thread:      ctxString(ctx, ContextKeyThread),
		User:        ctxString(ctx, ContextKeyUser),
		Sandbox:     ctxString(ctx, ContextKeySandbox),
		Stage:       ctxString(ctx, ContextKeyStage),
		RequestID:   ctxString(ctx, ContextKeyRequestID),
		Environment: ctxString(ctx, ContextKeyEnvironment),
	}
}

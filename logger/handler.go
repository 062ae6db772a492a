package logger

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
)

// ContextHandler enriches records with the logging fields carried in
// the context (see context.go) and with fixed common fields, then hands
// them to the wrapped handler.
type ContextHandler struct {
	inner  slog.Handler
	common []slog.Attr
}

// NewContextHandler wraps inner. commonFields are stamped onto every
// record at lowest priority: context fields and the record's own
// attributes override them.
func NewContextHandler(inner slog.Handler, commonFields ...slog.Attr) *ContextHandler {
	return &ContextHandler{inner: inner, common: commonFields}
}

// Enabled delegates to the wrapped handler.
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle rebuilds the record with common and context fields ahead of
// its own attributes.
//
//nolint:gocritic // slog.Record is passed by value per the Handler contract
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, h.enrich(ctx, r, ""))
}

// enrich stamps common fields, the module name when given, and context
// fields onto a fresh record. The original attributes go last so they
// win on key collisions.
func (h *ContextHandler) enrich(ctx context.Context, r slog.Record, module string) slog.Record {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	out.AddAttrs(h.common...)
	if module != "" {
		out.AddAttrs(slog.String("logger", module))
	}
	for _, key := range allContextKeys {
		if s := ctxString(ctx, key); s != "" {
			out.AddAttrs(slog.String(string(key), s))
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(a)
		return true
	})
	return out
}

// WithAttrs forwards the attributes to the wrapped handler.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs), common: h.common}
}

// WithGroup forwards the group to the wrapped handler.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name), common: h.common}
}

// Unwrap returns the wrapped handler.
func (h *ContextHandler) Unwrap() slog.Handler {
	return h.inner
}

var _ slog.Handler = (*ContextHandler)(nil)

// ModuleHandler adds per-package level filtering on top of
// ContextHandler: the record's program counter names the package that
// logged, and the module configuration decides whether that package
// speaks at this level. Records that pass carry a "logger" attribute
// naming the package.
type ModuleHandler struct {
	ContextHandler
	levels *ModuleConfig
}

// NewModuleHandler wraps inner with per-module filtering driven by mc.
func NewModuleHandler(inner slog.Handler, mc *ModuleConfig, commonFields ...slog.Attr) *ModuleHandler {
	return &ModuleHandler{
		ContextHandler: ContextHandler{inner: inner, common: commonFields},
		levels:         mc,
	}
}

// Enabled resolves the calling package from the stack and checks its
// configured level.
func (h *ModuleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.levels.LevelFor(callerModule())
}

// Handle drops records below the calling package's level and tags the
// rest with the package name.
//
//nolint:gocritic // slog.Record is passed by value per the Handler contract
func (h *ModuleHandler) Handle(ctx context.Context, r slog.Record) error {
	module := moduleForPC(r.PC)
	if r.Level < h.levels.LevelFor(module) {
		return nil
	}
	return h.inner.Handle(ctx, h.enrich(ctx, r, module))
}

// WithAttrs forwards the attributes to the wrapped handler.
func (h *ModuleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ModuleHandler{
		ContextHandler: ContextHandler{inner: h.inner.WithAttrs(attrs), common: h.common},
		levels:         h.levels,
	}
}

// WithGroup forwards the group to the wrapped handler.
func (h *ModuleHandler) WithGroup(name string) slog.Handler {
	return &ModuleHandler{
		ContextHandler: ContextHandler{inner: h.inner.WithGroup(name), common: h.common},
		levels:         h.levels,
	}
}

var _ slog.Handler = (*ModuleHandler)(nil)

// callerDepth bounds the stack walk when resolving the logging package.
const callerDepth = 10

// callerModule walks the stack for the nearest frame outside this
// package and reports its module name. Enabled has no program counter
// to go by, so it pays for a short walk instead.
func callerModule() string {
	var pcs [callerDepth]uintptr
	n := runtime.Callers(3, pcs[:]) //nolint:mnd // skip Callers, callerModule, Enabled
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if m := moduleForFunction(frame.Function); m != "" && !strings.HasPrefix(m, "logger") {
			return m
		}
		if !more {
			return ""
		}
	}
}

// moduleForPC resolves the module name of the frame that produced a
// record.
func moduleForPC(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	return moduleForFunction(frame.Function)
}

// moduleForFunction maps a fully qualified function name to a module
// name: the package path below the repository root with slashes turned
// into dots, so "metrics/prometheus.(*Exporter).Start" becomes
// "metrics.prometheus". Functions outside this repository map to "".
func moduleForFunction(fn string) string {
	const root = "github.com/AltairaLabs/DispatchKit/"
	idx := strings.Index(fn, root)
	if idx == -1 {
		return ""
	}
	path := fn[idx+len(root):]
	if paren := strings.IndexByte(path, '('); paren != -1 {
		path = path[:paren]
	}
	if dot := strings.LastIndexByte(path, '.'); dot != -1 {
		path = path[:dot]
	}
	return strings.ReplaceAll(path, "/", ".")
}

package logger

import (
	"log/slog"
	"strings"
	"sync"
)

// Log format names accepted by Configure.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// ModuleConfig holds per-package log levels. Names are hierarchical
// with dot notation: "metrics.prometheus" is more specific than
// "metrics", and the most specific configured name wins.
type ModuleConfig struct {
	mu           sync.RWMutex
	defaultLevel slog.Level
	modules      map[string]slog.Level
}

// NewModuleConfig creates a ModuleConfig with the given default level.
func NewModuleConfig(defaultLevel slog.Level) *ModuleConfig {
	return &ModuleConfig{
		defaultLevel: defaultLevel,
		modules:      make(map[string]slog.Level),
	}
}

// SetModuleLevel sets the level for one module name.
func (m *ModuleConfig) SetModuleLevel(module string, level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[module] = level
}

// SetDefaultLevel sets the level used when no module name matches.
func (m *ModuleConfig) SetDefaultLevel(level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultLevel = level
}

// LevelFor resolves the level for module, trying the exact name first
// and then each ancestor up the dotted hierarchy.
func (m *ModuleConfig) LevelFor(module string) slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for {
		if level, ok := m.modules[module]; ok {
			return level
		}
		dot := strings.LastIndexByte(module, '.')
		if dot == -1 {
			return m.defaultLevel
		}
		module = module[:dot]
	}
}

// globalModuleConfig backs the module-aware handler installed by
// Configure.
var globalModuleConfig = NewModuleConfig(slog.LevelInfo)

// GetModuleConfig returns the module configuration Configure installed.
func GetModuleConfig() *ModuleConfig {
	return globalModuleConfig
}

// LoggingConfigSpec is the logging configuration applied by Configure.
// The daemon builds one from its environment settings at startup.
type LoggingConfigSpec struct {
	DefaultLevel string
	Format       string // FormatText or FormatJSON
	CommonFields map[string]string
	Modules      []ModuleLoggingSpec
}

// ModuleLoggingSpec sets the level for one module.
type ModuleLoggingSpec struct {
	Name  string
	Level string
}

// Configure rebuilds the global logger from cfg. A nil cfg is a no-op,
// and a handler installed via SetLogger is left in place.
func Configure(cfg *LoggingConfigSpec) error {
	if cfg == nil || customHandler != nil {
		return nil
	}

	defaultLevel := ParseLevel(cfg.DefaultLevel)

	var common []slog.Attr
	for k, v := range cfg.CommonFields {
		common = append(common, slog.String(k, v))
	}

	mc := NewModuleConfig(defaultLevel)
	for _, mod := range cfg.Modules {
		mc.SetModuleLevel(mod.Name, ParseLevel(mod.Level))
	}
	globalModuleConfig = mc

	opts := &slog.HandlerOptions{Level: defaultLevel}
	var base slog.Handler
	if cfg.Format == FormatJSON {
		base = slog.NewJSONHandler(logOutput, opts)
	} else {
		base = slog.NewTextHandler(logOutput, opts)
	}

	var handler slog.Handler
	if len(cfg.Modules) > 0 {
		handler = NewModuleHandler(base, mc, common...)
	} else {
		handler = NewContextHandler(base, common...)
	}

	DefaultLogger = slog.New(handler)
	slog.SetDefault(DefaultLogger)
	return nil
}

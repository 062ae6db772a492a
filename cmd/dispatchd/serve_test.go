package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/DispatchKit/config"
)

func specCommand(t *testing.T, verbose bool) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().Bool("verbose", false, "")
	if verbose {
		require.NoError(t, cmd.Flags().Set("verbose", "true"))
	}
	return cmd
}

func TestLoggingSpec(t *testing.T) {
	cfg := &config.Config{
		Logging: config.LoggingConfig{Level: "warn", Format: "json"},
	}

	spec := loggingSpec(specCommand(t, false), cfg)
	assert.Equal(t, "warn", spec.DefaultLevel)
	assert.Equal(t, "json", spec.Format)
	assert.Equal(t, map[string]string{"service": "dispatchd"}, spec.CommonFields)
	assert.Empty(t, spec.Modules)
}

func TestLoggingSpecVerboseWins(t *testing.T) {
	cfg := &config.Config{
		Logging: config.LoggingConfig{Level: "error", Format: "text"},
	}

	spec := loggingSpec(specCommand(t, true), cfg)
	assert.Equal(t, "debug", spec.DefaultLevel)
	assert.Equal(t, "text", spec.Format)
}

func TestLoggingSpecModuleLevels(t *testing.T) {
	cfg := &config.Config{
		Logging: config.LoggingConfig{
			Level:        "info",
			ModuleLevels: map[string]string{"pubsub": "debug", "slack": "warn"},
		},
	}

	spec := loggingSpec(specCommand(t, false), cfg)
	require.Len(t, spec.Modules, 2)

	got := map[string]string{}
	for _, m := range spec.Modules {
		got[m.Name] = m.Level
	}
	assert.Equal(t, cfg.Logging.ModuleLevels, got)
}

func TestRootCommandWiring(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "version")

	flag := rootCmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, flag)
	assert.Equal(t, "v", flag.Shorthand)
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AltairaLabs/DispatchKit/config"
	"github.com/AltairaLabs/DispatchKit/events"
	"github.com/AltairaLabs/DispatchKit/logger"
	"github.com/AltairaLabs/DispatchKit/metrics/prometheus"
	"github.com/AltairaLabs/DispatchKit/pubsub"
	"github.com/AltairaLabs/DispatchKit/sandbox"
	"github.com/AltairaLabs/DispatchKit/slack"
	"github.com/AltairaLabs/DispatchKit/task"
	"github.com/AltairaLabs/DispatchKit/version"
)

// shutdownTimeout bounds how long the metrics exporter gets to drain.
const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Serve connects to Slack over Socket Mode and runs tasks in Azure
Container Instances sandboxes until interrupted.

Configuration comes from the environment:

  SLACK_BOT_TOKEN        bot token for Web API calls (xoxb-...)
  SLACK_APP_TOKEN        app-level token for Socket Mode (xapp-...)
  REDIS_URL              redis:// URL for pub/sub and task state
  AZURE_SUBSCRIPTION_ID  subscription sandboxes run in
  AZURE_RESOURCE_GROUP   resource group for container groups
  MAX_CONCURRENT_TASKS   running-task ceiling (default 3)
  GITHUB_PAT             optional token for private repository clones
  SANDBOX_IMAGE          sandbox container image
  SANDBOX_LOCATION       Azure region (default japaneast)
  SANDBOX_CPU            CPU cores per sandbox (default 1)
  SANDBOX_MEMORY_GB      memory per sandbox in GB (default 2)
  METRICS_ADDR           Prometheus exporter address; empty disables
  LOG_LEVEL              debug, info, warn, error (default info)
  LOG_FORMAT             text or json (default text)
  LOG_MODULE_LEVELS      per-package overrides, e.g. "pubsub=debug"`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := logger.Configure(loggingSpec(cmd, cfg)); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting dispatchd", version.GetBuildInfo()...)

	bus := events.NewEventBus()
	defer bus.Close()

	ps, err := pubsub.NewClientFromURL(cfg.RedisURL, pubsub.WithEventBus(bus))
	if err != nil {
		return err
	}
	if err := ps.Connect(ctx); err != nil {
		return err
	}
	defer ps.Close()

	store := task.NewStore(ps)
	manager := task.NewManager(store,
		task.WithController(task.NewController(cfg.MaxConcurrentTasks)),
		task.WithEventBus(bus),
	)
	sandboxes := sandbox.NewManager(cfg.AzureSubscriptionID, cfg.AzureResourceGroup, cfg.Sandbox.Location,
		sandbox.WithEventBus(bus))

	api := slack.NewClient(cfg.SlackBotToken)
	notifier := task.NewNotifier(ps, api)
	questions := slack.NewQuestionHandler(ps, api, manager, notifier,
		slack.WithQuestionEventBus(bus))
	runner := task.NewRunner(cfg, manager, notifier, sandboxes, slack.NewResultPoster(api),
		task.WithQuestionListener(questions))
	bot := slack.NewBot(api, manager, runner, notifier, questions)
	socket := slack.NewSocketModeClient(cfg.SlackAppToken, bot)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		exporter := prometheus.NewExporter(cfg.MetricsAddr)
		unsubscribe := bus.SubscribeAll(prometheus.NewMetricsListener().Handle)
		defer unsubscribe()

		g.Go(func() error {
			logger.Info("Metrics exporter listening", "addr", cfg.MetricsAddr)
			if err := exporter.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return exporter.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		err := bot.Run(gctx, socket)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	logger.Info("dispatchd ready",
		"max_concurrent_tasks", cfg.MaxConcurrentTasks,
		"sandbox_image", cfg.Sandbox.Image)

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

// loggingSpec maps the daemon's logging settings onto the logger
// package. The verbose flag wins over LOG_LEVEL.
func loggingSpec(cmd *cobra.Command, cfg *config.Config) *logger.LoggingConfigSpec {
	spec := &logger.LoggingConfigSpec{
		DefaultLevel: cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		CommonFields: map[string]string{"service": "dispatchd"},
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		spec.DefaultLevel = "debug"
	}
	for name, level := range cfg.Logging.ModuleLevels {
		spec.Modules = append(spec.Modules, logger.ModuleLoggingSpec{Name: name, Level: level})
	}
	return spec
}

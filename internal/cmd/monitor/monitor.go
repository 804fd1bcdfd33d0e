package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/clambin/go-common/slackbot"
	"github.com/clambin/nabtag/internal/bot"
	"github.com/clambin/nabtag/internal/collector"
	"github.com/clambin/nabtag/internal/dispatcher"
	"github.com/clambin/nabtag/internal/executor"
	"github.com/clambin/nabtag/internal/health"
	"github.com/clambin/nabtag/internal/nabd"
	"github.com/clambin/nabtag/internal/nabtools"
	"github.com/clambin/nabtag/internal/nabweb"
	"github.com/clambin/nabtag/internal/notifier"
	"github.com/clambin/nabtag/internal/registry"
	"github.com/clambin/nabtag/internal/relay"
	"github.com/clambin/nabtag/internal/server"
	"github.com/clambin/nabtag/pkg/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var Cmd = cobra.Command{
	Use:   "monitor",
	Short: "Run the tag dispatcher",
	RunE:  run,
}

func run(cmd *cobra.Command, _ []string) error {
	var opts slog.HandlerOptions
	if viper.GetBool("debug") {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &opts))

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return Run(ctx, viper.GetViper(), prometheus.DefaultRegisterer, cmd.Root().Version, logger)
}

// A Task is one long-running component of the monitor. Tasks run until their
// context is canceled.
type Task interface {
	Run(ctx context.Context) error
}

type taskFunc func(ctx context.Context) error

func (f taskFunc) Run(ctx context.Context) error { return f(ctx) }

// Run loads the configuration and runs all tasks until ctx is done, or until
// one of them fails.
func Run(ctx context.Context, cfg *viper.Viper, reg prometheus.Registerer, version string, logger *slog.Logger) error {
	logger.Info("nabtag starting", slog.String("version", version))
	defer logger.Info("nabtag stopped")

	store := registry.New(tagsFile(cfg), cfg.GetString("relay.secretFile"), logger.With(slog.String("component", "registry")))
	if err := store.Load(); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, task := range makeTasks(cfg, store, reg, version, logger) {
		g.Go(func() error { return task.Run(ctx) })
	}
	g.Go(func() error { return watchReload(ctx, store, logger) })
	return g.Wait()
}

// tagsFile returns the path of the tags file: the configured one, or
// tags.yaml next to the config file.
func tagsFile(cfg *viper.Viper) string {
	if path := cfg.GetString("tags.file"); path != "" {
		return path
	}
	return filepath.Join(filepath.Dir(cfg.ConfigFileUsed()), "tags.yaml")
}

func makeTasks(cfg *viper.Viper, store *registry.Store, reg prometheus.Registerer, version string, l *slog.Logger) []Task {
	var tasks []Task

	scans := pubsub.New[nabd.ScanEvent](l.With(slog.String("component", "scans")))

	// Executor
	webhookMetrics := nabtools.NewCallMetrics("webhook", nil)
	nabwebMetrics := nabtools.NewCallMetrics("nabweb", nil)
	exec := executor.Executor{
		Registry: store,
		Scenes: &nabweb.Client{
			HTTPClient: nabtools.NewClient(cfg.GetDuration("nabweb.timeout"), nabwebMetrics),
			Retries:    cfg.GetInt("nabweb.retries"),
			Logger:     l.With(slog.String("component", "nabweb")),
		},
		WebhookClient:  nabtools.NewClient(cfg.GetDuration("executor.webhook.timeout"), webhookMetrics),
		CommandTimeout: cfg.GetDuration("executor.command.timeout"),
		WebhookTimeout: cfg.GetDuration("executor.webhook.timeout"),
		Logger:         l.With(slog.String("component", "executor")),
	}

	// Relay
	relayMetrics := nabtools.NewCallMetrics("relay", nil)
	relayClient := relay.Client{
		HTTPClient: nabtools.NewClient(cfg.GetDuration("relay.timeout"), relayMetrics),
		Registry:   store,
		Timeout:    cfg.GetDuration("relay.timeout"),
		Logger:     l.With(slog.String("component", "relay")),
	}

	// Dispatcher
	dispatchMetrics := dispatcher.NewMetrics()
	disp := dispatcher.New(scans, store, &exec, &relayClient, dispatchMetrics, dispatcher.Config{
		Debounce:      cfg.GetDuration("dispatcher.debounce"),
		MaxConcurrent: cfg.GetInt("dispatcher.maxConcurrent"),
	}, l.With(slog.String("component", "dispatcher")))
	tasks = append(tasks, disp)

	if reg != nil {
		reg.MustRegister(
			dispatchMetrics,
			webhookMetrics,
			nabwebMetrics,
			relayMetrics,
			&collector.Collector{Store: store, Logger: l.With(slog.String("component", "collector"))},
		)
	}

	// Reader
	if cfg.GetBool("reader.enabled") {
		tasks = append(tasks, nabd.NewReader(scans, store, nabd.Config{
			KeepAlive: cfg.GetDuration("reader.keepalive"),
			EarWiggle: cfg.GetBool("reader.earWiggle"),
		}, l.With(slog.String("component", "reader"))))
	}

	// Health Endpoint
	h := health.New(disp, store, l.With(slog.String("component", "health")))
	tasks = append(tasks, h)

	// HTTP API
	api := server.New(scans, store, disp, h, l.With(slog.String("component", "server")))
	tasks = append(tasks, taskFunc(func(ctx context.Context) error {
		return server.Serve(ctx, cfg.GetString("server.addr"), api, l.With(slog.String("component", "server")))
	}))

	// Prometheus exporter
	promMux := http.NewServeMux()
	promMux.Handle("/metrics", promhttp.Handler())
	tasks = append(tasks, taskFunc(func(ctx context.Context) error {
		return server.Serve(ctx, cfg.GetString("exporter.addr"), promMux, l.With(slog.String("component", "exporter")))
	}))

	// Notifiers. The slog notifier is always on; slack is added when a token
	// is configured.
	notifiers := notifier.Notifiers{notifier.SLogNotifier{Logger: l.With(slog.String("component", "notifier"))}}
	if token := cfg.GetString("slack.token"); token != "" {
		tagBot := slackbot.New(token,
			slackbot.WithName("nabtag "+version),
			slackbot.WithLogger(l.With(slog.String("component", "slackbot"))),
		)
		bot.New(tagBot, store, scans, l.With(slog.String("component", "bot")))
		tasks = append(tasks, tagBot)
		notifiers = append(notifiers, &notifier.SlackNotifier{
			Slack:   tagBot,
			Channel: cfg.GetString("slack.channel"),
			All:     cfg.GetString("slack.events") == "all",
			Logger:  l.With(slog.String("component", "notifier")),
		})
	}
	tasks = append(tasks, &notifier.Listener{
		Results:   disp,
		Notifiers: notifiers,
		Logger:    l.With(slog.String("component", "notifier")),
	})

	return tasks
}

// watchReload reloads the configuration on SIGHUP. A failed reload logs the
// error and keeps the active snapshot.
func watchReload(ctx context.Context, store *registry.Store, logger *slog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			logger.Info("reloading configuration")
			if err := store.Load(); err != nil {
				logger.Error("reload failed, keeping the active configuration", "err", err)
			}
		}
	}
}

// Command topology-listener watches the shards of a MongoDB cluster and
// publishes an event whenever a shard's primary host, region or provider
// changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prestonvasquez/topology-listener/bootstrap"
	"github.com/prestonvasquez/topology-listener/collector"
	"github.com/prestonvasquez/topology-listener/config"
	"github.com/prestonvasquez/topology-listener/logging"
	"github.com/prestonvasquez/topology-listener/metrics"
	"github.com/prestonvasquez/topology-listener/server"
	"github.com/prestonvasquez/topology-listener/sink"
	"github.com/prestonvasquez/topology-listener/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	shutdownTimeout = 30 * time.Second
	recentEvents    = 256
)

func main() {
	if err := newRootCommand(config.New(), run).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "topology-listener: %v\n", err)
		os.Exit(1)
	}
}

type runFunc func(ctx context.Context, cfg *config.Config) error

func newRootCommand(v *viper.Viper, runFn runFunc) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "topology-listener",
		Short: "Publish primary changes of a sharded MongoDB cluster",
		Long: `topology-listener connects to every shard of a cluster, publishes the
initial primary topology and then one event per changed primary host, region
or provider. The --uri pattern must hold two %s placeholders for the user and
password, for example mongodb+srv://%s:%s@cluster0.example.mongodb.net.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runFn(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "Path to a YAML configuration file")
	flags.String("uri", "", "Cluster URI with two %s placeholders for user and password")
	flags.String("user", "", "User login")
	flags.String("password", "", "User password")
	flags.Bool("tls", true, "Use TLS for shard connections")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "json", "Log format (json, console)")
	flags.String("nats-url", "", "Publish events to this NATS server")
	flags.String("nats-stream", "", "Publish through this JetStream stream")
	flags.String("admin-addr", "", "Serve the admin HTTP endpoint on this address")

	bindings := map[string]string{
		"mongo.uri":        "uri",
		"mongo.user":       "user",
		"mongo.password":   "password",
		"mongo.tls":        "tls",
		"logging.level":    "log-level",
		"logging.format":   "log-format",
		"sink.nats.url":    "nats-url",
		"sink.nats.stream": "nats-stream",
		"server.addr":      "admin-addr",
	}

	for key, name := range bindings {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	// An explicit --admin-addr turns the admin server on.
	cmd.PreRun = func(cmd *cobra.Command, _ []string) {
		if cmd.Flags().Changed("admin-addr") {
			v.Set("server.enabled", true)
		}
	}

	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := metrics.New(reg)
	recorder := sink.NewRecorder(recentEvents)

	publisher, closePublisher, err := newPublisher(cfg.Sink, logger, recorder)
	if err != nil {
		logger.Error("failed to set up event sinks", zap.Error(err))
		return err
	}
	defer closePublisher()

	cluster := bootstrap.New(bootstrap.Config{
		URI:               cfg.Mongo.URI,
		User:              cfg.Mongo.User,
		Password:          cfg.Mongo.Password,
		TLS:               cfg.Mongo.TLS,
		ReadPreference:    cfg.Mongo.ReadPreference,
		HeartbeatInterval: cfg.Mongo.HeartbeatInterval,
		ConnectTimeout:    cfg.Mongo.ConnectTimeout,
		CollectorOptions: []collector.Option{
			collector.WithTags(cfg.Mongo.RegionTag, cfg.Mongo.ProviderTag),
			collector.WithTimeout(cfg.Rescan.Timeout),
		},
	}, logger, m)

	s := store.New(cluster, publisher,
		store.WithLogger(logger),
		store.WithMetrics(m),
		store.WithRetry(cfg.Rescan.MaxRetries, cfg.Rescan.InitialBackoff, cfg.Rescan.MaxBackoff),
		store.WithMinInterval(cfg.Rescan.MinInterval))

	if err := cluster.Connect(ctx, s); err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		return err
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := cluster.Close(shutdownCtx); err != nil {
			logger.Warn("failed to close shard connections", zap.Error(err))
		}
	}()

	if err := s.Initiate(ctx); err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		return err
	}

	if cfg.Server.Enabled {
		h := server.NewHandler(s, cluster.Pool(), cluster.Commands(), recorder)
		srv := server.New(cfg.Server, h, reg, logger)

		if err := srv.Start(ctx); err != nil {
			logger.Error("failed to start admin server", zap.Error(err))
			return err
		}

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Warn("failed to stop admin server", zap.Error(err))
			}
		}()
	}

	logger.Info("listening for topology changes")

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("shutting down")

	return nil
}

// newPublisher builds the configured sinks. The recorder always receives
// events so the admin endpoint can show recent history.
func newPublisher(cfg config.SinkConfig, logger *zap.Logger, recorder *sink.Recorder) (sink.Publisher, func(), error) {
	publishers := sink.Multi{recorder}
	closeFn := func() {}

	if cfg.Console {
		publishers = append(publishers, sink.NewConsole(os.Stdout))
	}

	if cfg.Log {
		publishers = append(publishers, sink.NewLog(logger))
	}

	if cfg.NATS.URL != "" {
		natsCfg := sink.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Stream = cfg.NATS.Stream

		if cfg.NATS.SubjectPrefix != "" {
			natsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		}

		if cfg.NATS.MaxAge > 0 {
			natsCfg.MaxAge = cfg.NATS.MaxAge
		}

		n, err := sink.NewNATS(natsCfg, logger)
		if err != nil {
			return nil, nil, err
		}

		publishers = append(publishers, n)
		closeFn = n.Close
	}

	return publishers, closeFn, nil
}

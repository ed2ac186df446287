/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lemanapro/dutyscdp-bot/internal/config"
	"github.com/lemanapro/dutyscdp-bot/internal/db"
	"github.com/lemanapro/dutyscdp-bot/internal/dispatch"
	"github.com/lemanapro/dutyscdp-bot/internal/events"
	"github.com/lemanapro/dutyscdp-bot/internal/leadership"
	"github.com/lemanapro/dutyscdp-bot/internal/logging"
	"github.com/lemanapro/dutyscdp-bot/internal/provider"
	"github.com/lemanapro/dutyscdp-bot/internal/reconciler"
	"github.com/lemanapro/dutyscdp-bot/internal/reminder"
	"github.com/lemanapro/dutyscdp-bot/internal/server"
	"github.com/lemanapro/dutyscdp-bot/internal/telemetry"
	"github.com/lemanapro/dutyscdp-bot/internal/version"
)

var (
	logger     zerolog.Logger
	cfg        *config.Config
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "dutybot",
	Short: "dutyscdp-bot - on-call aggregation and duty notification service",
	Long:  "dutyscdp-bot aggregates on-call schedules from Loop and Grafana OnCall, publishes the merged duty snapshot over HTTP, and notifies sinks on every duty change.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the duty bot server",
	Long:  "Start the HTTP server, schedule reconciler, and notification dispatcher",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to the TOML configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.Setup(cfg.Environment)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Str("config", configPath).Msg("dutyscdp-bot starting")

	tracerProvider, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "dutyscdp-bot",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.TracingEnabled,
		SampleRate:     cfg.Telemetry.SampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}()

	gdb, err := db.Connect(cfg.Storage)
	if err != nil {
		return fmt.Errorf("connect storage: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return fmt.Errorf("migrate storage: %w", err)
	}
	defer func() {
		if err := db.Close(gdb); err != nil {
			logger.Error().Err(err).Msg("failed to close database")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	loopClient := provider.NewLoopClient(cfg.Loop, logger)

	lanes := []reconciler.Lane{{
		Provider: loopClient,
		Interval: cfg.Loop.PollInterval.Duration,
		Timeout:  cfg.Loop.Timeout.Duration,
	}}
	if cfg.OnCall != nil {
		lanes = append(lanes, reconciler.Lane{
			Provider: provider.NewOnCallClient(*cfg.OnCall, logger),
			Interval: cfg.OnCall.PollInterval.Duration,
			Timeout:  cfg.OnCall.Timeout.Duration,
		})
	}

	var gate reconciler.LeaderGate
	var election *leadership.Election
	if cfg.Leadership.Enabled {
		election, err = leadership.NewElection(leadership.ElectionConfig{
			RedisAddr:     cfg.Leadership.RedisAddr,
			RedisPassword: cfg.Leadership.RedisPassword,
			RedisDB:       cfg.Leadership.RedisDB,
			InstanceID:    cfg.Leadership.InstanceID,
		}, logger)
		if err != nil {
			return fmt.Errorf("leader election: %w", err)
		}
		election.Start(ctx)
		gate = election
		defer func() {
			if err := election.Stop(); err != nil {
				logger.Error().Err(err).Msg("failed to stop leader election")
			}
		}()
	}

	targets, closers, err := buildTargets(ctx, cfg, loopClient, bus)
	if err != nil {
		return err
	}
	defer func() {
		for _, closer := range closers {
			if err := closer(); err != nil {
				logger.Error().Err(err).Msg("sink shutdown failed")
			}
		}
	}()

	dispatcher := dispatch.New(targets, gdb, logger)
	rec := reconciler.New(lanes, dispatcher, bus, gate, logger)
	rec.Start(ctx)
	if election != nil {
		rec.FollowLeadership(ctx, election.LeaderCh())
	}

	srv := server.New(cfg, logger, rec, bus, gate, loopClient)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-quit:
	}

	logger.Info().Msg("shutting down gracefully...")

	timeoutCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	cancel()
	rec.Wait()
	dispatcher.Drain(15 * time.Second)

	logger.Info().Msg("dutyscdp-bot stopped")
	return nil
}

// buildTargets constructs notification sinks from config. The returned
// closers release sink resources after the dispatcher drains.
func buildTargets(ctx context.Context, cfg *config.Config, loopClient *provider.LoopClient, bus *events.Bus) ([]dispatch.Target, []func() error, error) {
	var targets []dispatch.Target
	var closers []func() error

	for _, sc := range cfg.Sinks {
		switch sc.Kind {
		case config.SinkWebhook:
			targets = append(targets, dispatch.Target{
				Sink:       dispatch.NewWebhookSink(sc.Name, sc.URL, sc.Secret),
				MaxRetries: sc.MaxRetries,
			})

		case config.SinkNATS:
			sink, err := dispatch.NewNATSSink(sc.Name, sc.NATSURL, sc.Subject)
			if err != nil {
				return nil, nil, fmt.Errorf("sink %q: %w", sc.Name, err)
			}
			targets = append(targets, dispatch.Target{Sink: sink, MaxRetries: sc.MaxRetries})
			closers = append(closers, sink.Close)

		case config.SinkLoop:
			channelID := sc.ChannelID
			if channelID == "" {
				channelID = cfg.Loop.ChannelID
			}
			mgr := reminder.NewManager(loopClient, reminder.Config{
				ChannelID:  channelID,
				Interval:   cfg.Notification.ReminderInterval.Duration,
				AckKeyword: cfg.Notification.AckKeyword,
			}, bus, logger)
			mgr.Start(ctx)
			targets = append(targets, dispatch.Target{Sink: mgr, MaxRetries: sc.MaxRetries})

		default:
			return nil, nil, fmt.Errorf("sink %q: unknown kind %q", sc.Name, sc.Kind)
		}
	}

	return targets, closers, nil
}

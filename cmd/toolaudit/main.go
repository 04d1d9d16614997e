package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	slacklib "github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/gosuda/toolaudit/internal/alert"
	"github.com/gosuda/toolaudit/internal/audit"
	"github.com/gosuda/toolaudit/internal/buffer"
	"github.com/gosuda/toolaudit/internal/config"
	"github.com/gosuda/toolaudit/internal/server"
	"github.com/gosuda/toolaudit/internal/shipper"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// A missing .env is fine; the environment may be set by the supervisor.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	// Initialize structured logging from environment.
	logLevel := os.Getenv("TOOLAUDIT_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("TOOLAUDIT_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	buf := buffer.New(cfg.Audit.BufferDir)

	// Build the shipper only when a sink is configured.
	var (
		ship    *shipper.Shipper
		drainer audit.Drainer
	)
	if cfg.SinkConfigured() {
		remote, closeSink, sinkErr := newSink(ctx, cfg)
		if sinkErr != nil {
			return sinkErr
		}
		defer closeSink()

		ship = shipper.New(buf, remote, shipper.Config{
			BatchSize:         cfg.Shipper.BatchSize,
			FlushInterval:     cfg.Shipper.FlushInterval,
			RetryAttempts:     cfg.Shipper.RetryAttempts,
			RetryDelay:        cfg.Shipper.RetryDelay,
			RequestTimeout:    cfg.Shipper.RequestTimeout,
			OnDeliveryFailure: cfg.Shipper.OnDeliveryFailure,
		}, shipperOptions(cfg)...)
		drainer = ship

		log.Info().
			Str("sink", remote.Name()).
			Int("batch_size", cfg.Shipper.BatchSize).
			Dur("flush_interval", cfg.Shipper.FlushInterval).
			Str("on_delivery_failure", string(cfg.Shipper.OnDeliveryFailure)).
			Msg("shipping enabled")
	} else {
		log.Warn().Str("dir", cfg.Audit.BufferDir).Msg("no sink configured; entries are buffered locally only")
	}

	auditor := audit.New(audit.Config{
		Source:    cfg.Audit.Source,
		SessionID: cfg.Audit.SessionID,
		Model:     cfg.Audit.Model,
	}, buf, drainer)

	if err := auditor.Init(ctx); err != nil {
		return err
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		deps := server.Deps{
			Source: cfg.Audit.Source,
			Buffer: buf,
			Logger: auditor,
		}
		if ship != nil {
			deps.Shipper = ship
		}
		srv = server.New(ctx, cfg.Server, deps)

		// Start server in background goroutine.
		go func() {
			log.Info().Str("addr", cfg.Server.Addr).Msg("starting ops server")
			if startErr := srv.Start(ctx); startErr != nil {
				log.Error().Err(startErr).Msg("server error")
				cancel()
			}
		}()
	}

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var shutdownErr error
	if srv != nil {
		shutdownErr = srv.Shutdown(shutdownCtx)
	}
	// The final drain runs after the ops API stops accepting entries.
	shutdownErr = errors.Join(shutdownErr, auditor.Shutdown(shutdownCtx))
	if shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}

func shipperOptions(cfg *config.Config) []shipper.Option {
	var opts []shipper.Option
	if cfg.Sink.RPS > 0 {
		opts = append(opts, shipper.WithLimiter(rate.NewLimiter(rate.Limit(cfg.Sink.RPS), 1)))
	}
	if cfg.AlertsConfigured() {
		notifier := alert.NewSlackNotifier(slacklib.New(cfg.Slack.BotToken), cfg.Slack.Channel, cfg.Audit.Source)
		opts = append(opts, shipper.WithNotifier(notifier))
		log.Info().Str("channel", cfg.Slack.Channel).Msg("slack delivery alerts enabled")
	}
	return opts
}

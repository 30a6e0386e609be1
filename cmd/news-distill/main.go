package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/ryosukesatoh/news-distill/internal/aggregator"
	"github.com/ryosukesatoh/news-distill/internal/config"
	"github.com/ryosukesatoh/news-distill/internal/fetcher"
	"github.com/ryosukesatoh/news-distill/internal/logging"
	"github.com/ryosukesatoh/news-distill/internal/news"
	"github.com/ryosukesatoh/news-distill/internal/notifier"
	"github.com/ryosukesatoh/news-distill/internal/provider"
	"github.com/ryosukesatoh/news-distill/internal/runner"
	"github.com/ryosukesatoh/news-distill/internal/server"
	"github.com/ryosukesatoh/news-distill/internal/state"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	once := flag.Bool("once", false, "run the pipeline once and exit")
	modeFlag := flag.String("mode", "", "run mode: incremental or full (overrides config)")
	flag.Parse()

	// A missing dotenv file is fine; the environment may already be set.
	_ = godotenv.Load(*envFile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	mode, err := resolveMode(*modeFlag, cfg.Mode)
	if err != nil {
		logger.Error("invalid mode", "error", err)
		os.Exit(1)
	}

	// SIGINT and SIGTERM cancel in-flight runs, including -once.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer app.store.Close()

	// Single-run mode: run the pipeline once and exit
	if *once {
		out := app.runner.Run(ctx, mode)
		if !out.Success() {
			app.store.Close()
			os.Exit(1)
		}
		return
	}

	var srv *server.Server
	if cfg.Server.Addr != "" {
		var digest server.DigestSource
		if app.web != nil {
			digest = app.web
		}
		srv = server.New(ctx, cfg.Server.Addr, app.runner, digest, logger)
		if err := srv.Start(); err != nil {
			logger.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}

	if cfg.RunOnStart {
		go scheduledRun(ctx, app.runner, mode, logger)
	}

	c := cron.New(cron.WithLocation(cfg.Location()))
	_, err = c.AddFunc(cfg.Schedule, func() {
		scheduledRun(ctx, app.runner, mode, logger)
	})
	if err != nil {
		logger.Error("failed to set up cron schedule", "schedule", cfg.Schedule, "error", err)
		os.Exit(1)
	}
	c.Start()
	logger.Info("scheduled digest", "schedule", cfg.Schedule, "timezone", cfg.Timezone, "mode", mode)

	<-ctx.Done()
	stop()
	logger.Info("shutting down")

	// Graceful shutdown
	<-c.Stop().Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}
	// Runs started on boot or over HTTP are not tracked by cron.
	if err := app.runner.Wait(shutdownCtx); err != nil {
		logger.Error("in-flight run did not finish", "error", err)
	}

	logger.Info("shutdown complete")
}

type app struct {
	store  state.Store
	runner *runner.Runner
	web    *notifier.Web
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := state.NewStore(ctx, cfg.State)
	if err != nil {
		return nil, err
	}

	chain, err := provider.FromConfig(cfg.Providers, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	agg := aggregator.New(chain, aggregator.OptionsFromConfig(cfg.Aggregator), logger)

	channels, web, err := notifier.FromConfig(cfg.Channels)
	if err != nil {
		store.Close()
		return nil, err
	}

	f, err := fetcher.FromConfig(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	r := runner.New(runner.Deps{
		Store:                   store,
		Fetcher:                 f,
		Aggregator:              agg,
		Channels:                channels,
		Policy:                  notifier.PolicyFromConfig(cfg.Notify, logger),
		CommitOnDeliveryFailure: cfg.State.CommitsOnDeliveryFailure(),
	}, logger)

	logger.Info("pipeline ready",
		"sources", f.Names(),
		"providers", chain.Names(),
		"channels", len(channels),
		"state", cfg.State.Backend)

	return &app{store: store, runner: r, web: web}, nil
}

// scheduledRun skips the tick when the previous run is still going.
func scheduledRun(ctx context.Context, r *runner.Runner, mode news.Mode, logger *slog.Logger) {
	if _, err := r.TryRun(ctx, mode); err != nil {
		logger.Warn("skipping scheduled run", "error", err)
	}
}

func resolveMode(flagValue, configValue string) (news.Mode, error) {
	if flagValue != "" {
		return news.ParseMode(flagValue)
	}
	return news.ParseMode(configValue)
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	_ "modernc.org/sqlite"

	"localcron/internal/api"
	"localcron/internal/clock"
	"localcron/internal/config"
	httptask "localcron/internal/handlers/http"
	"localcron/internal/handlers/shell"
	"localcron/internal/queue"
	"localcron/internal/scheduler"
	"localcron/internal/worker"
)

func runServe(args []string, stdout io.Writer) error {
	var configPath string
	overrides := config.Default()
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("LOCALCRON_CONFIG"), "YAML config file")
	flagSet.StringVar(&overrides.Addr, "addr", overrides.Addr, "HTTP bind address")
	flagSet.StringVar(&overrides.DBPath, "db", overrides.DBPath, "SQLite DB path")
	flagSet.IntVar(&overrides.Workers, "workers", overrides.Workers, "number of worker goroutines")
	flagSet.DurationVar(&overrides.PollInterval, "poll", overrides.PollInterval, "poll interval for queue")
	flagSet.StringVar(&overrides.LogLevel, "log-level", overrides.LogLevel, "trace, debug, info, warn or error")
	flagSet.StringVar(&overrides.Timezone, "timezone", "", "zone for schedules that do not name one (default: system zone)")
	flagSet.BoolVar(&overrides.StrictRanges, "strict", false, "reject bare values outside their field bounds")
	flagSet.BoolVar(&overrides.Debug, "debug", false, "mount pprof handlers under /debug/pprof")
	positional, err := parseFlags(flagSet, args, stdout)
	if err != nil {
		return err
	}
	if len(positional) > 0 {
		return fmt.Errorf("%w: unexpected argument %q", errUsage, positional[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, overrides, flagSet)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	zerolog.SetGlobalLevel(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

// applyFlags copies the flags set on the command line over cfg.
func applyFlags(cfg, flags *config.Config, flagSet *pflag.FlagSet) {
	set := map[string]func(){
		"addr":      func() { cfg.Addr = flags.Addr },
		"db":        func() { cfg.DBPath = flags.DBPath },
		"workers":   func() { cfg.Workers = flags.Workers },
		"poll":      func() { cfg.PollInterval = flags.PollInterval },
		"log-level": func() { cfg.LogLevel = flags.LogLevel },
		"timezone":  func() { cfg.Timezone = flags.Timezone },
		"strict":    func() { cfg.StrictRanges = flags.StrictRanges },
		"debug":     func() { cfg.Debug = flags.Debug },
	}
	flagSet.Visit(func(f *pflag.Flag) {
		if apply, ok := set[f.Name]; ok {
			apply()
		}
	})
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.EnsureSchema(db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	wall := clock.Real()
	repo := queue.NewSQLiteRepo(db, wall)
	if n, err := repo.RecoverStale(ctx, wall.Now()); err != nil {
		log.Warn().Err(err).Msg("failed to recover stale tasks")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale running tasks")
	}

	for _, job := range cfg.Jobs {
		sch, err := job.Schedule()
		if err != nil {
			return err
		}
		if _, err := repo.UpsertSchedule(ctx, sch); err != nil {
			return fmt.Errorf("store job %s: %w", job.Name, err)
		}
	}

	svc := scheduler.NewService(repo,
		scheduler.WithClock(wall),
		scheduler.WithLogger(log.Logger),
		scheduler.WithDefaultTimezone(cfg.Timezone),
		scheduler.WithStrictRanges(cfg.StrictRanges),
	)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	handlers := map[string]worker.Handler{
		"shell": shell.Shell{},
		"http":  httptask.HTTP{},
	}
	pool := worker.NewPool(repo, handlers, cfg.Workers, cfg.PollInterval, worker.WithClock(wall), worker.WithLogger(log.Logger))
	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(repo, svc, api.WithLogger(log.Logger), api.WithDebug(cfg.Debug)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-serveErr:
		log.Error().Err(err).Msg("http server failed")
	}

	cancel()
	svc.Stop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	<-poolDone
	return err
}

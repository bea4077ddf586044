package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orrn/runq/internal/api"
	"github.com/orrn/runq/internal/api/handlers"
	"github.com/orrn/runq/internal/archive"
	"github.com/orrn/runq/internal/config"
	"github.com/orrn/runq/internal/core"
	"github.com/orrn/runq/internal/logging"
	"github.com/orrn/runq/internal/runner"
	"github.com/orrn/runq/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.Setup(cfg.Logging)
	log.Info().Str("version", version).Str("config", cfgPath).Msg("starting runq")

	sender := webhook.NewSender(&cfg.Webhooks, log)
	sender.Start()

	launcher := runner.New(&cfg.Runner, log)
	sched := core.NewScheduler(&cfg.Scheduler, launcher, sender, log)

	jobHandler := handlers.NewJobHandler(sched)

	var archiveHandler *handlers.ArchiveHandler
	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.New(sched, &cfg.Archive, log)
		if err != nil {
			return err
		}
		if err := archiver.Start(); err != nil {
			return err
		}
		archiveHandler = handlers.NewArchiveHandler(archiver)
		log.Info().Str("path", cfg.Archive.Path).Str("schedule", cfg.Archive.SweepSchedule).Msg("archiver enabled")
	}

	router := api.NewRouter(log, jobHandler, archiveHandler)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := sched.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("scheduler drain incomplete")
	}
	if archiver != nil {
		archiver.Stop()
	}
	sender.Stop()

	log.Info().Msg("stopped")
	return nil
}

/* Copyright (c) 2025 perf-reporting authors
 * SPDX-License-Identifier: BSD-3-Clause */
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robbywh/perf-reporting/internal/adapters/clickup"
	"github.com/robbywh/perf-reporting/internal/adapters/gitlab"
	"github.com/robbywh/perf-reporting/internal/adapters/telegram"
	"github.com/robbywh/perf-reporting/internal/config"
	"github.com/robbywh/perf-reporting/internal/domain"
	httpapi "github.com/robbywh/perf-reporting/internal/http"
	"github.com/robbywh/perf-reporting/internal/jobs"
	"github.com/robbywh/perf-reporting/internal/logger"
	"github.com/robbywh/perf-reporting/internal/migrations"
	"github.com/robbywh/perf-reporting/internal/repo"
	"github.com/robbywh/perf-reporting/internal/services"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MigrateOnStart {
		if err := migrations.Run(ctx, cfg.DBDSN, log); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
	}

	// DB
	db := repo.MustOpen(ctx, cfg, log)
	defer db.Close()
	repository := repo.NewRepository(db, log)

	// Adapters are built per organization from its settings row.
	newTaskSource := func(s domain.OrgSettings) services.TaskSource {
		return clickup.NewClient(s, cfg.HTTPTimeout, log)
	}
	newCodeHost := func(s domain.OrgSettings) services.CodeHost {
		return gitlab.NewClient(s, cfg.HTTPTimeout, log)
	}
	tg := telegram.NewClient(cfg, log)

	svc := services.NewService(cfg, log, repository, newTaskSource, newCodeHost, tg)

	// HTTP server (Gin)
	router := httpapi.NewRouter(cfg, log, svc)

	// Cron
	cron := jobs.NewCron(cfg, log, svc, repository)
	cron.Start()
	defer cron.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- router.Run(cfg.HTTPAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down...")
	case err := <-errCh:
		if err != nil { log.Error().Err(err).Msg("http server error") }
	}

	time.Sleep(500 * time.Millisecond)
}

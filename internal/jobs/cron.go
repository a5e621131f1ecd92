package jobs

import (
	"context"
	"time"

	"github.com/robbywh/perf-reporting/internal/config"
	"github.com/robbywh/perf-reporting/internal/repo"
	"github.com/robbywh/perf-reporting/internal/services"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type service interface {
	SyncAll(ctx context.Context, reviewerIDs []int64) (services.SyncSummary, error)
}

type Cron struct {
	cfg  config.Config
	log  zerolog.Logger
	svc  service
	repo *repo.Repository
	c    *cron.Cron
}

func NewCron(cfg config.Config, log zerolog.Logger, svc service, r *repo.Repository) *Cron {
	loc, _ := time.LoadLocation(cfg.TZ)
	c := cron.New(cron.WithLocation(loc), cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)))
	cr := &Cron{cfg: cfg, log: log, svc: svc, repo: r, c: c}
	_, _ = c.AddFunc(cfg.SyncCron, cr.nightly)
	return cr
}

func (cr *Cron) Start() { cr.c.Start() }
func (cr *Cron) Stop()  { cr.c.Stop() }

func (cr *Cron) nightly() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	// Advisory lock so only one replica runs the nightly sync.
	const lockKey int64 = 424245
	ok, err := cr.repo.TryAdvisoryLock(ctx, lockKey)
	if err != nil { cr.log.Error().Err(err).Msg("cron: lock error"); return }
	if !ok { cr.log.Info().Msg("cron: already running elsewhere"); return }
	defer func() { _ = cr.repo.AdvisoryUnlock(context.Background(), lockKey) }()
	cr.log.Info().Msg("cron: nightly sync")
	sum, err := cr.svc.SyncAll(ctx, nil)
	if err != nil { cr.log.Error().Err(err).Msg("cron: sync failed"); return }
	cr.log.Info().Int("orgs", sum.OrganizationsProcessed).Int("failed", sum.OrganizationsFailed).Int("tasks", sum.TasksUpdated).Msg("cron: sync done")
}

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	appLog "schedsync/internal/log"
	"schedsync/internal/web"
)

// cronLogger adapts the kv logger to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}

// Run syncs once, then on the configured schedule, and serves the status API
// until ctx is cancelled. Overlapping scheduled runs are skipped.
func (a *App) Run(ctx context.Context) error {
	a.baseCtx = ctx

	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(a.cfg.Location()),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(a.cfg.RefreshCron, func() { a.scheduled(ctx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", a.cfg.RefreshCron, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return web.NewServer(a.cfg, a).Serve(gctx)
	})
	g.Go(func() error {
		a.scheduled(gctx)
		if gctx.Err() != nil {
			return nil
		}
		c.Start()
		appLog.Info("scheduler started", "refresh", a.cfg.RefreshCron, "timezone", a.cfg.Timezone)
		<-gctx.Done()
		// 진행 중인 sync 가 다음 배치 경계에 도달할 때까지 기다린다.
		<-c.Stop().Done()
		appLog.Info("scheduler stopped")
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) scheduled(ctx context.Context) {
	report, err := a.Sync(ctx)
	if err != nil {
		appLog.Error("scheduled sync failed", err, "run_id", report.RunID)
		return
	}
	if !report.OK() {
		appLog.Warn("scheduled sync finished with failures", "run_id", report.RunID, "failed", report.Failed())
	}
}

package recurring

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/promptcraft/billing/pkg/config"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/tool"
)

var Module = fx.Options(
	fx.Provide(NewService),
	fx.Invoke(RegisterSchedule),
)

// RegisterSchedule runs the batch in-process on cron.schedule. An empty
// schedule leaves triggering to the HTTP cron endpoint. The redis lock keeps
// both triggers from charging twice.
func RegisterSchedule(lc fx.Lifecycle, cfg *config.Config, svc *Service, log *zap.SugaredLogger) error {
	if cfg.Cron.Schedule == "" {
		log.Infow("billing schedule disabled")
		return nil
	}
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger{log})))
	_, err := c.AddFunc(cfg.Cron.Schedule, func() {
		ctx := logctx.WithTraceID(context.Background(), tool.GenerateUUIDV7())
		res, err := svc.Run(ctx)
		if err != nil {
			logctx.FromCtx(ctx, log).Errorw("billing_batch_failed", "error", err)
			return
		}
		logctx.FromCtx(ctx, log).Infow("billing_batch_finished", "skipped", res.Skipped, "charged", len(res.Results))
	})
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.Start()
			log.Infow("billing schedule started", "schedule", cfg.Cron.Schedule)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			done := c.Stop()
			select {
			case <-done.Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ log *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

package credit

import (
	"context"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"

	xerrors "blossom-gate/internal/errors"
	"blossom-gate/pkg/logger"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule 校验对账计划表达式，支持标准五段式与 @every 描述符。
func ParseSchedule(spec string) (cron.Schedule, error) {
	schedule, err := scheduleParser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "对账计划表达式无效",
			xerrors.WithMetadata("schedule", spec))
	}
	return schedule, nil
}

// RunSchedule 按计划周期性执行 Sweep，直到 ctx 结束。上一轮未结束时跳过本轮。
func (f *Finalizer) RunSchedule(ctx context.Context, spec string) error {
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Named("credit.cron").Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := f.Sweep(ctx); err != nil && ctx.Err() == nil {
			f.logger.Warn("定时对账存在失败记录", slog.Any("error", err))
		}
	}))
	c.Start()
	f.logger.Info("定时对账已启动", slog.String("schedule", spec))

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

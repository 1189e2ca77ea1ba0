// Package loop runs periodic work on a cron schedule.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/specialistvlad/seqflow/internal/ctxlog"
)

// Every runs fn once, then every interval until ctx is done. A run still in
// progress when the next one is due causes that tick to be skipped. Every
// returns after the last run has finished.
func Every(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) error {
	if interval <= 0 {
		return fmt.Errorf("%s: interval must be positive, got %s", name, interval)
	}
	logger := ctxlog.FromContext(ctx).With("loop", name)
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cronLogger{logger}),
	))
	job := cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		fn(ctx)
		logger.Debug("Loop iteration finished.", "duration", time.Since(start))
	})
	id, err := c.AddJob(fmt.Sprintf("@every %s", interval), job)
	if err != nil {
		return fmt.Errorf("%s: schedule: %w", name, err)
	}

	// The first run goes through the same chain so it counts as running.
	var first sync.WaitGroup
	first.Add(1)
	go func() {
		defer first.Done()
		c.Entry(id).WrappedJob.Run()
	}()
	c.Start()
	logger.Info("🔁 Loop started.", "interval", interval)

	<-ctx.Done()
	<-c.Stop().Done()
	first.Wait()
	logger.Info("🏁 Loop stopped.")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}

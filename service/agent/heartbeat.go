package agent

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dstorage/go-dstor/submodule/metrics"
)

// every fires at a fixed interval from the previous activation; cron's own
// @every rounds to whole seconds.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

type cronLogger struct {
	*zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Errorw(msg, append(keysAndValues, "error", err)...)
}

// startHeartbeat schedules ping every HeartbeatInterval and returns the job
// so the caller can fire it once more. Overlapping runs are skipped.
func (a *Agent) startHeartbeat(ctx context.Context) cron.Job {
	cl := cronLogger{logger}
	a.cron = cron.New(cron.WithLogger(cl))

	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		a.heartbeat(ctx)
	}))
	a.cron.Schedule(every(a.cfg.HeartbeatInterval), job)
	a.cron.Start()

	logger.Infow("heartbeat scheduled", "identity", a.self, "interval", a.cfg.HeartbeatInterval)
	return job
}

// heartbeat pings once. Failures are logged and recorded; the next tick
// tries again.
func (a *Agent) heartbeat(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	tick := time.Now()
	err := a.send(ctx, "ping", a.deps.Registry.Ping)

	a.lk.Lock()
	if err != nil {
		a.lastBeatErr = err.Error()
	} else {
		a.lastBeat = tick.Unix()
		a.lastBeatErr = ""
	}
	a.lk.Unlock()

	if err != nil {
		metrics.Inc(ctx, metrics.HeartbeatFailure)
		logger.Errorw("heartbeat failed", "identity", a.self, "tick", tick.Format(time.RFC3339), "error", err)
		return
	}

	metrics.Inc(ctx, metrics.HeartbeatSuccess)
	logger.Debugw("heartbeat", "identity", a.self, "tick", tick.Format(time.RFC3339))

	if n, err := a.readNode(ctx); err == nil {
		a.setNode(n)
	}
}

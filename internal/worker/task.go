package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/loader"
	"github.com/JakeFAU/crawlfrontier/internal/progress"
)

const recordTimeout = 5 * time.Second

// Task owns exactly one entry for its lifetime.
type Task struct {
	ID      string
	Entry   *crawler.Entry
	Mode    loader.Mode
	Started time.Time

	cancel context.CancelFunc
	pool   *Pool
}

func (t *Task) run(ctx context.Context) {
	p := t.pool
	defer p.release(t)
	defer t.Entry.SetStatus(crawler.StatusFinalized)
	defer func() {
		if r := recover(); r != nil {
			t.fail(ctx, fmt.Sprintf("%v - in worker", r))
		}
	}()

	t.emit(progress.StageTaskStart, "")

	t.Entry.SetStatus(crawler.StatusCheckingRobots)
	if reason := p.loader.CheckRobots(ctx, t.Entry); reason != "" {
		t.fail(ctx, reason)
		return
	}

	t.Entry.SetStatus(crawler.StatusLoading)
	if reason := p.loader.Fetch(ctx, t.Entry, t.Mode); reason != "" {
		if err := ctx.Err(); err != nil {
			reason = fmt.Sprintf("%v - in worker", err)
		}
		t.fail(ctx, reason)
		return
	}

	t.Entry.SetStatus(crawler.StatusProcessed)
	t.emit(progress.StageTaskDone, "")
	p.logger.Debug("worker processed entry",
		zap.String("task_id", t.ID),
		zap.String("url", t.Entry.URL),
	)
}

// fail records the entry in the error log. The write survives cancellation of
// the task so interrupted work is still accounted for.
func (t *Task) fail(ctx context.Context, reason string) {
	p := t.pool
	t.Entry.SetStatus(crawler.StatusFinalized)
	p.logger.Info("worker failed",
		zap.String("task_id", t.ID),
		zap.String("url", t.Entry.URL),
		zap.String("reason", reason),
	)
	t.emit(progress.StageTaskError, reason)
	if p.errLog == nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	e := p.errLog.NewEntry(t.Entry, p.cfg.Executor, p.clock.Now(), 1, reason)
	if err := e.Store(wctx); err != nil {
		p.logger.Error("store error log entry", zap.String("url", t.Entry.URL), zap.Error(err))
		return
	}
	if err := p.errLog.Push(wctx, e); err != nil {
		p.logger.Error("push error log entry", zap.String("url", t.Entry.URL), zap.Error(err))
	}
}

func (t *Task) emit(stage progress.Stage, reason string) {
	now := t.pool.clock.Now()
	evt := progress.Event{
		TaskID:  t.ID,
		TS:      now,
		Stage:   stage,
		Mode:    t.Mode.String(),
		Hash:    t.Entry.Hash,
		URL:     t.Entry.URL,
		Profile: t.Entry.ProfileHandle,
		Reason:  reason,
	}
	if stage != progress.StageTaskStart {
		evt.Dur = max(now.Sub(t.Started), 0)
	}
	t.pool.cfg.Events.Emit(evt)
}

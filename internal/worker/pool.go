// Package worker runs one fetch task per crawl entry inside a bounded pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/loader"
	"github.com/JakeFAU/crawlfrontier/internal/metrics"
	"github.com/JakeFAU/crawlfrontier/internal/outcome"
	"github.com/JakeFAU/crawlfrontier/internal/progress"
)

// ErrPoolFull is returned by TryStart when every slot is taken.
var ErrPoolFull = errors.New("worker pool full")

// ErrPoolClosed is returned by TryStart after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Loader is the part of the protocol loader a task needs.
type Loader interface {
	CheckRobots(ctx context.Context, entry *crawler.Entry) string
	Fetch(ctx context.Context, entry *crawler.Entry, mode loader.Mode) string
}

// ErrorLog receives entries whose fetch did not succeed.
type ErrorLog interface {
	NewEntry(entry *crawler.Entry, executor string, when time.Time, workCount int, reason string) *outcome.Entry
	Push(ctx context.Context, e *outcome.Entry) error
}

// Config controls pool size and the executor id written to the error log.
type Config struct {
	Max      int
	Executor string
	// Events receives task lifecycle events; nil discards them.
	Events progress.Emitter
}

// Pool bounds the number of concurrent fetch tasks.
type Pool struct {
	cfg    Config
	sem    *semaphore.Weighted
	loader Loader
	errLog ErrorLog
	clock  crawler.Clock
	ids    crawler.IDGenerator
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	active atomic.Int64
	tasks  sync.Map
	wg     sync.WaitGroup
}

// NewPool builds a Pool.
func NewPool(
	cfg Config,
	l Loader,
	errLog ErrorLog,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	logger *zap.Logger,
) *Pool {
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	if cfg.Events == nil {
		cfg.Events = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.Max)),
		loader: l,
		errLog: errLog,
		clock:  clock,
		ids:    ids,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Max returns the slot count.
func (p *Pool) Max() int { return p.cfg.Max }

// Executor returns the id written to error log entries.
func (p *Pool) Executor() string { return p.cfg.Executor }

// Size returns the number of running tasks.
func (p *Pool) Size() int { return int(p.active.Load()) }

// TryStart launches a task for entry if a slot is free. It never blocks.
func (p *Pool) TryStart(entry *crawler.Entry, mode loader.Mode) (string, error) {
	if p.closed.Load() {
		return "", ErrPoolClosed
	}
	if !p.sem.TryAcquire(1) {
		return "", ErrPoolFull
	}
	id, err := p.ids.NewID()
	if err != nil {
		p.sem.Release(1)
		return "", fmt.Errorf("task id: %w", err)
	}
	ctx, cancel := context.WithCancel(p.ctx)
	task := &Task{
		ID:      id,
		Entry:   entry,
		Mode:    mode,
		Started: p.clock.Now(),
		cancel:  cancel,
		pool:    p,
	}
	entry.LoadDate = task.Started
	entry.SetStatus(crawler.StatusInitialized)
	p.tasks.Store(id, task)
	metrics.SetActiveWorkers(int(p.active.Add(1)))
	p.wg.Add(1)
	go task.run(ctx)
	return id, nil
}

func (p *Pool) release(t *Task) {
	t.cancel()
	p.tasks.Delete(t.ID)
	metrics.SetActiveWorkers(int(p.active.Add(-1)))
	p.sem.Release(1)
	p.wg.Done()
}

// Tasks returns a snapshot of the running tasks, oldest first.
func (p *Pool) Tasks() []*Task {
	var out []*Task
	p.tasks.Range(func(_, v any) bool {
		out = append(out, v.(*Task))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Entries returns the entries owned by running tasks.
func (p *Pool) Entries() []*crawler.Entry {
	tasks := p.Tasks()
	out := make([]*crawler.Entry, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Entry)
	}
	return out
}

// Find returns the running entry for hash.
func (p *Pool) Find(hash string) (*crawler.Entry, bool) {
	var found *crawler.Entry
	p.tasks.Range(func(_, v any) bool {
		if t := v.(*Task); t.Entry.Hash == hash {
			found = t.Entry
			return false
		}
		return true
	})
	return found, found != nil
}

// Close interrupts every running task and refuses new ones. It does not wait.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()
}

// Wait blocks until every started task has finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

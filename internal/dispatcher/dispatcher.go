// Package dispatcher runs the crawl scheduling jobs on their intervals.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is one periodically invoked scheduling function. Run reports whether it
// did any work; a job that worked is called again after Busy instead of
// Interval.
type Job struct {
	Name     string
	Interval time.Duration
	Busy     time.Duration
	Run      func(ctx context.Context) bool
}

// Dispatcher drives a set of jobs, each on its own goroutine, and any
// long-running services that live as long as the jobs do.
type Dispatcher struct {
	jobs     []Job
	services []func(ctx context.Context) error
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(logger *zap.Logger, jobs ...Job) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{jobs: jobs, logger: logger.Named("dispatcher")}
}

// Go adds a service that runs alongside the jobs. A service returning an error
// other than context.Canceled stops the dispatcher.
func (d *Dispatcher) Go(service func(ctx context.Context) error) {
	d.services = append(d.services, service)
}

// Run starts every job and service and blocks until ctx is done or a service
// fails.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range d.jobs {
		if job.Run == nil || job.Interval <= 0 {
			d.logger.Warn("skipping job without schedule", zap.String("job", job.Name))
			continue
		}
		g.Go(func() error {
			d.loop(gctx, job)
			return nil
		})
	}
	for _, service := range d.services {
		g.Go(func() error {
			if err := service(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err //nolint:wrapcheck // service errors are already descriptive
	}
	return nil
}

func (d *Dispatcher) loop(ctx context.Context, job Job) {
	d.logger.Info("job started", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("job stopped", zap.String("job", job.Name))
			return
		case <-timer.C:
		}
		wait := job.Interval
		if job.Run(ctx) && job.Busy > 0 {
			wait = job.Busy
		}
		timer.Reset(wait)
	}
}

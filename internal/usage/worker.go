package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Job is a periodic maintenance task run by the Worker.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Worker runs the aggregator and other maintenance jobs on fixed intervals.
type Worker struct {
	jobs   []Job
	logger *slog.Logger

	started    atomic.Bool
	cancelLoop context.CancelFunc
	wg         sync.WaitGroup
}

// NewWorker returns a worker for jobs. Jobs with a non-positive interval
// are skipped.
func NewWorker(logger *slog.Logger, jobs ...Job) *Worker {
	return &Worker{jobs: jobs, logger: logger}
}

// AggregateJob recomputes current-period usage every interval.
func AggregateJob(a *Aggregator, interval time.Duration) Job {
	return Job{Name: "aggregate", Interval: interval, Run: func(ctx context.Context) error {
		_, err := a.RunOnce(ctx)
		return err
	}}
}

// RetentionJob deletes telemetry older than retention every interval.
func RetentionJob(a *Aggregator, interval, retention time.Duration) Job {
	return Job{Name: "telemetry_retention", Interval: interval, Run: func(ctx context.Context) error {
		_, err := a.SweepRetention(ctx, retention)
		return err
	}}
}

// Start launches one loop per job. Calling it twice is a no-op.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("usage worker: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	for _, j := range w.jobs {
		if j.Interval <= 0 {
			continue
		}
		w.wg.Add(1)
		go w.loop(loopCtx, j)
	}
}

// Drain stops every loop and waits for in-flight runs or ctx expiry.
func (w *Worker) Drain(ctx context.Context) {
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("usage worker: drain timed out")
	}
}

func (w *Worker) loop(ctx context.Context, j Job) {
	defer w.wg.Done()
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, j.Interval)
			if err := j.Run(runCtx); err != nil {
				w.logger.Error("usage worker: job failed", "job", j.Name, "error", err)
			}
			cancel()
		}
	}
}

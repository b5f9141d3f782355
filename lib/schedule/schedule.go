// Package schedule runs periodic jobs with skip-on-overlap semantics.
//
// A Job fires once on Start and then on every interval. Ticks of the same
// job never run concurrently: a firing that finds the previous tick still
// running is skipped, not queued. Ticks run detached from the cancellation
// of the Start context so in-flight writes are never aborted half way;
// Wait blocks until the last tick returns.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"refsync/lib/sl"
	"sync"
	"sync/atomic"
	"time"
)

// TickerFunc returns a tick channel and a stop function.
type TickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type Job struct {
	name      string
	interval  time.Duration
	run       func(ctx context.Context)
	log       *slog.Logger
	newTicker TickerFunc
	running   sync.Mutex
	wg        sync.WaitGroup
	skipped   atomic.Int64
	done      chan struct{}
}

func New(name string, interval time.Duration, run func(ctx context.Context), log *slog.Logger) *Job {
	return &Job{
		name:      name,
		interval:  interval,
		run:       run,
		log:       log.With(sl.Module("schedule"), slog.String("job", name)),
		newTicker: realTicker,
		done:      make(chan struct{}),
	}
}

// WithTicker replaces the wall-clock ticker, used by tests to drive ticks.
func (j *Job) WithTicker(f TickerFunc) *Job {
	j.newTicker = f
	return j
}

func (j *Job) Name() string {
	return j.name
}

// Skipped reports how many firings were dropped because a tick was running.
func (j *Job) Skipped() int64 {
	return j.skipped.Load()
}

// Start fires the job immediately and then on every interval until ctx is
// cancelled. It returns at once; use Wait to block until the loop and the
// last tick have finished.
func (j *Job) Start(ctx context.Context) {
	ticks, stop := j.newTicker(j.interval)
	j.log.With(slog.Duration("interval", j.interval)).Info("job started")

	go func() {
		defer close(j.done)
		defer stop()
		j.trigger(ctx)
		for {
			select {
			case <-ticks:
				j.trigger(ctx)
			case <-ctx.Done():
				j.log.Info("job stopping")
				j.wg.Wait()
				return
			}
		}
	}()
}

// Wait blocks until a started job has stopped.
func (j *Job) Wait() {
	<-j.done
}

// Fire runs one tick synchronously. It returns false when a tick of the
// same job is already running.
func (j *Job) Fire(ctx context.Context) bool {
	if !j.running.TryLock() {
		j.skipped.Add(1)
		return false
	}
	defer j.running.Unlock()
	j.safeRun(context.WithoutCancel(ctx))
	return true
}

func (j *Job) trigger(ctx context.Context) {
	if !j.running.TryLock() {
		n := j.skipped.Add(1)
		j.log.With(slog.Int64("skipped", n)).Warn("previous tick still running; skipping")
		return
	}
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer j.running.Unlock()
		j.safeRun(context.WithoutCancel(ctx))
	}()
}

func (j *Job) safeRun(ctx context.Context) {
	t1 := time.Now()
	defer func() {
		if r := recover(); r != nil {
			j.log.Error("tick panicked", sl.Err(fmt.Errorf("%v", r)))
			return
		}
		j.log.With(slog.Duration("duration", time.Since(t1))).Debug("tick completed")
	}()
	j.run(ctx)
}

// Package rollover drives the monthly period pointer: it republishes the live
// leaderboard on every tick and finalizes the previous period when a month
// boundary is crossed.
package rollover

import (
	"context"
	"fmt"
	"log/slog"
	"refsync/entity"
	"refsync/internal/payout"
	"refsync/internal/period"
	"refsync/lib/clock"
	"refsync/lib/sl"
	"sync"
	"time"
)

type Aggregator interface {
	Aggregate(ctx context.Context, key period.Key) (*entity.Leaderboard, error)
}

// Publisher posts leaderboards. Publishing the same period twice updates the
// earlier post.
type Publisher interface {
	PublishLive(ctx context.Context, lb *entity.Leaderboard) error
	PublishFinal(ctx context.Context, lb *entity.Leaderboard) error
}

type Notifier interface {
	Notify(ctx context.Context, key period.Key, qualified map[string]int) payout.Result
}

type Controller struct {
	agg      Aggregator
	pub      Publisher
	notifier Notifier
	cal      period.Calendar
	clock    clock.Clock
	timeout  time.Duration
	log      *slog.Logger

	// mu serializes ticks and manual finalization and guards lastSeen.
	mu       sync.Mutex
	lastSeen period.Key
}

func NewController(agg Aggregator, pub Publisher, notifier Notifier, cal period.Calendar, clk clock.Clock, timeout time.Duration, log *slog.Logger) *Controller {
	if clk == nil {
		clk = clock.System()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Controller{
		agg:      agg,
		pub:      pub,
		notifier: notifier,
		cal:      cal,
		clock:    clk,
		timeout:  timeout,
		log:      log.With(sl.Module("rollover")),
	}
}

// LastSeen returns the current period pointer; empty until the first tick.
func (c *Controller) LastSeen() period.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Tick advances the state machine by one step. It never fails: collaborator
// errors are logged and the work is retried on a later tick.
func (c *Controller) Tick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cal.Current(c.clock.Now())
	log := c.log.With(sl.Period(now))

	switch {
	case c.lastSeen.IsZero():
		c.lastSeen = now
		log.Info("period pointer initialized")
	case c.lastSeen == now:
	case now < c.lastSeen:
		log.With(slog.String("last_seen", c.lastSeen.String())).Warn("clock moved behind last seen period")
	default:
		prev := now.Previous()
		log.With(
			slog.String("last_seen", c.lastSeen.String()),
			slog.String("finalizing", prev.String()),
		).Info("period boundary crossed")
		if _, err := c.finalize(ctx, prev); err != nil {
			// pointer stays, the next tick retries
			log.Error("finalizing previous period", sl.Err(err))
		} else {
			c.lastSeen = now
		}
	}

	if err := c.publishLive(ctx, now); err != nil {
		log.Warn("publishing live leaderboard", sl.Err(err))
	}
}

// Finalize re-runs finalization of key on demand. It is safe to repeat for
// any period: the final post is updated in place and a member is never
// notified for a period at or before the last one they were notified for.
func (c *Controller) Finalize(ctx context.Context, key period.Key) (payout.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalize(ctx, key)
}

func (c *Controller) finalize(ctx context.Context, key period.Key) (payout.Result, error) {
	log := c.log.With(sl.Period(key))

	lb, err := c.agg.Aggregate(ctx, key)
	if err != nil {
		return payout.Result{}, fmt.Errorf("aggregate %s: %w", key, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err = c.pub.PublishFinal(callCtx, lb)
	cancel()
	if err != nil {
		log.Warn("publishing final leaderboard", sl.Err(err))
	}

	res := c.notifier.Notify(ctx, key, lb.Qualified)
	log.With(
		slog.Int("invites", lb.TotalInvites),
		slog.Int("qualified", lb.TotalQualified),
		slog.Int("sent", res.Sent),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
		sl.Topic(entity.TopicPayout),
	).Info("period finalized")
	return res, nil
}

func (c *Controller) publishLive(ctx context.Context, key period.Key) error {
	lb, err := c.agg.Aggregate(ctx, key)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.pub.PublishLive(callCtx, lb)
}

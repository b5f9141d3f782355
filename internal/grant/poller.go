// Package grant promotes approved applicants in batches. Each application is
// granted at most once: a granted record no longer matches the batch query.
package grant

import (
	"context"
	"fmt"
	"log/slog"
	"refsync/entity"
	"refsync/lib/clock"
	"refsync/lib/sl"
	"time"
)

const (
	DefaultBatch       = 25
	DefaultMaxAttempts = 5
)

type Store interface {
	// QueryApprovedUngranted returns at most limit approved applications that
	// are not granted yet and have fewer than maxAttempts failed grants.
	QueryApprovedUngranted(ctx context.Context, limit, maxAttempts int) ([]*entity.Application, error)
	MarkGranted(ctx context.Context, memberID string, at time.Time) error
	MarkGrantFailed(ctx context.Context, memberID, reason string) error
}

// Granter performs the external side effect of a grant.
type Granter interface {
	Grant(ctx context.Context, app *entity.Application) error
}

type Options struct {
	Batch       int
	MaxAttempts int
	Timeout     time.Duration
}

// Result counts what one poll did.
type Result struct {
	Granted int
	Failed  int
}

type Poller struct {
	db      Store
	granter Granter
	clock   clock.Clock
	opts    Options
	log     *slog.Logger
}

func NewPoller(db Store, granter Granter, clk clock.Clock, opts Options, log *slog.Logger) *Poller {
	if opts.Batch <= 0 {
		opts.Batch = DefaultBatch
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Poller{
		db:      db,
		granter: granter,
		clock:   clk,
		opts:    opts,
		log:     log.With(sl.Module("grant")),
	}
}

// Tick processes one batch. A failed grant is recorded on the application and
// does not stop the rest of the batch.
func (p *Poller) Tick(ctx context.Context) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	apps, err := p.db.QueryApprovedUngranted(callCtx, p.opts.Batch, p.opts.MaxAttempts)
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("query approved applications: %w", err)
	}

	var res Result
	for _, app := range apps {
		log := p.log.With(sl.Member(app.MemberID), slog.Int64("group_id", app.GroupID))

		callCtx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		err = p.granter.Grant(callCtx, app)
		cancel()
		if err != nil {
			res.Failed++
			log.With(slog.Int("attempt", app.Attempts+1), sl.Err(err)).Warn("grant failed")
			callCtx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
			if err = p.db.MarkGrantFailed(callCtx, app.MemberID, err.Error()); err != nil {
				log.Error("recording grant failure", sl.Err(err))
			}
			cancel()
			continue
		}

		callCtx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		err = p.db.MarkGranted(callCtx, app.MemberID, p.clock.Now())
		cancel()
		if err != nil {
			res.Failed++
			log.Error("marking application granted", sl.Err(err))
			continue
		}
		res.Granted++
		log.With(sl.Topic(entity.TopicGrant)).Info("application granted")
	}
	return res, nil
}

// Run is the scheduler entry point; errors are logged.
func (p *Poller) Run(ctx context.Context) {
	res, err := p.Tick(ctx)
	if err != nil {
		p.log.Warn("grant poll", sl.Err(err))
		return
	}
	if res.Granted > 0 || res.Failed > 0 {
		p.log.With(slog.Int("granted", res.Granted), slog.Int("failed", res.Failed)).Debug("grant poll done")
	}
}

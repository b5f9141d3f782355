// Package payout tells qualified referrers about their earnings, at most
// once per member and period.
package payout

import (
	"context"
	"fmt"
	"log/slog"
	"refsync/entity"
	"refsync/internal/period"
	"refsync/lib/sl"
	"sort"
	"time"
)

type Store interface {
	FindMember(ctx context.Context, memberID string) (*entity.Member, error)
	UpsertMember(ctx context.Context, memberID string, upd entity.MemberUpdate) error
}

// Channel delivers a private message to a member.
type Channel interface {
	DeliverDirectMessage(ctx context.Context, memberID, text string) error
}

type Options struct {
	Unit     int
	Currency string
	Timeout  time.Duration
}

// Result counts what one Notify pass did.
type Result struct {
	Sent    int
	Skipped int
	Failed  int
}

// Deduplicator sends payout notices, guarded by the member's persisted
// last notified period.
type Deduplicator struct {
	db   Store
	ch   Channel
	opts Options
	log  *slog.Logger
}

func NewDeduplicator(db Store, ch Channel, opts Options, log *slog.Logger) *Deduplicator {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Deduplicator{
		db:   db,
		ch:   ch,
		opts: opts,
		log:  log.With(sl.Module("payout")),
	}
}

// Notify walks the qualified counts of a period in member id order. The
// marker only moves forward: a member whose marker is key or a later period
// is skipped, so re-running an older month sends nothing. The marker is
// written only after a successful delivery, so a failed one is retried on
// the next pass.
func (d *Deduplicator) Notify(ctx context.Context, key period.Key, qualified map[string]int) Result {
	ids := make([]string, 0, len(qualified))
	for id, n := range qualified {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var res Result
	for _, id := range ids {
		log := d.log.With(sl.Member(id), sl.Period(key))

		member, err := d.findMember(ctx, id)
		if err != nil {
			log.Warn("loading member", sl.Err(err))
			res.Failed++
			continue
		}
		if member != nil && member.LastNotifiedPeriod >= key.String() {
			res.Skipped++
			continue
		}

		count := qualified[id]
		text := Message(key, count, count*d.opts.Unit, d.opts.Currency)
		callCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		err = d.ch.DeliverDirectMessage(callCtx, id, text)
		cancel()
		if err != nil {
			log.Warn("delivering payout notice", sl.Err(err))
			res.Failed++
			continue
		}

		callCtx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		err = d.db.UpsertMember(callCtx, id, entity.MemberUpdate{LastNotifiedPeriod: key.String()})
		cancel()
		if err != nil {
			// delivered but not marked: the next pass may send it again
			log.Error("saving notified period", sl.Err(err))
			res.Failed++
			continue
		}
		res.Sent++
		log.With(
			slog.Int("qualified", count),
			sl.Topic(entity.TopicPayout),
		).Info("payout notice sent")
	}
	return res
}

func (d *Deduplicator) findMember(ctx context.Context, id string) (*entity.Member, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	return d.db.FindMember(callCtx, id)
}

// Message is the plain text payout notice.
func Message(key period.Key, count, amount int, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("Results for %s are final.\nQualified referrals: %d\nPayout: %d %s\nThank you for inviting!",
		key, count, amount, currency)
}

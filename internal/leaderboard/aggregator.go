// Package leaderboard turns the attribution event log of a period into
// ranked invite and qualified-referral tables.
package leaderboard

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

const (
	MinTopN     = 3
	MaxTopN     = 25
	DefaultTopN = 10
)

type Store interface {
	// QueryByPeriod returns the period's events in insertion order.
	QueryByPeriod(ctx context.Context, key string) ([]*entity.AttributionEvent, error)
}

type Options struct {
	TopN       int
	PayoutUnit int
	Currency   string
	Timeout    time.Duration
}

type Aggregator struct {
	db        Store
	qualifier Qualifier
	names     *NameCache
	opts      Options
	log       *slog.Logger
}

func NewAggregator(db Store, qualifier Qualifier, names *NameCache, opts Options, log *slog.Logger) *Aggregator {
	opts.TopN = ClampTopN(opts.TopN)
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if qualifier == nil {
		qualifier = EventFlag
	}
	return &Aggregator{
		db:        db,
		qualifier: qualifier,
		names:     names,
		opts:      opts,
		log:       log.With(sl.Module("leaderboard")),
	}
}

// ClampTopN bounds n to [MinTopN, MaxTopN]; zero selects the default.
func ClampTopN(n int) int {
	switch {
	case n == 0:
		return DefaultTopN
	case n < MinTopN:
		return MinTopN
	case n > MaxTopN:
		return MaxTopN
	}
	return n
}

func (a *Aggregator) PayoutUnit() int {
	return a.opts.PayoutUnit
}

func (a *Aggregator) Currency() string {
	return a.opts.Currency
}

// Aggregate builds the leaderboard of one period. Rankings are sorted by
// count, descending; equal counts keep the order in which the inviters
// first appear in the event log.
func (a *Aggregator) Aggregate(ctx context.Context, key period.Key) (*entity.Leaderboard, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	events, err := a.db.QueryByPeriod(callCtx, key.String())
	cancel()
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	callCtx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
	qualified, err := a.qualifier.Qualified(callCtx, key, events)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("qualify events: %w", err)
	}

	var order []string
	invites := make(map[string]int)
	counted := make(map[string]int)
	for _, evt := range events {
		if _, seen := invites[evt.InviterID]; !seen {
			order = append(order, evt.InviterID)
		}
		invites[evt.InviterID]++
		if qualified[evt.InviteeID] {
			counted[evt.InviterID]++
		}
	}

	lb := &entity.Leaderboard{
		Period:       key.String(),
		InviteCounts: invites,
		Qualified:    counted,
		TotalInvites: len(events),
		Currency:     a.opts.Currency,
	}
	for _, n := range counted {
		lb.TotalQualified += n
	}
	lb.Invites = a.rank(ctx, order, invites, 0)
	lb.QualifiedRank = a.rank(ctx, order, counted, a.opts.PayoutUnit)

	a.log.With(
		sl.Period(key),
		slog.Int("events", lb.TotalInvites),
		slog.Int("qualified", lb.TotalQualified),
		slog.Int("inviters", len(order)),
	).Debug("leaderboard aggregated")
	return lb, nil
}

func (a *Aggregator) rank(ctx context.Context, order []string, counts map[string]int, unit int) []entity.RankedEntry {
	ids := make([]string, 0, len(order))
	for _, id := range order {
		if counts[id] > 0 {
			ids = append(ids, id)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return counts[ids[i]] > counts[ids[j]]
	})
	if len(ids) > a.opts.TopN {
		ids = ids[:a.opts.TopN]
	}

	entries := make([]entity.RankedEntry, 0, len(ids))
	for i, id := range ids {
		entry := entity.RankedEntry{
			Rank:        i + 1,
			MemberID:    id,
			DisplayName: id,
			Count:       counts[id],
			Payout:      counts[id] * unit,
		}
		if a.names != nil {
			entry.DisplayName = a.names.Resolve(ctx, id)
		}
		entries = append(entries, entry)
	}
	return entries
}

package oc_client

import (
	"context"
	"fmt"
	"log/slog"
	"refsync/entity"
	"refsync/internal/config"
	"refsync/internal/period"
	"refsync/lib/sl"
	"refsync/opencart/database"
	"time"
)

// OrderCounter counts a member's completed shop orders in a time range.
type OrderCounter interface {
	CompletedOrders(ctx context.Context, memberID string, from, to time.Time) (int, error)
}

// Opencart qualifies a referral when the invitee completed at least one shop
// order during the period of the join.
type Opencart struct {
	db  OrderCounter
	cal period.Calendar
	log *slog.Logger
}

func New(conf *config.Config, cal period.Calendar, log *slog.Logger) (*Opencart, error) {
	if !conf.OpenCart.Enabled {
		return nil, nil
	}
	db, err := database.NewSQLClient(conf)
	if err != nil {
		return nil, fmt.Errorf("sql client: %w", err)
	}
	return NewQualifier(db, cal, log), nil
}

func NewQualifier(db OrderCounter, cal period.Calendar, log *slog.Logger) *Opencart {
	return &Opencart{
		db:  db,
		cal: cal,
		log: log.With(sl.Module("opencart")),
	}
}

func (oc *Opencart) Qualified(ctx context.Context, key period.Key, events []*entity.AttributionEvent) (map[string]bool, error) {
	from, to, err := oc.cal.Bounds(key)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	for _, evt := range events {
		if evt.Qualified {
			continue
		}
		count, err := oc.db.CompletedOrders(ctx, evt.InviteeID, from, to)
		if err != nil {
			return nil, fmt.Errorf("invitee %s: %w", evt.InviteeID, err)
		}
		if count > 0 {
			set[evt.InviteeID] = true
		}
	}
	oc.log.With(
		sl.Period(key),
		slog.Int("events", len(events)),
		slog.Int("qualified", len(set)),
	).Debug("shop orders checked")
	return set, nil
}

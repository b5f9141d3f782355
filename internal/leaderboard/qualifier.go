package leaderboard

import (
	"context"
	"fmt"
	"refsync/entity"
	"refsync/internal/period"
)

// Qualifier decides which invitees of a period count as qualified
// referrals. The returned set is keyed by invitee id.
type Qualifier interface {
	Qualified(ctx context.Context, key period.Key, events []*entity.AttributionEvent) (map[string]bool, error)
}

type QualifierFunc func(ctx context.Context, key period.Key, events []*entity.AttributionEvent) (map[string]bool, error)

func (f QualifierFunc) Qualified(ctx context.Context, key period.Key, events []*entity.AttributionEvent) (map[string]bool, error) {
	return f(ctx, key, events)
}

// EventFlag trusts the qualified flag stored on the event itself.
var EventFlag Qualifier = QualifierFunc(func(_ context.Context, _ period.Key, events []*entity.AttributionEvent) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, evt := range events {
		if evt.Qualified {
			set[evt.InviteeID] = true
		}
	}
	return set, nil
})

// AnyOf qualifies an invitee when at least one of the qualifiers does.
// Any qualifier error fails the whole evaluation.
func AnyOf(qs ...Qualifier) Qualifier {
	return QualifierFunc(func(ctx context.Context, key period.Key, events []*entity.AttributionEvent) (map[string]bool, error) {
		set := make(map[string]bool)
		for i, q := range qs {
			if q == nil {
				continue
			}
			got, err := q.Qualified(ctx, key, events)
			if err != nil {
				return nil, fmt.Errorf("qualifier %d: %w", i, err)
			}
			for id, ok := range got {
				if ok {
					set[id] = true
				}
			}
		}
		return set, nil
	})
}

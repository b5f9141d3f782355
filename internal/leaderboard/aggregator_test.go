package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"refsync/entity"
	"refsync/internal/period"
	"refsync/internal/testutil"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type names struct {
	calls atomic.Int32
	fail  bool
	delay time.Duration
}

func (n *names) DisplayName(_ context.Context, memberID string) (string, error) {
	n.calls.Add(1)
	if n.delay > 0 {
		time.Sleep(n.delay)
	}
	if n.fail {
		return "", errors.New("lookup failed")
	}
	return "name-" + memberID, nil
}

func seed(t *testing.T, store *testutil.MemStore, key string, pairs ...string) {
	t.Helper()
	for i := 0; i+1 < len(pairs); i += 2 {
		evt := &entity.AttributionEvent{
			ID:        fmt.Sprintf("%s-%d", key, i),
			Seq:       int64(i),
			InviterID: pairs[i],
			InviteeID: pairs[i+1],
			Period:    key,
		}
		require.NoError(t, store.AppendEvent(context.Background(), evt))
	}
}

func TestAggregate_RanksWithFirstSeenTieBreak(t *testing.T) {
	store := testutil.NewMemStore()
	seed(t, store, "2024-03",
		"carol", "u1",
		"alice", "u2",
		"bob", "u3",
		"alice", "u4",
		"bob", "u5",
		"dave", "u6",
	)
	seed(t, store, "2024-02", "zed", "old1")

	agg := NewAggregator(store, EventFlag, NewNameCache(&names{}, time.Second, testutil.Logger()), Options{TopN: 10, PayoutUnit: 5, Currency: "USD"}, testutil.Logger())
	lb, err := agg.Aggregate(context.Background(), "2024-03")
	require.NoError(t, err)

	require.Len(t, lb.Invites, 4)
	got := make([]string, 0, len(lb.Invites))
	for _, e := range lb.Invites {
		got = append(got, e.MemberID)
	}
	// alice and bob tie on 2, alice was seen first; carol and dave tie on 1
	assert.Equal(t, []string{"alice", "bob", "carol", "dave"}, got)
	assert.Equal(t, 1, lb.Invites[0].Rank)
	assert.Equal(t, "name-alice", lb.Invites[0].DisplayName)
	assert.Equal(t, 6, lb.TotalInvites)
	assert.Equal(t, "USD", lb.Currency)
	assert.Empty(t, lb.QualifiedRank)
	assert.Equal(t, 0, lb.TotalQualified)
}

func TestAggregate_QualifiedAndPayout(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	seed(t, store, "2024-03",
		"alice", "u1",
		"alice", "u2",
		"bob", "u3",
		"bob", "u4",
		"bob", "u5",
	)
	for _, id := range []string{"u1", "u2", "u3"} {
		_, err := store.MarkQualified(ctx, id, time.Now())
		require.NoError(t, err)
	}

	agg := NewAggregator(store, nil, nil, Options{PayoutUnit: 5}, testutil.Logger())
	lb, err := agg.Aggregate(ctx, "2024-03")
	require.NoError(t, err)

	require.Len(t, lb.QualifiedRank, 2)
	assert.Equal(t, "alice", lb.QualifiedRank[0].MemberID)
	assert.Equal(t, 2, lb.QualifiedRank[0].Count)
	assert.Equal(t, 10, lb.QualifiedRank[0].Payout)
	assert.Equal(t, "bob", lb.QualifiedRank[1].MemberID)
	assert.Equal(t, 5, lb.QualifiedRank[1].Payout)
	assert.Equal(t, map[string]int{"alice": 2, "bob": 1}, lb.Qualified)
	assert.Equal(t, 3, lb.TotalQualified)

	assert.Equal(t, "bob", lb.Invites[0].MemberID)
	assert.Equal(t, 3, lb.Invites[0].Count)
}

func TestAggregate_TruncatesToTopN(t *testing.T) {
	store := testutil.NewMemStore()
	var pairs []string
	for i := 0; i < 30; i++ {
		pairs = append(pairs, fmt.Sprintf("m%02d", i), fmt.Sprintf("u%02d", i))
	}
	seed(t, store, "2024-03", pairs...)

	agg := NewAggregator(store, nil, nil, Options{TopN: 100}, testutil.Logger())
	lb, err := agg.Aggregate(context.Background(), "2024-03")
	require.NoError(t, err)
	assert.Len(t, lb.Invites, MaxTopN)
	assert.Len(t, lb.InviteCounts, 30)
	assert.Equal(t, "m00", lb.Invites[0].MemberID)
}

func TestAggregate_QualifierSources(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	seed(t, store, "2024-03", "alice", "u1", "alice", "u2", "bob", "u3")
	_, err := store.MarkQualified(ctx, "u1", time.Now())
	require.NoError(t, err)

	orders := QualifierFunc(func(_ context.Context, _ period.Key, _ []*entity.AttributionEvent) (map[string]bool, error) {
		return map[string]bool{"u3": true}, nil
	})
	agg := NewAggregator(store, AnyOf(EventFlag, orders), nil, Options{}, testutil.Logger())
	lb, err := agg.Aggregate(ctx, "2024-03")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"alice": 1, "bob": 1}, lb.Qualified)

	broken := QualifierFunc(func(context.Context, period.Key, []*entity.AttributionEvent) (map[string]bool, error) {
		return nil, errors.New("mysql down")
	})
	agg = NewAggregator(store, AnyOf(EventFlag, broken), nil, Options{}, testutil.Logger())
	_, err = agg.Aggregate(ctx, "2024-03")
	assert.Error(t, err)
}

func TestAggregate_StoreFailure(t *testing.T) {
	store := testutil.NewMemStore()
	store.SetFail(true)
	agg := NewAggregator(store, nil, nil, Options{}, testutil.Logger())
	_, err := agg.Aggregate(context.Background(), "2024-03")
	assert.ErrorIs(t, err, testutil.ErrUnavailable)
}

func TestClampTopN(t *testing.T) {
	assert.Equal(t, DefaultTopN, ClampTopN(0))
	assert.Equal(t, MinTopN, ClampTopN(1))
	assert.Equal(t, MinTopN, ClampTopN(-4))
	assert.Equal(t, 7, ClampTopN(7))
	assert.Equal(t, MaxTopN, ClampTopN(26))
}

func TestNameCache(t *testing.T) {
	src := &names{delay: 20 * time.Millisecond}
	cache := NewNameCache(src, time.Second, testutil.Logger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "name-alice", cache.Resolve(context.Background(), "alice"))
		}()
	}
	wg.Wait()
	assert.Equal(t, "name-alice", cache.Resolve(context.Background(), "alice"))
	assert.LessOrEqual(t, src.calls.Load(), int32(8))
	calls := src.calls.Load()
	cache.Resolve(context.Background(), "alice")
	assert.Equal(t, calls, src.calls.Load(), "cached names are not looked up again")
}

func TestNameCache_FailureFallsBack(t *testing.T) {
	src := &names{fail: true}
	cache := NewNameCache(src, time.Second, testutil.Logger())

	assert.Equal(t, "bob", cache.Resolve(context.Background(), "bob"))
	assert.Equal(t, 0, cache.Len())

	cache.Remember("bob", "Bobby")
	assert.Equal(t, "Bobby", cache.Resolve(context.Background(), "bob"))
}

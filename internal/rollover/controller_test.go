package rollover

import (
	"context"
	"errors"
	"refsync/entity"
	"refsync/internal/leaderboard"
	"refsync/internal/payout"
	"refsync/internal/period"
	"refsync/internal/testutil"
	"refsync/lib/clock"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type aggregator struct {
	mu    sync.Mutex
	calls map[period.Key]int
	fail  map[period.Key]bool
}

func (a *aggregator) Aggregate(_ context.Context, key period.Key) (*entity.Leaderboard, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls == nil {
		a.calls = make(map[period.Key]int)
	}
	a.calls[key]++
	if a.fail[key] {
		return nil, errors.New("store down")
	}
	return &entity.Leaderboard{Period: key.String(), Qualified: map[string]int{"alice": 1}}, nil
}

type publisher struct {
	mu    sync.Mutex
	live  []string
	final []string
}

func (p *publisher) PublishLive(_ context.Context, lb *entity.Leaderboard) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live = append(p.live, lb.Period)
	return nil
}

func (p *publisher) PublishFinal(_ context.Context, lb *entity.Leaderboard) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.final = append(p.final, lb.Period)
	return nil
}

type notifier struct {
	mu   sync.Mutex
	keys []period.Key
}

func (n *notifier) Notify(_ context.Context, key period.Key, _ map[string]int) payout.Result {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keys = append(n.keys, key)
	return payout.Result{Sent: 1}
}

func at(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 12, 0, 0, 0, time.UTC)
}

func newController(clk clock.Clock) (*Controller, *aggregator, *publisher, *notifier) {
	agg := &aggregator{fail: make(map[period.Key]bool)}
	pub := &publisher{}
	n := &notifier{}
	c := NewController(agg, pub, n, period.NewCalendar(time.UTC), clk, time.Second, testutil.Logger())
	return c, agg, pub, n
}

func TestTick_FirstTickInitializes(t *testing.T) {
	clk := clock.NewManual(at(2024, time.March, 10))
	c, _, pub, n := newController(clk)

	assert.True(t, c.LastSeen().IsZero())
	c.Tick(context.Background())

	assert.Equal(t, period.Key("2024-03"), c.LastSeen())
	assert.Equal(t, []string{"2024-03"}, pub.live)
	assert.Empty(t, pub.final)
	assert.Empty(t, n.keys)
}

func TestTick_BoundaryFinalizesOnce(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(at(2024, time.March, 30))
	c, _, pub, n := newController(clk)

	c.Tick(ctx)
	c.Tick(ctx)
	require.Equal(t, period.Key("2024-03"), c.LastSeen())
	assert.Empty(t, pub.final)

	clk.Set(at(2024, time.April, 1))
	for i := 0; i < 5; i++ {
		c.Tick(ctx)
	}

	assert.Equal(t, period.Key("2024-04"), c.LastSeen())
	assert.Equal(t, []string{"2024-03"}, pub.final)
	assert.Equal(t, []period.Key{"2024-03"}, n.keys)
	assert.Equal(t, []string{"2024-03", "2024-03", "2024-04", "2024-04", "2024-04", "2024-04", "2024-04"}, pub.live)
}

func TestTick_YearBoundary(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(at(2023, time.December, 31))
	c, _, pub, _ := newController(clk)

	c.Tick(ctx)
	clk.Set(at(2024, time.January, 1))
	c.Tick(ctx)

	assert.Equal(t, []string{"2023-12"}, pub.final)
	assert.Equal(t, period.Key("2024-01"), c.LastSeen())
}

func TestTick_FailedAggregateRetries(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(at(2024, time.March, 30))
	c, agg, pub, n := newController(clk)
	c.Tick(ctx)

	clk.Set(at(2024, time.April, 2))
	agg.fail["2024-03"] = true
	c.Tick(ctx)

	assert.Equal(t, period.Key("2024-03"), c.LastSeen(), "pointer must not advance")
	assert.Empty(t, pub.final)
	assert.Empty(t, n.keys)
	assert.Contains(t, pub.live, "2024-04", "live leaderboard is still refreshed")

	agg.fail["2024-03"] = false
	c.Tick(ctx)
	c.Tick(ctx)
	assert.Equal(t, period.Key("2024-04"), c.LastSeen())
	assert.Equal(t, []string{"2024-03"}, pub.final)
	assert.Equal(t, []period.Key{"2024-03"}, n.keys)
}

func TestTick_GapFinalizesOnlyPrecedingPeriod(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(at(2024, time.January, 20))
	c, agg, pub, _ := newController(clk)
	c.Tick(ctx)

	clk.Set(at(2024, time.April, 3))
	c.Tick(ctx)

	assert.Equal(t, []string{"2024-03"}, pub.final)
	assert.Zero(t, agg.calls["2024-02"])
	assert.Equal(t, period.Key("2024-04"), c.LastSeen())
}

func TestTick_ClockBehindKeepsPointer(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(at(2024, time.April, 1))
	c, _, pub, _ := newController(clk)
	c.Tick(ctx)

	clk.Set(at(2024, time.March, 31))
	c.Tick(ctx)
	assert.Equal(t, period.Key("2024-04"), c.LastSeen())
	assert.Empty(t, pub.final)
}

func TestFinalize_Manual(t *testing.T) {
	clk := clock.NewManual(at(2024, time.April, 5))
	c, agg, pub, _ := newController(clk)

	res, err := c.Finalize(context.Background(), "2024-02")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, []string{"2024-02"}, pub.final)
	assert.True(t, c.LastSeen().IsZero(), "manual finalize does not move the pointer")

	agg.fail["2024-01"] = true
	_, err = c.Finalize(context.Background(), "2024-01")
	assert.Error(t, err)
}

// Runs the controller over the real aggregator and notifier: restarting the
// process after a boundary must not pay anyone twice.
func TestRollover_RestartDoesNotNotifyTwice(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	require.NoError(t, store.AppendEvent(ctx, &entity.AttributionEvent{ID: "1", InviterID: "alice", InviteeID: "bob", Period: "2024-03", Qualified: true}))

	ch := &dm{}
	build := func(clk clock.Clock) *Controller {
		agg := leaderboard.NewAggregator(store, leaderboard.EventFlag, nil, leaderboard.Options{PayoutUnit: 5}, testutil.Logger())
		ded := payout.NewDeduplicator(store, ch, payout.Options{Unit: 5, Currency: "USD"}, testutil.Logger())
		return NewController(agg, &publisher{}, ded, period.NewCalendar(time.UTC), clk, time.Second, testutil.Logger())
	}

	clk := clock.NewManual(at(2024, time.March, 31))
	c := build(clk)
	c.Tick(ctx)
	clk.Set(at(2024, time.April, 1))
	c.Tick(ctx)
	assert.Equal(t, 1, ch.count)

	// a restarted process starts unset, then finalizes again on request
	c = build(clk)
	c.Tick(ctx)
	_, err := c.Finalize(ctx, "2024-03")
	require.NoError(t, err)
	assert.Equal(t, 1, ch.count)
}

func TestFinalize_RepeatedOlderMonths(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	require.NoError(t, store.AppendEvent(ctx, &entity.AttributionEvent{ID: "1", InviterID: "alice", InviteeID: "bob", Period: "2024-02", Qualified: true}))
	require.NoError(t, store.AppendEvent(ctx, &entity.AttributionEvent{ID: "2", InviterID: "alice", InviteeID: "carol", Period: "2024-03", Qualified: true}))

	ch := &dm{}
	agg := leaderboard.NewAggregator(store, leaderboard.EventFlag, nil, leaderboard.Options{PayoutUnit: 5}, testutil.Logger())
	ded := payout.NewDeduplicator(store, ch, payout.Options{Unit: 5}, testutil.Logger())
	c := NewController(agg, &publisher{}, ded, period.NewCalendar(time.UTC), clock.NewManual(at(2024, time.April, 2)), time.Second, testutil.Logger())

	for round := 0; round < 2; round++ {
		for _, key := range []period.Key{"2024-02", "2024-03"} {
			_, err := c.Finalize(ctx, key)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 2, ch.count, "one notice per month across repeated runs")
}

type dm struct {
	mu    sync.Mutex
	count int
}

func (d *dm) DeliverDirectMessage(context.Context, string, string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.count++
	return nil
}

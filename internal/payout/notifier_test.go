package payout

import (
	"context"
	"errors"
	"refsync/entity"
	"refsync/internal/testutil"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type channel struct {
	mu   sync.Mutex
	sent map[string][]string
	fail map[string]bool
}

func newChannel() *channel {
	return &channel{sent: make(map[string][]string), fail: make(map[string]bool)}
}

func (c *channel) DeliverDirectMessage(_ context.Context, memberID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[memberID] {
		return errors.New("bot was blocked by the user")
	}
	c.sent[memberID] = append(c.sent[memberID], text)
	return nil
}

func TestNotify_AtMostOncePerPeriod(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	ch := newChannel()
	d := NewDeduplicator(store, ch, Options{Unit: 5, Currency: "USD"}, testutil.Logger())

	qualified := map[string]int{"alice": 2, "bob": 1, "nobody": 0}

	res := d.Notify(ctx, "2024-03", qualified)
	assert.Equal(t, Result{Sent: 2}, res)
	require.Len(t, ch.sent["alice"], 1)
	assert.Contains(t, ch.sent["alice"][0], "10 USD")
	assert.Contains(t, ch.sent["alice"][0], "2024-03")
	assert.Empty(t, ch.sent["nobody"])

	res = d.Notify(ctx, "2024-03", qualified)
	assert.Equal(t, Result{Skipped: 2}, res)
	assert.Len(t, ch.sent["alice"], 1)
	assert.Len(t, ch.sent["bob"], 1)

	alice, err := store.FindMember(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "2024-03", alice.LastNotifiedPeriod)

	// the next period is a new notification
	res = d.Notify(ctx, "2024-04", map[string]int{"alice": 1})
	assert.Equal(t, Result{Sent: 1}, res)
	assert.Len(t, ch.sent["alice"], 2)
}

func TestNotify_OlderPeriodAfterNewer(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	ch := newChannel()
	d := NewDeduplicator(store, ch, Options{Unit: 5}, testutil.Logger())

	assert.Equal(t, Result{Sent: 1}, d.Notify(ctx, "2024-02", map[string]int{"alice": 1}))
	assert.Equal(t, Result{Sent: 1}, d.Notify(ctx, "2024-03", map[string]int{"alice": 2}))

	// re-running both months in order sends nothing and keeps the marker
	assert.Equal(t, Result{Skipped: 1}, d.Notify(ctx, "2024-02", map[string]int{"alice": 1}))
	assert.Equal(t, Result{Skipped: 1}, d.Notify(ctx, "2024-03", map[string]int{"alice": 2}))
	assert.Len(t, ch.sent["alice"], 2)

	alice, err := store.FindMember(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "2024-03", alice.LastNotifiedPeriod)
}

func TestNotify_FailureLeavesMarkerUnset(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	require.NoError(t, store.UpsertMember(ctx, "bob", entity.MemberUpdate{DisplayName: "Bob"}))
	ch := newChannel()
	ch.fail["bob"] = true
	d := NewDeduplicator(store, ch, Options{Unit: 5}, testutil.Logger())

	res := d.Notify(ctx, "2024-03", map[string]int{"alice": 1, "bob": 3})
	assert.Equal(t, Result{Sent: 1, Failed: 1}, res)

	bob, err := store.FindMember(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, bob.LastNotifiedPeriod)

	ch.fail["bob"] = false
	res = d.Notify(ctx, "2024-03", map[string]int{"alice": 1, "bob": 3})
	assert.Equal(t, Result{Sent: 1, Skipped: 1}, res)
	require.Len(t, ch.sent["bob"], 1)
	assert.Contains(t, ch.sent["bob"][0], "15 USD")
}

func TestNotify_StoreUnavailable(t *testing.T) {
	store := testutil.NewMemStore()
	store.SetFail(true)
	ch := newChannel()
	d := NewDeduplicator(store, ch, Options{Unit: 5}, testutil.Logger())

	res := d.Notify(context.Background(), "2024-03", map[string]int{"alice": 1})
	assert.Equal(t, Result{Failed: 1}, res)
	assert.Empty(t, ch.sent)
}

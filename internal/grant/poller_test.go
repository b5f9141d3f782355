package grant

import (
	"context"
	"errors"
	"fmt"
	"refsync/entity"
	"refsync/internal/testutil"
	"refsync/lib/clock"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type granter struct {
	mu      sync.Mutex
	granted []string
	fail    map[string]bool
}

func (g *granter) Grant(_ context.Context, app *entity.Application) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail[app.MemberID] {
		return errors.New("USER_ALREADY_PARTICIPANT")
	}
	g.granted = append(g.granted, app.MemberID)
	return nil
}

func approved(t *testing.T, store *testutil.MemStore, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		require.NoError(t, store.CreateApplication(ctx, &entity.Application{MemberID: id, GroupID: 1}))
		ok, err := store.ApproveApplication(ctx, id, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
	}
}

var now = time.Date(2024, time.April, 2, 9, 0, 0, 0, time.UTC)

func TestPoller_GrantsOnce(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	approved(t, store, "a", "b")
	require.NoError(t, store.CreateApplication(ctx, &entity.Application{MemberID: "pending"}))

	g := &granter{fail: map[string]bool{}}
	p := NewPoller(store, g, clock.NewManual(now), Options{}, testutil.Logger())

	res, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Granted: 2}, res)

	left, err := store.QueryApprovedUngranted(ctx, 25, 5)
	require.NoError(t, err)
	assert.Empty(t, left, "granted records leave the result set")

	res, err = p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, []string{"a", "b"}, g.granted)

	apps, err := store.ListApplications(ctx, entity.ApplicationGranted)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, now, apps[0].GrantedAt)
}

func TestPoller_BatchCap(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	for i := 0; i < 7; i++ {
		approved(t, store, fmt.Sprintf("m%d", i))
	}
	g := &granter{fail: map[string]bool{}}
	p := NewPoller(store, g, nil, Options{Batch: 3}, testutil.Logger())

	for _, want := range []int{3, 3, 1, 0} {
		res, err := p.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, res.Granted)
	}
	assert.Len(t, g.granted, 7)
}

func TestPoller_FailureDoesNotBlockBatch(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewMemStore()
	approved(t, store, "bad", "good")
	g := &granter{fail: map[string]bool{"bad": true}}
	p := NewPoller(store, g, nil, Options{MaxAttempts: 2}, testutil.Logger())

	res, err := p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Granted: 1, Failed: 1}, res)

	apps, err := store.ListApplications(ctx, entity.ApplicationApproved)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, 1, apps[0].Attempts)
	assert.Equal(t, "USER_ALREADY_PARTICIPANT", apps[0].LastError)

	res, err = p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)

	// attempts exhausted
	res, err = p.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestPoller_StoreFailure(t *testing.T) {
	store := testutil.NewMemStore()
	store.SetFail(true)
	p := NewPoller(store, &granter{}, nil, Options{}, testutil.Logger())

	_, err := p.Tick(context.Background())
	assert.ErrorIs(t, err, testutil.ErrUnavailable)
	p.Run(context.Background())
}

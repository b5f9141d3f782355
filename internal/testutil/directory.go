package testutil

import (
	"context"
	"fmt"
	"refsync/entity"
	"sync"
)

// Directory is a membership directory whose counters live in a MemStore,
// the same way the Telegram directory reads them from the record store.
type Directory struct {
	Store *MemStore

	mu      sync.Mutex
	seq     int
	fail    bool
	fetches int
}

func NewDirectory(store *MemStore) *Directory {
	return &Directory{Store: store}
}

func (d *Directory) SetFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *Directory) Fetches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetches
}

func (d *Directory) FetchInviteSnapshot(ctx context.Context, groupID int64) (entity.Snapshot, error) {
	d.mu.Lock()
	d.fetches++
	fail := d.fail
	d.mu.Unlock()
	if fail {
		return nil, ErrUnavailable
	}
	return d.Store.InviteCounts(ctx, groupID)
}

func (d *Directory) CreateInvite(_ context.Context, groupID int64, ownerID, _ string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return "", ErrUnavailable
	}
	d.seq++
	return fmt.Sprintf("https://t.me/+g%d-%s-%d", groupID, ownerID, d.seq), nil
}

// Use records one use of the invite link, as a join report would.
func (d *Directory) Use(ctx context.Context, code string) {
	_, _ = d.Store.IncrementInviteUse(ctx, code)
}

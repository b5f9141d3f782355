package attribution

import (
	"refsync/entity"
	"sync"
)

// SnapshotStore keeps exactly one current invite snapshot per group.
// Superseded snapshots are dropped on replacement.
type SnapshotStore struct {
	mu    sync.Mutex
	snaps map[int64]entity.Snapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		snaps: make(map[int64]entity.Snapshot),
	}
}

// Swap stores next as the current snapshot of the group and returns the one
// it replaced. The exchange is atomic, so two concurrent callers never
// receive the same previous snapshot.
func (s *SnapshotStore) Swap(groupID int64, next entity.Snapshot) (entity.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.snaps[groupID]
	s.snaps[groupID] = next.Clone()
	return prev, ok
}

// Get returns a copy of the current snapshot.
func (s *SnapshotStore) Get(groupID int64) (entity.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[groupID]
	return snap.Clone(), ok
}

// Track adds a freshly created invite to the group's current snapshot with
// the given count, so that its first use is seen as an increase rather than
// as a new code. It does nothing when the group has no snapshot yet or the
// code is already tracked.
func (s *SnapshotStore) Track(groupID int64, code string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[groupID]
	if !ok {
		return
	}
	if _, exists := snap[code]; exists {
		return
	}
	snap[code] = count
}

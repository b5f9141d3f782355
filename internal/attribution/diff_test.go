package attribution

import (
	"refsync/entity"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name      string
		prev      entity.Snapshot
		next      entity.Snapshot
		want      string
		ok        bool
		ambiguous bool
	}{
		{
			name: "single increase",
			prev: entity.Snapshot{"A": 3, "B": 1},
			next: entity.Snapshot{"A": 4, "B": 1},
			want: "A",
			ok:   true,
		},
		{
			name: "no baseline",
			prev: nil,
			next: entity.Snapshot{"A": 1},
		},
		{
			name: "nothing changed",
			prev: entity.Snapshot{"A": 3},
			next: entity.Snapshot{"A": 3},
		},
		{
			name: "new code is not a candidate",
			prev: entity.Snapshot{"A": 3},
			next: entity.Snapshot{"A": 3, "N": 1},
		},
		{
			name: "deleted code is ignored",
			prev: entity.Snapshot{"A": 3, "D": 7},
			next: entity.Snapshot{"A": 4},
			want: "A",
			ok:   true,
		},
		{
			name: "decrease is not a candidate",
			prev: entity.Snapshot{"A": 3},
			next: entity.Snapshot{"A": 2},
		},
		{
			name:      "largest delta wins",
			prev:      entity.Snapshot{"A": 1, "B": 1},
			next:      entity.Snapshot{"A": 2, "B": 3},
			want:      "B",
			ok:        true,
			ambiguous: true,
		},
		{
			name:      "equal delta picks smallest code",
			prev:      entity.Snapshot{"b": 0, "a": 0, "c": 0},
			next:      entity.Snapshot{"b": 1, "a": 1, "c": 1},
			want:      "a",
			ok:        true,
			ambiguous: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Diff(tt.prev, tt.next)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got.Code)
			assert.Equal(t, tt.ambiguous, got.Ambiguous)
		})
	}
}

func TestDiff_Deterministic(t *testing.T) {
	prev := entity.Snapshot{}
	next := entity.Snapshot{}
	for _, code := range []string{"q", "w", "e", "r", "t", "y", "u", "i"} {
		prev[code] = 5
		next[code] = 7
	}
	for i := 0; i < 50; i++ {
		got, ok := Diff(prev, next)
		require.True(t, ok)
		require.Equal(t, "e", got.Code)
		require.Equal(t, 8, got.Increased)
	}
}

func TestSnapshotStore_Swap(t *testing.T) {
	s := NewSnapshotStore()

	prev, ok := s.Swap(1, entity.Snapshot{"A": 1})
	assert.False(t, ok)
	assert.Nil(t, prev)

	next := entity.Snapshot{"A": 2}
	prev, ok = s.Swap(1, next)
	require.True(t, ok)
	assert.Equal(t, entity.Snapshot{"A": 1}, prev)

	// the stored snapshot is a copy
	next["A"] = 100
	cur, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, 2, cur["A"])

	_, ok = s.Get(2)
	assert.False(t, ok)
}

func TestSnapshotStore_Track(t *testing.T) {
	s := NewSnapshotStore()
	s.Track(1, "A", 0)
	_, ok := s.Get(1)
	assert.False(t, ok, "no snapshot is created by Track")

	s.Swap(1, entity.Snapshot{"A": 4})
	s.Track(1, "A", 0)
	s.Track(1, "B", 0)
	cur, _ := s.Get(1)
	assert.Equal(t, entity.Snapshot{"A": 4, "B": 0}, cur)
}

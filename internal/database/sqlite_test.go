package database

import (
	"context"
	"path/filepath"
	"refsync/entity"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "refsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLite_MemberWriteRules(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	m, err := s.FindMember(ctx, "bob")
	require.NoError(t, err)
	assert.Nil(t, m)

	joined := time.Date(2024, time.March, 3, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertMember(ctx, "bob", entity.MemberUpdate{DisplayName: "Bob", JoinedAt: joined}))
	require.NoError(t, s.UpsertMember(ctx, "bob", entity.MemberUpdate{}))

	m, err = s.FindMember(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", m.DisplayName, "empty update keeps the name")
	assert.Equal(t, joined, m.JoinedAt)

	won, err := s.SetInviter(ctx, "bob", "alice", "link-a")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.SetInviter(ctx, "bob", "carol", "link-c")
	require.NoError(t, err)
	assert.False(t, won)

	m, err = s.FindMember(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", m.InviterID)
	assert.Equal(t, "link-a", m.JoinedVia)

	// set once on a member that does not exist yet
	won, err = s.SetInviteCode(ctx, "dave", "link-d")
	require.NoError(t, err)
	assert.True(t, won)
	won, err = s.SetInviteCode(ctx, "dave", "link-x")
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, s.UpsertMember(ctx, "dave", entity.MemberUpdate{LastNotifiedPeriod: "2024-03"}))
	m, err = s.FindMember(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, "link-d", m.InviteCode)
	assert.Equal(t, "2024-03", m.LastNotifiedPeriod)
}

func TestSQLite_Events(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i, pair := range [][2]string{{"alice", "u1"}, {"bob", "u2"}, {"alice", "u3"}} {
		require.NoError(t, s.AppendEvent(ctx, &entity.AttributionEvent{
			ID:        pair[1],
			Seq:       int64(10 - i),
			InviterID: pair[0],
			InviteeID: pair[1],
			Period:    "2024-03",
		}))
	}
	err := s.AppendEvent(ctx, &entity.AttributionEvent{ID: "dup", InviteeID: "u1", InviterID: "bob", Period: "2024-03"})
	assert.ErrorIs(t, err, entity.ErrDuplicate)

	events, err := s.QueryByPeriod(ctx, "2024-03")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "u3", events[0].InviteeID, "ordered by seq")

	ok, err := s.MarkQualified(ctx, "u2", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkQualified(ctx, "u2", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	events, err = s.QueryByPeriod(ctx, "2024-03")
	require.NoError(t, err)
	assert.True(t, events[1].Qualified)
	assert.False(t, events[1].QualifiedAt.IsZero())

	events, err = s.QueryByPeriod(ctx, "2024-04")
	require.NoError(t, err)
	assert.Empty(t, events)
	evt, err := s.FindEventByInvitee(ctx, "u2")
	require.NoError(t, err)
	require.NotNil(t, evt)
	assert.Equal(t, "bob", evt.InviterID)
	assert.True(t, evt.Qualified)

	evt, err = s.FindEventByInvitee(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, evt)
}

func TestSQLite_Invites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	inv := &entity.Invite{Code: "link-a", GroupID: 7, OwnerID: "alice", CreatedAt: time.Now()}
	require.NoError(t, s.CreateInvite(ctx, inv))
	assert.ErrorIs(t, s.CreateInvite(ctx, &entity.Invite{Code: "link-b", GroupID: 7, OwnerID: "alice"}), entity.ErrDuplicate)
	require.NoError(t, s.CreateInvite(ctx, &entity.Invite{Code: "link-c", GroupID: 7, OwnerID: "carol"}))

	found, err := s.IncrementInviteUse(ctx, "link-a")
	require.NoError(t, err)
	assert.True(t, found)
	found, err = s.IncrementInviteUse(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, found)

	snap, err := s.InviteCounts(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, entity.Snapshot{"link-a": 1, "link-c": 0}, snap)

	got, err := s.FindInviteByOwner(ctx, 7, "alice")
	require.NoError(t, err)
	assert.Equal(t, "link-a", got.Code)
	got, err = s.FindInvite(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_Applications(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.CreateApplication(ctx, &entity.Application{MemberID: "a", GroupID: 1, CreatedAt: time.Now()}))
	require.NoError(t, s.CreateApplication(ctx, &entity.Application{MemberID: "b", GroupID: 1, CreatedAt: time.Now()}))
	assert.ErrorIs(t, s.CreateApplication(ctx, &entity.Application{MemberID: "a", GroupID: 1}), entity.ErrDuplicate)

	ok, err := s.ApproveApplication(ctx, "a", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ApproveApplication(ctx, "a", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	apps, err := s.QueryApprovedUngranted(ctx, 25, 5)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "a", apps[0].MemberID)

	require.NoError(t, s.MarkGrantFailed(ctx, "a", "boom"))
	apps, err = s.QueryApprovedUngranted(ctx, 25, 1)
	require.NoError(t, err)
	assert.Empty(t, apps, "attempts exhausted")

	require.NoError(t, s.MarkGranted(ctx, "a", time.Now()))
	apps, err = s.QueryApprovedUngranted(ctx, 25, 5)
	require.NoError(t, err)
	assert.Empty(t, apps)
	assert.ErrorIs(t, s.MarkGranted(ctx, "a", time.Now()), entity.ErrNotFound)

	pending, err := s.ListApplications(ctx, entity.ApplicationPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].MemberID)
}

func TestSQLite_PublicationsAndUsers(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	title := entity.PublicationTitle(entity.PublicationLive, "2024-04")
	pub, err := s.FindPublication(ctx, title)
	require.NoError(t, err)
	assert.Nil(t, pub)

	require.NoError(t, s.SavePublication(ctx, &entity.Publication{Title: title, Kind: entity.PublicationLive, Period: "2024-04", ChatID: -100, MessageID: 5}))
	require.NoError(t, s.SavePublication(ctx, &entity.Publication{Title: title, Kind: entity.PublicationLive, Period: "2024-04", ChatID: -100, MessageID: 6}))
	pub, err = s.FindPublication(ctx, title)
	require.NoError(t, err)
	assert.Equal(t, int64(6), pub.MessageID)

	require.NoError(t, s.SaveUser(ctx, &entity.User{Username: "ops", Token: "t0k3n", TelegramId: 42, TelegramRole: entity.RoleAdmin, AlertTopics: []string{"payout", "grant"}}))
	user, err := s.GetUser("t0k3n")
	require.NoError(t, err)
	assert.True(t, user.IsAdmin())
	assert.Equal(t, []string{"payout", "grant"}, user.AlertTopics)

	_, err = s.GetUser("nope")
	assert.Error(t, err)

	users, err := s.GetTelegramUsers()
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

// Package attribution infers which invite caused a join and records it.
//
// Joins are attributed by comparing the group's invite usage counters before
// and after the join (see Diff). The resulting attribution is written at most
// once per member: the event log has one entry per invitee and the member's
// inviter field is only ever set when empty.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"refsync/entity"
	"refsync/internal/period"
	"refsync/lib/sl"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Directory is the membership directory of the community.
type Directory interface {
	FetchInviteSnapshot(ctx context.Context, groupID int64) (entity.Snapshot, error)
	CreateInvite(ctx context.Context, groupID int64, ownerID, name string) (string, error)
}

// Store defines the record store operations the ledger depends on.
// Find* methods return nil, nil when the record does not exist.
type Store interface {
	FindMember(ctx context.Context, memberID string) (*entity.Member, error)
	UpsertMember(ctx context.Context, memberID string, upd entity.MemberUpdate) error
	// SetInviter writes inviter and code only if the member has no inviter
	// yet. It reports whether this call performed the write.
	SetInviter(ctx context.Context, memberID, inviterID, code string) (bool, error)
	SetInviteCode(ctx context.Context, memberID, code string) (bool, error)
	// AppendEvent returns entity.ErrDuplicate when the invitee already has an event.
	AppendEvent(ctx context.Context, evt *entity.AttributionEvent) error
	FindEventByInvitee(ctx context.Context, inviteeID string) (*entity.AttributionEvent, error)
	FindInvite(ctx context.Context, code string) (*entity.Invite, error)
	FindInviteByOwner(ctx context.Context, groupID int64, ownerID string) (*entity.Invite, error)
	CreateInvite(ctx context.Context, inv *entity.Invite) error
}

type Outcome string

const (
	OutcomeAttributed        Outcome = "attributed"
	OutcomeAlreadyAttributed Outcome = "already_attributed"
	OutcomeNoBaseline        Outcome = "no_baseline"
	OutcomeNoCandidate       Outcome = "no_candidate"
	OutcomeUnknownInvite     Outcome = "unknown_invite"
	OutcomeSelfInvite        Outcome = "self_invite"
	OutcomeDirectoryError    Outcome = "directory_error"
	OutcomeStoreError        Outcome = "store_error"
)

// Result describes what HandleJoin did with a join.
type Result struct {
	Outcome   Outcome
	InviterID string
	Code      string
	Period    period.Key
}

type Ledger struct {
	dir     Directory
	db      Store
	snaps   *SnapshotStore
	cal     period.Calendar
	timeout time.Duration
	log     *slog.Logger
	newID   func() string
	now     func() time.Time

	// one lock per group: a counter bump and the diff that reads it must not
	// interleave with another join's
	locks sync.Map
}

func NewLedger(dir Directory, db Store, snaps *SnapshotStore, cal period.Calendar, timeout time.Duration, log *slog.Logger) *Ledger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Ledger{
		dir:     dir,
		db:      db,
		snaps:   snaps,
		cal:     cal,
		timeout: timeout,
		log:     log.With(sl.Module("attribution")),
		newID:   func() string { return uuid.New().String() },
		now:     time.Now,
	}
}

// Prime captures a baseline snapshot for each group so that the first join
// after startup can be attributed.
func (l *Ledger) Prime(ctx context.Context, groupIDs ...int64) {
	for _, groupID := range groupIDs {
		unlock := l.lockGroup(groupID)
		_, _, _, err := l.refresh(ctx, groupID)
		unlock()
		if err != nil {
			l.log.With(slog.Int64("group_id", groupID), sl.Err(err)).Warn("priming snapshot")
		}
	}
}

// refresh fetches the group's counters and makes them the current snapshot,
// returning the pair to diff.
func (l *Ledger) refresh(ctx context.Context, groupID int64) (prev, next entity.Snapshot, hadPrev bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	next, err = l.dir.FetchInviteSnapshot(callCtx, groupID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("fetch invite snapshot: %w", err)
	}
	if next == nil {
		next = entity.Snapshot{}
	}
	prev, hadPrev = l.snaps.Swap(groupID, next)
	return prev, next, hadPrev, nil
}

func (l *Ledger) lockGroup(groupID int64) func() {
	mu, _ := l.locks.LoadOrStore(groupID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// HandleJoin applies a join to the member records and the event log.
// The join itself is never rejected: every failure is logged and reported
// through the returned Result only.
func (l *Ledger) HandleJoin(ctx context.Context, join entity.JoinEvent) Result {
	unlock := l.lockGroup(join.GroupID)
	defer unlock()
	return l.handleJoin(ctx, join)
}

// HandleCountedJoin runs count, which records the join's use of its invite
// link, and then HandleJoin while holding the group's lock. Joins arriving
// together through different links each see only their own increase.
// A failing count is logged and the join is still handled.
func (l *Ledger) HandleCountedJoin(ctx context.Context, join entity.JoinEvent, count func(ctx context.Context) error) Result {
	unlock := l.lockGroup(join.GroupID)
	defer unlock()
	if count != nil {
		if err := count(ctx); err != nil {
			l.log.With(slog.Int64("group_id", join.GroupID), sl.Member(join.MemberID), sl.Err(err)).Warn("counting invite use")
		}
	}
	return l.handleJoin(ctx, join)
}

func (l *Ledger) handleJoin(ctx context.Context, join entity.JoinEvent) Result {
	log := l.log.With(
		slog.Int64("group_id", join.GroupID),
		sl.Member(join.MemberID),
	)
	if join.JoinedAt.IsZero() {
		join.JoinedAt = l.now()
	}

	if err := l.upsert(ctx, join.MemberID, entity.MemberUpdate{
		DisplayName: join.DisplayName,
		JoinedAt:    join.JoinedAt,
	}); err != nil {
		log.Warn("recording join time", sl.Err(err))
	}

	// The snapshot is replaced on every join, attributed or not, so the next
	// diff starts from the latest counters.
	prev, next, hadPrev, err := l.refresh(ctx, join.GroupID)
	if err != nil {
		log.Warn("refreshing invite snapshot", sl.Err(err))
		return Result{Outcome: OutcomeDirectoryError}
	}

	member, err := l.findMember(ctx, join.MemberID)
	if err != nil {
		log.Error("loading member", sl.Err(err))
		return Result{Outcome: OutcomeStoreError}
	}
	if member.HasInviter() {
		return Result{Outcome: OutcomeAlreadyAttributed, InviterID: member.InviterID, Code: member.JoinedVia}
	}
	if res, done := l.repairInviter(ctx, log, join.MemberID); done {
		return res
	}

	if !hadPrev {
		log.Debug("no baseline snapshot; join not attributed")
		return Result{Outcome: OutcomeNoBaseline}
	}
	candidate, ok := Diff(prev, next)
	if !ok {
		log.Debug("no invite usage increase observed")
		return Result{Outcome: OutcomeNoCandidate}
	}
	if candidate.Ambiguous {
		log.With(
			slog.String("code", candidate.Code),
			slog.Int("increased", candidate.Increased),
			slog.Int("delta", candidate.Delta),
		).Warn("several invites increased; picked largest delta")
	}

	invite, err := l.findInvite(ctx, candidate.Code)
	if err != nil {
		log.Error("loading invite", slog.String("code", candidate.Code), sl.Err(err))
		return Result{Outcome: OutcomeStoreError}
	}
	if invite == nil || invite.OwnerID == "" {
		log.With(slog.String("code", candidate.Code)).Debug("invite has no known owner")
		return Result{Outcome: OutcomeUnknownInvite, Code: candidate.Code}
	}
	if invite.OwnerID == join.MemberID {
		log.With(slog.String("code", candidate.Code)).Debug("self invite ignored")
		return Result{Outcome: OutcomeSelfInvite, Code: candidate.Code}
	}

	return l.attribute(ctx, log, join, invite)
}

func (l *Ledger) attribute(ctx context.Context, log *slog.Logger, join entity.JoinEvent, invite *entity.Invite) Result {
	key := l.cal.Current(join.JoinedAt)
	res := Result{InviterID: invite.OwnerID, Code: invite.Code, Period: key}

	inviter, err := l.findMember(ctx, invite.OwnerID)
	if err != nil {
		log.Error("loading inviter", sl.Err(err))
		res.Outcome = OutcomeStoreError
		return res
	}
	if inviter == nil {
		if err = l.upsert(ctx, invite.OwnerID, entity.MemberUpdate{}); err != nil {
			log.Error("creating inviter record", sl.Err(err))
			res.Outcome = OutcomeStoreError
			return res
		}
	}

	evt := &entity.AttributionEvent{
		ID:         l.newID(),
		Seq:        time.Now().UnixNano(),
		InviteeID:  join.MemberID,
		InviterID:  invite.OwnerID,
		InviteCode: invite.Code,
		GroupID:    join.GroupID,
		Period:     key.String(),
		JoinedAt:   join.JoinedAt,
	}
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	err = l.db.AppendEvent(callCtx, evt)
	cancel()
	if errors.Is(err, entity.ErrDuplicate) {
		if repaired, done := l.repairInviter(ctx, log, join.MemberID); done {
			return repaired
		}
		res.Outcome = OutcomeAlreadyAttributed
		return res
	}
	if err != nil {
		log.Error("appending attribution event", sl.Err(err))
		res.Outcome = OutcomeStoreError
		return res
	}

	callCtx, cancel = context.WithTimeout(ctx, l.timeout)
	won, err := l.db.SetInviter(callCtx, join.MemberID, invite.OwnerID, invite.Code)
	cancel()
	if err != nil {
		log.Warn("caching inviter on member", sl.Err(err))
	} else if !won {
		log.Debug("inviter already set on member record")
	}

	log.With(
		slog.String("inviter_id", invite.OwnerID),
		slog.String("code", invite.Code),
		sl.Period(key),
		sl.Topic(entity.TopicReferral),
	).Info("join attributed")
	res.Outcome = OutcomeAttributed
	return res
}

// repairInviter copies the inviter of the member's event onto the member
// record, which is missing when that write failed after the event was
// stored. It reports false when the member has no event.
func (l *Ledger) repairInviter(ctx context.Context, log *slog.Logger, memberID string) (Result, bool) {
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	evt, err := l.db.FindEventByInvitee(callCtx, memberID)
	cancel()
	if err != nil {
		log.Error("loading attribution event", sl.Err(err))
		return Result{Outcome: OutcomeStoreError}, true
	}
	if evt == nil {
		return Result{}, false
	}

	callCtx, cancel = context.WithTimeout(ctx, l.timeout)
	won, err := l.db.SetInviter(callCtx, memberID, evt.InviterID, evt.InviteCode)
	cancel()
	if err != nil {
		log.Warn("restoring inviter on member", sl.Err(err))
	} else if won {
		log.With(slog.String("inviter_id", evt.InviterID)).Info("inviter restored from event log")
	}
	return Result{
		Outcome:   OutcomeAlreadyAttributed,
		InviterID: evt.InviterID,
		Code:      evt.InviteCode,
		Period:    period.Key(evt.Period),
	}, true
}

// RequestInvite returns the member's personal invite for the group, creating
// it on first request. Repeat requests return the same invite.
func (l *Ledger) RequestInvite(ctx context.Context, groupID int64, memberID, name string) (*entity.Invite, error) {
	log := l.log.With(slog.Int64("group_id", groupID), sl.Member(memberID))

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	existing, err := l.db.FindInviteByOwner(callCtx, groupID, memberID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("find invite: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	if err = l.upsert(ctx, memberID, entity.MemberUpdate{DisplayName: name}); err != nil {
		return nil, fmt.Errorf("upsert member: %w", err)
	}

	callCtx, cancel = context.WithTimeout(ctx, l.timeout)
	code, err := l.dir.CreateInvite(callCtx, groupID, memberID, name)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("create invite link: %w", err)
	}

	invite := &entity.Invite{
		Code:      code,
		GroupID:   groupID,
		OwnerID:   memberID,
		CreatedAt: l.now(),
	}
	callCtx, cancel = context.WithTimeout(ctx, l.timeout)
	err = l.db.CreateInvite(callCtx, invite)
	cancel()
	if errors.Is(err, entity.ErrDuplicate) {
		// lost a race with a concurrent request; return the stored one
		callCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
		return l.db.FindInviteByOwner(callCtx, groupID, memberID)
	}
	if err != nil {
		return nil, fmt.Errorf("save invite: %w", err)
	}

	callCtx, cancel = context.WithTimeout(ctx, l.timeout)
	if _, err = l.db.SetInviteCode(callCtx, memberID, code); err != nil {
		log.Warn("saving invite code on member", sl.Err(err))
	}
	cancel()

	l.snaps.Track(groupID, code, 0)
	log.With(slog.String("code", code)).Info("invite created")
	return invite, nil
}

func (l *Ledger) upsert(ctx context.Context, memberID string, upd entity.MemberUpdate) error {
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.db.UpsertMember(callCtx, memberID, upd)
}

func (l *Ledger) findMember(ctx context.Context, memberID string) (*entity.Member, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.db.FindMember(callCtx, memberID)
}

func (l *Ledger) findInvite(ctx context.Context, code string) (*entity.Invite, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.db.FindInvite(callCtx, code)
}

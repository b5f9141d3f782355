// Package testutil provides in-memory collaborators for engine tests.
package testutil

import (
	"context"
	"errors"
	"refsync/entity"
	"sort"
	"sync"
	"time"
)

var ErrUnavailable = errors.New("store unavailable")

// MemStore is an in-memory record store with the same write rules as the
// database implementations: set-once inviter, one event per invitee,
// applications granted once.
type MemStore struct {
	mu           sync.Mutex
	members      map[string]*entity.Member
	invites      map[string]*entity.Invite
	events       []*entity.AttributionEvent
	applications map[string]*entity.Application
	appOrder     []string
	publications map[string]*entity.Publication

	// Fail makes every call return ErrUnavailable while set.
	Fail bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		members:      make(map[string]*entity.Member),
		invites:      make(map[string]*entity.Invite),
		applications: make(map[string]*entity.Application),
		publications: make(map[string]*entity.Publication),
	}
}

func (s *MemStore) SetFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fail = fail
}

func (s *MemStore) FindMember(_ context.Context, memberID string) (*entity.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, ErrUnavailable
	}
	m, ok := s.members[memberID]
	if !ok {
		return nil, nil
	}
	c := *m
	return &c, nil
}

func (s *MemStore) UpsertMember(_ context.Context, memberID string, upd entity.MemberUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrUnavailable
	}
	m := s.member(memberID)
	if upd.DisplayName != "" {
		m.DisplayName = upd.DisplayName
	}
	if !upd.JoinedAt.IsZero() {
		m.JoinedAt = upd.JoinedAt
	}
	if upd.LastNotifiedPeriod != "" {
		m.LastNotifiedPeriod = upd.LastNotifiedPeriod
	}
	return nil
}

func (s *MemStore) SetInviter(_ context.Context, memberID, inviterID, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return false, ErrUnavailable
	}
	m := s.member(memberID)
	if m.InviterID != "" {
		return false, nil
	}
	m.InviterID = inviterID
	m.JoinedVia = code
	return true, nil
}

func (s *MemStore) SetInviteCode(_ context.Context, memberID, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return false, ErrUnavailable
	}
	m := s.member(memberID)
	if m.InviteCode != "" {
		return false, nil
	}
	m.InviteCode = code
	return true, nil
}

func (s *MemStore) member(memberID string) *entity.Member {
	m, ok := s.members[memberID]
	if !ok {
		m = &entity.Member{MemberID: memberID, CreatedAt: time.Now()}
		s.members[memberID] = m
	}
	return m
}

func (s *MemStore) AppendEvent(_ context.Context, evt *entity.AttributionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrUnavailable
	}
	for _, e := range s.events {
		if e.InviteeID == evt.InviteeID {
			return entity.ErrDuplicate
		}
	}
	c := *evt
	s.events = append(s.events, &c)
	return nil
}

func (s *MemStore) FindEventByInvitee(_ context.Context, inviteeID string) (*entity.AttributionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, ErrUnavailable
	}
	for _, e := range s.events {
		if e.InviteeID == inviteeID {
			c := *e
			return &c, nil
		}
	}
	return nil, nil
}

// QueryByPeriod returns events in insertion order.
func (s *MemStore) QueryByPeriod(_ context.Context, key string) ([]*entity.AttributionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, ErrUnavailable
	}
	var out []*entity.AttributionEvent
	for _, e := range s.events {
		if e.Period == key {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemStore) MarkQualified(_ context.Context, inviteeID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return false, ErrUnavailable
	}
	for _, e := range s.events {
		if e.InviteeID == inviteeID {
			if e.Qualified {
				return false, nil
			}
			e.Qualified = true
			e.QualifiedAt = at
			return true, nil
		}
	}
	return false, nil
}

// Events returns a copy of the event log.
func (s *MemStore) Events() []entity.AttributionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.AttributionEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e)
	}
	return out
}

func (s *MemStore) FindInvite(_ context.Context, code string) (*entity.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, ErrUnavailable
	}
	inv, ok := s.invites[code]
	if !ok {
		return nil, nil
	}
	c := *inv
	return &c, nil
}

func (s *MemStore) FindInviteByOwner(_ context.Context, groupID int64, ownerID string) (*entity.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, ErrUnavailable
	}
	for _, inv := range s.invites {
		if inv.GroupID == groupID && inv.OwnerID == ownerID {
			c := *inv
			return &c, nil
		}
	}
	return nil, nil
}

func (s *MemStore) CreateInvite(_ context.Context, inv *entity.Invite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrUnavailable
	}
	if _, ok := s.invites[inv.Code]; ok {
		return entity.ErrDuplicate
	}
	for _, existing := range s.invites {
		if existing.GroupID == inv.GroupID && existing.OwnerID == inv.OwnerID {
			return entity.ErrDuplicate
		}
	}
	c := *inv
	s.invites[inv.Code] = &c
	return nil
}

func (s *MemStore) IncrementInviteUse(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return false, ErrUnavailable
	}
	inv, ok := s.invites[code]
	if !ok {
		return false, nil
	}
	inv.UseCount++
	return true, nil
}

func (s *MemStore) InviteCounts(_ context.Context, groupID int64) (entity.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, ErrUnavailable
	}
	snap := entity.Snapshot{}
	for code, inv := range s.invites {
		if inv.GroupID == groupID {
			snap[code] = inv.UseCount
		}
	}
	return snap, nil
}

func (s *MemStore) CreateApplication(_ context.Context, app *entity.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrUnavailable
	}
	if _, ok := s.applications[app.MemberID]; ok {
		return entity.ErrDuplicate
	}
	c := *app
	if c.Status == "" {
		c.Status = entity.ApplicationPending
	}
	s.applications[app.MemberID] = &c
	s.appOrder = append(s.appOrder, app.MemberID)
	return nil
}

func (s *MemStore) ApproveApplication(_ context.Context, memberID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return false, ErrUnavailable
	}
	app, ok := s.applications[memberID]
	if !ok || app.Status != entity.ApplicationPending {
		return false, nil
	}
	app.Status = entity.ApplicationApproved
	app.ApprovedAt = at
	return true, nil
}

func (s *MemStore) QueryApprovedUngranted(_ context.Context, limit, maxAttempts int) ([]*entity.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, ErrUnavailable
	}
	var out []*entity.Application
	for _, id := range s.appOrder {
		app := s.applications[id]
		if app.Status != entity.ApplicationApproved {
			continue
		}
		if maxAttempts > 0 && app.Attempts >= maxAttempts {
			continue
		}
		c := *app
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) MarkGranted(_ context.Context, memberID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrUnavailable
	}
	app, ok := s.applications[memberID]
	if !ok {
		return entity.ErrNotFound
	}
	app.Status = entity.ApplicationGranted
	app.GrantedAt = at
	return nil
}

func (s *MemStore) MarkGrantFailed(_ context.Context, memberID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrUnavailable
	}
	app, ok := s.applications[memberID]
	if !ok {
		return entity.ErrNotFound
	}
	app.Attempts++
	app.LastError = reason
	return nil
}

func (s *MemStore) ListApplications(_ context.Context, status entity.ApplicationStatus) ([]*entity.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, ErrUnavailable
	}
	var out []*entity.Application
	for _, id := range s.appOrder {
		app := s.applications[id]
		if status == "" || app.Status == status {
			c := *app
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemStore) FindPublication(_ context.Context, title string) (*entity.Publication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return nil, ErrUnavailable
	}
	p, ok := s.publications[title]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (s *MemStore) SavePublication(_ context.Context, pub *entity.Publication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrUnavailable
	}
	c := *pub
	s.publications[pub.Title] = &c
	return nil
}

// MemberIDs returns the ids of all member records, sorted.
func (s *MemStore) MemberIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package entity

import "time"

// Member is the durable record of a community member.
//
// InviteCode, InviterID and JoinedVia only move from empty to set.
// DisplayName, JoinedAt and LastNotifiedPeriod may be refreshed.
// The attribution event log, not this record, is the system of record
// for aggregation.
type Member struct {
	MemberID           string    `json:"member_id" bson:"member_id"`
	DisplayName        string    `json:"display_name" bson:"display_name"`
	InviteCode         string    `json:"invite_code,omitempty" bson:"invite_code"`
	InviterID          string    `json:"inviter_id,omitempty" bson:"inviter_id"`
	JoinedVia          string    `json:"joined_via,omitempty" bson:"joined_via"`
	JoinedAt           time.Time `json:"joined_at,omitempty" bson:"joined_at"`
	LastNotifiedPeriod string    `json:"last_notified_period,omitempty" bson:"last_notified_period"`
	CreatedAt          time.Time `json:"created_at" bson:"created_at"`
}

func (m *Member) HasInviter() bool {
	return m != nil && m.InviterID != ""
}

// MemberUpdate lists the refreshable fields of a member record.
// Empty values are left untouched.
type MemberUpdate struct {
	DisplayName        string
	JoinedAt           time.Time
	LastNotifiedPeriod string
}

package entity

import "time"

// AttributionEvent is an append-only log entry linking an invitee to the
// member whose invite caused the join. At most one exists per invitee.
type AttributionEvent struct {
	ID          string    `json:"id" bson:"id"`
	Seq         int64     `json:"seq" bson:"seq"`
	InviteeID   string    `json:"invitee_id" bson:"invitee_id"`
	InviterID   string    `json:"inviter_id" bson:"inviter_id"`
	InviteCode  string    `json:"invite_code" bson:"invite_code"`
	GroupID     int64     `json:"group_id" bson:"group_id"`
	Period      string    `json:"period" bson:"period"`
	JoinedAt    time.Time `json:"joined_at" bson:"joined_at"`
	Qualified   bool      `json:"qualified" bson:"qualified"`
	QualifiedAt time.Time `json:"qualified_at,omitempty" bson:"qualified_at,omitempty"`
}

// JoinEvent is a membership join observed in a group.
type JoinEvent struct {
	GroupID     int64
	MemberID    string
	DisplayName string
	JoinedAt    time.Time
}

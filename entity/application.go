package entity

import "time"

type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationApproved ApplicationStatus = "approved"
	ApplicationGranted  ApplicationStatus = "granted"
)

// Application is a request to join a group. Admins approve it, the grant
// poller performs the promotion and marks it granted exactly once.
type Application struct {
	MemberID    string            `json:"member_id" bson:"member_id"`
	GroupID     int64             `json:"group_id" bson:"group_id"`
	DisplayName string            `json:"display_name" bson:"display_name"`
	Status      ApplicationStatus `json:"status" bson:"status"`
	Attempts    int               `json:"attempts" bson:"attempts"`
	LastError   string            `json:"last_error,omitempty" bson:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at" bson:"created_at"`
	ApprovedAt  time.Time         `json:"approved_at,omitempty" bson:"approved_at,omitempty"`
	GrantedAt   time.Time         `json:"granted_at,omitempty" bson:"granted_at,omitempty"`
}

package entity

import "time"

// Invite is a personal invite link issued to one member of one group.
// UseCount is maintained from join reports and only grows.
type Invite struct {
	Code      string    `json:"code" bson:"code"`
	GroupID   int64     `json:"group_id" bson:"group_id"`
	OwnerID   string    `json:"owner_id" bson:"owner_id"`
	UseCount  int       `json:"use_count" bson:"use_count"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Snapshot maps invite code to use count at one point in time.
type Snapshot map[string]int

func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	c := make(Snapshot, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

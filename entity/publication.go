package entity

import (
	"fmt"
	"time"
)

type PublicationKind string

const (
	PublicationLive  PublicationKind = "live"
	PublicationFinal PublicationKind = "final"
)

// Publication remembers where a leaderboard was posted so that publishing
// the same title again edits the message instead of posting a new one.
type Publication struct {
	Title     string          `json:"title" bson:"title"`
	Kind      PublicationKind `json:"kind" bson:"kind"`
	Period    string          `json:"period" bson:"period"`
	ChatID    int64           `json:"chat_id" bson:"chat_id"`
	MessageID int64           `json:"message_id" bson:"message_id"`
	UpdatedAt time.Time       `json:"updated_at" bson:"updated_at"`
}

func PublicationTitle(kind PublicationKind, period string) string {
	return fmt.Sprintf("%s:%s", kind, period)
}

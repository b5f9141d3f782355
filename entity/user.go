package entity

import (
	"time"
)

// TelegramRole controls access level within the bot.
// Role hierarchy: RoleNone < RoleMember < RoleAdmin.
type TelegramRole string

const (
	RoleNone   TelegramRole = ""       // unknown to the bot
	RoleMember TelegramRole = "member" // joined through an approved application
	RoleAdmin  TelegramRole = "admin"  // can approve applications and force finalization
)

// User represents both an API user (Token-based auth) and a Telegram bot operator.
// Telegram-specific fields are populated when the operator first talks to the bot.
type User struct {
	Username         string       `json:"username" bson:"username" validate:"required"`
	Name             string       `json:"name" bson:"name" validate:"omitempty"`
	Token            string       `json:"token" bson:"token" validate:"required,min=1"`
	TelegramId       int64        `json:"telegram_id" bson:"telegram_id" validate:"omitempty"`
	TelegramUsername string       `json:"telegram_username" bson:"telegram_username"`
	TelegramRole     TelegramRole `json:"telegram_role" bson:"telegram_role"`
	AlertLevel       int          `json:"alert_level" bson:"alert_level"`
	AlertTopics      []string     `json:"alert_topics" bson:"alert_topics"`
	RegisteredAt     time.Time    `json:"registered_at" bson:"registered_at"`
}

func (u *User) IsAdmin() bool {
	return u.TelegramRole == RoleAdmin
}

// HasTopic checks if the user receives alerts for a given topic.
// Convention: empty AlertTopics = subscribed to all.
func (u *User) HasTopic(topic string) bool {
	if len(u.AlertTopics) == 0 {
		return true
	}
	for _, t := range u.AlertTopics {
		if t == topic {
			return true
		}
	}
	return false
}

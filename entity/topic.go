// Package entity defines domain types shared across the application.

package entity

// Alert topics used to categorize messages forwarded to bot admins.
// Log calls can tag messages with slog.String("tg_topic", entity.TopicXxx).
const (
	TopicReferral = "referral"
	TopicPayout   = "payout"
	TopicGrant    = "grant"
	TopicError    = "error"
	TopicSystem   = "system"
)

var allTopics = []string{
	TopicReferral,
	TopicPayout,
	TopicGrant,
	TopicError,
	TopicSystem,
}

func AllTopics() []string {
	result := make([]string, len(allTopics))
	copy(result, allTopics)
	return result
}

func IsValidTopic(topic string) bool {
	for _, t := range allTopics {
		if t == topic {
			return true
		}
	}
	return false
}

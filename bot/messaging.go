package bot

import (
	"log/slog"
	"refsync/entity"
)

// SendAlert forwards a log record to admins. Each admin's alert level and
// topic subscriptions filter the record; errors are delivered at once, the
// rest go through the digest when one is running.
func (t *TgBot) SendAlert(msg string, level slog.Level, topic string) {
	if topic == "" {
		topic = entity.TopicSystem
		if level >= slog.LevelError {
			topic = entity.TopicError
		}
	}
	if level < t.config.AlertLevel {
		return
	}

	for _, id := range t.admins() {
		user := t.findUser(id)
		if user == nil {
			continue
		}
		if int(level) < user.AlertLevel {
			continue
		}
		if !user.HasTopic(topic) {
			continue
		}
		if level >= slog.LevelError || t.digest == nil {
			t.plainResponse(id, msg)
			continue
		}
		t.digest.Add(id, msg, topic, level)
	}
}

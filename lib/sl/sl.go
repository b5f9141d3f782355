package sl

import (
	"fmt"
	"log/slog"
)

func Err(err error) slog.Attr {
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}

// Secret returns a string with the first 5 characters of the input string
// used to hide sensitive information in logs
func Secret(key, value string) slog.Attr {
	r := "***"
	if len(value) > 5 {
		r = fmt.Sprintf("%s***", value[0:5])
	}
	if value == "" {
		r = "?"
	}
	return slog.Attr{
		Key:   key,
		Value: slog.StringValue(r),
	}
}

func Module(mod string) slog.Attr {
	return slog.Attr{
		Key:   "mod",
		Value: slog.StringValue(mod),
	}
}

func Period(key fmt.Stringer) slog.Attr {
	return slog.String("period", key.String())
}

func Member(id string) slog.Attr {
	return slog.String("member_id", id)
}

// TopicKey is the attribute that routes a record to bot admins.
const TopicKey = "tg_topic"

// Topic tags a record for alert routing to bot admins.
func Topic(topic string) slog.Attr {
	return slog.String(TopicKey, topic)
}

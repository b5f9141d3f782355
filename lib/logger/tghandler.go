package logger

import (
	"context"
	"fmt"
	"log/slog"
	"refsync/lib/sl"
	"strings"
	"sync"
)

// Alerter delivers a formatted record to bot admins.
type Alerter interface {
	SendAlert(msg string, level slog.Level, topic string)
}

// TelegramHandler is a slog.Handler that forwards records to Telegram admins.
// A tg_topic attribute selects the alert topic.
type TelegramHandler struct {
	handler  slog.Handler
	alerter  Alerter
	minLevel slog.Level
	mu       *sync.Mutex
	attrs    []slog.Attr
	group    string
}

func NewTelegramHandler(handler slog.Handler, alerter Alerter, minLevel slog.Level) *TelegramHandler {
	return &TelegramHandler{
		handler:  handler,
		alerter:  alerter,
		minLevel: minLevel,
		mu:       &sync.Mutex{},
		attrs:    make([]slog.Attr, 0),
	}
}

// Enabled passes through to the wrapped handler; the Telegram level is
// checked per record so that debug output still reaches the log file.
func (h *TelegramHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *TelegramHandler) Handle(ctx context.Context, record slog.Record) error {
	err := h.handler.Handle(ctx, record)
	if err != nil {
		return err
	}
	if h.alerter == nil {
		return nil
	}

	topic := ""
	h.eachAttr(record, func(a slog.Attr) {
		if a.Key == sl.TopicKey {
			topic = a.Value.String()
		}
	})
	if record.Level < h.minLevel && topic == "" {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerter.SendAlert(h.format(record), record.Level, topic)
	return nil
}

func (h *TelegramHandler) format(record slog.Record) string {
	var sb strings.Builder
	if h.group != "" {
		sb.WriteString(fmt.Sprintf("*%s* `%s.%s`", record.Level.String(), h.group, record.Message))
	} else {
		sb.WriteString(fmt.Sprintf("*%s* `%s`", record.Level.String(), record.Message))
	}
	h.eachAttr(record, func(a slog.Attr) {
		switch a.Key {
		case sl.TopicKey:
		case "error":
			sb.WriteString(fmt.Sprintf("\n%s: ```error %v ```", a.Key, a.Value))
		default:
			sb.WriteString(sanitize(fmt.Sprintf("\n%s: %v", a.Key, a.Value)))
		}
	})
	return sb.String()
}

func (h *TelegramHandler) eachAttr(record slog.Record, fn func(slog.Attr)) {
	for _, a := range h.attrs {
		fn(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		fn(a)
		return true
	})
}

func (h *TelegramHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)

	return &TelegramHandler{
		handler:  h.handler.WithAttrs(attrs),
		alerter:  h.alerter,
		minLevel: h.minLevel,
		mu:       h.mu,
		attrs:    newAttrs,
		group:    h.group,
	}
}

func (h *TelegramHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}

	return &TelegramHandler{
		handler:  h.handler.WithGroup(name),
		alerter:  h.alerter,
		minLevel: h.minLevel,
		mu:       h.mu,
		attrs:    h.attrs,
		group:    group,
	}
}

// sanitize escapes MarkdownV2 reserved characters.
func sanitize(input string) string {
	reservedChars := "\\_{}#+-.!|()[]=*~`>"
	var sb strings.Builder
	for _, char := range input {
		if strings.ContainsRune(reservedChars, char) {
			sb.WriteRune('\\')
		}
		sb.WriteRune(char)
	}
	return sb.String()
}

package logger

import (
	"io"
	"log/slog"
	"refsync/lib/sl"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alert struct {
	msg   string
	level slog.Level
	topic string
}

type recorder struct {
	mu     sync.Mutex
	alerts []alert
}

func (r *recorder) SendAlert(msg string, level slog.Level, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert{msg, level, topic})
}

func newTestLogger(rec *recorder) *slog.Logger {
	base := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewTelegramHandler(base, rec, slog.LevelWarn))
}

func TestTelegramHandler_LevelFilter(t *testing.T) {
	rec := &recorder{}
	log := newTestLogger(rec)

	log.Info("routine")
	log.Warn("disk almost full", slog.String("path", "/var"))

	require.Len(t, rec.alerts, 1)
	assert.Equal(t, slog.LevelWarn, rec.alerts[0].level)
	assert.Empty(t, rec.alerts[0].topic)
	assert.Contains(t, rec.alerts[0].msg, "disk almost full")
	assert.Contains(t, rec.alerts[0].msg, "path: /var")
}

func TestTelegramHandler_TopicForwardsBelowLevel(t *testing.T) {
	rec := &recorder{}
	log := newTestLogger(rec).With(sl.Module("payout"))

	log.With(sl.Topic("payout"), sl.Member("42")).Info("payout sent")

	require.Len(t, rec.alerts, 1)
	assert.Equal(t, "payout", rec.alerts[0].topic)
	assert.Equal(t, slog.LevelInfo, rec.alerts[0].level)
	assert.NotContains(t, rec.alerts[0].msg, "tg_topic")
	assert.Contains(t, rec.alerts[0].msg, "member\\_id: 42")
}

func TestTelegramHandler_Group(t *testing.T) {
	rec := &recorder{}
	log := newTestLogger(rec).WithGroup("grant")

	log.Error("grant failed")

	require.Len(t, rec.alerts, 1)
	assert.Contains(t, rec.alerts[0].msg, "`grant.grant failed`")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("INFO"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("loud"))
}

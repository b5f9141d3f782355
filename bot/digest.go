package bot

import (
	"context"
	"fmt"
	"log/slog"
	"refsync/lib/schedule"
	"strings"
	"sync"
	"time"
)

const (
	maxTelegramMessageLen = 4096
	// older entries are dropped once a chat has this many pending
	maxPendingAlerts = 50
)

type AlertEntry struct {
	Message   string
	Topic     string
	Level     slog.Level
	Timestamp time.Time
}

// AlertBuffer collects alerts per admin and sends them as one digest per interval.
type AlertBuffer struct {
	mu      sync.Mutex
	entries map[int64][]AlertEntry
	dropped map[int64]int
	send    func(chatId int64, text string)
	job     *schedule.Job
	cancel  context.CancelFunc
}

func NewAlertBuffer(send func(chatId int64, text string), interval time.Duration, log *slog.Logger) *AlertBuffer {
	d := &AlertBuffer{
		entries: make(map[int64][]AlertEntry),
		dropped: make(map[int64]int),
		send:    send,
	}
	d.job = schedule.New("alert-digest", interval, func(context.Context) { d.Flush() }, log)
	return d
}

func (d *AlertBuffer) Add(chatId int64, msg string, topic string, level slog.Level) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pending := append(d.entries[chatId], AlertEntry{
		Message:   msg,
		Topic:     topic,
		Level:     level,
		Timestamp: time.Now(),
	})
	if over := len(pending) - maxPendingAlerts; over > 0 {
		pending = pending[over:]
		d.dropped[chatId] += over
	}
	d.entries[chatId] = pending
}

func (d *AlertBuffer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.job.Start(ctx)
}

func (d *AlertBuffer) Flush() {
	d.mu.Lock()
	snapshot, dropped := d.entries, d.dropped
	d.entries = make(map[int64][]AlertEntry)
	d.dropped = make(map[int64]int)
	d.mu.Unlock()

	for chatId, entries := range snapshot {
		if len(entries) == 0 {
			continue
		}
		for _, part := range splitMessage(formatDigest(entries, dropped[chatId]), maxTelegramMessageLen) {
			d.send(chatId, part)
		}
	}
}

// Stop ends the flush loop and sends what is still pending.
func (d *AlertBuffer) Stop() {
	if d.cancel != nil {
		d.cancel()
		d.job.Wait()
	}
	d.Flush()
}

func formatDigest(entries []AlertEntry, dropped int) string {
	grouped := make(map[string][]AlertEntry)
	var topics []string
	for _, e := range entries {
		if _, ok := grouped[e.Topic]; !ok {
			topics = append(topics, e.Topic)
		}
		grouped[e.Topic] = append(grouped[e.Topic], e)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("*Alerts* \\(%d\\)\n", len(entries)))
	if dropped > 0 {
		sb.WriteString(fmt.Sprintf("_%d older alerts dropped_\n", dropped))
	}
	sb.WriteString("\n")

	for _, topic := range topics {
		topicEntries := grouped[topic]
		sb.WriteString(fmt.Sprintf("*%s* \\(%d\\):\n", Sanitize(topic), len(topicEntries)))
		for _, e := range topicEntries {
			ts := e.Timestamp.Format("15:04")
			sb.WriteString(fmt.Sprintf("  `%s` %s %s\n", ts, e.Level.String(), Sanitize(e.Message)))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

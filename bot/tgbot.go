// Package bot connects the referral engine to Telegram.
//
//   - tgbot.go    : TgBot struct, lifecycle (Start/Stop), operator cache, Database interface
//   - directory.go: membership directory, name source, DM channel, publication sink, granter
//   - updates.go  : chat_member and chat_join_request handlers
//   - commands.go : member commands: /start, /invite, /stats, /top, /help
//   - admin.go    : admin commands: /applications, /approve, /finalize
//   - callbacks.go: inline keyboard builders and callback query handlers
//   - menus.go    : per-role command menus via BotCommandScope
//   - messaging.go: admin alert routing: level filter → topic filter → digest
//   - digest.go   : AlertBuffer for batched alert delivery
//   - format.go   : leaderboard and result rendering
//   - helpers.go  : Sanitize, plainResponse, reportError, id parsing
//
// Thread safety: operators and adminIds are protected by sync.RWMutex.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"refsync/entity"
	"refsync/internal/attribution"
	"refsync/internal/payout"
	"refsync/internal/period"
	"refsync/lib/sl"
	"sync"
	"time"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
)

// BotConfig holds Telegram-specific configuration loaded from the YAML config file.
type BotConfig struct {
	GroupIDs          []int64
	ResultsChatID     int64
	AdminIDs          []int64
	AlertLevel        slog.Level
	DigestIntervalMin int
	CallTimeout       time.Duration
}

// Database defines the storage operations the bot depends on.
// Implemented by internal/database.
type Database interface {
	GetTelegramUsers() ([]*entity.User, error)
	IncrementInviteUse(ctx context.Context, code string) (bool, error)
	InviteCounts(ctx context.Context, groupID int64) (entity.Snapshot, error)
	CreateApplication(ctx context.Context, app *entity.Application) error
	ApproveApplication(ctx context.Context, memberID string, at time.Time) (bool, error)
	ListApplications(ctx context.Context, status entity.ApplicationStatus) ([]*entity.Application, error)
	FindPublication(ctx context.Context, title string) (*entity.Publication, error)
	SavePublication(ctx context.Context, pub *entity.Publication) error
}

type Ledger interface {
	HandleCountedJoin(ctx context.Context, join entity.JoinEvent, count func(ctx context.Context) error) attribution.Result
	RequestInvite(ctx context.Context, groupID int64, memberID, name string) (*entity.Invite, error)
}

type Rankings interface {
	Aggregate(ctx context.Context, key period.Key) (*entity.Leaderboard, error)
	PayoutUnit() int
}

type Finalizer interface {
	Finalize(ctx context.Context, key period.Key) (payout.Result, error)
}

// NameRecorder keeps display names seen on joins for the leaderboards.
type NameRecorder interface {
	Remember(memberID, name string)
}

// TgBot is the central Telegram bot instance.
type TgBot struct {
	log       *slog.Logger
	api       *tgbotapi.Bot
	db        Database
	mu        sync.RWMutex           // guards operators and adminIds
	operators map[int64]*entity.User // telegram_id → operator from the users collection
	adminIds  []int64
	updater   *ext.Updater
	digest    *AlertBuffer
	config    BotConfig
	groups    map[int64]bool

	ledger    Ledger
	rankings  Rankings
	finalizer Finalizer
	names     NameRecorder
	cal       period.Calendar
	now       func() time.Time
}

func NewTgBot(apiKey string, db Database, log *slog.Logger, cfg BotConfig) (*TgBot, error) {
	if cfg.DigestIntervalMin < 0 {
		cfg.DigestIntervalMin = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.ResultsChatID == 0 && len(cfg.GroupIDs) > 0 {
		cfg.ResultsChatID = cfg.GroupIDs[0]
	}

	tgBot := &TgBot{
		log:       log.With(sl.Module("tgbot")),
		db:        db,
		operators: make(map[int64]*entity.User),
		config:    cfg,
		groups:    make(map[int64]bool, len(cfg.GroupIDs)),
		cal:       period.NewCalendar(time.UTC),
		now:       time.Now,
	}
	for _, id := range cfg.GroupIDs {
		tgBot.groups[id] = true
	}

	api, err := tgbotapi.NewBot(apiKey, nil)
	if err != nil {
		return nil, fmt.Errorf("creating api instance: %v", err)
	}
	tgBot.api = api

	return tgBot, nil
}

// SetEngine connects the referral engine. It must be called before Start.
func (t *TgBot) SetEngine(ledger Ledger, rankings Rankings, finalizer Finalizer, cal period.Calendar) {
	t.ledger = ledger
	t.rankings = rankings
	t.finalizer = finalizer
	t.cal = cal
}

func (t *TgBot) SetNameRecorder(names NameRecorder) {
	t.names = names
}

// Start polls for updates and blocks until Stop is called.
func (t *TgBot) Start() error {
	t.loadUsers()

	if t.config.DigestIntervalMin > 0 {
		interval := time.Duration(t.config.DigestIntervalMin) * time.Minute
		t.digest = NewAlertBuffer(t.plainResponse, interval, t.log)
		t.digest.Start()
	}

	dispatcher := ext.NewDispatcher(&ext.DispatcherOpts{
		Error: func(b *tgbotapi.Bot, ctx *ext.Context, err error) ext.DispatcherAction {
			t.log.Error("handling update:", sl.Err(err))
			return ext.DispatcherActionNoop
		},
		MaxRoutines: ext.DefaultMaxRoutines,
	})
	t.updater = ext.NewUpdater(dispatcher, nil)

	// Group membership updates
	dispatcher.AddHandler(handlers.NewChatMember(t.isTrackedMemberUpdate, t.onChatMember))
	dispatcher.AddHandler(handlers.NewChatJoinRequest(t.isTrackedJoinRequest, t.onJoinRequest))

	// Member commands
	dispatcher.AddHandler(handlers.NewCommand("start", t.start))
	dispatcher.AddHandler(handlers.NewCommand("invite", t.invite))
	dispatcher.AddHandler(handlers.NewCommand("stats", t.stats))
	dispatcher.AddHandler(handlers.NewCommand("top", t.top))
	dispatcher.AddHandler(handlers.NewCommand("help", t.help))

	// Admin commands
	dispatcher.AddHandler(handlers.NewCommand("applications", t.applications))
	dispatcher.AddHandler(handlers.NewCommand("approve", t.approve))
	dispatcher.AddHandler(handlers.NewCommand("finalize", t.finalize))

	// Callback query handlers
	dispatcher.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbApprove), t.onApproveCallback))
	dispatcher.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbFinalize), t.onFinalizeCallback))

	t.setDefaultCommands()
	t.syncAdminMenus()

	err := t.updater.StartPolling(t.api, &ext.PollingOpts{
		DropPendingUpdates: true,
		GetUpdatesOpts: &tgbotapi.GetUpdatesOpts{
			Timeout:        9,
			AllowedUpdates: []string{"message", "callback_query", "chat_member", "chat_join_request"},
			RequestOpts: &tgbotapi.RequestOpts{
				Timeout: time.Second * 10,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start polling: %w", err)
	}
	t.log.With(
		slog.String("username", t.api.Username),
		slog.Int("groups", len(t.config.GroupIDs)),
	).Info("telegram bot started")

	t.updater.Idle()
	return nil
}

func (t *TgBot) Stop() {
	if t.updater != nil {
		t.log.Info("stopping telegram bot")
		t.updater.Stop()
	}
	if t.digest != nil {
		t.digest.Stop()
	}
}

// loadUsers refreshes the operator cache from the database and rebuilds the
// admin list used for alerts. Admins from the config file are always included.
func (t *TgBot) loadUsers() {
	var users []*entity.User
	if t.db != nil {
		var err error
		users, err = t.db.GetTelegramUsers()
		if err != nil {
			t.log.Error("loading users", sl.Err(err))
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.operators = make(map[int64]*entity.User)
	seen := make(map[int64]bool)
	t.adminIds = nil
	for _, user := range users {
		if user.TelegramId == 0 {
			continue
		}
		user.AlertTopics = t.validTopics(user)
		t.operators[user.TelegramId] = user
		if user.IsAdmin() && !seen[user.TelegramId] {
			t.adminIds = append(t.adminIds, user.TelegramId)
			seen[user.TelegramId] = true
		}
	}
	for _, id := range t.config.AdminIDs {
		if seen[id] {
			continue
		}
		if _, ok := t.operators[id]; !ok {
			t.operators[id] = &entity.User{TelegramId: id, TelegramRole: entity.RoleAdmin}
		}
		t.adminIds = append(t.adminIds, id)
		seen[id] = true
	}
	t.log.With(
		slog.Int("operators", len(t.operators)),
		slog.Int("admins", len(t.adminIds)),
	).Debug("loaded users")
}

// validTopics drops alert topics that no longer exist. An empty result keeps
// meaning "all topics", so a user left with none is subscribed to errors only.
func (t *TgBot) validTopics(user *entity.User) []string {
	if len(user.AlertTopics) == 0 {
		return nil
	}
	kept := make([]string, 0, len(user.AlertTopics))
	for _, topic := range user.AlertTopics {
		if entity.IsValidTopic(topic) {
			kept = append(kept, topic)
		}
	}
	if len(kept) < len(user.AlertTopics) {
		t.log.With(
			slog.Int64("user_id", user.TelegramId),
			slog.Any("topics", user.AlertTopics),
			slog.Any("kept", kept),
		).Warn("unknown alert topics ignored")
	}
	if len(kept) == 0 {
		kept = []string{entity.TopicError}
	}
	return kept
}

func (t *TgBot) findUser(id int64) *entity.User {
	t.mu.RLock()
	defer t.mu.RUnlock()
	user, ok := t.operators[id]
	if ok {
		return user
	}
	return nil
}

// primaryGroup receives personal invite links.
func (t *TgBot) primaryGroup() (int64, bool) {
	if len(t.config.GroupIDs) == 0 {
		return 0, false
	}
	return t.config.GroupIDs[0], true
}

func (t *TgBot) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), t.config.CallTimeout)
}

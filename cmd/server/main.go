package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"refsync/bot"
	"refsync/entity"
	"refsync/impl/auth"
	"refsync/impl/core"
	"refsync/internal/attribution"
	"refsync/internal/config"
	"refsync/internal/database"
	"refsync/internal/grant"
	"refsync/internal/http-server/api"
	"refsync/internal/leaderboard"
	"refsync/internal/payout"
	"refsync/internal/period"
	"refsync/internal/rollover"
	"refsync/internal/stripeclient"
	"refsync/lib/clock"
	"refsync/lib/logger"
	"refsync/lib/schedule"
	"refsync/lib/sl"
	occlient "refsync/opencart/oc-client"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const logFileName = "refsync.log"

func main() {
	configPath := flag.String("conf", "config.yml", "path to config file")
	logPath := flag.String("log", "/var/log/", "path to log file directory, empty for stdout")
	flag.Parse()

	conf := config.MustLoad(*configPath)
	logFile := ""
	if *logPath != "" {
		logFile = filepath.Join(*logPath, logFileName)
	}
	lg := logger.SetupLogger(conf.Env, logFile)
	lg.Info("starting refsync", slog.String("config", *configPath), slog.String("env", conf.Env))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cal, err := period.LoadCalendar(conf.Referral.TimeZone)
	if err != nil {
		log.Fatal(err)
	}
	clk := clock.System()
	timeout := conf.Referral.CallTimeout

	db, closeDB := openStore(ctx, conf, lg)
	defer closeDB()

	var tg *bot.TgBot
	if conf.Telegram.Enabled {
		tg, err = bot.NewTgBot(conf.Telegram.ApiKey, db, lg, bot.BotConfig{
			GroupIDs:          conf.Telegram.GroupIDs,
			ResultsChatID:     conf.Telegram.ResultsChatID,
			AdminIDs:          conf.Telegram.AdminIDs,
			AlertLevel:        logger.ParseLevel(conf.Alerts.Level),
			DigestIntervalMin: conf.Alerts.DigestIntervalMin,
			CallTimeout:       timeout,
		})
		if err != nil {
			lg.Error("telegram bot", sl.Err(err))
		} else {
			lg = slog.New(logger.NewTelegramHandler(lg.Handler(), tg, logger.ParseLevel(conf.Alerts.Level)))
		}
	}

	var surface telegramSurface = disabledSurface{db: db}
	if tg != nil {
		surface = tg
	} else {
		lg.Warn("telegram disabled; invites, notices and grants will not be delivered")
	}

	// qualification: flags set by the store (API, Stripe) plus completed shop orders
	qualifiers := []leaderboard.Qualifier{leaderboard.EventFlag}
	oc, err := occlient.New(conf, cal, lg)
	if err != nil {
		lg.Error("opencart client", sl.Err(err))
	}
	if oc != nil {
		qualifiers = append(qualifiers, oc)
	}

	names := leaderboard.NewNameCache(surface, timeout, lg)
	agg := leaderboard.NewAggregator(db, leaderboard.AnyOf(qualifiers...), names, leaderboard.Options{
		TopN:       conf.Referral.TopN,
		PayoutUnit: conf.Referral.PayoutUnit,
		Currency:   conf.Referral.Currency,
		Timeout:    timeout,
	}, lg)
	ledger := attribution.NewLedger(surface, db, attribution.NewSnapshotStore(), cal, timeout, lg)
	notifier := payout.NewDeduplicator(db, surface, payout.Options{
		Unit:     conf.Referral.PayoutUnit,
		Currency: conf.Referral.Currency,
		Timeout:  timeout,
	}, lg)
	controller := rollover.NewController(agg, surface, notifier, cal, clk, timeout, lg)
	poller := grant.NewPoller(db, surface, clk, grant.Options{
		Batch:       conf.Referral.GrantBatch,
		MaxAttempts: conf.Referral.GrantMaxAttempts,
		Timeout:     timeout,
	}, lg)

	ledger.Prime(ctx, conf.Telegram.GroupIDs...)

	handler := core.New(agg, db, cal, clk, lg)
	handler.SetAuthService(auth.New(db))
	if conf.Stripe.Enabled {
		handler.SetStripeService(stripeclient.New(conf, db, lg))
	}
	server := api.New(conf, lg, handler)

	jobs := []*schedule.Job{
		schedule.New("rollover", conf.Referral.RolloverInterval, controller.Tick, lg),
		schedule.New("grants", conf.Referral.GrantInterval, poller.Run, lg),
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		job.Start(gctx)
		g.Go(func() error {
			job.Wait()
			return nil
		})
	}

	if tg != nil {
		tg.SetEngine(ledger, agg, controller, cal)
		tg.SetNameRecorder(names)
		g.Go(func() error {
			if err := tg.Start(); err != nil {
				lg.Error("telegram bot stopped", sl.Err(err))
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			tg.Stop()
			return nil
		})
	}

	g.Go(func() error {
		return server.Serve()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err = g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("service stopped", sl.Err(err))
		os.Exit(1)
	}
	lg.Info("service stopped")
}

// store is everything the engine, the bot and the API need from persistence.
type store interface {
	attribution.Store
	leaderboard.Store
	payout.Store
	grant.Store
	bot.Database
	auth.Database
	core.Database
	stripeclient.Database
}

func openStore(ctx context.Context, conf *config.Config, lg *slog.Logger) (store, func()) {
	if conf.Mongo.Enabled {
		mongo := database.NewMongoClient(conf)
		if err := mongo.EnsureIndexes(ctx); err != nil {
			log.Fatal(err)
		}
		lg.With(slog.String("host", conf.Mongo.Host), slog.String("database", conf.Mongo.Database)).Info("using mongodb")
		return mongo, func() {}
	}
	lite, err := database.OpenSQLite(conf.SQLite.Path)
	if err != nil {
		log.Fatal(err)
	}
	lg.With(slog.String("path", conf.SQLite.Path)).Info("using sqlite")
	return lite, func() { _ = lite.Close() }
}

// telegramSurface is the part of the bot the engine talks to.
type telegramSurface interface {
	attribution.Directory
	leaderboard.NameSource
	payout.Channel
	rollover.Publisher
	grant.Granter
}

var errTelegramDisabled = errors.New("telegram disabled")

// disabledSurface keeps the engine running without a bot: snapshots come
// from the store, everything that needs Telegram fails and is retried later.
type disabledSurface struct {
	db store
}

func (d disabledSurface) FetchInviteSnapshot(ctx context.Context, groupID int64) (entity.Snapshot, error) {
	return d.db.InviteCounts(ctx, groupID)
}

func (disabledSurface) CreateInvite(context.Context, int64, string, string) (string, error) {
	return "", errTelegramDisabled
}

func (disabledSurface) DisplayName(context.Context, string) (string, error) {
	return "", errTelegramDisabled
}

func (disabledSurface) DeliverDirectMessage(context.Context, string, string) error {
	return errTelegramDisabled
}

func (disabledSurface) PublishLive(context.Context, *entity.Leaderboard) error {
	return nil
}

func (disabledSurface) PublishFinal(context.Context, *entity.Leaderboard) error {
	return nil
}

func (disabledSurface) Grant(context.Context, *entity.Application) error {
	return errTelegramDisabled
}

package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"refsync/entity"
	"refsync/internal/period"
	"refsync/lib/clock"
	"refsync/lib/sl"
	"time"

	"github.com/stripe/stripe-go/v76"
)

type AuthService interface {
	UserByToken(token string) (*entity.User, error)
}

type Aggregator interface {
	Aggregate(ctx context.Context, key period.Key) (*entity.Leaderboard, error)
}

type Database interface {
	MarkQualified(ctx context.Context, inviteeID string, at time.Time) (bool, error)
	ApproveApplication(ctx context.Context, memberID string, at time.Time) (bool, error)
}

type StripeService interface {
	ConstructEvent(payload []byte, header string, tolerance time.Duration) (*stripe.Event, error)
	HandleEvent(ctx context.Context, evt *stripe.Event) (string, error)
}

var ErrNotConnected = errors.New("service not connected")

// Core is the facade the HTTP API talks to.
type Core struct {
	agg  Aggregator
	db   Database
	cal  period.Calendar
	clk  clock.Clock
	sc   StripeService
	auth AuthService
	log  *slog.Logger
}

func New(agg Aggregator, db Database, cal period.Calendar, clk clock.Clock, log *slog.Logger) *Core {
	if agg == nil || db == nil {
		panic("aggregator and database are required")
	}
	return &Core{
		agg: agg,
		db:  db,
		cal: cal,
		clk: clk,
		log: log.With(sl.Module("core")),
	}
}

func (c *Core) SetStripeService(sc StripeService) {
	c.sc = sc
}

func (c *Core) SetAuthService(auth AuthService) {
	c.auth = auth
}

func (c *Core) AuthenticateByToken(token string) (*entity.User, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("auth: %w", ErrNotConnected)
	}
	return c.auth.UserByToken(token)
}

// Leaderboard aggregates the given period; "current" selects the running one.
func (c *Core) Leaderboard(ctx context.Context, key string) (*entity.Leaderboard, error) {
	var k period.Key
	if key == "" || key == "current" {
		k = c.cal.Current(c.clk.Now())
	} else {
		parsed, err := period.Parse(key)
		if err != nil {
			return nil, err
		}
		k = parsed
	}
	return c.agg.Aggregate(ctx, k)
}

func (c *Core) QualifyReferral(ctx context.Context, inviteeID string) (bool, error) {
	ok, err := c.db.MarkQualified(ctx, inviteeID, c.clk.Now())
	if err != nil {
		return false, fmt.Errorf("mark qualified: %w", err)
	}
	if ok {
		c.log.With(
			sl.Member(inviteeID),
			sl.Topic(entity.TopicReferral),
		).Info("referral qualified via api")
	}
	return ok, nil
}

func (c *Core) ApproveApplication(ctx context.Context, memberID string) (bool, error) {
	ok, err := c.db.ApproveApplication(ctx, memberID, c.clk.Now())
	if err != nil {
		return false, fmt.Errorf("approve application: %w", err)
	}
	if ok {
		c.log.With(
			sl.Member(memberID),
			sl.Topic(entity.TopicGrant),
		).Info("application approved via api")
	}
	return ok, nil
}

func (c *Core) StripeConstructEvent(payload []byte, header string, tolerance time.Duration) (*stripe.Event, error) {
	if c.sc == nil {
		return nil, fmt.Errorf("stripe: %w", ErrNotConnected)
	}
	return c.sc.ConstructEvent(payload, header, tolerance)
}

func (c *Core) StripeEvent(ctx context.Context, evt *stripe.Event) error {
	if c.sc == nil {
		return fmt.Errorf("stripe: %w", ErrNotConnected)
	}
	_, err := c.sc.HandleEvent(ctx, evt)
	return err
}

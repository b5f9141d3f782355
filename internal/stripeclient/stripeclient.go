package stripeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"refsync/entity"
	"refsync/internal/config"
	"refsync/lib/sl"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// MetadataMemberID is the checkout session or customer metadata key holding
// the buyer's community member id.
const MetadataMemberID = "member_id"

var ErrInvalidSignature = errors.New("invalid webhook signature")

type Database interface {
	MarkQualified(ctx context.Context, inviteeID string, at time.Time) (bool, error)
}

// CustomerSource fetches customer metadata when the session carries none.
type CustomerSource interface {
	CustomerMetadata(ctx context.Context, customerID string) (map[string]string, error)
}

type StripeClient struct {
	sc            *client.API
	webhookSecret string
	customers     CustomerSource
	db            Database
	log           *slog.Logger
}

func New(conf *config.Config, db Database, logger *slog.Logger) *StripeClient {
	sc := &client.API{}
	sc.Init(conf.Stripe.APIKey, nil)
	s := &StripeClient{
		sc:            sc,
		webhookSecret: conf.Stripe.WebhookSecret,
		db:            db,
		log:           logger.With(sl.Module("stripe")),
	}
	s.customers = s
	logger.With(
		sl.Secret("api_key", conf.Stripe.APIKey),
		sl.Secret("webhook_secret", conf.Stripe.WebhookSecret),
	).Debug("stripe client initialized")
	return s
}

// ConstructEvent verifies the Stripe-Signature header and decodes the event.
func (s *StripeClient) ConstructEvent(payload []byte, header string, tolerance time.Duration) (*stripe.Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, header, s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return &evt, nil
}

// HandleEvent marks the buyer's referral qualified when a checkout is paid.
// It reports the member id it qualified, if any.
func (s *StripeClient) HandleEvent(ctx context.Context, evt *stripe.Event) (string, error) {
	switch evt.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		return s.handleCheckoutPaid(ctx, evt)
	default:
		return "", nil
	}
}

func (s *StripeClient) handleCheckoutPaid(ctx context.Context, evt *stripe.Event) (string, error) {
	log := s.log.With(
		slog.Any("event_type", evt.Type),
		slog.String("event_id", evt.ID),
	)

	var sess stripe.CheckoutSession
	if evt.Data == nil {
		return "", fmt.Errorf("event %s has no data", evt.ID)
	}
	if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
		return "", fmt.Errorf("decode checkout session: %w", err)
	}
	log = log.With(slog.String("session_id", sess.ID))

	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		log.With(slog.Any("payment_status", sess.PaymentStatus)).Debug("checkout not paid yet")
		return "", nil
	}

	memberID, err := s.memberID(ctx, &sess)
	if err != nil {
		return "", err
	}
	if memberID == "" {
		log.Debug("checkout has no member reference")
		return "", nil
	}
	log = log.With(sl.Member(memberID))

	ok, err := s.db.MarkQualified(ctx, memberID, time.Now())
	if err != nil {
		return "", fmt.Errorf("mark qualified: %w", err)
	}
	if !ok {
		log.Debug("no unqualified referral for buyer")
		return "", nil
	}
	log.With(sl.Topic(entity.TopicReferral)).Info("referral qualified by payment")
	return memberID, nil
}

// memberID looks for the member reference on the session first, then on the
// customer object.
func (s *StripeClient) memberID(ctx context.Context, sess *stripe.CheckoutSession) (string, error) {
	if id := strings.TrimSpace(sess.Metadata[MetadataMemberID]); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(sess.ClientReferenceID); id != "" {
		return id, nil
	}
	if sess.Customer == nil || sess.Customer.ID == "" || s.customers == nil {
		return "", nil
	}
	customerID := sess.Customer.ID
	meta := sess.Customer.Metadata
	if len(meta) == 0 {
		var err error
		meta, err = s.customers.CustomerMetadata(ctx, customerID)
		if err != nil {
			return "", fmt.Errorf("get customer %s: %w", customerID, err)
		}
	}
	return strings.TrimSpace(meta[MetadataMemberID]), nil
}

func (s *StripeClient) CustomerMetadata(ctx context.Context, customerID string) (map[string]string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	cus, err := s.sc.Customers.Get(customerID, params)
	if err != nil {
		return nil, s.parseErr(err)
	}
	return cus.Metadata, nil
}

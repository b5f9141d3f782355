package stripehandler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"

	"refsync/lib/sl"
)

const maxBodyBytes = 65536

type Core interface {
	StripeConstructEvent(payload []byte, header string, tolerance time.Duration) (*stripe.Event, error)
	StripeEvent(ctx context.Context, evt *stripe.Event) error
}

// Event verifies and dispatches a Stripe webhook. A failed dispatch answers 500
// so that Stripe retries the delivery.
func Event(logger *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const tolerance = 5 * time.Minute
		log := logger.With(
			sl.Module("http.handlers.stripe"),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			log.Error("read request body", sl.Err(err))
			http.Error(w, "read", http.StatusBadRequest)
			return
		}

		evt, err := handler.StripeConstructEvent(payload, r.Header.Get("Stripe-Signature"), tolerance)
		if err != nil {
			log.Error("construct event", sl.Err(err))
			http.Error(w, "signature", http.StatusBadRequest)
			return
		}

		log = log.With(
			slog.String("event_id", evt.ID),
			slog.Any("type", evt.Type),
		)

		if err = handler.StripeEvent(r.Context(), evt); err != nil {
			log.Error("handle event", sl.Err(err))
			http.Error(w, "handle", http.StatusInternalServerError)
			return
		}
		log.Debug("event handled")

		w.WriteHeader(http.StatusOK)
	}
}

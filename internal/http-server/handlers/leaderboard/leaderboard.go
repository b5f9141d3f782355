package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"refsync/entity"
	"refsync/internal/http-server/middleware/timeout"
	"refsync/lib/api/response"
	"refsync/lib/sl"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

type Core interface {
	Leaderboard(ctx context.Context, key string) (*entity.Leaderboard, error)
}

// Get returns the rankings of the period in the URL, "current" for the running one.
func Get(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.leaderboard")

		key := chi.URLParam(r, "period")
		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("period", key),
		)

		if handler == nil {
			logger.Error("leaderboard service not available")
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, response.Error("Leaderboard service not available"))
			return
		}

		lb, err := handler.Leaderboard(r.Context(), key)
		if err != nil {
			logger.Error("aggregate leaderboard", sl.Err(err))
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, entity.ErrInvalidPeriod):
				status = http.StatusBadRequest
			case timeout.Expired(r):
				status = http.StatusGatewayTimeout
			}
			render.Status(r, status)
			render.JSON(w, r, response.Error(fmt.Sprintf("Leaderboard: %v", err)))
			return
		}
		logger.With(
			slog.Int("total_invites", lb.TotalInvites),
			slog.Int("total_qualified", lb.TotalQualified),
		).Debug("leaderboard served")

		render.JSON(w, r, response.Ok(lb))
	}
}

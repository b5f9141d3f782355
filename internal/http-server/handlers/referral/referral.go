package referral

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"refsync/entity"
	"refsync/lib/api/response"
	"refsync/lib/sl"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

type Core interface {
	QualifyReferral(ctx context.Context, inviteeID string) (bool, error)
}

// Qualify marks the referral that brought member_id in as qualified.
func Qualify(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.referral")

		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		if handler == nil {
			logger.Error("referral service not available")
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, response.Error("Referral service not available"))
			return
		}

		var req entity.MemberRequest
		if err := render.Bind(r, &req); err != nil {
			logger.Error("bind request", sl.Err(err))
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error(fmt.Sprintf("Invalid request: %v", err)))
			return
		}
		logger = logger.With(sl.Member(req.MemberID))

		changed, err := handler.QualifyReferral(r.Context(), req.MemberID)
		if err != nil {
			logger.Error("qualify referral", sl.Err(err))
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.Error(fmt.Sprintf("Qualify: %v", err)))
			return
		}
		logger.With(slog.Bool("changed", changed)).Debug("referral qualify")

		render.JSON(w, r, response.Ok(entity.ActionResult{MemberID: req.MemberID, Changed: changed}))
	}
}

package application

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
	ApproveApplication(ctx context.Context, memberID string) (bool, error)
}

// Approve moves a pending application to approved; the grant poller does the rest.
func Approve(log *slog.Logger, handler Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mod := sl.Module("http.handlers.application")

		logger := log.With(
			mod,
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		if handler == nil {
			logger.Error("application service not available")
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, response.Error("Application service not available"))
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

		changed, err := handler.ApproveApplication(r.Context(), req.MemberID)
		if err != nil {
			logger.Error("approve application", sl.Err(err))
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.Error(fmt.Sprintf("Approve: %v", err)))
			return
		}
		if !changed {
			logger.Debug("no pending application")
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, response.Error("No pending application"))
			return
		}
		logger.Info("application approved")

		render.JSON(w, r, response.Ok(entity.ActionResult{MemberID: req.MemberID, Changed: true}))
	}
}

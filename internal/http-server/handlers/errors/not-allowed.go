package errors

import (
	"log/slog"
	"net/http"
	"refsync/lib/api/response"
	"refsync/lib/sl"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

func NotAllowed(log *slog.Logger) http.HandlerFunc {
	logger := log.With(sl.Module("http.handlers.errors"))
	return func(w http.ResponseWriter, r *http.Request) {
		logger.With(
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		).Debug("method not allowed")

		render.Status(r, http.StatusMethodNotAllowed)
		render.JSON(w, r, response.Error("Method not allowed"))
	}
}

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"refsync/internal/config"
	"refsync/internal/http-server/handlers/application"
	errs "refsync/internal/http-server/handlers/errors"
	"refsync/internal/http-server/handlers/leaderboard"
	"refsync/internal/http-server/handlers/referral"
	"refsync/internal/http-server/handlers/stripehandler"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"refsync/internal/http-server/middleware/authenticate"
	"refsync/internal/http-server/middleware/timeout"
	"refsync/lib/sl"
)

const requestTimeout = 5 * time.Second

type Server struct {
	conf       *config.Config
	httpServer *http.Server
	log        *slog.Logger
}

type Handler interface {
	authenticate.Authenticate
	leaderboard.Core
	referral.Core
	application.Core
	stripehandler.Core
}

func NewRouter(log *slog.Logger, handler Handler) http.Handler {
	router := chi.NewRouter()
	router.Use(timeout.Timeout(requestTimeout))
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(render.SetContentType(render.ContentTypeJSON))

	router.NotFound(errs.NotFound(log))
	router.MethodNotAllowed(errs.NotAllowed(log))

	router.Route("/v1", func(rootApi chi.Router) {
		rootApi.Use(authenticate.New(log, handler))
		rootApi.Get("/leaderboard/{period}", leaderboard.Get(log, handler))
		rootApi.Group(func(admin chi.Router) {
			admin.Use(authenticate.RequireAdmin(log))
			admin.Post("/referral/qualify", referral.Qualify(log, handler))
			admin.Post("/applications/approve", application.Approve(log, handler))
		})
	})
	router.Route("/webhook", func(rootWH chi.Router) {
		rootWH.Post("/stripe", stripehandler.Event(log, handler))
	})
	return router
}

func New(conf *config.Config, log *slog.Logger, handler Handler) *Server {
	server := &Server{
		conf: conf,
		log:  log.With(sl.Module("api.server")),
	}

	httpLog := slog.NewLogLogger(log.Handler(), slog.LevelError)
	server.httpServer = &http.Server{
		Handler:      NewRouter(log, handler),
		ErrorLog:     httpLog,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server
}

// Serve blocks until the server is shut down.
func (s *Server) Serve() error {
	serverAddress := fmt.Sprintf("%s:%s", s.conf.Listen.BindIp, s.conf.Listen.Port)
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}

	s.log.Info("starting api server", slog.String("address", serverAddress))

	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("stopping api server")
	return s.httpServer.Shutdown(ctx)
}

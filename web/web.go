// Package web serves the integration HTTP API.
package web

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/web/auth"
	"github.com/Vector/vector-commerce-sync/web/handlers"
	"github.com/Vector/vector-commerce-sync/web/middleware"
)

const shutdownTimeout = 15 * time.Second

type Config struct {
	Addr string
	// FrontendURL receives the browser after OAuth callbacks. Its origin is
	// also allowed by CORS.
	FrontendURL  string
	Auth         *auth.AuthMiddleware
	Integrations handlers.IntegrationService
	DB           handlers.Pinger
	Logger       *zap.Logger
}

type Server struct {
	srv *http.Server
	log *zap.Logger
}

func New(cfg Config) (*Server, error) {
	if cfg.Auth == nil {
		return nil, errors.New("auth middleware is required")
	}

	if cfg.Integrations == nil {
		return nil, errors.New("integration service is required")
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	group := handlers.NewHandlerGroup(handlers.Dependencies{
		Logger:       cfg.Logger,
		Integrations: cfg.Integrations,
		FrontendURL:  cfg.FrontendURL,
		DB:           cfg.DB,
	})

	router := mux.NewRouter()
	router.HandleFunc("/healthz", group.Health.Healthz).Methods(http.MethodGet)

	protected := router.NewRoute().Subrouter()
	protected.Use(cfg.Auth.Authenticate)

	group.Integration.RegisterRoutes(router, protected)

	var origins []string
	if o := originOf(cfg.FrontendURL); o != "" {
		origins = append(origins, o)
	}

	h := middleware.Chain(router,
		middleware.Recover(cfg.Logger),
		middleware.RequestLogger(cfg.Logger),
		middleware.SecurityHeaders,
		middleware.CORS(origins...),
	)

	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		log: cfg.Logger,
	}, nil
}

// Handler exposes the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)

	go func() {
		s.log.Info("http server listening", zap.String("addr", s.srv.Addr))

		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}

		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	s.log.Info("http server stopped")

	return nil
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}

	return u.Scheme + "://" + u.Host
}

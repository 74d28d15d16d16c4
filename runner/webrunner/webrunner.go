// Package webrunner serves the integration API and runs the scheduler in the
// same process.
package webrunner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Vector/vector-commerce-sync/runner"
	"github.com/Vector/vector-commerce-sync/web"
	"github.com/Vector/vector-commerce-sync/web/auth"
	"github.com/Vector/vector-commerce-sync/web/handlers"
)

type webrunner struct {
	app *runner.App
	srv *web.Server
}

func New(app *runner.App) (runner.Runner, error) {
	if app.Config.Mode != runner.ModeWeb {
		return nil, fmt.Errorf("%w: %s", runner.ErrInvalidRunMode, app.Config.Mode)
	}

	authMw, err := auth.NewAuthMiddleware(app.Config.JWTSecret, app.Logger)
	if err != nil {
		return nil, err
	}

	var db handlers.Pinger
	if app.DB != nil {
		db = app.DB
	}

	srv, err := web.New(web.Config{
		Addr:         app.Config.Addr,
		FrontendURL:  app.Config.FrontendURL,
		Auth:         authMw,
		Integrations: app.Integrations,
		DB:           db,
		Logger:       app.Logger.Named("http"),
	})
	if err != nil {
		return nil, err
	}

	return &webrunner{app: app, srv: srv}, nil
}

func (w *webrunner) Run(ctx context.Context) error {
	egroup, ctx := errgroup.WithContext(ctx)

	egroup.Go(func() error {
		return w.srv.Start(ctx)
	})

	egroup.Go(func() error {
		err := w.app.Scheduler.Start(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	return egroup.Wait()
}

func (w *webrunner) Close(context.Context) error {
	w.app.Logger.Info("web runner stopped", zap.String("addr", w.app.Config.Addr))
	return nil
}

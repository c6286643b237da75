package infrastructure

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"deskmeter/internal/logging"
)

// Server is a long-running component. Start blocks until ctx is cancelled
// or the component fails; Stop releases it.
type Server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type App struct {
	servers []Server
	log     logging.Logger
}

func NewApp(servers []Server, log logging.Logger) *App {
	return &App{servers: servers, log: log}
}

func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range a.servers {
		s := srv
		g.Go(func() error {
			return s.Start(ctx)
		})
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, srv := range a.servers {
		if err := srv.Stop(stopCtx); err != nil {
			a.log.WithFields(logging.Fields{"error": err}).Warn("server stop failed")
		}
	}

	return g.Wait()
}

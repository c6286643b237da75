package infrastructure

import (
	"context"

	"deskmeter/internal/scheduler"
)

// schedulerServer runs the charge scheduler under App.
type schedulerServer struct {
	s *scheduler.Scheduler
}

func (s schedulerServer) Start(ctx context.Context) error { return s.s.Run(ctx) }

func (s schedulerServer) Stop(ctx context.Context) error { return s.s.Shutdown(ctx) }

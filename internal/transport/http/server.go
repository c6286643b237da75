package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deskmeter/internal/logging"
	"deskmeter/internal/service"
)

type Server struct {
	srv *http.Server
	log logging.Logger
}

// NewServer exposes the billing API and, when gatherer is non-nil, /metrics.
func NewServer(addr string, svc service.BillingService, gatherer prometheus.Gatherer, log logging.Logger) *Server {
	mux := http.NewServeMux()
	h := NewHandler(svc, log)
	h.Register(mux)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return &Server{
		log: log,
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 2 * time.Minute,
			IdleTimeout:  120 * time.Second,
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.log.WithFields(logging.Fields{"addr": s.srv.Addr}).Info("http api listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

package grpc

import (
	"context"
	"net"

	"google.golang.org/grpc"

	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/service"
)

// EventHandler consumes events delivered through EventService.Publish.
type EventHandler interface {
	HandleEvent(ctx context.Context, topic string, payload []byte) error
}

type Server struct {
	svc    service.BillingService
	events EventHandler
	srv    *grpc.Server
	addr   string
	log    logging.Logger
}

// NewServer registers SessionService and, when events is non-nil, EventService.
func NewServer(addr string, svc service.BillingService, events EventHandler, log logging.Logger) *Server {
	s := &Server{svc: svc, events: events, addr: addr, log: log, srv: grpc.NewServer()}
	s.srv.RegisterService(&sessionServiceDesc, s)
	if events != nil {
		s.srv.RegisterService(&eventServiceDesc, s)
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	s.log.WithFields(logging.Fields{"addr": lis.Addr().String()}).Info("grpc server listening")
	return s.srv.Serve(lis)
}

func (s *Server) Stop(ctx context.Context) error {
	s.srv.GracefulStop()
	return nil
}

func (s *Server) CreateSession(ctx context.Context, req *model.CreateSessionRequest) (*model.SessionHandle, error) {
	res, err := s.svc.CreateSession(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) StartSession(ctx context.Context, req *SessionRequest) (*model.SessionHandle, error) {
	res, err := s.svc.StartSession(ctx, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) StopSession(ctx context.Context, req *SessionRequest) (*model.StopResult, error) {
	res, err := s.svc.StopSession(ctx, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) DeleteSession(ctx context.Context, req *SessionRequest) (*model.Session, error) {
	res, err := s.svc.DeleteSession(ctx, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) GetSessionStatus(ctx context.Context, req *SessionRequest) (*model.SessionStatusView, error) {
	res, err := s.svc.GetSessionStatus(ctx, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) GetAccount(ctx context.Context, req *AccountRequest) (*model.Account, error) {
	res, err := s.svc.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *Server) Recharge(ctx context.Context, req *model.BalanceChangeRequest) (*model.BalanceAdjustment, error) {
	res, err := s.svc.Recharge(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

// Publish hands a forwarded event to the registered EventHandler.
func (s *Server) Publish(ctx context.Context, req *EventRequest) (*EventResponse, error) {
	if err := s.events.HandleEvent(ctx, req.Topic, req.Payload); err != nil {
		s.log.WithFields(logging.Fields{"topic": req.Topic, "error": err}).Error("grpc: event handling failed")
		return &EventResponse{Success: false, ErrorMessage: err.Error()}, nil
	}
	return &EventResponse{Success: true}, nil
}

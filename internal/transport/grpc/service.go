package grpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"deskmeter/internal/model"
)

const (
	sessionServiceName = "deskmeter.SessionService"
	eventServiceName   = "deskmeter.EventService"
)

type SessionRequest struct {
	SessionID int64 `json:"session_id"`
}

type AccountRequest struct {
	AccountID int64 `json:"account_id"`
}

type EventRequest struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

type EventResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// SessionServiceServer mirrors the session and balance operations of the HTTP API.
type SessionServiceServer interface {
	CreateSession(ctx context.Context, req *model.CreateSessionRequest) (*model.SessionHandle, error)
	StartSession(ctx context.Context, req *SessionRequest) (*model.SessionHandle, error)
	StopSession(ctx context.Context, req *SessionRequest) (*model.StopResult, error)
	DeleteSession(ctx context.Context, req *SessionRequest) (*model.Session, error)
	GetSessionStatus(ctx context.Context, req *SessionRequest) (*model.SessionStatusView, error)
	GetAccount(ctx context.Context, req *AccountRequest) (*model.Account, error)
	Recharge(ctx context.Context, req *model.BalanceChangeRequest) (*model.BalanceAdjustment, error)
}

// EventServiceServer receives events forwarded by a remote GrpcBus.
type EventServiceServer interface {
	Publish(ctx context.Context, req *EventRequest) (*EventResponse, error)
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: sessionServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(sessionServiceName, "CreateSession", SessionServiceServer.CreateSession),
		unary(sessionServiceName, "StartSession", SessionServiceServer.StartSession),
		unary(sessionServiceName, "StopSession", SessionServiceServer.StopSession),
		unary(sessionServiceName, "DeleteSession", SessionServiceServer.DeleteSession),
		unary(sessionServiceName, "GetSessionStatus", SessionServiceServer.GetSessionStatus),
		unary(sessionServiceName, "GetAccount", SessionServiceServer.GetAccount),
		unary(sessionServiceName, "Recharge", SessionServiceServer.Recharge),
	},
	Metadata: "deskmeter/session.json",
}

var eventServiceDesc = grpc.ServiceDesc{
	ServiceName: eventServiceName,
	HandlerType: (*EventServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(eventServiceName, "Publish", EventServiceServer.Publish),
	},
	Metadata: "deskmeter/event.json",
}

func unary[S, Req, Res any](service, method string, call func(S, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + service + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			})
		},
	}
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, model.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, model.ErrInvalidInput):
		code = codes.InvalidArgument
	case errors.Is(err, model.ErrResourceConflict):
		code = codes.AlreadyExists
	case errors.Is(err, model.ErrInvalidStateTransition), errors.Is(err, model.ErrInsufficientFunds):
		code = codes.FailedPrecondition
	case errors.Is(err, model.ErrProvider), errors.Is(err, model.ErrPersistenceConflict):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

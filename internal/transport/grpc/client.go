package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"deskmeter/internal/model"
)

// Dial opens a client connection that speaks the JSON codec.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	return grpc.NewClient(addr, opts...)
}

// SessionClient calls a remote SessionService.
type SessionClient struct {
	conn grpc.ClientConnInterface
}

func NewSessionClient(conn grpc.ClientConnInterface) *SessionClient {
	return &SessionClient{conn: conn}
}

func invoke[Res any](ctx context.Context, conn grpc.ClientConnInterface, service, method string, in any) (*Res, error) {
	out := new(Res)
	if err := conn.Invoke(ctx, "/"+service+"/"+method, in, out, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SessionClient) CreateSession(ctx context.Context, req model.CreateSessionRequest) (*model.SessionHandle, error) {
	return invoke[model.SessionHandle](ctx, c.conn, sessionServiceName, "CreateSession", &req)
}

func (c *SessionClient) StartSession(ctx context.Context, sessionID int64) (*model.SessionHandle, error) {
	return invoke[model.SessionHandle](ctx, c.conn, sessionServiceName, "StartSession", &SessionRequest{SessionID: sessionID})
}

func (c *SessionClient) StopSession(ctx context.Context, sessionID int64) (*model.StopResult, error) {
	return invoke[model.StopResult](ctx, c.conn, sessionServiceName, "StopSession", &SessionRequest{SessionID: sessionID})
}

func (c *SessionClient) DeleteSession(ctx context.Context, sessionID int64) (*model.Session, error) {
	return invoke[model.Session](ctx, c.conn, sessionServiceName, "DeleteSession", &SessionRequest{SessionID: sessionID})
}

func (c *SessionClient) GetSessionStatus(ctx context.Context, sessionID int64) (*model.SessionStatusView, error) {
	return invoke[model.SessionStatusView](ctx, c.conn, sessionServiceName, "GetSessionStatus", &SessionRequest{SessionID: sessionID})
}

func (c *SessionClient) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	return invoke[model.Account](ctx, c.conn, sessionServiceName, "GetAccount", &AccountRequest{AccountID: accountID})
}

func (c *SessionClient) Recharge(ctx context.Context, req model.BalanceChangeRequest) (*model.BalanceAdjustment, error) {
	return invoke[model.BalanceAdjustment](ctx, c.conn, sessionServiceName, "Recharge", &req)
}

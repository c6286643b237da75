package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"deskmeter/internal/events"
	"deskmeter/internal/ledger"
	"deskmeter/internal/lifecycle"
	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/monitoring"
	"deskmeter/internal/pricing"
	"deskmeter/internal/provider/providertest"
	"deskmeter/internal/repository/memory"
	"deskmeter/internal/service"
)

type recordingHandler struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (h *recordingHandler) HandleEvent(_ context.Context, topic string, _ []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics = append(h.topics, topic)
	return h.err
}

func newBilling(t *testing.T) service.BillingService {
	t.Helper()
	log := logging.Discard()
	store := memory.New()
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	prices := pricing.New(store, pricing.Defaults{
		PricePerMinute:    decimal.RequireFromString("0.5"),
		MinBalanceToStart: decimal.RequireFromString("2.5"),
	}, log)
	mgr := lifecycle.NewManager(store, providertest.New(), prices, events.NewPublisher(nil, log, metrics), metrics, log,
		lifecycle.Config{ConflictRetries: 1, RetryDelay: time.Millisecond})
	return service.NewBilling(ledger.New(store, log), prices, mgr)
}

func startServer(t *testing.T, svc service.BillingService, handler EventHandler) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer("bufnet", svc, handler, logging.Discard())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	conn, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSessionService_RoundTrip(t *testing.T) {
	svc := newBilling(t)
	ctx := context.Background()
	acct, err := svc.CreateAccount(ctx, model.CreateAccountRequest{Name: "studio", InitialBalance: decimal.NewFromInt(10)})
	require.NoError(t, err)

	client := NewSessionClient(startServer(t, svc, nil))

	handle, err := client.CreateSession(ctx, model.CreateSessionRequest{AccountID: acct.ID})
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, handle.Status)

	handle, err = client.StartSession(ctx, handle.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, handle.Status)

	view, err := client.GetSessionStatus(ctx, handle.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "10.00", view.Balance.StringFixed(2))

	_, err = client.StopSession(ctx, handle.SessionID)
	require.NoError(t, err)

	adj, err := client.Recharge(ctx, model.BalanceChangeRequest{AccountID: acct.ID, Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.True(t, adj.Amount.Equal(decimal.NewFromInt(5)))

	deleted, err := client.DeleteSession(ctx, handle.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, deleted.Status)
}

func TestSessionService_ErrorCodes(t *testing.T) {
	svc := newBilling(t)
	ctx := context.Background()
	client := NewSessionClient(startServer(t, svc, nil))

	_, err := client.GetAccount(ctx, 99)
	assert.Equal(t, codes.NotFound, status.Code(err))

	poor, err := svc.CreateAccount(ctx, model.CreateAccountRequest{Name: "poor", InitialBalance: decimal.NewFromInt(1)})
	require.NoError(t, err)
	_, err = client.CreateSession(ctx, model.CreateSessionRequest{AccountID: poor.ID})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	acct, err := svc.CreateAccount(ctx, model.CreateAccountRequest{Name: "studio", InitialBalance: decimal.NewFromInt(10)})
	require.NoError(t, err)
	handle, err := client.CreateSession(ctx, model.CreateSessionRequest{AccountID: acct.ID})
	require.NoError(t, err)

	_, err = client.StopSession(ctx, handle.SessionID)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = client.CreateSession(ctx, model.CreateSessionRequest{AccountID: acct.ID})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestEventService_GrpcBusDelivers(t *testing.T) {
	handler := &recordingHandler{}
	bus := NewGrpcBus(startServer(t, newBilling(t), handler))

	payload, err := json.Marshal(model.SessionEvent{Topic: model.TopicSessionStopped, SessionID: 7})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(model.TopicSessionStopped, payload))
	handler.mu.Lock()
	assert.Equal(t, []string{model.TopicSessionStopped}, handler.topics)
	handler.err = errors.New("drift check failed")
	handler.mu.Unlock()

	err = bus.Publish(model.TopicSessionStopped, payload)
	assert.EqualError(t, err, "drift check failed")
}

func TestToStatus(t *testing.T) {
	assert.Equal(t, codes.Unavailable, status.Code(toStatus(&model.ProviderError{Operation: "stop", Err: errors.New("boom")})))
	assert.Equal(t, codes.InvalidArgument, status.Code(toStatus(model.ErrInvalidInput)))
	assert.Equal(t, codes.Internal, status.Code(toStatus(errors.New("boom"))))
}

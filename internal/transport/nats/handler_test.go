package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func newHandler(t *testing.T) (*Handler, service.BillingService) {
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
	svc := service.NewBilling(ledger.New(store, log), prices, mgr)
	return NewHandler(svc, nil, log), svc
}

func dispatch(t *testing.T, h *Handler, subject string, body any, out any) Reply {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	var reply Reply
	require.NoError(t, json.Unmarshal(h.Dispatch(context.Background(), subject, data), &reply))
	if out != nil && reply.Error == "" {
		require.NoError(t, json.Unmarshal(reply.Data, out))
	}
	return reply
}

func TestDispatch_SessionCommands(t *testing.T) {
	h, svc := newHandler(t)
	acct, err := svc.CreateAccount(context.Background(), model.CreateAccountRequest{Name: "studio", InitialBalance: decimal.NewFromInt(10)})
	require.NoError(t, err)

	var handle model.SessionHandle
	reply := dispatch(t, h, SubjectCreate, model.CreateSessionRequest{AccountID: acct.ID}, &handle)
	require.Empty(t, reply.Error)
	assert.Equal(t, model.StatusStopped, handle.Status)

	cmd := SessionCommand{SessionID: handle.SessionID}
	reply = dispatch(t, h, SubjectStart, cmd, &handle)
	require.Empty(t, reply.Error)
	assert.Equal(t, model.StatusRunning, handle.Status)

	var view model.SessionStatusView
	reply = dispatch(t, h, SubjectStatus, cmd, &view)
	require.Empty(t, reply.Error)
	assert.Equal(t, model.StatusRunning, view.Status)

	reply = dispatch(t, h, SubjectStart, cmd, nil)
	assert.Equal(t, "invalid_state", reply.Code)

	var res model.StopResult
	reply = dispatch(t, h, SubjectStop, cmd, &res)
	require.Empty(t, reply.Error)
	assert.Equal(t, handle.SessionID, res.SessionID)

	var sess model.Session
	reply = dispatch(t, h, SubjectDelete, cmd, &sess)
	require.Empty(t, reply.Error)
	assert.Equal(t, model.StatusDeleted, sess.Status)
}

func TestDispatch_Errors(t *testing.T) {
	h, _ := newHandler(t)

	reply := dispatch(t, h, SubjectStatus, SessionCommand{SessionID: 404}, nil)
	assert.Equal(t, "not_found", reply.Code)

	var r Reply
	require.NoError(t, json.Unmarshal(h.Dispatch(context.Background(), SubjectStop, []byte("{")), &r))
	assert.Equal(t, "invalid_input", r.Code)

	reply = dispatch(t, h, "commands.session.resize", SessionCommand{SessionID: 1}, nil)
	assert.Equal(t, "invalid_input", reply.Code)
}

package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"deskmeter/internal/events"
	"deskmeter/internal/ledger"
	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/monitoring"
	"deskmeter/internal/pricing"
	"deskmeter/internal/provider/providertest"
	"deskmeter/internal/repository/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	ctx     context.Context
	store   *memory.Store
	prov    *providertest.Fake
	pricing *pricing.Store
	ledger  *ledger.Ledger
	bus     *events.MemoryBus
	metrics *monitoring.Metrics
	clock   *clock
	mgr     *Manager
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:     context.Background(),
		store:   memory.New(),
		prov:    providertest.New(),
		bus:     &events.MemoryBus{},
		metrics: monitoring.NewMetrics(prometheus.NewRegistry()),
		clock:   &clock{t: time.Date(2026, 1, 1, 10, 0, 30, 0, time.UTC)},
	}
	log := logging.Discard()
	h.store.SetClock(h.clock.Now)
	h.pricing = pricing.New(h.store, pricing.Defaults{
		PricePerMinute:    dec("0.5"),
		MinBalanceToStart: dec("2.5"),
	}, log)
	h.ledger = ledger.New(h.store, log)
	h.mgr = NewManager(h.store, h.prov, h.pricing, events.NewPublisher(h.bus, log, h.metrics), h.metrics, log, Config{
		ConflictRetries: 3,
		RetryDelay:      time.Millisecond,
	})
	h.mgr.SetClock(h.clock.Now)
	return h
}

func (h *harness) account(t *testing.T, balance string) *model.Account {
	t.Helper()
	acct, err := h.ledger.CreateAccount(h.ctx, model.CreateAccountRequest{Name: "tenant", InitialBalance: dec(balance)})
	require.NoError(t, err)
	return acct
}

func (h *harness) session(t *testing.T, accountID int64) int64 {
	t.Helper()
	handle, err := h.mgr.Create(h.ctx, model.CreateSessionRequest{AccountID: accountID})
	require.NoError(t, err)
	return handle.SessionID
}

func (h *harness) running(t *testing.T, balance string) (*model.Account, int64) {
	t.Helper()
	acct := h.account(t, balance)
	id := h.session(t, acct.ID)
	_, err := h.mgr.Start(h.ctx, id)
	require.NoError(t, err)
	return acct, id
}

func (h *harness) get(t *testing.T, id int64) *model.Session {
	t.Helper()
	sess, err := h.store.GetSession(h.ctx, id)
	require.NoError(t, err)
	return sess
}

func (h *harness) balance(t *testing.T, accountID int64) decimal.Decimal {
	t.Helper()
	acct, err := h.store.GetAccount(h.ctx, accountID)
	require.NoError(t, err)
	return acct.Balance
}

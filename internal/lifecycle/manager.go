// Package lifecycle owns the session state machine. Every transition is
// committed together with its ledger rows, and every provider call happens
// while the session sits in a provisional status so a crash mid-call leaves
// something recovery can resolve.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"

	"deskmeter/internal/events"
	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/monitoring"
	"deskmeter/internal/provider"
	"deskmeter/internal/repository"
)

// ErrFundsRestored is returned by AutoStop when the balance covers another
// minute again by the time the session is locked.
var ErrFundsRestored = errors.New("balance covers the next minute, auto-stop cancelled")

const ReasonInsufficientBalance = "insufficient balance"

type Pricing interface {
	CurrentPricePerMinute(ctx context.Context) (decimal.Decimal, error)
	MinimumBalanceToStart(ctx context.Context) (decimal.Decimal, error)
}

type Config struct {
	// ConflictRetries bounds transparent retries of a transaction that hit a
	// serialization conflict.
	ConflictRetries int
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
}

type Manager struct {
	store    repository.Store
	provider provider.Provider
	pricing  Pricing
	events   *events.Publisher
	metrics  *monitoring.Metrics
	log      logging.Logger
	now      func() time.Time
	retry    retrypolicy.RetryPolicy[any]
}

func NewManager(
	store repository.Store,
	prov provider.Provider,
	pricing Pricing,
	pub *events.Publisher,
	metrics *monitoring.Metrics,
	log logging.Logger,
	cfg Config,
) *Manager {
	if cfg.ConflictRetries < 0 {
		cfg.ConflictRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 20 * time.Millisecond
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = 10 * cfg.RetryDelay
	}

	m := &Manager{
		store:    store,
		provider: prov,
		pricing:  pricing,
		events:   pub,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
	m.retry = retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return model.IsRetryable(err) }).
		WithMaxRetries(cfg.ConflictRetries).
		WithBackoff(cfg.RetryDelay, cfg.MaxRetryDelay).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			m.metrics.ConflictRetries.Inc()
			m.log.WithFields(logging.Fields{"attempt": e.Attempts(), "error": e.LastError()}).
				Debug("retrying transaction after conflict")
		}).
		Build()
	return m
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// withTx runs fn in a transaction, retrying it on persistence conflicts.
// fn must not keep state across attempts.
func (m *Manager) withTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return failsafe.With[any](m.retry).WithContext(ctx).Run(func() error {
		return m.store.WithTx(ctx, fn)
	})
}

// lockPair locks the account before the session.
func lockPair(ctx context.Context, tx repository.Tx, accountID, sessionID int64) (*model.Account, *model.Session, error) {
	acct, err := tx.LockAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := tx.LockSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.AccountID != accountID {
		return nil, nil, fmt.Errorf("%w: session %d moved accounts", model.ErrPersistenceConflict, sessionID)
	}
	return acct, sess, nil
}

func (m *Manager) observe(op string, err error) {
	m.metrics.LifecycleOps.WithLabelValues(op, monitoring.OpResult(err)).Inc()
}

func (m *Manager) publish(topic string, acct *model.Account, sess *model.Session, minutes int64, amount decimal.Decimal, reason string) {
	m.events.Publish(model.SessionEvent{
		Topic:     topic,
		AccountID: sess.AccountID,
		SessionID: sess.ID,
		Status:    sess.Status,
		Minutes:   minutes,
		Amount:    amount,
		Balance:   acct.Balance,
		Reason:    reason,
	})
}

func sessionLog(sess *model.Session, action model.LogAction, status model.LogStatus) *model.ContainerLog {
	return &model.ContainerLog{
		AccountID:    sess.AccountID,
		SessionID:    sess.ID,
		Action:       action,
		ActionStatus: status,
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// Transact runs fn in a transaction with the manager's conflict retry policy.
func (m *Manager) Transact(ctx context.Context, fn func(tx repository.Tx) error) error {
	return m.withTx(ctx, fn)
}

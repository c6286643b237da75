package lifecycle

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/repository"
)

// Start powers the instance on and opens a new run segment. Funds and state
// are checked before the provider is called.
func (m *Manager) Start(ctx context.Context, sessionID int64) (handle *model.SessionHandle, err error) {
	defer func() { m.observe("start", err) }()

	current, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	minBalance, err := m.pricing.MinimumBalanceToStart(ctx)
	if err != nil {
		return nil, err
	}

	var sess *model.Session
	err = m.withTx(ctx, func(tx repository.Tx) error {
		acct, s, err := lockPair(ctx, tx, current.AccountID, sessionID)
		if err != nil {
			return err
		}
		if s.Status == model.StatusRunning {
			return fmt.Errorf("session %d: %w", sessionID, model.ErrAlreadyRunning)
		}
		if !model.CanTransition(s.Status, model.StatusStarting) {
			return &model.TransitionError{From: s.Status, To: model.StatusRunning}
		}
		if acct.Balance.LessThan(minBalance) {
			return &model.InsufficientFundsError{Operation: "start the session", Balance: acct.Balance, Required: minBalance}
		}
		s.Status = model.StatusStarting
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	inst, perr := m.provider.StartInstance(ctx, sess.InstanceID)
	if perr != nil {
		perr = &model.ProviderError{Operation: "start", InstanceID: sess.InstanceID, Err: perr}
		m.revert(ctx, sess, model.StatusStarting, model.StatusStopped, model.ActionStart, perr)
		return nil, perr
	}

	var acct *model.Account
	err = m.withTx(ctx, func(tx repository.Tx) error {
		a, s, err := lockPair(ctx, tx, sess.AccountID, sessionID)
		if err != nil {
			return err
		}
		if s.Status != model.StatusStarting {
			return &model.TransitionError{From: s.Status, To: model.StatusRunning}
		}
		now := m.now()
		s.Status = model.StatusRunning
		s.StartedAt = timePtr(now)
		s.StoppedAt = nil
		s.BilledMinutes = 0
		if inst.IP != "" {
			s.ConnectionHost = inst.IP
		}
		if inst.Credential != "" {
			s.ConnectionPassword = inst.Credential
		}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		entry := sessionLog(s, model.ActionStart, model.LogSuccess)
		entry.StartedAt = timePtr(now)
		if err := tx.InsertContainerLog(ctx, entry); err != nil {
			return err
		}
		sess, acct = s, a
		return nil
	})
	if err != nil {
		// The instance is up but unrecorded; recovery settles it from the
		// persisted starting status.
		m.log.WithFields(logging.Fields{"session_id": sessionID, "error": err}).
			Error("instance started but session update failed")
		return nil, err
	}

	m.publish(model.TopicSessionStarted, acct, sess, 0, decimal.Zero, "")
	m.log.WithFields(logging.Fields{"account_id": sess.AccountID, "session_id": sessionID}).Info("session started")

	return &model.SessionHandle{
		SessionID:  sess.ID,
		Status:     sess.Status,
		StartedAt:  sess.StartedAt,
		Connection: sess.Connection(),
	}, nil
}

// revert moves a session back from a provisional status after the provider
// refused the call, and records the failure.
func (m *Manager) revert(ctx context.Context, sess *model.Session, from, to model.SessionStatus, action model.LogAction, cause error) {
	err := m.withTx(ctx, func(tx repository.Tx) error {
		s, err := tx.LockSession(ctx, sess.ID)
		if err != nil {
			return err
		}
		if s.Status != from {
			return nil
		}
		s.Status = to
		if to == model.StatusRunning {
			s.StoppedAt = nil
		}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		entry := sessionLog(s, action, model.LogFailed)
		entry.ErrorMessage = cause.Error()
		return tx.InsertContainerLog(ctx, entry)
	})
	if err != nil {
		m.log.WithFields(logging.Fields{"session_id": sess.ID, "status": from, "error": err}).
			Error("failed to revert provisional status, recovery will retry")
	}
}

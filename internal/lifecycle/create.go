package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"deskmeter/internal/billing"
	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/repository"
)

var defaultSpec = model.InstanceSpec{
	GPUType:   "3090",
	CPUCores:  12,
	MemoryGB:  32,
	StorageGB: 200,
}

func (m *Manager) normalizeSpec(accountID int64, spec model.InstanceSpec) model.InstanceSpec {
	if spec.GPUType == "" {
		spec.GPUType = defaultSpec.GPUType
	}
	if spec.CPUCores <= 0 {
		spec.CPUCores = defaultSpec.CPUCores
	}
	if spec.MemoryGB <= 0 {
		spec.MemoryGB = defaultSpec.MemoryGB
	}
	if spec.StorageGB <= 0 {
		spec.StorageGB = defaultSpec.StorageGB
	}
	if spec.InstanceName == "" {
		spec.InstanceName = fmt.Sprintf("desk-%d-%d", accountID, m.now().Unix())
	}
	return spec
}

// Create provisions a new instance for the account and records it as a
// stopped session priced at the current per-minute rate. With Force, an
// existing session is settled and destroyed first.
func (m *Manager) Create(ctx context.Context, req model.CreateSessionRequest) (handle *model.SessionHandle, err error) {
	defer func() { m.observe("create", err) }()

	acct, err := m.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	minBalance, err := m.pricing.MinimumBalanceToStart(ctx)
	if err != nil {
		return nil, err
	}
	if acct.Balance.LessThan(minBalance) {
		return nil, &model.InsufficientFundsError{Operation: "create a session", Balance: acct.Balance, Required: minBalance}
	}

	live, err := m.store.GetLiveSession(ctx, req.AccountID)
	switch {
	case err == nil:
		if !req.Force {
			return nil, &model.ConflictError{SessionID: live.ID, Status: live.Status}
		}
		if _, err := m.Delete(ctx, live.ID); err != nil {
			return nil, fmt.Errorf("replace session %d: %w", live.ID, err)
		}
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	price, err := m.pricing.CurrentPricePerMinute(ctx)
	if err != nil {
		return nil, err
	}
	price = price.Round(billing.CurrencyPlaces)
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: price per minute %s is not billable", model.ErrInvalidInput, price.String())
	}
	spec := m.normalizeSpec(req.AccountID, req.Spec)

	var sess *model.Session
	err = m.withTx(ctx, func(tx repository.Tx) error {
		a, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if a.Balance.LessThan(minBalance) {
			return &model.InsufficientFundsError{Operation: "create a session", Balance: a.Balance, Required: minBalance}
		}
		sess = &model.Session{
			AccountID:          req.AccountID,
			Spec:               spec,
			Status:             model.StatusCreating,
			PricePerMinute:     price,
			TotalCost:          decimal.Zero,
			ConnectionPort:     model.DefaultConnectionPort,
			ConnectionUsername: model.DefaultConnectionUsername,
		}
		if err := tx.InsertSession(ctx, sess); err != nil {
			return err
		}
		return tx.SetCurrentSession(ctx, req.AccountID, &sess.ID)
	})
	if err != nil {
		if errors.Is(err, model.ErrResourceConflict) {
			if live, lerr := m.store.GetLiveSession(ctx, req.AccountID); lerr == nil {
				return nil, &model.ConflictError{SessionID: live.ID, Status: live.Status}
			}
		}
		return nil, err
	}

	inst, perr := m.provider.CreateInstance(ctx, spec)
	if perr != nil {
		if inst != nil && inst.ID != "" {
			m.terminateOrphan(ctx, sess, inst.ID)
		}
		m.abandon(ctx, sess, perr)
		return nil, &model.ProviderError{Operation: "create", Err: perr}
	}

	err = m.withTx(ctx, func(tx repository.Tx) error {
		s, err := tx.LockSession(ctx, sess.ID)
		if err != nil {
			return err
		}
		if s.Status != model.StatusCreating {
			return &model.TransitionError{From: s.Status, To: model.StatusStopped}
		}
		s.InstanceID = inst.ID
		s.ConnectionHost = inst.IP
		s.ConnectionPassword = inst.Credential
		s.Status = model.StatusStopped
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		if err := tx.InsertContainerLog(ctx, sessionLog(s, model.ActionCreate, model.LogSuccess)); err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		// Nothing references the instance unless this commit lands.
		m.terminateOrphan(ctx, sess, inst.ID)
		m.abandon(ctx, sess, err)
		return nil, fmt.Errorf("record new session %d: %w", sess.ID, err)
	}

	acct, _ = m.store.GetAccount(ctx, req.AccountID)
	if acct == nil {
		acct = &model.Account{ID: req.AccountID}
	}
	m.publish(model.TopicSessionCreated, acct, sess, 0, decimal.Zero, "")
	m.log.WithFields(logging.Fields{"account_id": sess.AccountID, "session_id": sess.ID, "instance_id": inst.ID}).
		Info("session created")

	return &model.SessionHandle{
		SessionID:  sess.ID,
		Status:     sess.Status,
		Connection: sess.Connection(),
	}, nil
}

// abandon soft-deletes a session whose instance was never confirmed.
func (m *Manager) abandon(ctx context.Context, sess *model.Session, cause error) {
	err := m.withTx(ctx, func(tx repository.Tx) error {
		acct, s, err := lockPair(ctx, tx, sess.AccountID, sess.ID)
		if err != nil {
			return err
		}
		if s.Status != model.StatusCreating {
			return nil
		}
		s.Status = model.StatusDeleted
		s.DeletedAt = timePtr(m.now())
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		if acct.CurrentSessionID != nil && *acct.CurrentSessionID == s.ID {
			if err := tx.SetCurrentSession(ctx, acct.ID, nil); err != nil {
				return err
			}
		}
		entry := sessionLog(s, model.ActionCreate, model.LogFailed)
		entry.ErrorMessage = cause.Error()
		return tx.InsertContainerLog(ctx, entry)
	})
	if err != nil {
		m.log.WithFields(logging.Fields{"session_id": sess.ID, "error": err}).
			Error("failed to abandon session, recovery will retry")
	}
}

func (m *Manager) terminateOrphan(ctx context.Context, sess *model.Session, instanceID string) {
	if err := m.provider.TerminateInstance(ctx, instanceID); err != nil {
		m.log.WithFields(logging.Fields{"session_id": sess.ID, "instance_id": instanceID, "error": err}).
			Error("failed to terminate unreferenced instance")
	}
}

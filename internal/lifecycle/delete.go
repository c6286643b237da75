package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/provider"
	"deskmeter/internal/repository"
)

// Delete terminates the instance and soft-deletes the session. A running
// session is stopped and settled first. The session is only marked deleted
// once the provider confirms the termination.
func (m *Manager) Delete(ctx context.Context, sessionID int64) (deleted *model.Session, err error) {
	defer func() { m.observe("delete", err) }()

	current, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.Status == model.StatusRunning {
		if _, err := m.Stop(ctx, sessionID); err != nil && !errors.Is(err, model.ErrNotRunning) {
			return nil, fmt.Errorf("settle session %d before delete: %w", sessionID, err)
		}
	}

	var sess *model.Session
	err = m.withTx(ctx, func(tx repository.Tx) error {
		_, s, err := lockPair(ctx, tx, current.AccountID, sessionID)
		if err != nil {
			return err
		}
		if !model.CanTransition(s.Status, model.StatusDeleting) {
			return &model.TransitionError{From: s.Status, To: model.StatusDeleted}
		}
		s.Status = model.StatusDeleting
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	if sess.InstanceID != "" {
		perr := m.provider.TerminateInstance(ctx, sess.InstanceID)
		if perr != nil && !errors.Is(perr, provider.ErrInstanceNotFound) {
			perr = &model.ProviderError{Operation: "terminate", InstanceID: sess.InstanceID, Err: perr}
			m.revert(ctx, sess, model.StatusDeleting, model.StatusStopped, model.ActionDelete, perr)
			return nil, perr
		}
	}

	acct, sess, err := m.finishDelete(ctx, sessionID)
	if err != nil {
		m.log.WithFields(logging.Fields{"session_id": sessionID, "error": err}).
			Error("instance terminated but session update failed")
		return nil, err
	}

	m.publish(model.TopicSessionDeleted, acct, sess, 0, decimal.Zero, "")
	m.log.WithFields(logging.Fields{"account_id": sess.AccountID, "session_id": sessionID}).Info("session deleted")
	return sess, nil
}

func (m *Manager) finishDelete(ctx context.Context, sessionID int64) (*model.Account, *model.Session, error) {
	current, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	var (
		acct *model.Account
		sess *model.Session
	)
	err = m.withTx(ctx, func(tx repository.Tx) error {
		a, s, err := lockPair(ctx, tx, current.AccountID, sessionID)
		if err != nil {
			return err
		}
		if s.Status != model.StatusDeleting {
			return &model.TransitionError{From: s.Status, To: model.StatusDeleted}
		}
		now := m.now()
		s.Status = model.StatusDeleted
		s.DeletedAt = timePtr(now)
		s.StartedAt = nil
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		if a.CurrentSessionID != nil && *a.CurrentSessionID == s.ID {
			if err := tx.SetCurrentSession(ctx, a.ID, nil); err != nil {
				return err
			}
			a.CurrentSessionID = nil
		}
		entry := sessionLog(s, model.ActionDelete, model.LogSuccess)
		entry.StoppedAt = s.StoppedAt
		if err := tx.InsertContainerLog(ctx, entry); err != nil {
			return err
		}
		acct, sess = a, s
		return nil
	})
	return acct, sess, err
}

package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"deskmeter/internal/billing"
	"deskmeter/internal/ledger"
	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/repository"
)

// Stop powers the instance off and settles the run segment.
func (m *Manager) Stop(ctx context.Context, sessionID int64) (res *model.StopResult, err error) {
	defer func() { m.observe("stop", err) }()
	return m.stop(ctx, sessionID, model.ActionStop, "")
}

// AutoStop is the scheduler's stop for a session whose balance no longer
// covers a minute. It returns ErrFundsRestored if the account was topped up
// in the meantime.
func (m *Manager) AutoStop(ctx context.Context, sessionID int64, reason string) (res *model.StopResult, err error) {
	defer func() {
		if !errors.Is(err, ErrFundsRestored) {
			m.observe("auto_stop", err)
		}
	}()
	return m.stop(ctx, sessionID, model.ActionAutoStop, reason)
}

func (m *Manager) stop(ctx context.Context, sessionID int64, action model.LogAction, reason string) (*model.StopResult, error) {
	current, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var sess *model.Session
	err = m.withTx(ctx, func(tx repository.Tx) error {
		acct, s, err := lockPair(ctx, tx, current.AccountID, sessionID)
		if err != nil {
			return err
		}
		if s.Status != model.StatusRunning {
			return fmt.Errorf("session %d is %s: %w", sessionID, s.Status, model.ErrNotRunning)
		}
		if action == model.ActionAutoStop && !acct.Balance.LessThan(billing.Cost(1, s.PricePerMinute)) {
			return ErrFundsRestored
		}
		// From here on the scheduler no longer charges the session.
		s.Status = model.StatusStopping
		s.StoppedAt = timePtr(m.now())
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	if perr := m.provider.StopInstance(ctx, sess.InstanceID); perr != nil {
		perr = &model.ProviderError{Operation: "stop", InstanceID: sess.InstanceID, Err: perr}
		m.revert(ctx, sess, model.StatusStopping, model.StatusRunning, action, perr)
		return nil, perr
	}

	// The provider confirmed; settlement is retried until it commits or
	// left in stopping for recovery to finish.
	return m.settle(ctx, sessionID, action, reason)
}

// settle folds the unbilled part of the segment that ended at StoppedAt into
// the session totals and debits it, then marks the session stopped.
func (m *Manager) settle(ctx context.Context, sessionID int64, action model.LogAction, reason string) (*model.StopResult, error) {
	current, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var (
		res  *model.StopResult
		acct *model.Account
		sess *model.Session
	)
	err = m.withTx(ctx, func(tx repository.Tx) error {
		a, s, err := lockPair(ctx, tx, current.AccountID, sessionID)
		if err != nil {
			return err
		}
		if s.Status != model.StatusStopping {
			return &model.TransitionError{From: s.Status, To: model.StatusStopped}
		}
		stoppedAt := m.now()
		if s.StoppedAt != nil {
			stoppedAt = *s.StoppedAt
		}
		startedAt := stoppedAt
		if s.StartedAt != nil {
			startedAt = *s.StartedAt
		}

		segment := billing.Compute(startedAt, stoppedAt, s.PricePerMinute)
		unbilled := billing.Unbilled(segment, s.BilledMinutes, s.PricePerMinute)

		s.TotalRunningMinutes += unbilled.RunningMinutes
		s.TotalCost = s.TotalCost.Add(unbilled.Cost)
		s.Status = model.StatusStopped
		s.StoppedAt = timePtr(stoppedAt)

		debit := decimal.Min(unbilled.Cost, decimal.Max(a.Balance, decimal.Zero))
		if debit.IsPositive() {
			sid := s.ID
			_, err := ledger.Apply(ctx, tx, a, ledger.Entry{
				SessionID:    &sid,
				ChangeType:   model.ChangeSystemDeduct,
				Amount:       debit.Neg(),
				Description:  fmt.Sprintf("settle %d unbilled minutes", unbilled.RunningMinutes),
				OperatorType: model.OperatorSystem,
			})
			if err != nil {
				return err
			}
		}
		if debit.LessThan(unbilled.Cost) {
			m.log.WithFields(logging.Fields{
				"account_id": a.ID,
				"session_id": s.ID,
				"owed":       unbilled.Cost.StringFixed(2),
				"debited":    debit.StringFixed(2),
			}).Warn("settlement capped at available balance")
		}

		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		entry := sessionLog(s, action, model.LogSuccess)
		entry.StartedAt = s.StartedAt
		entry.StoppedAt = s.StoppedAt
		entry.DurationMinutes = &segment.RunningMinutes
		cost := unbilled.Cost
		entry.Cost = &cost
		entry.Reason = reason
		if err := tx.InsertContainerLog(ctx, entry); err != nil {
			return err
		}

		res = &model.StopResult{
			SessionID:           s.ID,
			StoppedAt:           stoppedAt,
			SegmentMinutes:      segment.RunningMinutes,
			SegmentCost:         segment.Cost,
			SettledMinutes:      unbilled.RunningMinutes,
			SettledCost:         unbilled.Cost,
			TotalRunningMinutes: s.TotalRunningMinutes,
			TotalCost:           s.TotalCost,
		}
		acct, sess = a, s
		return nil
	})
	if err != nil {
		m.log.WithFields(logging.Fields{"session_id": sessionID, "error": err}).
			Error("instance stopped but settlement failed")
		return nil, err
	}

	topic := model.TopicSessionStopped
	if action == model.ActionAutoStop {
		topic = model.TopicSessionAutoStopped
	}
	m.publish(topic, acct, sess, res.SettledMinutes, res.SettledCost, reason)
	m.log.WithFields(logging.Fields{
		"account_id":      sess.AccountID,
		"session_id":      sessionID,
		"segment_minutes": res.SegmentMinutes,
		"settled_minutes": res.SettledMinutes,
		"total_cost":      res.TotalCost.StringFixed(2),
		"reason":          reason,
	}).Info("session stopped")
	return res, nil
}

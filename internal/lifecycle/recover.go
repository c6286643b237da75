package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/provider"
	"deskmeter/internal/repository"
)

const reasonRecovered = "recovered after interrupted provider call"

// Recover resolves sessions left in a provisional status since before
// cutoff by asking the provider what actually happened to the instance.
// It returns how many sessions were resolved.
func (m *Manager) Recover(ctx context.Context, cutoff time.Time) (int, error) {
	stuck, err := m.store.ListProvisionalSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	resolved := 0
	var errs []error
	for _, sess := range stuck {
		if ctx.Err() != nil {
			break
		}
		to, err := m.recoverSession(ctx, sess)
		if err != nil {
			m.log.WithFields(logging.Fields{"session_id": sess.ID, "status": sess.Status, "error": err}).
				Warn("could not recover provisional session")
			errs = append(errs, err)
			continue
		}
		resolved++
		m.metrics.RecoveredSessions.WithLabelValues(string(sess.Status), string(to)).Inc()
		m.log.WithFields(logging.Fields{"session_id": sess.ID, "from": sess.Status, "to": to}).
			Info("recovered provisional session")
	}
	return resolved, errors.Join(errs...)
}

func (m *Manager) recoverSession(ctx context.Context, sess *model.Session) (model.SessionStatus, error) {
	if sess.Status == model.StatusCreating {
		// The instance id is only stored with the stopped status; an instance
		// the provider created before the interruption is found by name.
		if err := m.terminateByName(ctx, sess); err != nil {
			return "", err
		}
		m.abandon(ctx, sess, errors.New(reasonRecovered))
		return model.StatusDeleted, nil
	}

	inst, err := m.describe(ctx, sess.InstanceID)
	if err != nil {
		return "", err
	}

	switch sess.Status {
	case model.StatusStarting:
		if inst != nil && inst.State == provider.StateRunning {
			return model.StatusRunning, m.completeStart(ctx, sess.ID, inst)
		}
		return model.StatusStopped, m.revertRecovered(ctx, sess, model.StatusStopped, model.ActionStart)

	case model.StatusStopping:
		if inst != nil && inst.State == provider.StateRunning {
			return model.StatusRunning, m.revertRecovered(ctx, sess, model.StatusRunning, model.ActionStop)
		}
		_, err := m.settle(ctx, sess.ID, model.ActionStop, reasonRecovered)
		return model.StatusStopped, err

	case model.StatusDeleting:
		if inst == nil {
			acct, s, err := m.finishDelete(ctx, sess.ID)
			if err == nil {
				m.publish(model.TopicSessionDeleted, acct, s, 0, decimal.Zero, reasonRecovered)
			}
			return model.StatusDeleted, err
		}
		return model.StatusStopped, m.revertRecovered(ctx, sess, model.StatusStopped, model.ActionDelete)
	}
	return sess.Status, nil
}

func (m *Manager) terminateByName(ctx context.Context, sess *model.Session) error {
	name := sess.Spec.InstanceName
	if name == "" {
		return nil
	}
	inst, err := m.provider.FindInstanceByName(ctx, name)
	if errors.Is(err, provider.ErrInstanceNotFound) {
		return nil
	}
	if err != nil {
		return &model.ProviderError{Operation: "describe", Err: err}
	}
	if err := m.provider.TerminateInstance(ctx, inst.ID); err != nil && !errors.Is(err, provider.ErrInstanceNotFound) {
		return &model.ProviderError{Operation: "terminate", InstanceID: inst.ID, Err: err}
	}
	m.log.WithFields(logging.Fields{"session_id": sess.ID, "instance_id": inst.ID}).
		Warn("terminated instance left behind by interrupted create")
	return nil
}

// describe returns nil without error when the instance no longer exists.
func (m *Manager) describe(ctx context.Context, instanceID string) (*provider.Instance, error) {
	if instanceID == "" {
		return nil, nil
	}
	inst, err := m.provider.DescribeInstance(ctx, instanceID)
	if errors.Is(err, provider.ErrInstanceNotFound) || (inst != nil && inst.State == provider.StateTerminated) {
		return nil, nil
	}
	if err != nil {
		return nil, &model.ProviderError{Operation: "describe", InstanceID: instanceID, Err: err}
	}
	return inst, nil
}

func (m *Manager) completeStart(ctx context.Context, sessionID int64, inst *provider.Instance) error {
	return m.withTx(ctx, func(tx repository.Tx) error {
		s, err := tx.LockSession(ctx, sessionID)
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
		entry.Reason = reasonRecovered
		return tx.InsertContainerLog(ctx, entry)
	})
}

func (m *Manager) revertRecovered(ctx context.Context, sess *model.Session, to model.SessionStatus, action model.LogAction) error {
	return m.withTx(ctx, func(tx repository.Tx) error {
		s, err := tx.LockSession(ctx, sess.ID)
		if err != nil {
			return err
		}
		if s.Status != sess.Status {
			return &model.TransitionError{From: s.Status, To: to}
		}
		s.Status = to
		if to == model.StatusRunning {
			s.StoppedAt = nil
		}
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		entry := sessionLog(s, action, model.LogFailed)
		entry.Reason = reasonRecovered
		entry.ErrorMessage = "provider did not confirm the " + string(action)
		return tx.InsertContainerLog(ctx, entry)
	})
}

package lifecycle

import (
	"context"

	"deskmeter/internal/billing"
	"deskmeter/internal/model"
)

// Status reports the current run without mutating anything. Connection
// details are only included while the session is running.
func (m *Manager) Status(ctx context.Context, sessionID int64) (*model.SessionStatusView, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	acct, err := m.store.GetAccount(ctx, sess.AccountID)
	if err != nil {
		return nil, err
	}

	stats := billing.SessionStats(sess, m.now())
	remaining := billing.RemainingMinutes(acct.Balance, sess.PricePerMinute)
	view := &model.SessionStatusView{
		SessionID:             sess.ID,
		Status:                sess.Status,
		CurrentRunningMinutes: stats.RunningMinutes,
		CurrentSessionCost:    stats.Cost,
		Balance:               acct.Balance,
		PricePerMinute:        sess.PricePerMinute,
		RemainingMinutes:      remaining,
		RemainingFormatted:    billing.FormatRemaining(remaining),
		TotalRunningMinutes:   sess.TotalRunningMinutes,
		TotalCost:             sess.TotalCost,
	}
	if sess.Status == model.StatusRunning {
		view.Connection = sess.Connection()
	}
	return view, nil
}

// Session returns the stored session.
func (m *Manager) Session(ctx context.Context, sessionID int64) (*model.Session, error) {
	return m.store.GetSession(ctx, sessionID)
}

// CurrentSession returns the account's live session or model.ErrNotFound.
func (m *Manager) CurrentSession(ctx context.Context, accountID int64) (*model.Session, error) {
	if _, err := m.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return m.store.GetLiveSession(ctx, accountID)
}

// Logs lists the container log of a session, oldest first.
func (m *Manager) Logs(ctx context.Context, sessionID int64) ([]*model.ContainerLog, error) {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.ListContainerLogs(ctx, sessionID)
}

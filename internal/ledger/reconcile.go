package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/repository"
)

// AccountReport is the result of replaying an account's adjustments from zero.
type AccountReport struct {
	AccountID int64           `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Replayed  decimal.Decimal `json:"replayed"`
	Entries   int             `json:"entries"`
	// Broken lists adjustments whose before/after do not chain.
	Broken []int64 `json:"broken,omitempty"`
}

func (r *AccountReport) Consistent() bool {
	return len(r.Broken) == 0 && r.Replayed.Equal(r.Balance)
}

// SessionReport compares a session's total_cost with what the ledger explains.
type SessionReport struct {
	SessionID int64           `json:"session_id"`
	TotalCost decimal.Decimal `json:"total_cost"`
	Charged   decimal.Decimal `json:"charged"`
	Settled   decimal.Decimal `json:"settled"`
}

func (r *SessionReport) Drift() decimal.Decimal {
	return r.TotalCost.Sub(r.Charged.Add(r.Settled))
}

func (r *SessionReport) Consistent() bool {
	return r.Drift().IsZero()
}

// Replay folds adjustments in creation order starting from a zero balance.
func Replay(adjustments []*model.BalanceAdjustment) (decimal.Decimal, []int64) {
	balance := decimal.Zero
	var broken []int64
	for _, adj := range adjustments {
		if !adj.BalanceBefore.Equal(balance) || !adj.BalanceAfter.Equal(adj.BalanceBefore.Add(adj.Amount)) {
			broken = append(broken, adj.ID)
		}
		balance = balance.Add(adj.Amount)
	}
	return balance, broken
}

func (l *Ledger) ReconcileAccount(ctx context.Context, accountID int64) (*AccountReport, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	adjustments, err := l.store.ListAdjustments(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list adjustments of account %d: %w", accountID, err)
	}

	replayed, broken := Replay(adjustments)
	report := &AccountReport{
		AccountID: accountID,
		Balance:   acct.Balance,
		Replayed:  replayed,
		Entries:   len(adjustments),
		Broken:    broken,
	}
	if !report.Consistent() {
		l.log.WithFields(logging.Fields{
			"account_id": accountID,
			"balance":    acct.Balance.StringFixed(2),
			"replayed":   replayed.StringFixed(2),
			"broken":     broken,
		}).Error("ledger replay does not match balance")
	}
	return report, nil
}

// ReconcileSession checks total_cost against charge records plus the costs
// settled by successful stops.
func (l *Ledger) ReconcileSession(ctx context.Context, sessionID int64) (*SessionReport, error) {
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	charges, err := l.store.ListChargeRecords(ctx, repository.ChargeFilter{SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("list charges of session %d: %w", sessionID, err)
	}
	logs, err := l.store.ListContainerLogs(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list container logs of session %d: %w", sessionID, err)
	}

	report := &SessionReport{
		SessionID: sessionID,
		TotalCost: sess.TotalCost,
		Charged:   decimal.Zero,
		Settled:   decimal.Zero,
	}
	for _, c := range charges {
		report.Charged = report.Charged.Add(c.Amount)
	}
	for _, entry := range logs {
		if entry.ActionStatus != model.LogSuccess || entry.Cost == nil {
			continue
		}
		if entry.Action == model.ActionStop || entry.Action == model.ActionAutoStop {
			report.Settled = report.Settled.Add(*entry.Cost)
		}
	}

	if !report.Consistent() {
		l.log.WithFields(logging.Fields{
			"session_id": sessionID,
			"total_cost": report.TotalCost.StringFixed(2),
			"charged":    report.Charged.StringFixed(2),
			"settled":    report.Settled.StringFixed(2),
		}).Error("session total cost drifted from ledger")
	}
	return report, nil
}

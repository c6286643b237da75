// Package ledger owns every write to an account balance. Each change is
// computed from the balance read under the account lock and committed with
// its BalanceAdjustment row in the same transaction.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"deskmeter/internal/billing"
	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/repository"
)

// Entry is a balance change to be applied inside a transaction. Amount is signed.
type Entry struct {
	SessionID    *int64
	ChangeType   model.ChangeType
	Amount       decimal.Decimal
	Description  string
	OperatorType model.OperatorType
	OperatorID   *int64
}

// Apply writes e against the locked account a and updates a.Balance in place.
func Apply(ctx context.Context, tx repository.Tx, a *model.Account, e Entry) (*model.BalanceAdjustment, error) {
	amount := e.Amount.Round(billing.CurrencyPlaces)
	adj := &model.BalanceAdjustment{
		AccountID:     a.ID,
		SessionID:     e.SessionID,
		ChangeType:    e.ChangeType,
		Amount:        amount,
		BalanceBefore: a.Balance,
		BalanceAfter:  a.Balance.Add(amount),
		Description:   e.Description,
		OperatorType:  e.OperatorType,
		OperatorID:    e.OperatorID,
	}
	if err := tx.UpdateAccountBalance(ctx, a.ID, adj.BalanceAfter); err != nil {
		return nil, fmt.Errorf("update balance of account %d: %w", a.ID, err)
	}
	if err := tx.InsertAdjustment(ctx, adj); err != nil {
		return nil, fmt.Errorf("insert adjustment for account %d: %w", a.ID, err)
	}
	a.Balance = adj.BalanceAfter
	return adj, nil
}

// Charge bills one minute of sess against the locked account a. It returns
// nil without error when that minute was already charged.
func Charge(ctx context.Context, tx repository.Tx, a *model.Account, sess *model.Session, minute time.Time) (*model.ChargeRecord, error) {
	price := sess.PricePerMinute
	amount := billing.Cost(1, price)
	if a.Balance.LessThan(amount) {
		return nil, &model.InsufficientFundsError{Operation: "charge", Balance: a.Balance, Required: amount}
	}

	minute = billing.TruncateMinute(minute)
	rec := &model.ChargeRecord{
		AccountID:      a.ID,
		SessionID:      sess.ID,
		Minute:         minute,
		PricePerMinute: price,
		Amount:         amount,
		BalanceBefore:  a.Balance,
		BalanceAfter:   a.Balance.Sub(amount),
	}
	inserted, err := tx.InsertChargeRecord(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("insert charge for session %d: %w", sess.ID, err)
	}
	if !inserted {
		return nil, nil
	}

	sessionID := sess.ID
	_, err = Apply(ctx, tx, a, Entry{
		SessionID:    &sessionID,
		ChangeType:   model.ChangeDeduct,
		Amount:       amount.Neg(),
		Description:  "usage " + minute.Format(time.RFC3339),
		OperatorType: model.OperatorSystem,
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type Ledger struct {
	store repository.Store
	log   logging.Logger
}

func New(store repository.Store, log logging.Logger) *Ledger {
	return &Ledger{store: store, log: log}
}

func (l *Ledger) CreateAccount(ctx context.Context, req model.CreateAccountRequest) (*model.Account, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: account name is required", model.ErrInvalidInput)
	}
	if req.InitialBalance.IsNegative() {
		return nil, fmt.Errorf("%w: initial balance must not be negative", model.ErrInvalidInput)
	}

	acct := &model.Account{Name: name, Balance: decimal.Zero}
	err := l.store.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.InsertAccount(ctx, acct); err != nil {
			return err
		}
		if !req.InitialBalance.IsPositive() {
			return nil
		}
		_, err := Apply(ctx, tx, acct, Entry{
			ChangeType:   model.ChangeRecharge,
			Amount:       req.InitialBalance,
			Description:  "initial balance",
			OperatorType: operatorType(req.OperatorID),
			OperatorID:   req.OperatorID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logging.Fields{"account_id": acct.ID, "balance": acct.Balance.StringFixed(2)}).Info("account created")
	return acct, nil
}

func (l *Ledger) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	return l.store.GetAccount(ctx, id)
}

// Recharge credits a positive amount to the account.
func (l *Ledger) Recharge(ctx context.Context, req model.BalanceChangeRequest) (*model.BalanceAdjustment, error) {
	return l.adjust(ctx, req, model.ChangeRecharge)
}

// Deduct debits a positive amount; it never drives the balance below zero.
func (l *Ledger) Deduct(ctx context.Context, req model.BalanceChangeRequest) (*model.BalanceAdjustment, error) {
	return l.adjust(ctx, req, model.ChangeDeduct)
}

func (l *Ledger) adjust(ctx context.Context, req model.BalanceChangeRequest, kind model.ChangeType) (*model.BalanceAdjustment, error) {
	amount := req.Amount.Round(billing.CurrencyPlaces)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than 0", model.ErrInvalidInput)
	}

	var adj *model.BalanceAdjustment
	err := l.store.WithTx(ctx, func(tx repository.Tx) error {
		acct, err := tx.LockAccount(ctx, req.AccountID)
		if err != nil {
			return err
		}

		signed := amount
		if kind == model.ChangeDeduct {
			if acct.Balance.LessThan(amount) {
				return &model.InsufficientFundsError{Operation: "deduct", Balance: acct.Balance, Required: amount}
			}
			signed = amount.Neg()
		}

		adj, err = Apply(ctx, tx, acct, Entry{
			ChangeType:   kind,
			Amount:       signed,
			Description:  req.Description,
			OperatorType: operatorType(req.OperatorID),
			OperatorID:   req.OperatorID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logging.Fields{
		"account_id":  req.AccountID,
		"change_type": kind,
		"amount":      adj.Amount.StringFixed(2),
		"balance":     adj.BalanceAfter.StringFixed(2),
	}).Info("balance adjusted")
	return adj, nil
}

func (l *Ledger) ListCharges(ctx context.Context, filter repository.ChargeFilter) ([]*model.ChargeRecord, error) {
	return l.store.ListChargeRecords(ctx, filter)
}

func (l *Ledger) ListAdjustments(ctx context.Context, accountID int64) ([]*model.BalanceAdjustment, error) {
	if _, err := l.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.ListAdjustments(ctx, accountID)
}

// Statistics sums the scheduler charges of an account.
func (l *Ledger) Statistics(ctx context.Context, accountID int64) (*model.BillingStatistics, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	charges, err := l.store.ListChargeRecords(ctx, repository.ChargeFilter{AccountID: accountID})
	if err != nil {
		return nil, err
	}

	stats := &model.BillingStatistics{
		AccountID:      accountID,
		Balance:        acct.Balance,
		ChargedMinutes: int64(len(charges)),
		ChargedAmount:  decimal.Zero,
	}
	for _, c := range charges {
		stats.ChargedAmount = stats.ChargedAmount.Add(c.Amount)
	}
	return stats, nil
}

func operatorType(operatorID *int64) model.OperatorType {
	if operatorID != nil {
		return model.OperatorAdmin
	}
	return model.OperatorSystem
}

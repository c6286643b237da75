package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a tenant holding a prepaid balance and at most one live session.
type Account struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Balance          decimal.Decimal `json:"balance"`
	CurrentSessionID *int64          `json:"current_session_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type CreateAccountRequest struct {
	Name           string          `json:"name"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	OperatorID     *int64          `json:"operator_id,omitempty"`
}

// BalanceChangeRequest is an operator-initiated recharge or deduction.
type BalanceChangeRequest struct {
	AccountID   int64           `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	OperatorID  *int64          `json:"operator_id,omitempty"`
}

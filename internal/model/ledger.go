package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ChangeType string

const (
	ChangeRecharge ChangeType = "recharge"
	ChangeDeduct   ChangeType = "deduct"
	// ChangeSystemDeduct is used when Stop settles minutes the scheduler never billed.
	ChangeSystemDeduct ChangeType = "system_deduct"
)

type OperatorType string

const (
	OperatorSystem OperatorType = "system"
	OperatorAdmin  OperatorType = "admin"
)

// ChargeRecord bills exactly one minute of one session. (SessionID, Minute) is unique.
type ChargeRecord struct {
	ID             int64           `json:"id"`
	AccountID      int64           `json:"account_id"`
	SessionID      int64           `json:"session_id"`
	Minute         time.Time       `json:"minute"`
	PricePerMinute decimal.Decimal `json:"price_per_minute"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceBefore  decimal.Decimal `json:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BalanceAdjustment is the audit row paired with every balance mutation.
// BalanceAfter always equals BalanceBefore + Amount.
type BalanceAdjustment struct {
	ID            int64           `json:"id"`
	AccountID     int64           `json:"account_id"`
	SessionID     *int64          `json:"session_id,omitempty"`
	ChangeType    ChangeType      `json:"change_type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Description   string          `json:"description"`
	OperatorType  OperatorType    `json:"operator_type"`
	OperatorID    *int64          `json:"operator_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// BillingStatistics summarises what an account has been charged by the scheduler.
type BillingStatistics struct {
	AccountID      int64           `json:"account_id"`
	Balance        decimal.Decimal `json:"balance"`
	ChargedMinutes int64           `json:"charged_minutes"`
	ChargedAmount  decimal.Decimal `json:"charged_amount"`
}

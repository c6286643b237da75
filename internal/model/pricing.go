package model

import "github.com/shopspring/decimal"

type Pricing struct {
	PricePerMinute    decimal.Decimal `json:"price_per_minute"`
	MinBalanceToStart decimal.Decimal `json:"min_balance_to_start"`
}

// PricingUpdate changes whichever fields are set.
type PricingUpdate struct {
	PricePerMinute    *decimal.Decimal `json:"price_per_minute,omitempty"`
	MinBalanceToStart *decimal.Decimal `json:"min_balance_to_start,omitempty"`
	OperatorID        *int64           `json:"operator_id,omitempty"`
}

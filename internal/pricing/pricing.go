// Package pricing reads the per-minute price and the minimum balance needed
// to start a session. Values are stored in system_config and fall back to the
// configured defaults; nothing is cached between calls.
package pricing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"deskmeter/internal/billing"
	"deskmeter/internal/logging"
	"deskmeter/internal/model"
)

const (
	KeyPricePerMinute    = "price_per_minute"
	KeyMinBalanceToStart = "min_balance_to_start"
)

// ConfigStore is the part of repository.Store pricing depends on.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, bool, error)
	SetConfig(ctx context.Context, key, value string, updatedBy *int64) error
}

type Defaults struct {
	PricePerMinute    decimal.Decimal
	MinBalanceToStart decimal.Decimal
}

type Store struct {
	store    ConfigStore
	defaults Defaults
	log      logging.Logger
}

func New(store ConfigStore, defaults Defaults, log logging.Logger) *Store {
	return &Store{store: store, defaults: defaults, log: log}
}

func (p *Store) CurrentPricePerMinute(ctx context.Context) (decimal.Decimal, error) {
	return p.value(ctx, KeyPricePerMinute, p.defaults.PricePerMinute)
}

func (p *Store) MinimumBalanceToStart(ctx context.Context) (decimal.Decimal, error) {
	return p.value(ctx, KeyMinBalanceToStart, p.defaults.MinBalanceToStart)
}

// ValidatePrice rounds price to cents and rejects it unless the result is positive.
func ValidatePrice(price decimal.Decimal) (decimal.Decimal, error) {
	rounded := price.Round(billing.CurrencyPlaces)
	if !rounded.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: price per minute %s must be at least 0.01", model.ErrInvalidInput, price.String())
	}
	return rounded, nil
}

// ValidateMinimumBalance rounds amount to cents and rejects negative values.
func ValidateMinimumBalance(amount decimal.Decimal) (decimal.Decimal, error) {
	rounded := amount.Round(billing.CurrencyPlaces)
	if rounded.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("%w: minimum balance to start must not be negative", model.ErrInvalidInput)
	}
	return rounded, nil
}

// SetPricePerMinute only affects sessions created afterwards.
func (p *Store) SetPricePerMinute(ctx context.Context, price decimal.Decimal, operatorID *int64) error {
	rounded, err := ValidatePrice(price)
	if err != nil {
		return err
	}
	return p.set(ctx, KeyPricePerMinute, rounded, operatorID)
}

func (p *Store) SetMinimumBalanceToStart(ctx context.Context, amount decimal.Decimal, operatorID *int64) error {
	rounded, err := ValidateMinimumBalance(amount)
	if err != nil {
		return err
	}
	return p.set(ctx, KeyMinBalanceToStart, rounded, operatorID)
}

func (p *Store) value(ctx context.Context, key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	fallback = fallback.Round(billing.CurrencyPlaces)
	raw, ok, err := p.store.GetConfig(ctx, key)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return fallback, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		p.log.WithFields(logging.Fields{"key": key, "value": raw}).Warn("invalid pricing value, using default")
		return fallback, nil
	}
	return v.Round(billing.CurrencyPlaces), nil
}

func (p *Store) set(ctx context.Context, key string, v decimal.Decimal, operatorID *int64) error {
	value := v.StringFixed(billing.CurrencyPlaces)
	if err := p.store.SetConfig(ctx, key, value, operatorID); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	p.log.WithFields(logging.Fields{"key": key, "value": value}).Info("pricing updated")
	return nil
}

package service

import (
	"context"
	"fmt"

	"deskmeter/internal/ledger"
	"deskmeter/internal/lifecycle"
	"deskmeter/internal/model"
	"deskmeter/internal/pricing"
	"deskmeter/internal/repository"
)

// BillingService defines the business operations of the billing engine.
// All transport layers (HTTP, gRPC, NATS) depend on this interface, not on the concrete components.
type BillingService interface {
	CreateAccount(ctx context.Context, req model.CreateAccountRequest) (*model.Account, error)
	GetAccount(ctx context.Context, accountID int64) (*model.Account, error)
	Recharge(ctx context.Context, req model.BalanceChangeRequest) (*model.BalanceAdjustment, error)
	Deduct(ctx context.Context, req model.BalanceChangeRequest) (*model.BalanceAdjustment, error)
	ListAdjustments(ctx context.Context, accountID int64) ([]*model.BalanceAdjustment, error)
	ListCharges(ctx context.Context, filter repository.ChargeFilter) ([]*model.ChargeRecord, error)
	Statistics(ctx context.Context, accountID int64) (*model.BillingStatistics, error)
	ReconcileAccount(ctx context.Context, accountID int64) (*ledger.AccountReport, error)
	ReconcileSession(ctx context.Context, sessionID int64) (*ledger.SessionReport, error)

	CreateSession(ctx context.Context, req model.CreateSessionRequest) (*model.SessionHandle, error)
	StartSession(ctx context.Context, sessionID int64) (*model.SessionHandle, error)
	StopSession(ctx context.Context, sessionID int64) (*model.StopResult, error)
	DeleteSession(ctx context.Context, sessionID int64) (*model.Session, error)
	GetSessionStatus(ctx context.Context, sessionID int64) (*model.SessionStatusView, error)
	GetSession(ctx context.Context, sessionID int64) (*model.Session, error)
	CurrentSession(ctx context.Context, accountID int64) (*model.Session, error)
	SessionLogs(ctx context.Context, sessionID int64) ([]*model.ContainerLog, error)

	GetPricing(ctx context.Context) (*model.Pricing, error)
	UpdatePricing(ctx context.Context, req model.PricingUpdate) (*model.Pricing, error)
}

// Billing wires the ledger, pricing and lifecycle components behind BillingService.
type Billing struct {
	ledger    *ledger.Ledger
	pricing   *pricing.Store
	lifecycle *lifecycle.Manager
}

var _ BillingService = (*Billing)(nil)

func NewBilling(l *ledger.Ledger, p *pricing.Store, m *lifecycle.Manager) *Billing {
	return &Billing{ledger: l, pricing: p, lifecycle: m}
}

func (b *Billing) CreateAccount(ctx context.Context, req model.CreateAccountRequest) (*model.Account, error) {
	return b.ledger.CreateAccount(ctx, req)
}

func (b *Billing) GetAccount(ctx context.Context, accountID int64) (*model.Account, error) {
	return b.ledger.GetAccount(ctx, accountID)
}

func (b *Billing) Recharge(ctx context.Context, req model.BalanceChangeRequest) (*model.BalanceAdjustment, error) {
	return b.ledger.Recharge(ctx, req)
}

func (b *Billing) Deduct(ctx context.Context, req model.BalanceChangeRequest) (*model.BalanceAdjustment, error) {
	return b.ledger.Deduct(ctx, req)
}

func (b *Billing) ListAdjustments(ctx context.Context, accountID int64) ([]*model.BalanceAdjustment, error) {
	return b.ledger.ListAdjustments(ctx, accountID)
}

func (b *Billing) ListCharges(ctx context.Context, filter repository.ChargeFilter) ([]*model.ChargeRecord, error) {
	return b.ledger.ListCharges(ctx, filter)
}

func (b *Billing) Statistics(ctx context.Context, accountID int64) (*model.BillingStatistics, error) {
	return b.ledger.Statistics(ctx, accountID)
}

func (b *Billing) ReconcileAccount(ctx context.Context, accountID int64) (*ledger.AccountReport, error) {
	return b.ledger.ReconcileAccount(ctx, accountID)
}

func (b *Billing) ReconcileSession(ctx context.Context, sessionID int64) (*ledger.SessionReport, error) {
	return b.ledger.ReconcileSession(ctx, sessionID)
}

func (b *Billing) CreateSession(ctx context.Context, req model.CreateSessionRequest) (*model.SessionHandle, error) {
	return b.lifecycle.Create(ctx, req)
}

func (b *Billing) StartSession(ctx context.Context, sessionID int64) (*model.SessionHandle, error) {
	return b.lifecycle.Start(ctx, sessionID)
}

func (b *Billing) StopSession(ctx context.Context, sessionID int64) (*model.StopResult, error) {
	return b.lifecycle.Stop(ctx, sessionID)
}

func (b *Billing) DeleteSession(ctx context.Context, sessionID int64) (*model.Session, error) {
	return b.lifecycle.Delete(ctx, sessionID)
}

func (b *Billing) GetSessionStatus(ctx context.Context, sessionID int64) (*model.SessionStatusView, error) {
	return b.lifecycle.Status(ctx, sessionID)
}

func (b *Billing) GetSession(ctx context.Context, sessionID int64) (*model.Session, error) {
	return b.lifecycle.Session(ctx, sessionID)
}

func (b *Billing) CurrentSession(ctx context.Context, accountID int64) (*model.Session, error) {
	return b.lifecycle.CurrentSession(ctx, accountID)
}

func (b *Billing) SessionLogs(ctx context.Context, sessionID int64) ([]*model.ContainerLog, error) {
	return b.lifecycle.Logs(ctx, sessionID)
}

func (b *Billing) GetPricing(ctx context.Context) (*model.Pricing, error) {
	price, err := b.pricing.CurrentPricePerMinute(ctx)
	if err != nil {
		return nil, err
	}
	minimum, err := b.pricing.MinimumBalanceToStart(ctx)
	if err != nil {
		return nil, err
	}
	return &model.Pricing{PricePerMinute: price, MinBalanceToStart: minimum}, nil
}

func (b *Billing) UpdatePricing(ctx context.Context, req model.PricingUpdate) (*model.Pricing, error) {
	if req.PricePerMinute == nil && req.MinBalanceToStart == nil {
		return nil, fmt.Errorf("%w: nothing to update", model.ErrInvalidInput)
	}
	// Both fields are validated before either is written.
	if req.PricePerMinute != nil {
		if _, err := pricing.ValidatePrice(*req.PricePerMinute); err != nil {
			return nil, err
		}
	}
	if req.MinBalanceToStart != nil {
		if _, err := pricing.ValidateMinimumBalance(*req.MinBalanceToStart); err != nil {
			return nil, err
		}
	}
	if req.PricePerMinute != nil {
		if err := b.pricing.SetPricePerMinute(ctx, *req.PricePerMinute, req.OperatorID); err != nil {
			return nil, err
		}
	}
	if req.MinBalanceToStart != nil {
		if err := b.pricing.SetMinimumBalanceToStart(ctx, *req.MinBalanceToStart, req.OperatorID); err != nil {
			return nil, err
		}
	}
	return b.GetPricing(ctx)
}

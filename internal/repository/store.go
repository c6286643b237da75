package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"deskmeter/internal/model"
)

// Store is the persistence boundary of the billing engine. Every mutation of
// balance, status or accumulators goes through WithTx so that it commits
// together with its ledger rows.
type Store interface {
	// WithTx runs fn in one transaction. Row locks taken through Tx are held
	// until fn returns. Serialization failures surface as model.ErrPersistenceConflict.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetAccount(ctx context.Context, id int64) (*model.Account, error)
	GetSession(ctx context.Context, id int64) (*model.Session, error)
	// GetLiveSession returns the account's non-deleted session or model.ErrNotFound.
	GetLiveSession(ctx context.Context, accountID int64) (*model.Session, error)
	ListSessionIDsByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]int64, error)
	ListProvisionalSessions(ctx context.Context, updatedBefore time.Time) ([]*model.Session, error)

	ListChargeRecords(ctx context.Context, filter ChargeFilter) ([]*model.ChargeRecord, error)
	ListAdjustments(ctx context.Context, accountID int64) ([]*model.BalanceAdjustment, error)
	ListContainerLogs(ctx context.Context, sessionID int64) ([]*model.ContainerLog, error)

	GetConfig(ctx context.Context, key string) (string, bool, error)
	SetConfig(ctx context.Context, key, value string, updatedBy *int64) error

	Close()
}

// Tx is the set of operations allowed inside Store.WithTx. Lock* methods read
// the authoritative row and hold it until commit; always lock the account
// before the session to keep lock order stable.
type Tx interface {
	InsertAccount(ctx context.Context, a *model.Account) error
	LockAccount(ctx context.Context, id int64) (*model.Account, error)
	UpdateAccountBalance(ctx context.Context, id int64, balance decimal.Decimal) error
	SetCurrentSession(ctx context.Context, accountID int64, sessionID *int64) error

	InsertSession(ctx context.Context, s *model.Session) error
	LockSession(ctx context.Context, id int64) (*model.Session, error)
	UpdateSession(ctx context.Context, s *model.Session) error

	// InsertChargeRecord returns false without error when a record for
	// (SessionID, Minute) already exists.
	InsertChargeRecord(ctx context.Context, r *model.ChargeRecord) (bool, error)
	InsertAdjustment(ctx context.Context, adj *model.BalanceAdjustment) error
	InsertContainerLog(ctx context.Context, l *model.ContainerLog) error
}

type ChargeFilter struct {
	AccountID int64
	SessionID int64
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

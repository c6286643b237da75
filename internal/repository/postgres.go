package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"deskmeter/internal/model"
)

// PostgresStore keeps accounts, sessions and the ledger in PostgreSQL. Row
// locks are taken with SELECT ... FOR UPDATE inside READ COMMITTED
// transactions.
type PostgresStore struct {
	dbPool *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{dbPool: db}
}

const sessionColumns = `id, account_id, instance_id, instance_name, gpu_type, cpu_cores, memory_gb, storage_gb,
	status, price_per_minute, started_at, stopped_at, deleted_at, total_running_minutes, total_cost,
	billed_minutes, connection_host, connection_port, connection_username, connection_password,
	created_at, updated_at`

const accountColumns = `id, name, balance, current_session_id, created_at, updated_at`

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	err := pgx.BeginTxFunc(ctx, s.dbPool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
	return mapError(err)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	row := s.dbPool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *PostgresStore) GetSession(ctx context.Context, id int64) (*model.Session, error) {
	row := s.dbPool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *PostgresStore) GetLiveSession(ctx context.Context, accountID int64) (*model.Session, error) {
	row := s.dbPool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE account_id = $1 AND deleted_at IS NULL`, accountID)
	return scanSession(row)
}

func (s *PostgresStore) ListSessionIDsByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]int64, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.dbPool.Query(ctx, `SELECT id FROM sessions WHERE status = ANY($1) ORDER BY id`, names)
	if err != nil {
		return nil, mapError(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, mapError(err)
}

func (s *PostgresStore) ListProvisionalSessions(ctx context.Context, updatedBefore time.Time) ([]*model.Session, error) {
	rows, err := s.dbPool.Query(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('creating', 'starting', 'stopping', 'deleting') AND updated_at < $1
		ORDER BY id`, updatedBefore)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, mapError(rows.Err())
}

func (s *PostgresStore) ListChargeRecords(ctx context.Context, f ChargeFilter) ([]*model.ChargeRecord, error) {
	query := `SELECT id, account_id, session_id, minute, price_per_minute, amount, balance_before, balance_after, created_at
		FROM charge_records WHERE 1 = 1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}
	if f.AccountID != 0 {
		add("account_id = $%d", f.AccountID)
	}
	if f.SessionID != 0 {
		add("session_id = $%d", f.SessionID)
	}
	if !f.From.IsZero() {
		add("minute >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("minute <= $%d", f.To)
	}
	query += " ORDER BY minute, id"
	if f.Limit > 0 {
		args = append(args, f.Limit, f.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := s.dbPool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*model.ChargeRecord
	for rows.Next() {
		var r model.ChargeRecord
		if err := rows.Scan(&r.ID, &r.AccountID, &r.SessionID, &r.Minute, &r.PricePerMinute,
			&r.Amount, &r.BalanceBefore, &r.BalanceAfter, &r.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		out = append(out, &r)
	}
	return out, mapError(rows.Err())
}

func (s *PostgresStore) ListAdjustments(ctx context.Context, accountID int64) ([]*model.BalanceAdjustment, error) {
	rows, err := s.dbPool.Query(ctx, `SELECT id, account_id, session_id, change_type, amount, balance_before,
		balance_after, description, operator_type, operator_id, created_at
		FROM balance_adjustments WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*model.BalanceAdjustment
	for rows.Next() {
		var a model.BalanceAdjustment
		if err := rows.Scan(&a.ID, &a.AccountID, &a.SessionID, &a.ChangeType, &a.Amount, &a.BalanceBefore,
			&a.BalanceAfter, &a.Description, &a.OperatorType, &a.OperatorID, &a.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		out = append(out, &a)
	}
	return out, mapError(rows.Err())
}

func (s *PostgresStore) ListContainerLogs(ctx context.Context, sessionID int64) ([]*model.ContainerLog, error) {
	rows, err := s.dbPool.Query(ctx, `SELECT id, account_id, session_id, action, action_status, started_at,
		stopped_at, duration_minutes, cost, reason, error_message, created_at
		FROM container_logs WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*model.ContainerLog
	for rows.Next() {
		var l model.ContainerLog
		var cost decimal.NullDecimal
		if err := rows.Scan(&l.ID, &l.AccountID, &l.SessionID, &l.Action, &l.ActionStatus, &l.StartedAt,
			&l.StoppedAt, &l.DurationMinutes, &cost, &l.Reason, &l.ErrorMessage, &l.CreatedAt); err != nil {
			return nil, mapError(err)
		}
		if cost.Valid {
			l.Cost = &cost.Decimal
		}
		out = append(out, &l)
	}
	return out, mapError(rows.Err())
}

func (s *PostgresStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.dbPool.QueryRow(ctx, `SELECT config_value FROM system_config WHERE config_key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapError(err)
	}
	return value, true, nil
}

func (s *PostgresStore) SetConfig(ctx context.Context, key, value string, updatedBy *int64) error {
	_, err := s.dbPool.Exec(ctx, `INSERT INTO system_config (config_key, config_value, updated_by, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (config_key) DO UPDATE
		SET config_value = EXCLUDED.config_value, updated_by = EXCLUDED.updated_by, updated_at = now()`,
		key, value, updatedBy)
	return mapError(err)
}

func (s *PostgresStore) Close() {
	s.dbPool.Close()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertAccount(ctx context.Context, a *model.Account) error {
	err := t.tx.QueryRow(ctx, `INSERT INTO accounts (name, balance) VALUES ($1, $2)
		RETURNING id, created_at, updated_at`, a.Name, a.Balance).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	return mapError(err)
}

func (t *pgTx) LockAccount(ctx context.Context, id int64) (*model.Account, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id)
	return scanAccount(row)
}

func (t *pgTx) UpdateAccountBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	return t.execOne(ctx, `UPDATE accounts SET balance = $1, updated_at = now() WHERE id = $2`, balance, id)
}

func (t *pgTx) SetCurrentSession(ctx context.Context, accountID int64, sessionID *int64) error {
	return t.execOne(ctx, `UPDATE accounts SET current_session_id = $1, updated_at = now() WHERE id = $2`,
		sessionID, accountID)
}

func (t *pgTx) InsertSession(ctx context.Context, s *model.Session) error {
	err := t.tx.QueryRow(ctx, `INSERT INTO sessions (account_id, instance_id, instance_name, gpu_type, cpu_cores,
		memory_gb, storage_gb, status, price_per_minute, connection_port, connection_username)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`,
		s.AccountID, s.InstanceID, s.Spec.InstanceName, s.Spec.GPUType, s.Spec.CPUCores, s.Spec.MemoryGB,
		s.Spec.StorageGB, s.Status, s.PricePerMinute, s.ConnectionPort, s.ConnectionUsername,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	return mapError(err)
}

func (t *pgTx) LockSession(ctx context.Context, id int64) (*model.Session, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id)
	return scanSession(row)
}

func (t *pgTx) UpdateSession(ctx context.Context, s *model.Session) error {
	err := t.tx.QueryRow(ctx, `UPDATE sessions SET instance_id = $2, status = $3, started_at = $4, stopped_at = $5,
		deleted_at = $6, total_running_minutes = $7, total_cost = $8, billed_minutes = $9, connection_host = $10,
		connection_port = $11, connection_username = $12, connection_password = $13, updated_at = now()
		WHERE id = $1 RETURNING updated_at`,
		s.ID, s.InstanceID, s.Status, s.StartedAt, s.StoppedAt, s.DeletedAt, s.TotalRunningMinutes, s.TotalCost,
		s.BilledMinutes, s.ConnectionHost, s.ConnectionPort, s.ConnectionUsername, s.ConnectionPassword,
	).Scan(&s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	return mapError(err)
}

func (t *pgTx) InsertChargeRecord(ctx context.Context, r *model.ChargeRecord) (bool, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO charge_records (account_id, session_id, minute, price_per_minute, amount,
		balance_before, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, minute) DO NOTHING
		RETURNING id, created_at`,
		r.AccountID, r.SessionID, r.Minute, r.PricePerMinute, r.Amount, r.BalanceBefore, r.BalanceAfter,
	).Scan(&r.ID, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

func (t *pgTx) InsertAdjustment(ctx context.Context, a *model.BalanceAdjustment) error {
	err := t.tx.QueryRow(ctx, `INSERT INTO balance_adjustments (account_id, session_id, change_type, amount,
		balance_before, balance_after, description, operator_type, operator_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		a.AccountID, a.SessionID, a.ChangeType, a.Amount, a.BalanceBefore, a.BalanceAfter, a.Description,
		a.OperatorType, a.OperatorID,
	).Scan(&a.ID, &a.CreatedAt)
	return mapError(err)
}

func (t *pgTx) InsertContainerLog(ctx context.Context, l *model.ContainerLog) error {
	var cost decimal.NullDecimal
	if l.Cost != nil {
		cost = decimal.NewNullDecimal(*l.Cost)
	}
	err := t.tx.QueryRow(ctx, `INSERT INTO container_logs (account_id, session_id, action, action_status,
		started_at, stopped_at, duration_minutes, cost, reason, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at`,
		l.AccountID, l.SessionID, l.Action, l.ActionStatus, l.StartedAt, l.StoppedAt, l.DurationMinutes, cost,
		l.Reason, l.ErrorMessage,
	).Scan(&l.ID, &l.CreatedAt)
	return mapError(err)
}

func (t *pgTx) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.Name, &a.Balance, &a.CurrentSessionID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &a, nil
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var s model.Session
	err := row.Scan(&s.ID, &s.AccountID, &s.InstanceID, &s.Spec.InstanceName, &s.Spec.GPUType, &s.Spec.CPUCores,
		&s.Spec.MemoryGB, &s.Spec.StorageGB, &s.Status, &s.PricePerMinute, &s.StartedAt, &s.StoppedAt,
		&s.DeletedAt, &s.TotalRunningMinutes, &s.TotalCost, &s.BilledMinutes, &s.ConnectionHost,
		&s.ConnectionPort, &s.ConnectionUsername, &s.ConnectionPassword, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &s, nil
}

// mapError turns driver errors into the model taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %s", model.ErrPersistenceConflict, pgErr.Message)
		case "23505":
			if pgErr.ConstraintName == "sessions_one_live_per_account" {
				return fmt.Errorf("%w: %s", model.ErrResourceConflict, pgErr.Message)
			}
		}
	}
	return err
}

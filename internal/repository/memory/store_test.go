package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskmeter/internal/model"
	"deskmeter/internal/repository"
)

func seedAccount(t *testing.T, s *Store, balance string) *model.Account {
	t.Helper()
	a := &model.Account{Name: "acme", Balance: decimal.RequireFromString(balance)}
	require.NoError(t, s.WithTx(context.Background(), func(tx repository.Tx) error {
		return tx.InsertAccount(context.Background(), a)
	}))
	return a
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := seedAccount(t, s, "10")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.UpdateAccountBalance(ctx, a.ID, decimal.RequireFromString("3")); err != nil {
			return err
		}
		if err := tx.InsertAdjustment(ctx, &model.BalanceAdjustment{AccountID: a.ID}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.00", got.Balance.StringFixed(2))

	adjs, err := s.ListAdjustments(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, adjs)
}

func TestInsertChargeRecord_UniquePerSessionMinute(t *testing.T) {
	s := New()
	ctx := context.Background()
	minute := time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)

	var first, second bool
	require.NoError(t, s.WithTx(ctx, func(tx repository.Tx) error {
		var err error
		first, err = tx.InsertChargeRecord(ctx, &model.ChargeRecord{SessionID: 7, Minute: minute})
		if err != nil {
			return err
		}
		second, err = tx.InsertChargeRecord(ctx, &model.ChargeRecord{SessionID: 7, Minute: minute})
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)

	records, err := s.ListChargeRecords(ctx, repository.ChargeFilter{SessionID: 7})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestInsertSession_OneLivePerAccount(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := seedAccount(t, s, "10")

	require.NoError(t, s.WithTx(ctx, func(tx repository.Tx) error {
		return tx.InsertSession(ctx, &model.Session{AccountID: a.ID, Status: model.StatusStopped})
	}))
	err := s.WithTx(ctx, func(tx repository.Tx) error {
		return tx.InsertSession(ctx, &model.Session{AccountID: a.ID, Status: model.StatusCreating})
	})
	assert.ErrorIs(t, err, model.ErrResourceConflict)
}

func TestFailNextTx(t *testing.T) {
	s := New()
	s.FailNextTx(model.ErrPersistenceConflict)

	called := false
	err := s.WithTx(context.Background(), func(tx repository.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, model.ErrPersistenceConflict)
	assert.False(t, called)

	err = s.WithTx(context.Background(), func(tx repository.Tx) error { return nil })
	assert.NoError(t, err)
}

func TestListProvisionalSessions(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return base })
	a := seedAccount(t, s, "10")
	b := seedAccount(t, s, "10")

	require.NoError(t, s.WithTx(ctx, func(tx repository.Tx) error {
		if err := tx.InsertSession(ctx, &model.Session{AccountID: a.ID, Status: model.StatusStopping}); err != nil {
			return err
		}
		return tx.InsertSession(ctx, &model.Session{AccountID: b.ID, Status: model.StatusRunning})
	}))

	stuck, err := s.ListProvisionalSessions(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, model.StatusStopping, stuck[0].Status)

	stuck, err = s.ListProvisionalSessions(ctx, base)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

// Package memory is an in-process implementation of repository.Store. It
// serializes transactions behind one mutex and rolls back by restoring a
// snapshot, which gives it serializable semantics for tests and local runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"deskmeter/internal/model"
	"deskmeter/internal/repository"
)

type chargeKey struct {
	sessionID int64
	minute    int64
}

type state struct {
	accounts    map[int64]model.Account
	sessions    map[int64]model.Session
	charges     []model.ChargeRecord
	chargeIndex map[chargeKey]struct{}
	adjustments []model.BalanceAdjustment
	logs        []model.ContainerLog
	config      map[string]string
	nextID      int64
}

type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   state

	now func() time.Time

	// failures are returned by the next WithTx calls before fn runs.
	failures []error
}

func New() *Store {
	return &Store{
		st: state{
			accounts:    make(map[int64]model.Account),
			sessions:    make(map[int64]model.Session),
			chargeIndex: make(map[chargeKey]struct{}),
			config:      make(map[string]string),
		},
		now: time.Now,
	}
}

// SetClock makes generated timestamps follow now.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNextTx queues errors returned by upcoming transactions, in order.
func (s *Store) FailNextTx(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		return err
	}
	snapshot := s.st.clone()
	s.mu.Unlock()

	if err := fn(&memTx{s: s}); err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Store) GetAccount(_ context.Context, id int64) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.st.accounts[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &a, nil
}

func (s *Store) GetSession(_ context.Context, id int64) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.st.sessions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &sess, nil
}

func (s *Store) GetLiveSession(_ context.Context, accountID int64) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.st.sortedSessionIDs() {
		sess := s.st.sessions[id]
		if sess.AccountID == accountID && sess.DeletedAt == nil {
			return &sess, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Store) ListSessionIDsByStatus(_ context.Context, statuses ...model.SessionStatus) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for _, id := range s.st.sortedSessionIDs() {
		for _, st := range statuses {
			if s.st.sessions[id].Status == st {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ListProvisionalSessions(_ context.Context, updatedBefore time.Time) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Session
	for _, id := range s.st.sortedSessionIDs() {
		sess := s.st.sessions[id]
		if sess.Status.IsProvisional() && sess.UpdatedAt.Before(updatedBefore) {
			out = append(out, &sess)
		}
	}
	return out, nil
}

func (s *Store) ListChargeRecords(_ context.Context, f repository.ChargeFilter) ([]*model.ChargeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ChargeRecord
	for i := range s.st.charges {
		r := s.st.charges[i]
		if f.AccountID != 0 && r.AccountID != f.AccountID {
			continue
		}
		if f.SessionID != 0 && r.SessionID != f.SessionID {
			continue
		}
		if !f.From.IsZero() && r.Minute.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && r.Minute.After(f.To) {
			continue
		}
		out = append(out, &r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Minute.Before(out[j].Minute) })

	if f.Limit > 0 {
		start := min(f.Offset, len(out))
		end := min(start+f.Limit, len(out))
		out = out[start:end]
	}
	return out, nil
}

func (s *Store) ListAdjustments(_ context.Context, accountID int64) ([]*model.BalanceAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.BalanceAdjustment
	for i := range s.st.adjustments {
		a := s.st.adjustments[i]
		if a.AccountID == accountID {
			out = append(out, &a)
		}
	}
	return out, nil
}

func (s *Store) ListContainerLogs(_ context.Context, sessionID int64) ([]*model.ContainerLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ContainerLog
	for i := range s.st.logs {
		l := s.st.logs[i]
		if l.SessionID == sessionID {
			out = append(out, &l)
		}
	}
	return out, nil
}

func (s *Store) GetConfig(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.st.config[key]
	return v, ok, nil
}

func (s *Store) SetConfig(_ context.Context, key, value string, _ *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.config[key] = value
	return nil
}

func (s *Store) Close() {}

type memTx struct {
	s *Store
}

func (t *memTx) InsertAccount(_ context.Context, a *model.Account) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	now := t.s.now()
	a.ID = t.s.st.id()
	a.CreatedAt, a.UpdatedAt = now, now
	t.s.st.accounts[a.ID] = *a
	return nil
}

func (t *memTx) LockAccount(_ context.Context, id int64) (*model.Account, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	a, ok := t.s.st.accounts[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &a, nil
}

func (t *memTx) UpdateAccountBalance(_ context.Context, id int64, balance decimal.Decimal) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	a, ok := t.s.st.accounts[id]
	if !ok {
		return model.ErrNotFound
	}
	a.Balance = balance
	a.UpdatedAt = t.s.now()
	t.s.st.accounts[id] = a
	return nil
}

func (t *memTx) SetCurrentSession(_ context.Context, accountID int64, sessionID *int64) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	a, ok := t.s.st.accounts[accountID]
	if !ok {
		return model.ErrNotFound
	}
	a.CurrentSessionID = copyID(sessionID)
	a.UpdatedAt = t.s.now()
	t.s.st.accounts[accountID] = a
	return nil
}

func (t *memTx) InsertSession(_ context.Context, sess *model.Session) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, other := range t.s.st.sessions {
		if other.AccountID == sess.AccountID && other.DeletedAt == nil {
			return model.ErrResourceConflict
		}
	}
	now := t.s.now()
	sess.ID = t.s.st.id()
	sess.CreatedAt, sess.UpdatedAt = now, now
	t.s.st.sessions[sess.ID] = *sess
	return nil
}

func (t *memTx) LockSession(_ context.Context, id int64) (*model.Session, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	sess, ok := t.s.st.sessions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &sess, nil
}

func (t *memTx) UpdateSession(_ context.Context, sess *model.Session) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.st.sessions[sess.ID]; !ok {
		return model.ErrNotFound
	}
	sess.UpdatedAt = t.s.now()
	t.s.st.sessions[sess.ID] = *sess
	return nil
}

func (t *memTx) InsertChargeRecord(_ context.Context, r *model.ChargeRecord) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	key := chargeKey{sessionID: r.SessionID, minute: r.Minute.Unix()}
	if _, exists := t.s.st.chargeIndex[key]; exists {
		return false, nil
	}
	r.ID = t.s.st.id()
	r.CreatedAt = t.s.now()
	t.s.st.charges = append(t.s.st.charges, *r)
	t.s.st.chargeIndex[key] = struct{}{}
	return true, nil
}

func (t *memTx) InsertAdjustment(_ context.Context, a *model.BalanceAdjustment) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	a.ID = t.s.st.id()
	a.CreatedAt = t.s.now()
	t.s.st.adjustments = append(t.s.st.adjustments, *a)
	return nil
}

func (t *memTx) InsertContainerLog(_ context.Context, l *model.ContainerLog) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	l.ID = t.s.st.id()
	l.CreatedAt = t.s.now()
	t.s.st.logs = append(t.s.st.logs, *l)
	return nil
}

func (st *state) id() int64 {
	st.nextID++
	return st.nextID
}

func (st *state) sortedSessionIDs() []int64 {
	ids := make([]int64, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (st *state) clone() state {
	out := state{
		accounts:    make(map[int64]model.Account, len(st.accounts)),
		sessions:    make(map[int64]model.Session, len(st.sessions)),
		charges:     append([]model.ChargeRecord(nil), st.charges...),
		chargeIndex: make(map[chargeKey]struct{}, len(st.chargeIndex)),
		adjustments: append([]model.BalanceAdjustment(nil), st.adjustments...),
		logs:        append([]model.ContainerLog(nil), st.logs...),
		config:      make(map[string]string, len(st.config)),
		nextID:      st.nextID,
	}
	for k, v := range st.accounts {
		out.accounts[k] = v
	}
	for k, v := range st.sessions {
		out.sessions[k] = v
	}
	for k := range st.chargeIndex {
		out.chargeIndex[k] = struct{}{}
	}
	for k, v := range st.config {
		out.config[k] = v
	}
	return out
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskmeter/internal/model"
	"deskmeter/internal/pricing"
	"deskmeter/internal/provider"
	"deskmeter/internal/provider/providertest"
)

func TestCreate_PersistsStoppedSessionWithPriceSnapshot(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "10")

	handle, err := h.mgr.Create(h.ctx, model.CreateSessionRequest{AccountID: acct.ID})
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, handle.Status)
	require.NotNil(t, handle.Connection)
	assert.Equal(t, model.DefaultConnectionPort, handle.Connection.Port)
	assert.Equal(t, model.DefaultConnectionUsername, handle.Connection.Username)
	assert.Equal(t, "pw-1-0", handle.Connection.Password)

	sess := h.get(t, handle.SessionID)
	assert.Equal(t, "uhost-1", sess.InstanceID)
	assert.True(t, sess.PricePerMinute.Equal(dec("0.5")))
	assert.Equal(t, "3090", sess.Spec.GPUType)

	got, _ := h.store.GetAccount(h.ctx, acct.ID)
	require.NotNil(t, got.CurrentSessionID)
	assert.Equal(t, sess.ID, *got.CurrentSessionID)

	// Later price changes never touch the existing session.
	require.NoError(t, h.pricing.SetPricePerMinute(h.ctx, dec("0.9"), nil))
	assert.True(t, h.get(t, sess.ID).PricePerMinute.Equal(dec("0.5")))

	logs, err := h.mgr.Logs(h.ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.ActionCreate, logs[0].Action)
	assert.Equal(t, []string{model.TopicSessionCreated}, h.bus.Topics())
}

func TestCreate_SnapshotsPriceInCents(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "10")
	// A value written outside the pricing store is not rounded yet.
	require.NoError(t, h.store.SetConfig(h.ctx, pricing.KeyPricePerMinute, "0.125", nil))

	id := h.session(t, acct.ID)
	assert.Equal(t, "0.13", h.get(t, id).PricePerMinute.String())
}

func TestCreate_ConflictWithoutForce(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "10")
	first := h.session(t, acct.ID)

	_, err := h.mgr.Create(h.ctx, model.CreateSessionRequest{AccountID: acct.ID})
	var conflict *model.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first, conflict.SessionID)
	assert.ErrorIs(t, err, model.ErrResourceConflict)
	assert.Equal(t, 1, h.prov.Calls(providertest.OpCreate))
}

func TestCreate_ForceReplacesRunningSession(t *testing.T) {
	h := newHarness(t)
	acct, old := h.running(t, "10")
	oldInstance := h.get(t, old).InstanceID
	h.clock.Advance(90 * time.Second)

	handle, err := h.mgr.Create(h.ctx, model.CreateSessionRequest{AccountID: acct.ID, Force: true})
	require.NoError(t, err)

	prev := h.get(t, old)
	assert.Equal(t, model.StatusDeleted, prev.Status)
	assert.NotNil(t, prev.DeletedAt)
	assert.Equal(t, int64(1), prev.TotalRunningMinutes)
	assert.Equal(t, provider.StateTerminated, h.prov.Instance(oldInstance).State)

	got, _ := h.store.GetAccount(h.ctx, acct.ID)
	require.NotNil(t, got.CurrentSessionID)
	assert.Equal(t, handle.SessionID, *got.CurrentSessionID)
	assert.Equal(t, 1, h.prov.Live())
}

func TestCreate_ForceAbortsWhenOldInstanceCannotBeTerminated(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "10")
	old := h.session(t, acct.ID)
	h.prov.FailNext(providertest.OpTerminate, errors.New("quota service unavailable"))

	_, err := h.mgr.Create(h.ctx, model.CreateSessionRequest{AccountID: acct.ID, Force: true})
	assert.ErrorIs(t, err, model.ErrProvider)
	assert.Equal(t, model.StatusStopped, h.get(t, old).Status)
	assert.Equal(t, 1, h.prov.Calls(providertest.OpCreate))
}

func TestCreate_InsufficientFunds(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "2.49")

	_, err := h.mgr.Create(h.ctx, model.CreateSessionRequest{AccountID: acct.ID})
	var funds *model.InsufficientFundsError
	require.True(t, errors.As(err, &funds))
	assert.Contains(t, err.Error(), "balance 2.49, required at least 2.50")
	assert.Equal(t, 0, h.prov.Calls(providertest.OpCreate))
}

func TestCreate_ProviderFailureLeavesNoLiveSession(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "10")
	h.prov.FailNext(providertest.OpCreate, errors.New("no GPU capacity in zone"))

	_, err := h.mgr.Create(h.ctx, model.CreateSessionRequest{AccountID: acct.ID})
	assert.ErrorIs(t, err, model.ErrProvider)
	assert.Contains(t, err.Error(), "no GPU capacity in zone")

	_, err = h.mgr.CurrentSession(h.ctx, acct.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	got, _ := h.store.GetAccount(h.ctx, acct.ID)
	assert.Nil(t, got.CurrentSessionID)

	// The account can try again straight away.
	h.session(t, acct.ID)
}

func TestStart_InsufficientFundsLeavesStatusUnchanged(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "3")
	id := h.session(t, acct.ID)
	_, err := h.ledger.Deduct(h.ctx, model.BalanceChangeRequest{AccountID: acct.ID, Amount: dec("1")})
	require.NoError(t, err)

	_, err = h.mgr.Start(h.ctx, id)
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	assert.Contains(t, err.Error(), "balance 2.00, required at least 2.50")
	assert.Equal(t, model.StatusStopped, h.get(t, id).Status)
	assert.Equal(t, 0, h.prov.Calls(providertest.OpStart))
}

func TestStart_AlreadyRunning(t *testing.T) {
	h := newHarness(t)
	_, id := h.running(t, "10")

	_, err := h.mgr.Start(h.ctx, id)
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	assert.Equal(t, 1, h.prov.Calls(providertest.OpStart))
}

func TestStart_RefreshesConnectionAndResetsSegment(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "10")
	id := h.session(t, acct.ID)

	handle, err := h.mgr.Start(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, handle.Status)
	assert.Equal(t, "uhost-1-r1", handle.Connection.Password)
	require.NotNil(t, handle.StartedAt)
	assert.Equal(t, h.clock.Now(), *handle.StartedAt)

	sess := h.get(t, id)
	assert.Nil(t, sess.StoppedAt)
	assert.Equal(t, int64(0), sess.BilledMinutes)
}

func TestStart_ProviderFailureRevertsToStopped(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "10")
	id := h.session(t, acct.ID)
	h.prov.FailNext(providertest.OpStart, errors.New("instance is locked"))

	_, err := h.mgr.Start(h.ctx, id)
	var perr *model.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "start", perr.Operation)
	assert.Contains(t, err.Error(), "instance is locked")

	sess := h.get(t, id)
	assert.Equal(t, model.StatusStopped, sess.Status)
	assert.Nil(t, sess.StartedAt)

	logs, _ := h.mgr.Logs(h.ctx, id)
	last := logs[len(logs)-1]
	assert.Equal(t, model.LogFailed, last.ActionStatus)
	assert.Contains(t, last.ErrorMessage, "instance is locked")
}

func TestStop_NotRunning(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "10")
	id := h.session(t, acct.ID)

	_, err := h.mgr.Stop(h.ctx, id)
	assert.ErrorIs(t, err, model.ErrNotRunning)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	assert.Equal(t, 0, h.prov.Calls(providertest.OpStop))
}

func TestStop_SettlesSegment(t *testing.T) {
	h := newHarness(t)
	acct, id := h.running(t, "10")
	h.clock.Advance(2*time.Minute + 30*time.Second)

	res, err := h.mgr.Stop(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.SegmentMinutes)
	assert.Equal(t, int64(2), res.SettledMinutes)
	assert.True(t, res.SettledCost.Equal(dec("1")))

	sess := h.get(t, id)
	assert.Equal(t, model.StatusStopped, sess.Status)
	assert.Equal(t, int64(2), sess.TotalRunningMinutes)
	assert.True(t, sess.TotalCost.Equal(dec("1")))
	require.NotNil(t, sess.StoppedAt)
	assert.Equal(t, h.clock.Now(), *sess.StoppedAt)
	assert.NotNil(t, sess.StartedAt)
	assert.True(t, h.balance(t, acct.ID).Equal(dec("9")))

	adjs, err := h.ledger.ListAdjustments(h.ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ChangeSystemDeduct, adjs[len(adjs)-1].ChangeType)

	accountReport, err := h.ledger.ReconcileAccount(h.ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, accountReport.Consistent())
	sessionReport, err := h.ledger.ReconcileSession(h.ctx, id)
	require.NoError(t, err)
	assert.True(t, sessionReport.Consistent())

	assert.Contains(t, h.bus.Topics(), model.TopicSessionStopped)
}

func TestStop_SettlementCappedAtBalance(t *testing.T) {
	h := newHarness(t)
	acct, id := h.running(t, "3")
	h.clock.Advance(10 * time.Minute)

	res, err := h.mgr.Stop(h.ctx, id)
	require.NoError(t, err)
	assert.True(t, res.SettledCost.Equal(dec("5")))
	assert.True(t, h.balance(t, acct.ID).IsZero())

	report, err := h.ledger.ReconcileAccount(h.ctx, acct.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
}

func TestStop_ProviderFailureKeepsRunning(t *testing.T) {
	h := newHarness(t)
	acct, id := h.running(t, "10")
	h.clock.Advance(3 * time.Minute)
	h.prov.FailNext(providertest.OpStop, errors.New("timeout waiting for guest shutdown"))

	_, err := h.mgr.Stop(h.ctx, id)
	assert.ErrorIs(t, err, model.ErrProvider)

	sess := h.get(t, id)
	assert.Equal(t, model.StatusRunning, sess.Status)
	assert.Nil(t, sess.StoppedAt)
	assert.Equal(t, int64(0), sess.TotalRunningMinutes)
	assert.True(t, h.balance(t, acct.ID).Equal(dec("10")))

	res, err := h.mgr.Stop(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.SettledMinutes)
}

func TestStop_RetriesPersistenceConflict(t *testing.T) {
	h := newHarness(t)
	_, id := h.running(t, "10")
	h.store.FailNextTx(model.ErrPersistenceConflict, model.ErrPersistenceConflict)

	_, err := h.mgr.Stop(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ConflictRetries))
}

func TestStop_ConflictRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	_, id := h.running(t, "10")
	h.store.FailNextTx(model.ErrPersistenceConflict, model.ErrPersistenceConflict,
		model.ErrPersistenceConflict, model.ErrPersistenceConflict)

	_, err := h.mgr.Stop(h.ctx, id)
	assert.ErrorIs(t, err, model.ErrPersistenceConflict)
	assert.Equal(t, model.StatusRunning, h.get(t, id).Status)
	assert.Equal(t, 0, h.prov.Calls(providertest.OpStop))
}

func TestAutoStop_CancelledWhenFundsRestored(t *testing.T) {
	h := newHarness(t)
	_, id := h.running(t, "10")

	_, err := h.mgr.AutoStop(h.ctx, id, ReasonInsufficientBalance)
	assert.ErrorIs(t, err, ErrFundsRestored)
	assert.Equal(t, model.StatusRunning, h.get(t, id).Status)
	assert.Equal(t, 0, h.prov.Calls(providertest.OpStop))
}

func TestDelete_RunningSessionIsSettledFirst(t *testing.T) {
	h := newHarness(t)
	acct, id := h.running(t, "10")
	h.clock.Advance(4*time.Minute + 59*time.Second)

	deleted, err := h.mgr.Delete(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, deleted.Status)
	assert.Equal(t, int64(4), deleted.TotalRunningMinutes)
	assert.True(t, deleted.TotalCost.Equal(dec("2")))
	assert.Nil(t, deleted.StartedAt)
	assert.NotNil(t, deleted.DeletedAt)
	assert.True(t, h.balance(t, acct.ID).Equal(dec("8")))

	got, _ := h.store.GetAccount(h.ctx, acct.ID)
	assert.Nil(t, got.CurrentSessionID)

	_, err = h.mgr.Start(h.ctx, id)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	_, err = h.mgr.Stop(h.ctx, id)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
	_, err = h.mgr.Delete(h.ctx, id)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	assert.Equal(t, []string{
		model.TopicSessionCreated, model.TopicSessionStarted, model.TopicSessionStopped, model.TopicSessionDeleted,
	}, h.bus.Topics())
}

func TestDelete_ProviderFailureKeepsSessionStopped(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "10")
	id := h.session(t, acct.ID)
	h.prov.FailNext(providertest.OpTerminate, errors.New("instance has snapshots"))

	_, err := h.mgr.Delete(h.ctx, id)
	assert.ErrorIs(t, err, model.ErrProvider)
	assert.Contains(t, err.Error(), "instance has snapshots")

	sess := h.get(t, id)
	assert.Equal(t, model.StatusStopped, sess.Status)
	assert.Nil(t, sess.DeletedAt)
	got, _ := h.store.GetAccount(h.ctx, acct.ID)
	assert.NotNil(t, got.CurrentSessionID)
}

func TestDelete_AlreadyGoneAtProvider(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "10")
	id := h.session(t, acct.ID)
	h.prov.FailNext(providertest.OpTerminate, provider.ErrInstanceNotFound)

	deleted, err := h.mgr.Delete(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, deleted.Status)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	acct := h.account(t, "10.25")
	id := h.session(t, acct.ID)

	view, err := h.mgr.Status(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, view.Status)
	assert.Nil(t, view.Connection)
	assert.Equal(t, int64(20), view.RemainingMinutes)
	assert.Equal(t, "20m", view.RemainingFormatted)

	_, err = h.mgr.Start(h.ctx, id)
	require.NoError(t, err)
	h.clock.Advance(3*time.Minute + 10*time.Second)

	view, err = h.mgr.Status(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), view.CurrentRunningMinutes)
	assert.True(t, view.CurrentSessionCost.Equal(dec("1.5")))
	require.NotNil(t, view.Connection)
	assert.Equal(t, 3389, view.Connection.Port)

	// Reading status twice never mutates the accumulators.
	again, err := h.mgr.Status(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, view.CurrentRunningMinutes, again.CurrentRunningMinutes)
	assert.Equal(t, int64(0), h.get(t, id).TotalRunningMinutes)
}

func TestStatus_UnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Status(h.ctx, 42)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

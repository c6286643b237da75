package worker

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"deskmeter/internal/events"
	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/monitoring"
	"deskmeter/internal/service"
)

const queueGroup = "deskmeter_reconcile"

// ReconcileWorker re-checks the ledger of every session that just stopped.
// Drift is counted and logged; it never blocks billing.
type ReconcileWorker struct {
	svc     service.BillingService
	nc      *nats.Conn
	metrics *monitoring.Metrics
	log     logging.Logger
}

func NewReconcileWorker(svc service.BillingService, nc *nats.Conn, metrics *monitoring.Metrics, log logging.Logger) *ReconcileWorker {
	return &ReconcileWorker{svc: svc, nc: nc, metrics: metrics, log: log}
}

// HandleEvent reconciles the session and account named by a stop event.
// Other topics are ignored.
func (w *ReconcileWorker) HandleEvent(ctx context.Context, topic string, payload []byte) error {
	if topic != model.TopicSessionStopped && topic != model.TopicSessionAutoStopped {
		return nil
	}
	ev, err := events.Decode(payload)
	if err != nil {
		return fmt.Errorf("worker: decode %s: %w", topic, err)
	}
	fields := logging.Fields{"account_id": ev.AccountID, "session_id": ev.SessionID, "event_id": ev.ID}

	sess, err := w.svc.ReconcileSession(ctx, ev.SessionID)
	if err != nil {
		return fmt.Errorf("worker: reconcile session %d: %w", ev.SessionID, err)
	}
	if !sess.Consistent() {
		w.metrics.LedgerDrift.WithLabelValues("session").Inc()
	}

	acct, err := w.svc.ReconcileAccount(ctx, ev.AccountID)
	if err != nil {
		return fmt.Errorf("worker: reconcile account %d: %w", ev.AccountID, err)
	}
	if !acct.Consistent() {
		w.metrics.LedgerDrift.WithLabelValues("account").Inc()
	}

	if sess.Consistent() && acct.Consistent() {
		w.log.WithFields(fields).Debug("worker: ledger consistent after stop")
	}
	return nil
}

// Run subscribes to the stop topics and blocks until ctx is cancelled.
func (w *ReconcileWorker) Run(ctx context.Context) error {
	var subs []*nats.Subscription
	for _, topic := range []string{model.TopicSessionStopped, model.TopicSessionAutoStopped} {
		// QueueSubscribe ensures each event is reconciled by only one replica.
		sub, err := w.nc.QueueSubscribe(topic, queueGroup, func(m *nats.Msg) {
			if err := w.HandleEvent(ctx, m.Subject, m.Data); err != nil {
				w.log.WithFields(logging.Fields{"subject": m.Subject, "error": err}).Error("worker: reconciliation failed")
			}
		})
		if err != nil {
			return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
		}
		subs = append(subs, sub)
	}

	w.log.Info("reconcile worker is running")

	<-ctx.Done()

	w.log.Info("reconcile worker received shutdown signal, draining subscriptions")
	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			return err
		}
	}
	return nil
}

// Start implements the infrastructure.Server interface.
func (w *ReconcileWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *ReconcileWorker) Stop(ctx context.Context) error {
	return nil
}

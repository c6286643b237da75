// Package scheduler charges every running session one minute per tick and
// auto-stops sessions whose balance no longer covers the next minute.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"deskmeter/internal/billing"
	"deskmeter/internal/events"
	"deskmeter/internal/ledger"
	"deskmeter/internal/lifecycle"
	"deskmeter/internal/logging"
	"deskmeter/internal/model"
	"deskmeter/internal/monitoring"
	"deskmeter/internal/repository"
)

type Config struct {
	Interval time.Duration
	// ProvisionalTimeout is how long a session may sit in a provisional
	// status before a tick asks the provider what happened.
	ProvisionalTimeout time.Duration
}

type Outcome string

const (
	OutcomeCharged        Outcome = "charged"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeNotRunning     Outcome = "not_running"
	OutcomeAutoStopped    Outcome = "auto_stopped"
	OutcomeAutoStopFailed Outcome = "auto_stop_failed"
	OutcomeFailed         Outcome = "failed"
)

// Report summarises one tick.
type Report struct {
	Minute    time.Time
	Skipped   bool
	Recovered int
	Outcomes  map[int64]Outcome
}

func (r *Report) Count(o Outcome) int {
	n := 0
	for _, got := range r.Outcomes {
		if got == o {
			n++
		}
	}
	return n
}

type Scheduler struct {
	store     repository.Store
	lifecycle *lifecycle.Manager
	guard     repository.TickGuard
	events    *events.Publisher
	metrics   *monitoring.Metrics
	log       logging.Logger
	cfg       Config
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func New(
	store repository.Store,
	manager *lifecycle.Manager,
	guard repository.TickGuard,
	pub *events.Publisher,
	metrics *monitoring.Metrics,
	log logging.Logger,
	cfg Config,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ProvisionalTimeout <= 0 {
		cfg.ProvisionalTimeout = 5 * time.Minute
	}
	if guard == nil {
		guard = repository.NewLocalTickGuard(time.Hour)
	}
	return &Scheduler{
		store:     store,
		lifecycle: manager,
		guard:     guard,
		events:    pub,
		metrics:   metrics,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start launches the periodic loop and returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)
	s.log.WithFields(logging.Fields{"interval": s.cfg.Interval.String()}).Info("charge scheduler started")
	return nil
}

// Shutdown stops the loop and waits for an in-flight tick to finish or ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	done := s.done
	s.running = false
	s.mu.Unlock()

	select {
	case <-done:
		s.log.Info("charge scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the scheduler and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil {
				s.log.WithFields(logging.Fields{"error": err}).Error("scheduler tick failed")
			}
		}
	}
}

// Tick claims the current minute, recovers stuck provisional sessions and
// charges every running session.
func (s *Scheduler) Tick(ctx context.Context) (*Report, error) {
	now := s.now()
	minute := billing.TruncateMinute(now)

	claimed, err := s.guard.Claim(ctx, minute)
	if err != nil {
		return nil, err
	}
	if !claimed {
		s.log.WithFields(logging.Fields{"minute": minute}).Debug("tick already claimed")
		return &Report{Minute: minute, Skipped: true}, nil
	}

	recovered, err := s.lifecycle.Recover(ctx, now.Add(-s.cfg.ProvisionalTimeout))
	if err != nil {
		s.metrics.TickErrors.WithLabelValues("recover").Inc()
		s.log.WithFields(logging.Fields{"error": err}).Warn("provisional recovery incomplete")
	}

	report, err := s.ChargeMinute(ctx, minute)
	if err != nil {
		return nil, err
	}
	report.Recovered = recovered
	return report, nil
}

// ChargeMinute charges every running session for minute, each in its own
// transaction. It is safe to call repeatedly for the same minute.
func (s *Scheduler) ChargeMinute(ctx context.Context, minute time.Time) (*Report, error) {
	start := time.Now()
	defer func() { s.metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	minute = billing.TruncateMinute(minute)
	ids, err := s.store.ListSessionIDsByStatus(ctx, model.StatusRunning)
	if err != nil {
		s.metrics.TickErrors.WithLabelValues("list").Inc()
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	s.metrics.RunningSessions.Set(float64(len(ids)))

	report := &Report{Minute: minute, Outcomes: make(map[int64]Outcome, len(ids))}
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		report.Outcomes[id] = s.chargeSession(ctx, id, minute, true)
	}

	s.log.WithFields(logging.Fields{
		"minute":       minute,
		"running":      len(ids),
		"charged":      report.Count(OutcomeCharged),
		"auto_stopped": report.Count(OutcomeAutoStopped),
		"failed":       report.Count(OutcomeFailed) + report.Count(OutcomeAutoStopFailed),
	}).Info("tick completed")
	return report, nil
}

func (s *Scheduler) chargeSession(ctx context.Context, sessionID int64, minute time.Time, allowAutoStop bool) Outcome {
	fields := logging.Fields{"session_id": sessionID, "minute": minute}

	current, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return s.fail(fields, "load", err)
	}

	var (
		outcome Outcome
		rec     *model.ChargeRecord
		acct    *model.Account
		sess    *model.Session
	)
	err = s.lifecycle.Transact(ctx, func(tx repository.Tx) error {
		rec, outcome = nil, ""
		a, err := tx.LockAccount(ctx, current.AccountID)
		if err != nil {
			return err
		}
		ss, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if ss.Status != model.StatusRunning {
			outcome = OutcomeNotRunning
			return nil
		}
		if a.Balance.LessThan(billing.Cost(1, ss.PricePerMinute)) {
			outcome = OutcomeAutoStopped
			return nil
		}

		rec, err = ledger.Charge(ctx, tx, a, ss, minute)
		if err != nil {
			return err
		}
		if rec == nil {
			outcome = OutcomeDuplicate
			return nil
		}
		ss.TotalRunningMinutes++
		ss.TotalCost = ss.TotalCost.Add(rec.Amount)
		ss.BilledMinutes++
		if err := tx.UpdateSession(ctx, ss); err != nil {
			return err
		}
		outcome = OutcomeCharged
		acct, sess = a, ss
		return nil
	})
	if err != nil {
		return s.fail(fields, "charge", err)
	}

	switch outcome {
	case OutcomeCharged:
		s.metrics.ChargesTotal.Inc()
		s.metrics.ChargedAmount.Add(rec.Amount.InexactFloat64())
		s.events.Publish(model.SessionEvent{
			Topic:     model.TopicChargeCreated,
			AccountID: acct.ID,
			SessionID: sess.ID,
			Status:    sess.Status,
			Minutes:   1,
			Amount:    rec.Amount,
			Balance:   acct.Balance,
		})
	case OutcomeDuplicate:
		s.metrics.ChargeSkipped.WithLabelValues(string(OutcomeDuplicate)).Inc()
	case OutcomeNotRunning:
		s.metrics.ChargeSkipped.WithLabelValues(string(OutcomeNotRunning)).Inc()
	case OutcomeAutoStopped:
		if !allowAutoStop {
			return OutcomeFailed
		}
		return s.autoStop(ctx, sessionID, minute, fields)
	}
	return outcome
}

func (s *Scheduler) autoStop(ctx context.Context, sessionID int64, minute time.Time, fields logging.Fields) Outcome {
	_, err := s.lifecycle.AutoStop(ctx, sessionID, lifecycle.ReasonInsufficientBalance)
	switch {
	case err == nil:
		s.metrics.AutoStopsTotal.WithLabelValues("success").Inc()
		s.log.WithFields(fields).Info("session auto-stopped for insufficient balance")
		return OutcomeAutoStopped
	case errors.Is(err, lifecycle.ErrFundsRestored):
		// Topped up between the check and the lock; charge as usual.
		return s.chargeSession(ctx, sessionID, minute, false)
	case errors.Is(err, model.ErrNotRunning):
		return OutcomeNotRunning
	default:
		// The session stays running and is re-evaluated next tick.
		s.metrics.AutoStopsTotal.WithLabelValues("failed").Inc()
		s.metrics.TickErrors.WithLabelValues("auto_stop").Inc()
		fields["error"] = err
		s.log.WithFields(fields).Warn("auto-stop failed")
		return OutcomeAutoStopFailed
	}
}

func (s *Scheduler) fail(fields logging.Fields, stage string, err error) Outcome {
	s.metrics.TickErrors.WithLabelValues(stage).Inc()
	fields["error"] = err
	s.log.WithFields(fields).Error("failed to charge session, retrying next tick")
	return OutcomeFailed
}

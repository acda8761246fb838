/*
scheduler.go - Periodic ledger reconciliation

PURPOSE:
  A settlement that stopped half way (store without transactions) leaves a
  Paid lot without its cash row. Nothing repairs that automatically; the
  scheduler runs the consistency checks on an interval and logs every
  finding so an operator can act.

DESIGN:
  - Background goroutine with a configurable interval
  - Runs once immediately on Start
  - Keeps the last report for the API
  - Findings are logged at Warn, check failures at Error

USAGE:
  scheduler := NewReconciliationScheduler(reconciler, logger)
  scheduler.CheckInterval = cfg.Reconcile.Interval
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation endpoint (manual run)
  - finance/reconcile.go: the checks
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/coffeeops/finance-engine/finance"
	"go.uber.org/zap"
)

// ReconciliationScheduler runs finance.Reconciler periodically.
type ReconciliationScheduler struct {
	Reconciler    *finance.Reconciler
	CheckInterval time.Duration
	Enabled       bool

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	last    finance.Report
	hasLast bool
}

// NewReconciliationScheduler creates a scheduler checking every 15 minutes.
func NewReconciliationScheduler(reconciler *finance.Reconciler, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Reconciler:    reconciler,
		CheckInterval: 15 * time.Minute,
		Enabled:       true,
		logger:        logger.Named("reconcile"),
	}
}

// Start begins the scheduler. A zero interval disables it.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	rs.logger.Info("scheduler started", zap.Duration("interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for a running check to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	ticker, stop := rs.ticker, rs.stop
	rs.ticker, rs.stop = nil, nil
	rs.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	rs.wg.Wait()
	rs.logger.Info("scheduler stopped")
}

// Last returns the most recent report, if any check completed.
func (rs *ReconciliationScheduler) Last() (finance.Report, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.last, rs.hasLast
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	rs.check(ctx)
	for {
		select {
		case <-ticker.C:
			rs.check(ctx)
		case <-stop:
			return
		}
	}
}

// check runs the reconciler once and logs what it found.
func (rs *ReconciliationScheduler) check(ctx context.Context) {
	report, err := rs.Reconciler.Check(ctx)
	if err != nil {
		if ctx.Err() == nil {
			rs.logger.Error("reconciliation failed", zap.Error(err))
		}
		return
	}

	rs.mu.Lock()
	rs.last, rs.hasLast = report, true
	rs.mu.Unlock()

	if report.Clean() {
		rs.logger.Debug("ledger consistent", zap.String("balance", report.Balance.CurrentBalance.String()))
		return
	}
	for _, f := range report.Findings {
		rs.logger.Warn("reconciliation finding",
			zap.String("kind", string(f.Kind)),
			zap.String("subject", f.Subject),
			zap.String("detail", f.Detail),
		)
	}
	rs.logger.Warn("manual reconciliation required", zap.Int("findings", len(report.Findings)))
}

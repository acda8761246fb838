package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/coffeeops/finance-engine/api"
	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/finance/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestScheduler_LogsFindings(t *testing.T) {
	// GIVEN: A lot marked Paid with no cash row behind it
	// WHEN: The scheduler runs
	// THEN: The finding is logged and kept as the last report

	s := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreatePaymentRecord(ctx, finance.PaymentRecord{
		ID: "L1", BatchNumber: "B-L1", SupplierID: "S1", Kilograms: ugx(10), Status: finance.PaymentPending,
	}))
	require.NoError(t, s.MarkPaymentRecordPaid(ctx, "L1", ugx(50000), "ops@example.com", time.Now()))

	core, logs := observer.New(zap.WarnLevel)
	rs := api.NewReconciliationScheduler(&finance.Reconciler{Store: s}, zap.New(core))
	rs.CheckInterval = 10 * time.Millisecond
	rs.Start()
	t.Cleanup(rs.Stop)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("reconciliation finding").Len() > 0
	}, time.Second, 5*time.Millisecond)
	rs.Stop()

	report, ok := rs.Last()
	require.True(t, ok)
	assert.False(t, report.Clean())

	kinds := map[finance.FindingKind]bool{}
	for _, f := range report.Findings {
		kinds[f.Kind] = true
	}
	assert.True(t, kinds[finance.FindingPaidWithoutLedger])
	assert.True(t, kinds[finance.FindingPaidWithoutDisbursement])
}

func TestScheduler_ZeroIntervalDisabled(t *testing.T) {
	rs := api.NewReconciliationScheduler(&finance.Reconciler{Store: store.NewMemory()}, nil)
	rs.CheckInterval = 0
	rs.Start()
	rs.Stop()

	_, ok := rs.Last()
	assert.False(t, ok)
}

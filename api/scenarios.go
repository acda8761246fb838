/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the store with realistic data
  for demos. Each one sets up the starting state of a worked example; the
  caller then drives the quote, settlement or approvals through the API.

AVAILABLE SCENARIOS:
  advance-recovery:  One 100kg lot at 5000 for S1 with a 200000 advance.
                     Quote shows total 500000, advance 200000, final 300000.
  bulk-overdraft:    Cash 1,000,000 and two lots of 600000 and 500000.
                     Settling both leaves -100000 with will_overdraft.
  single-approval:   A 100000 withdrawal: one admin approval, then finance.
  three-approvals:   A 150000 withdrawal needing three distinct admins.
  pending-deposit:   A recorded deposit waiting for a second person.

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Seed cash through the cash book (deposit + confirmation)
 3. Register lots, advances, wallets and withdrawals through the services

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "bulk-overdraft"}

NOTE:
  Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Services used by the loaders
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coffeeops/finance-engine/cashbook"
	"github.com/coffeeops/finance-engine/finance"
	"github.com/coffeeops/finance-engine/settlement"
	"github.com/coffeeops/finance-engine/withdrawal"
	"github.com/shopspring/decimal"
)

// Demo identities.
const (
	DemoCashier    = "cashier@demo.coffee"
	DemoSupervisor = "supervisor@demo.coffee"
	DemoRequester  = "field.officer@demo.coffee"
	DemoAdminA     = "admin.a@demo.coffee"
	DemoAdminB     = "admin.b@demo.coffee"
	DemoAdminC     = "admin.c@demo.coffee"
	DemoFinance    = "finance@demo.coffee"
)

// Resetter is implemented by stores that can clear their data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "advance-recovery",
		Name:        "Advance Recovery",
		Description: "100kg at 5000 for S1 with a 200000 advance: 300000 is paid in cash",
		Category:    "settlement",
	},
	{
		ID:          "bulk-overdraft",
		Name:        "Bulk Soft Overdraft",
		Description: "Cash 1,000,000, lots of 600000 and 500000: both pay, balance ends at -100000",
		Category:    "settlement",
	},
	{
		ID:          "single-approval",
		Name:        "Single Approval",
		Description: "100000 withdrawal: one admin approval, then finance",
		Category:    "withdrawal",
	},
	{
		ID:          "three-approvals",
		Name:        "Three Approvals",
		Description: "150000 withdrawal: three distinct admins, then finance",
		Category:    "withdrawal",
	},
	{
		ID:          "pending-deposit",
		Name:        "Pending Deposit",
		Description: "A 500000 deposit recorded by the cashier, waiting for the supervisor",
		Category:    "cash",
	},
}

func (h *Handler) scenarioLoaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"advance-recovery": h.loadAdvanceRecoveryScenario,
		"bulk-overdraft":   h.loadBulkOverdraftScenario,
		"single-approval":  func(ctx context.Context) error { return h.loadWithdrawalScenario(ctx, 100000) },
		"three-approvals":  func(ctx context.Context) error { return h.loadWithdrawalScenario(ctx, 150000) },
		"pending-deposit":  h.loadPendingDepositScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	load, ok := h.scenarioLoaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	resetter, ok := h.Store.(Resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "store cannot be reset", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	if err := resetter.Reset(ctx); err != nil {
		h.writeFailure(w, err)
		return
	}
	h.currentScenario = ""
	if err := load(ctx); err != nil {
		h.writeFailure(w, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}
	h.currentScenario = req.ScenarioID

	for _, s := range scenarios {
		if s.ID == req.ScenarioID {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadAdvanceRecoveryScenario(ctx context.Context) error {
	if err := h.seedCash(ctx, 1000000); err != nil {
		return err
	}
	if _, err := h.Settlement.RegisterLot(ctx, demoLot("lot-s1-001", "S1", "Kato Coffee Growers", 100, 5000)); err != nil {
		return err
	}
	_, err := h.Settlement.RecordAdvance(ctx, settlement.AdvanceInput{
		SupplierID: "S1",
		Amount:     decimal.NewFromInt(200000),
		By:         DemoCashier,
	})
	return err
}

func (h *Handler) loadBulkOverdraftScenario(ctx context.Context) error {
	if err := h.seedCash(ctx, 1000000); err != nil {
		return err
	}
	lots := []settlement.Lot{
		demoLot("lot-s2-001", "S2", "Nakato Estates", 120, 5000),
		demoLot("lot-s3-001", "S3", "Mbale Highland Co-op", 100, 5000),
	}
	for _, lot := range lots {
		if _, err := h.Settlement.RegisterLot(ctx, lot); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadWithdrawalScenario(ctx context.Context, amount int64) error {
	if _, err := h.Wallet.Credit(ctx, DemoRequester, decimal.NewFromInt(amount+50000), "field allowance", DemoFinance); err != nil {
		return err
	}
	_, err := h.Withdrawals.Submit(ctx, withdrawal.SubmitInput{
		RequestedBy:    DemoRequester,
		Amount:         decimal.NewFromInt(amount),
		Reason:         "fuel and transport for farm visits",
		PaymentChannel: finance.ChannelCash,
	})
	return err
}

func (h *Handler) loadPendingDepositScenario(ctx context.Context) error {
	_, err := h.Cash.RecordDeposit(ctx, DemoCashier, cashbook.Entry{
		Amount:    decimal.NewFromInt(500000),
		Reference: "bank withdrawal CHQ-0001",
	})
	return err
}

// seedCash deposits amount and confirms it with a second identity.
func (h *Handler) seedCash(ctx context.Context, amount int64) error {
	dep, err := h.Cash.RecordDeposit(ctx, DemoCashier, cashbook.Entry{
		Amount:    decimal.NewFromInt(amount),
		Reference: "opening float",
	})
	if err != nil {
		return err
	}
	_, _, err = h.Cash.ConfirmDeposit(ctx, dep.ID, DemoSupervisor)
	return err
}

func demoLot(id, supplier, name string, kg, price int64) settlement.Lot {
	return settlement.Lot{
		ID:           id,
		BatchNumber:  "B-" + id,
		SupplierID:   supplier,
		SupplierName: name,
		Kilograms:    decimal.NewFromInt(kg),
		FinalPrice:   decimal.NewNullDecimal(decimal.NewFromInt(price)),
	}
}

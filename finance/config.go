package finance

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Config holds finance rules injected into the settlement engine and the
// withdrawal state machine at construction.
type Config struct {
	// Withdrawals above this amount need HighTierApprovals admin sign-offs.
	ThreeApprovalThreshold decimal.Decimal
	HighTierApprovals      int
	LowTierApprovals       int

	// Lots per bulk settlement.
	MaxBatchSize int

	// When false, a projected negative cash balance blocks settlement.
	AllowOverdraft bool

	// Rounding of computed amounts.
	CurrencyPlaces int32
	Currency       string

	// Re-read/re-post attempts after a cash version conflict.
	MaxConflictRetries int

	// Default region for mobile money numbers.
	PhoneRegion string
}

// DefaultConfig returns the production rules.
func DefaultConfig() Config {
	return Config{
		ThreeApprovalThreshold: decimal.NewFromInt(100000),
		HighTierApprovals:      3,
		LowTierApprovals:       1,
		MaxBatchSize:           10,
		AllowOverdraft:         true,
		CurrencyPlaces:         0,
		Currency:               "UGX",
		MaxConflictRetries:     3,
		PhoneRegion:            "UG",
	}
}

// Validate checks the rules are usable.
func (c Config) Validate() error {
	if c.ThreeApprovalThreshold.IsNegative() {
		return fmt.Errorf("three approval threshold must not be negative")
	}
	if c.LowTierApprovals < 1 || c.LowTierApprovals > MaxApprovalSlots {
		return fmt.Errorf("low tier approvals must be between 1 and %d", MaxApprovalSlots)
	}
	if c.HighTierApprovals < c.LowTierApprovals || c.HighTierApprovals > MaxApprovalSlots {
		return fmt.Errorf("high tier approvals must be between %d and %d", c.LowTierApprovals, MaxApprovalSlots)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max batch size must be positive")
	}
	if c.MaxConflictRetries < 0 {
		return fmt.Errorf("max conflict retries must not be negative")
	}
	return nil
}

// RequiresThreeApprovals applies the amount threshold (strictly greater).
func (c Config) RequiresThreeApprovals(amount decimal.Decimal) bool {
	return amount.GreaterThan(c.ThreeApprovalThreshold)
}

// RequiredApprovals returns how many admin slots a request must fill.
func (c Config) RequiredApprovals(w WithdrawalRequest) int {
	if w.RequiresThreeApprovals {
		return c.HighTierApprovals
	}
	return c.LowTierApprovals
}

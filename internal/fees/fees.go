// Package fees computes deposit and withdrawal fees. It is pure: no state,
// no I/O, deterministic given inputs.
package fees

import (
	"github.com/shopspring/decimal"

	"github.com/gapeva/gapeva-core/pkg/models"
)

// Policy holds the fee rates and the minimum deposit floor. Rates are
// fractions of the gross amount (0.03 = 3%).
type Policy struct {
	DepositRate    decimal.Decimal
	WithdrawalRate decimal.Decimal
	MinDeposit     decimal.Decimal
}

// DefaultPolicy returns the product policy: 3% on deposits, 35% on the full
// requested withdrawal amount, $3.00 minimum deposit. The published terms
// describe the withdrawal fee as applying to profit only; the fee actually
// charged is 35% of the requested amount, and that observed behavior is
// what this policy implements.
func DefaultPolicy() Policy {
	return Policy{
		DepositRate:    decimal.NewFromFloat(0.03),
		WithdrawalRate: decimal.NewFromFloat(0.35),
		MinDeposit:     decimal.NewFromFloat(3.00),
	}
}

// Compute returns (fee, net) for a gross amount of the given entry kind.
// The fee is rounded half-even to cents and the remainder assigned to net,
// so fee + net == gross exactly. Allocations and deallocations carry no fee.
func (p Policy) Compute(kind string, gross decimal.Decimal) (fee, net decimal.Decimal) {
	switch kind {
	case models.KindDeposit:
		fee = gross.Mul(p.DepositRate).RoundBank(2)
	case models.KindWithdrawal:
		fee = gross.Mul(p.WithdrawalRate).RoundBank(2)
	default:
		fee = decimal.Zero
	}
	return fee, gross.Sub(fee)
}

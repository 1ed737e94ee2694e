/*
entitlement.go - Remaining capacity per cap axis

PURPOSE:
  Answers "how much more can this member claim?" along the four cap axes
  of a sub-type, given the current ledger entry.

AXES:
  yearly_amount    MaxAmountPerYear  - UsedAmountYear
  lifetime_amount  MaxLifetimeAmount - UsedAmountLifetime
  yearly_claims    MaxClaimsPerYear  - UsedClaimsYear
  lifetime_claims  MaxLifetimeClaims - UsedClaimsLifetime

  Each remaining value is nil when the cap is unset (uncapped), otherwise
  max(0, cap - used). An axis is BLOCKED when its cap is set and the
  remaining value is exactly zero; one blocked axis makes the member
  ineligible regardless of the headroom on the others.
*/
package benefit

import (
	"github.com/shopspring/decimal"
)

// Axis names a capacity dimension.
type Axis string

const (
	AxisYearlyAmount   Axis = "yearly_amount"
	AxisLifetimeAmount Axis = "lifetime_amount"
	AxisYearlyClaims   Axis = "yearly_claims"
	AxisLifetimeClaims Axis = "lifetime_claims"

	// AxisAmount is used when nothing is claimable although no cap is hit
	// (e.g., a zero base amount).
	AxisAmount Axis = "amount"
)

// Remaining is the member's headroom. Nil fields are uncapped.
type Remaining struct {
	YearlyAmount   *decimal.Decimal
	LifetimeAmount *decimal.Decimal
	YearlyClaims   *int
	LifetimeClaims *int
}

// Blocked lists exhausted axes in a fixed order.
func (r Remaining) Blocked() []Axis {
	var axes []Axis
	if r.YearlyAmount != nil && r.YearlyAmount.IsZero() {
		axes = append(axes, AxisYearlyAmount)
	}
	if r.LifetimeAmount != nil && r.LifetimeAmount.IsZero() {
		axes = append(axes, AxisLifetimeAmount)
	}
	if r.YearlyClaims != nil && *r.YearlyClaims == 0 {
		axes = append(axes, AxisYearlyClaims)
	}
	if r.LifetimeClaims != nil && *r.LifetimeClaims == 0 {
		axes = append(axes, AxisLifetimeClaims)
	}
	return axes
}

// EntitlementResolver computes Remaining from limits and usage.
type EntitlementResolver struct{}

func (EntitlementResolver) Resolve(limits Limits, entry LedgerEntry) Remaining {
	return Remaining{
		YearlyAmount:   remainingAmount(limits.MaxAmountPerYear, entry.UsedAmountYear),
		LifetimeAmount: remainingAmount(limits.MaxLifetimeAmount, entry.UsedAmountLifetime),
		YearlyClaims:   remainingCount(limits.MaxClaimsPerYear, entry.UsedClaimsYear),
		LifetimeClaims: remainingCount(limits.MaxLifetimeClaims, entry.UsedClaimsLifetime),
	}
}

func remainingAmount(limit *decimal.Decimal, used decimal.Decimal) *decimal.Decimal {
	if limit == nil {
		return nil
	}
	left := limit.Sub(used)
	if left.IsNegative() {
		left = decimal.Zero
	}
	return &left
}

func remainingCount(limit *int, used int) *int {
	if limit == nil {
		return nil
	}
	left := *limit - used
	if left < 0 {
		left = 0
	}
	return &left
}

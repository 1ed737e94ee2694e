/*
validator.go - Claim admissibility

PURPOSE:
  Composes AmountCalculator and EntitlementResolver into a single Decision:
  may this member claim this sub-type now, and for how much at most?

PROCESS:
  1. Missing sub-type → ErrNotFound, disabled → ErrInactiveResource
  2. Compute the (already clamped) claim amount
  3. Resolve remaining capacity from the ledger entry
  4. ceiling = min(computed, remaining yearly amount, remaining lifetime amount)
  5. Collect a Reason for EVERY blocked axis, not just the first
  6. valid = no blocked axis AND ceiling > 0

WHEN IT RUNS:
  Submission:     advisory, read-only, may run fully in parallel
  Final approval: authoritative, re-run inside the ledger transaction on a
                  freshly read entry (see service.go ApproveFinal)
*/
package benefit

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Reason is one human-readable blocking cause.
type Reason struct {
	Axis    Axis
	Message string
}

// Decision is the outcome of ClaimValidator.Validate.
type Decision struct {
	SubTypeID SubTypeID
	IsValid   bool

	ComputedAmount   decimal.Decimal
	Clamped          bool
	ApprovableAmount decimal.Decimal

	Remaining Remaining
	Reasons   []Reason
}

// Err returns a QuotaExceededError carrying all reasons, or nil if valid.
func (d Decision) Err() error {
	if d.IsValid {
		return nil
	}
	return &QuotaExceededError{SubTypeID: d.SubTypeID, Reasons: d.Reasons}
}

// ClaimValidator is pure and safe for concurrent use.
type ClaimValidator struct {
	Calculator AmountCalculator
	Resolver   EntitlementResolver
}

// Validate decides whether a claim with the given inputs is admissible
// against entry. st may be nil when the sub-type lookup found nothing.
func (v ClaimValidator) Validate(st *SubType, in AmountInput, entry LedgerEntry) (Decision, error) {
	if st == nil {
		return Decision{}, &NotFoundError{Kind: "sub-type", ID: string(entry.Key.SubTypeID)}
	}
	if !st.Active {
		return Decision{}, &InactiveError{SubTypeID: st.ID}
	}

	comp, err := v.Calculator.Calculate(st, in)
	if err != nil {
		return Decision{}, err
	}

	remaining := v.Resolver.Resolve(st.Limits, entry)
	ceiling := minDecimal(comp.Amount, remaining.YearlyAmount, remaining.LifetimeAmount)

	d := Decision{
		SubTypeID:        st.ID,
		ComputedAmount:   comp.Amount,
		Clamped:          comp.Clamped,
		ApprovableAmount: ceiling,
		Remaining:        remaining,
	}

	for _, axis := range remaining.Blocked() {
		d.Reasons = append(d.Reasons, Reason{Axis: axis, Message: blockedMessage(axis, st)})
	}
	if len(d.Reasons) == 0 && !ceiling.IsPositive() {
		d.Reasons = append(d.Reasons, Reason{Axis: AxisAmount, Message: "nothing claimable for this request"})
	}

	d.IsValid = len(d.Reasons) == 0
	return d, nil
}

func blockedMessage(axis Axis, st *SubType) string {
	l := st.Limits
	switch axis {
	case AxisYearlyAmount:
		return fmt.Sprintf("yearly amount exhausted (cap %s per fiscal year)", l.MaxAmountPerYear.String())
	case AxisLifetimeAmount:
		return fmt.Sprintf("lifetime amount exhausted (cap %s)", l.MaxLifetimeAmount.String())
	case AxisYearlyClaims:
		return fmt.Sprintf("yearly claim count exhausted (%d per fiscal year)", *l.MaxClaimsPerYear)
	case AxisLifetimeClaims:
		return fmt.Sprintf("lifetime claim count exhausted (%d per lifetime)", *l.MaxLifetimeClaims)
	}
	return string(axis) + " exhausted"
}

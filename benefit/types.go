/*
Package benefit provides the welfare entitlement engine.

PURPOSE:
  Decides whether a member may claim a welfare benefit, how much, and
  keeps the per-member usage ledgers consistent while claims move through
  a two-stage approval workflow.

KEY CONCEPTS IN THIS FILE (types.go):
  - SubType: A claimable benefit variant (e.g., "inpatient night", "marriage gift")
  - AccrualMethod: How a claim's amount is computed (flat sum, per unit, per incident)
  - Limits: Optional caps per request, per fiscal year, and lifetime
  - Identifiers: Type-safe member / sub-type / claim IDs

DESIGN PRINCIPLES:
  1. Precision: Money is decimal.Decimal, never float64
  2. Absence is not zero: a nil cap means "uncapped on that axis"
  3. Append-only: ledgers only grow, claim events are never edited

SEE ALSO:
  - amount.go: AmountCalculator
  - entitlement.go: EntitlementResolver
  - validator.go: ClaimValidator
  - statemachine.go: Claim lifecycle
  - service.go: Transactional orchestration
*/
package benefit

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type SubTypeID string
type CategoryID string
type ClaimID string

// =============================================================================
// MONEY
// =============================================================================

// Money builds a decimal amount from whole currency units.
func Money(units int64) decimal.Decimal {
	return decimal.NewFromInt(units)
}

// MoneyPtr is Money for optional caps.
func MoneyPtr(units int64) *decimal.Decimal {
	d := decimal.NewFromInt(units)
	return &d
}

// CountPtr is a helper for optional count caps.
func CountPtr(n int) *int {
	return &n
}

// =============================================================================
// ACCRUAL METHOD
// =============================================================================

type AccrualMethod string

const (
	// AccrualFlatSum pays the base amount, or the member's declared amount
	// when the sub-type allows variable sums (e.g., outpatient receipts).
	AccrualFlatSum AccrualMethod = "flat_sum"

	// AccrualPerUnit pays base amount × quantity (e.g., per inpatient night).
	AccrualPerUnit AccrualMethod = "per_unit"

	// AccrualPerIncident pays a fixed base amount per event (e.g., funeral aid).
	AccrualPerIncident AccrualMethod = "per_incident"
)

func (m AccrualMethod) Valid() bool {
	switch m {
	case AccrualFlatSum, AccrualPerUnit, AccrualPerIncident:
		return true
	}
	return false
}

// =============================================================================
// LIMITS
// =============================================================================

// Limits are the optional caps of a sub-type. Nil means uncapped on that
// axis; a zero cap is a real cap that blocks every claim.
type Limits struct {
	MaxPerRequest     *decimal.Decimal
	MaxAmountPerYear  *decimal.Decimal
	MaxClaimsPerYear  *int
	MaxLifetimeAmount *decimal.Decimal
	MaxLifetimeClaims *int
}

// =============================================================================
// SUB-TYPE - Claimable benefit configuration
// =============================================================================

type SubType struct {
	ID         SubTypeID
	CategoryID CategoryID
	Name       string

	Method     AccrualMethod
	BaseAmount decimal.Decimal

	// UnitLabel names the quantity for per-unit sub-types ("night", "day").
	UnitLabel string

	// AllowDeclaredAmount lets flat-sum claims carry the member's own amount
	// (receipt total) instead of the base amount.
	AllowDeclaredAmount bool

	Limits Limits
	Active bool
}

// Validate checks the configuration invariants of a sub-type.
func (s *SubType) Validate() error {
	if s.ID == "" {
		return &InvalidInputError{Field: "id", Message: "sub-type id is required"}
	}
	if !s.Method.Valid() {
		return &InvalidInputError{Field: "method", Message: fmt.Sprintf("unknown accrual method %q", s.Method)}
	}
	if s.BaseAmount.IsNegative() {
		return &InvalidInputError{Field: "base_amount", Message: "base amount must not be negative"}
	}
	for field, limit := range map[string]*decimal.Decimal{
		"max_per_request":     s.Limits.MaxPerRequest,
		"max_amount_per_year": s.Limits.MaxAmountPerYear,
		"max_lifetime_amount": s.Limits.MaxLifetimeAmount,
	} {
		if limit != nil && limit.IsNegative() {
			return &InvalidInputError{Field: field, Message: "limit must not be negative"}
		}
	}
	for field, limit := range map[string]*int{
		"max_claims_per_year": s.Limits.MaxClaimsPerYear,
		"max_lifetime_claims": s.Limits.MaxLifetimeClaims,
	} {
		if limit != nil && *limit < 0 {
			return &InvalidInputError{Field: field, Message: "limit must not be negative"}
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// minDecimal returns the smallest of base and every non-nil bound.
func minDecimal(base decimal.Decimal, bounds ...*decimal.Decimal) decimal.Decimal {
	out := base
	for _, b := range bounds {
		if b != nil && b.LessThan(out) {
			out = *b
		}
	}
	return out
}

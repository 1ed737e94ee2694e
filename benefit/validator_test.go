package benefit

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

func inpatient() *SubType {
	return &SubType{
		ID:         "inpatient",
		CategoryID: "medical",
		Name:       "Inpatient (per night)",
		Method:     AccrualPerUnit,
		BaseAmount: Money(500),
		UnitLabel:  "night",
		Limits: Limits{
			MaxPerRequest:    MoneyPtr(5000),
			MaxAmountPerYear: MoneyPtr(20000),
		},
		Active: true,
	}
}

func funeral() *SubType {
	return &SubType{
		ID:         "funeral",
		CategoryID: "family",
		Name:       "Funeral assistance",
		Method:     AccrualPerIncident,
		BaseAmount: Money(10000),
		Limits: Limits{
			MaxLifetimeClaims: CountPtr(1),
		},
		Active: true,
	}
}

func entryFor(st *SubType) LedgerEntry {
	return ZeroEntry(LedgerKey{MemberID: "m-1", SubTypeID: st.ID, FiscalYear: 2025})
}

// =============================================================================
// AMOUNT CALCULATION
// =============================================================================

func TestAmountCalculator_PerUnit_ClampedToMaxPerRequest(t *testing.T) {
	// GIVEN: 500 per night, max 5000 per request
	// WHEN: 20 nights are claimed
	// THEN: The amount is clamped to 5000 and flagged as clamped

	comp, err := AmountCalculator{}.Calculate(inpatient(), AmountInput{Quantity: CountPtr(20)})
	require.NoError(t, err)

	assert.True(t, comp.Amount.Equal(Money(5000)), "got %s", comp.Amount)
	assert.True(t, comp.Uncapped.Equal(Money(10000)), "got %s", comp.Uncapped)
	assert.True(t, comp.Clamped)
}

func TestAmountCalculator_PerUnit_RequiresPositiveQuantity(t *testing.T) {
	for _, q := range []*int{nil, CountPtr(0), CountPtr(-3)} {
		_, err := AmountCalculator{}.Calculate(inpatient(), AmountInput{Quantity: q})
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
}

func TestAmountCalculator_FlatSum_DeclaredAmount(t *testing.T) {
	st := &SubType{
		ID:                  "outpatient",
		Method:              AccrualFlatSum,
		BaseAmount:          Money(1000),
		AllowDeclaredAmount: true,
		Limits:              Limits{MaxPerRequest: MoneyPtr(1500)},
		Active:              true,
	}

	t.Run("declared amount under the cap is used as-is", func(t *testing.T) {
		comp, err := AmountCalculator{}.Calculate(st, AmountInput{DeclaredAmount: MoneyPtr(750)})
		require.NoError(t, err)
		assert.True(t, comp.Amount.Equal(Money(750)))
		assert.False(t, comp.Clamped)
	})

	t.Run("declared amount above the cap is clamped", func(t *testing.T) {
		comp, err := AmountCalculator{}.Calculate(st, AmountInput{DeclaredAmount: MoneyPtr(4000)})
		require.NoError(t, err)
		assert.True(t, comp.Amount.Equal(Money(1500)))
		assert.True(t, comp.Clamped)
	})

	t.Run("no declared amount falls back to the base amount", func(t *testing.T) {
		comp, err := AmountCalculator{}.Calculate(st, AmountInput{})
		require.NoError(t, err)
		assert.True(t, comp.Amount.Equal(Money(1000)))
	})

	t.Run("negative declared amount is rejected", func(t *testing.T) {
		neg := decimal.NewFromInt(-1)
		_, err := AmountCalculator{}.Calculate(st, AmountInput{DeclaredAmount: &neg})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestAmountCalculator_PerIncident_IgnoresQuantity(t *testing.T) {
	comp, err := AmountCalculator{}.Calculate(funeral(), AmountInput{Quantity: CountPtr(7)})
	require.NoError(t, err)
	assert.True(t, comp.Amount.Equal(Money(10000)))
}

// =============================================================================
// ENTITLEMENT RESOLUTION
// =============================================================================

func TestEntitlementResolver_RemainingNeverNegative(t *testing.T) {
	// GIVEN: Usage already above the yearly cap (cap lowered after the fact)
	// WHEN: Resolving remaining capacity
	// THEN: Remaining is zero, not negative, and the axis is blocked

	st := inpatient()
	entry := entryFor(st)
	entry.UsedAmountYear = Money(25000)

	r := EntitlementResolver{}.Resolve(st.Limits, entry)

	require.NotNil(t, r.YearlyAmount)
	assert.True(t, r.YearlyAmount.IsZero())
	assert.Nil(t, r.LifetimeAmount, "unset cap means unlimited")
	assert.Equal(t, []Axis{AxisYearlyAmount}, r.Blocked())
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestClaimValidator_CeilingIsMinOfAllAxes(t *testing.T) {
	// GIVEN: 500/night, 20000/year, 17000 already used
	// WHEN: Validating 20 nights (clamped to 5000)
	// THEN: Valid, approvable amount is the 3000 left in the year

	st := inpatient()
	entry := entryFor(st)
	entry.UsedAmountYear = Money(17000)

	d, err := ClaimValidator{}.Validate(st, AmountInput{Quantity: CountPtr(20)}, entry)
	require.NoError(t, err)

	assert.True(t, d.IsValid)
	assert.True(t, d.Clamped)
	assert.True(t, d.ComputedAmount.Equal(Money(5000)))
	assert.True(t, d.ApprovableAmount.Equal(Money(3000)), "got %s", d.ApprovableAmount)
	assert.NoError(t, d.Err())
}

func TestClaimValidator_ReportsEveryBlockedAxis(t *testing.T) {
	st := &SubType{
		ID:         "newborn",
		Method:     AccrualPerIncident,
		BaseAmount: Money(2000),
		Limits: Limits{
			MaxClaimsPerYear:  CountPtr(1),
			MaxLifetimeClaims: CountPtr(1),
		},
		Active: true,
	}
	entry := entryFor(st)
	entry.UsedClaimsYear = 1
	entry.UsedClaimsLifetime = 1

	d, err := ClaimValidator{}.Validate(st, AmountInput{}, entry)
	require.NoError(t, err)

	assert.False(t, d.IsValid)
	require.Len(t, d.Reasons, 2)
	assert.Equal(t, AxisYearlyClaims, d.Reasons[0].Axis)
	assert.Equal(t, AxisLifetimeClaims, d.Reasons[1].Axis)

	var qe *QuotaExceededError
	require.ErrorAs(t, d.Err(), &qe)
	assert.Len(t, qe.Reasons, 2)
}

func TestClaimValidator_InactiveAndMissingSubType(t *testing.T) {
	st := funeral()
	st.Active = false

	_, err := ClaimValidator{}.Validate(st, AmountInput{}, entryFor(st))
	assert.ErrorIs(t, err, ErrInactiveResource)

	_, err = ClaimValidator{}.Validate(nil, AmountInput{}, entryFor(funeral()))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))
}

func TestClaimValidator_ZeroBaseAmountIsNotClaimable(t *testing.T) {
	st := &SubType{ID: "token", Method: AccrualPerIncident, BaseAmount: decimal.Zero, Active: true}

	d, err := ClaimValidator{}.Validate(st, AmountInput{}, entryFor(st))
	require.NoError(t, err)

	assert.False(t, d.IsValid)
	require.Len(t, d.Reasons, 1)
	assert.Equal(t, AxisAmount, d.Reasons[0].Axis)
}

func TestSubType_Validate(t *testing.T) {
	assert.NoError(t, inpatient().Validate())

	bad := inpatient()
	bad.Method = "monthly"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidInput)

	bad = inpatient()
	bad.Limits.MaxAmountPerYear = MoneyPtr(-1)
	assert.ErrorIs(t, bad.Validate(), ErrInvalidInput)

	bad = inpatient()
	bad.ID = ""
	assert.ErrorIs(t, bad.Validate(), ErrInvalidInput)
}

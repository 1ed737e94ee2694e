/*
amount.go - Claimable amount computation

PURPOSE:
  Turns a claim's inputs into the amount the member is asking for,
  according to the sub-type's accrual method, then applies the
  per-request cap.

ACCRUAL METHODS:
  FlatSum:     declared amount if the sub-type allows it, else base amount
  PerUnit:     base amount × quantity (quantity required, positive)
  PerIncident: base amount, inputs ignored

PER-REQUEST CAP:
  An amount above MaxPerRequest is clamped down to the cap. The request is
  serviced up to the cap rather than refused.

EXAMPLE:
  inpatient := SubType{Method: AccrualPerUnit, BaseAmount: Money(500),
      Limits: Limits{MaxPerRequest: MoneyPtr(5000)}}
  c, _ := AmountCalculator{}.Calculate(&inpatient, AmountInput{Quantity: CountPtr(20)})
  // c.Amount == 5000, c.Clamped == true, c.Uncapped == 10000
*/
package benefit

import (
	"github.com/shopspring/decimal"
)

// AmountInput is what the member supplies with a claim.
type AmountInput struct {
	// Quantity is required for per-unit sub-types (nights, days).
	Quantity *int

	// DeclaredAmount is honoured only for flat-sum sub-types that allow it.
	DeclaredAmount *decimal.Decimal
}

// Computation is the result of AmountCalculator.Calculate.
type Computation struct {
	Amount   decimal.Decimal // after the per-request cap
	Uncapped decimal.Decimal // before the per-request cap
	Clamped  bool
}

// AmountCalculator computes claimable amounts. It holds no state.
type AmountCalculator struct{}

func (AmountCalculator) Calculate(st *SubType, in AmountInput) (Computation, error) {
	var amount decimal.Decimal

	switch st.Method {
	case AccrualFlatSum:
		amount = st.BaseAmount
		if in.DeclaredAmount != nil && st.AllowDeclaredAmount {
			if in.DeclaredAmount.IsNegative() {
				return Computation{}, &InvalidInputError{Field: "declared_amount", Message: "must not be negative"}
			}
			amount = *in.DeclaredAmount
		}

	case AccrualPerUnit:
		if in.Quantity == nil {
			return Computation{}, &InvalidInputError{Field: "quantity", Message: "required for per-unit benefits"}
		}
		if *in.Quantity <= 0 {
			return Computation{}, &InvalidInputError{Field: "quantity", Message: "must be a positive integer"}
		}
		amount = st.BaseAmount.Mul(decimal.NewFromInt(int64(*in.Quantity)))

	case AccrualPerIncident:
		amount = st.BaseAmount

	default:
		return Computation{}, &InvalidInputError{Field: "method", Message: "unknown accrual method " + string(st.Method)}
	}

	c := Computation{Amount: amount, Uncapped: amount}
	if limit := st.Limits.MaxPerRequest; limit != nil && amount.GreaterThan(*limit) {
		c.Amount = *limit
		c.Clamped = true
	}
	return c, nil
}

package benefit

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CLAIM - A member's request for a benefit payout
// =============================================================================

type ClaimState string

const (
	StatePending           ClaimState = "pending"
	StateInReview          ClaimState = "in_review"
	StateFrontLineApproved ClaimState = "frontline_approved"
	StateFinalApproved     ClaimState = "final_approved"
	StateRejected          ClaimState = "rejected"
	StateCompleted         ClaimState = "completed"
)

func (s ClaimState) Valid() bool {
	switch s {
	case StatePending, StateInReview, StateFrontLineApproved,
		StateFinalApproved, StateRejected, StateCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
// FinalApproved is terminal for approval but still moves to Completed.
func (s ClaimState) Terminal() bool {
	return s == StateRejected || s == StateCompleted
}

// ApprovalEvent is one immutable entry of a claim's history.
type ApprovalEvent struct {
	ID      string
	Seq     int
	Action  Action
	From    ClaimState
	To      ClaimState
	ActorID string
	Role    Role
	Comment string
	Amount  *decimal.Decimal // approved amount, set on final approval
	At      time.Time
}

type Claim struct {
	ID         ClaimID
	MemberID   MemberID
	SubTypeID  SubTypeID
	FiscalYear FiscalYear

	// Inputs as submitted.
	Quantity       *int
	DeclaredAmount *decimal.Decimal
	Description    string

	// RequestedAmount is computed and clamped at submission.
	RequestedAmount decimal.Decimal

	// ApprovedAmount is set only on final approval and never exceeds
	// RequestedAmount.
	ApprovedAmount *decimal.Decimal

	State  ClaimState
	Events []ApprovalEvent

	SubmittedAt time.Time
	UpdatedAt   time.Time

	// Version is bumped by the store on every save.
	Version int64
}

// LedgerKey is the usage row this claim counts against.
func (c *Claim) LedgerKey() LedgerKey {
	return LedgerKey{MemberID: c.MemberID, SubTypeID: c.SubTypeID, FiscalYear: c.FiscalYear}
}

// AmountInput replays the submitted inputs for revalidation.
func (c *Claim) AmountInput() AmountInput {
	return AmountInput{Quantity: c.Quantity, DeclaredAmount: c.DeclaredAmount}
}

// LastEvent returns the most recent event, or nil.
func (c *Claim) LastEvent() *ApprovalEvent {
	if len(c.Events) == 0 {
		return nil
	}
	return &c.Events[len(c.Events)-1]
}

// Clone returns a deep copy so callers never share the event slice.
func (c *Claim) Clone() *Claim {
	out := *c
	out.Events = append([]ApprovalEvent(nil), c.Events...)
	if c.Quantity != nil {
		q := *c.Quantity
		out.Quantity = &q
	}
	if c.DeclaredAmount != nil {
		d := *c.DeclaredAmount
		out.DeclaredAmount = &d
	}
	if c.ApprovedAmount != nil {
		a := *c.ApprovedAmount
		out.ApprovedAmount = &a
	}
	return &out
}

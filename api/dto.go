/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the benefit domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts travel as decimal strings ("5000", "1250.50") in both
  directions so clients never round through floating point.

VALIDATION:
  Request types carry validator tags and are checked by
  factory.ValidateStruct before reaching the service.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/subtype.go: SubTypeJSON (sub-type admin payload)
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/welfare-engine/benefit"
	"github.com/warp/welfare-engine/factory"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// AmountRequest carries the amount inputs shared by check and submit.
type AmountRequest struct {
	Quantity       *int    `json:"quantity,omitempty" validate:"omitempty,min=1"`
	DeclaredAmount *string `json:"declared_amount,omitempty" validate:"omitempty,positive_amount"`
}

// SubmitClaimRequest is the body of POST /api/members/{id}/claims.
type SubmitClaimRequest struct {
	SubTypeID   string `json:"sub_type_id" validate:"required,max=64"`
	Description string `json:"description,omitempty" validate:"max=2000"`
	AmountRequest
}

// TransitionRequest is the body of the non-ledger transitions.
// For reject the comment is the mandatory reason.
type TransitionRequest struct {
	Comment string `json:"comment,omitempty" validate:"max=2000"`
}

// FinalApproveRequest approves amount, or the full ceiling when omitted.
type FinalApproveRequest struct {
	Amount  *string `json:"amount,omitempty" validate:"omitempty,positive_amount"`
	Comment string  `json:"comment,omitempty" validate:"max=2000"`
}

// SetActiveRequest toggles a sub-type.
type SetActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ReasonDTO struct {
	Axis    string `json:"axis"`
	Message string `json:"message"`
}

// RemainingDTO is the member's headroom. Absent fields are uncapped.
type RemainingDTO struct {
	YearlyAmount   *string `json:"yearly_amount,omitempty"`
	LifetimeAmount *string `json:"lifetime_amount,omitempty"`
	YearlyClaims   *int    `json:"yearly_claims,omitempty"`
	LifetimeClaims *int    `json:"lifetime_claims,omitempty"`
}

type DecisionDTO struct {
	SubTypeID        string       `json:"sub_type_id"`
	IsValid          bool         `json:"is_valid"`
	ComputedAmount   string       `json:"computed_amount"`
	Clamped          bool         `json:"clamped"`
	ApprovableAmount string       `json:"approvable_amount"`
	Remaining        RemainingDTO `json:"remaining"`
	Reasons          []ReasonDTO  `json:"reasons"`
}

// EntitlementDTO summarizes one sub-type for a member.
type EntitlementDTO struct {
	SubType            factory.SubTypeJSON `json:"sub_type"`
	FiscalYear         int                 `json:"fiscal_year"`
	UsedAmountYear     string              `json:"used_amount_year"`
	UsedClaimsYear     int                 `json:"used_claims_year"`
	UsedAmountLifetime string              `json:"used_amount_lifetime"`
	UsedClaimsLifetime int                 `json:"used_claims_lifetime"`
	Remaining          RemainingDTO        `json:"remaining"`
	Eligible           bool                `json:"eligible"`
	Reasons            []ReasonDTO         `json:"reasons"`
}

type LedgerEntryDTO struct {
	MemberID           string `json:"member_id"`
	SubTypeID          string `json:"sub_type_id"`
	FiscalYear         int    `json:"fiscal_year"`
	UsedAmountYear     string `json:"used_amount_year"`
	UsedClaimsYear     int    `json:"used_claims_year"`
	UsedAmountLifetime string `json:"used_amount_lifetime"`
	UsedClaimsLifetime int    `json:"used_claims_lifetime"`
	Version            int64  `json:"version"`
	UpdatedAt          string `json:"updated_at,omitempty"`
}

type ApprovalEventDTO struct {
	ID      string  `json:"id"`
	Seq     int     `json:"seq"`
	Action  string  `json:"action"`
	From    string  `json:"from,omitempty"`
	To      string  `json:"to"`
	ActorID string  `json:"actor_id,omitempty"`
	Role    string  `json:"role,omitempty"`
	Comment string  `json:"comment,omitempty"`
	Amount  *string `json:"amount,omitempty"`
	At      string  `json:"at"`
}

type ClaimDTO struct {
	ID              string             `json:"id"`
	MemberID        string             `json:"member_id"`
	SubTypeID       string             `json:"sub_type_id"`
	FiscalYear      int                `json:"fiscal_year"`
	Quantity        *int               `json:"quantity,omitempty"`
	DeclaredAmount  *string            `json:"declared_amount,omitempty"`
	Description     string             `json:"description,omitempty"`
	RequestedAmount string             `json:"requested_amount"`
	ApprovedAmount  *string            `json:"approved_amount,omitempty"`
	State           string             `json:"state"`
	Events          []ApprovalEventDTO `json:"events"`
	SubmittedAt     string             `json:"submitted_at"`
	UpdatedAt       string             `json:"updated_at"`
	Version         int64              `json:"version"`
}

// SubmitClaimResponse returns the new claim and the decision behind it.
type SubmitClaimResponse struct {
	Claim    ClaimDTO    `json:"claim"`
	Decision DecisionDTO `json:"decision"`
}

// FinalApproveResponse returns the claim and the ledger row it charged.
type FinalApproveResponse struct {
	Claim  ClaimDTO       `json:"claim"`
	Ledger LedgerEntryDTO `json:"ledger"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Code    string      `json:"code,omitempty"`
	Details any         `json:"details,omitempty"`
	Field   string      `json:"field,omitempty"`
	Reasons []ReasonDTO `json:"reasons,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func (a AmountRequest) toInput() benefit.AmountInput {
	in := benefit.AmountInput{Quantity: a.Quantity}
	if a.DeclaredAmount != nil {
		// already checked by positive_amount
		d := decimal.RequireFromString(*a.DeclaredAmount)
		in.DeclaredAmount = &d
	}
	return in
}

func toReasonDTOs(reasons []benefit.Reason) []ReasonDTO {
	out := make([]ReasonDTO, len(reasons))
	for i, r := range reasons {
		out[i] = ReasonDTO{Axis: string(r.Axis), Message: r.Message}
	}
	return out
}

func toRemainingDTO(r benefit.Remaining) RemainingDTO {
	return RemainingDTO{
		YearlyAmount:   decimalPtrString(r.YearlyAmount),
		LifetimeAmount: decimalPtrString(r.LifetimeAmount),
		YearlyClaims:   r.YearlyClaims,
		LifetimeClaims: r.LifetimeClaims,
	}
}

func toDecisionDTO(d benefit.Decision) DecisionDTO {
	return DecisionDTO{
		SubTypeID:        string(d.SubTypeID),
		IsValid:          d.IsValid,
		ComputedAmount:   d.ComputedAmount.String(),
		Clamped:          d.Clamped,
		ApprovableAmount: d.ApprovableAmount.String(),
		Remaining:        toRemainingDTO(d.Remaining),
		Reasons:          toReasonDTOs(d.Reasons),
	}
}

func toEntitlementDTO(e benefit.Entitlement) EntitlementDTO {
	return EntitlementDTO{
		SubType:            factory.ToJSON(e.SubType),
		FiscalYear:         int(e.FiscalYear),
		UsedAmountYear:     e.Ledger.UsedAmountYear.String(),
		UsedClaimsYear:     e.Ledger.UsedClaimsYear,
		UsedAmountLifetime: e.Ledger.UsedAmountLifetime.String(),
		UsedClaimsLifetime: e.Ledger.UsedClaimsLifetime,
		Remaining:          toRemainingDTO(e.Remaining),
		Eligible:           e.Eligible,
		Reasons:            toReasonDTOs(e.Reasons),
	}
}

func toLedgerEntryDTO(e benefit.LedgerEntry) LedgerEntryDTO {
	dto := LedgerEntryDTO{
		MemberID:           string(e.Key.MemberID),
		SubTypeID:          string(e.Key.SubTypeID),
		FiscalYear:         int(e.Key.FiscalYear),
		UsedAmountYear:     e.UsedAmountYear.String(),
		UsedClaimsYear:     e.UsedClaimsYear,
		UsedAmountLifetime: e.UsedAmountLifetime.String(),
		UsedClaimsLifetime: e.UsedClaimsLifetime,
		Version:            e.Version,
	}
	if !e.UpdatedAt.IsZero() {
		dto.UpdatedAt = e.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

func toClaimDTO(c *benefit.Claim) ClaimDTO {
	events := make([]ApprovalEventDTO, len(c.Events))
	for i, ev := range c.Events {
		events[i] = ApprovalEventDTO{
			ID:      ev.ID,
			Seq:     ev.Seq,
			Action:  string(ev.Action),
			From:    string(ev.From),
			To:      string(ev.To),
			ActorID: ev.ActorID,
			Role:    string(ev.Role),
			Comment: ev.Comment,
			Amount:  decimalPtrString(ev.Amount),
			At:      ev.At.Format(time.RFC3339),
		}
	}
	return ClaimDTO{
		ID:              string(c.ID),
		MemberID:        string(c.MemberID),
		SubTypeID:       string(c.SubTypeID),
		FiscalYear:      int(c.FiscalYear),
		Quantity:        c.Quantity,
		DeclaredAmount:  decimalPtrString(c.DeclaredAmount),
		Description:     c.Description,
		RequestedAmount: c.RequestedAmount.String(),
		ApprovedAmount:  decimalPtrString(c.ApprovedAmount),
		State:           string(c.State),
		Events:          events,
		SubmittedAt:     c.SubmittedAt.Format(time.RFC3339),
		UpdatedAt:       c.UpdatedAt.Format(time.RFC3339),
		Version:         c.Version,
	}
}

func toClaimDTOs(claims []benefit.Claim) []ClaimDTO {
	out := make([]ClaimDTO, len(claims))
	for i := range claims {
		out[i] = toClaimDTO(&claims[i])
	}
	return out
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

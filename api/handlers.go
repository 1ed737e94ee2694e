/*
handlers.go - HTTP API handlers for the welfare benefit engine

PURPOSE:
  Exposes the benefit service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to benefit.Service.

ENDPOINTS:
  Sub-types:
    GET    /api/subtypes                      List sub-types
    POST   /api/subtypes                      Create or replace from JSON
    GET    /api/subtypes/{id}                 Get sub-type
    PUT    /api/subtypes/{id}                 Replace sub-type
    POST   /api/subtypes/{id}/active          Activate / deactivate

  Members:
    GET    /api/members/{id}/entitlements                 Headroom per sub-type
    POST   /api/members/{id}/entitlements/{subtype}/check Dry-run a claim
    GET    /api/members/{id}/ledger                       Usage rows
    GET    /api/members/{id}/claims                       Claim history
    POST   /api/members/{id}/claims                       Submit a claim

  Claims:
    GET    /api/claims?state=pending          Review queue
    GET    /api/claims/{id}                   Claim with history
    POST   /api/claims/{id}/start-review
    POST   /api/claims/{id}/frontline-approve
    POST   /api/claims/{id}/final-approve     Charges the ledger
    POST   /api/claims/{id}/reject            Requires a comment
    POST   /api/claims/{id}/complete

ACTOR:
  Mutating claim routes read the acting user from X-Actor-ID and
  X-Actor-Role (set by the upstream auth proxy). See actor.go.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input
  - 401: Missing actor
  - 403: Role lacks the capability
  - 404: Claim or sub-type not found
  - 409: Illegal transition, duplicate, or retries exhausted
  - 422: Quota exceeded, remaining quota too small, or sub-type inactive
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/welfare-engine/benefit"
	"github.com/warp/welfare-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *benefit.Service
	Logger  *zap.Logger
}

// NewHandler creates a new handler around the service.
func NewHandler(svc *benefit.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Service: svc, Logger: logger}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SUB-TYPE HANDLERS
// =============================================================================

// ListSubTypes returns every configured sub-type, active or not.
func (h *Handler) ListSubTypes(w http.ResponseWriter, r *http.Request) {
	subTypes, err := h.Service.SubTypes(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "Failed to list sub-types", err)
		return
	}

	dtos := make([]factory.SubTypeJSON, len(subTypes))
	for i, st := range subTypes {
		dtos[i] = factory.ToJSON(st)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSubType returns a single sub-type.
func (h *Handler) GetSubType(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.SubType(r.Context(), benefit.SubTypeID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get sub-type", err)
		return
	}
	writeJSON(w, http.StatusOK, factory.ToJSON(*st))
}

// PutSubType creates or replaces a sub-type. On PUT the path ID wins.
func (h *Handler) PutSubType(w http.ResponseWriter, r *http.Request) {
	var req factory.SubTypeJSON
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		req.ID = id
	}

	st, err := factory.FromJSON(req)
	if err != nil {
		h.writeServiceError(w, r, "Invalid sub-type", err)
		return
	}
	if err := h.Service.PutSubType(r.Context(), st); err != nil {
		h.writeServiceError(w, r, "Failed to save sub-type", err)
		return
	}

	h.Logger.Info("sub-type saved",
		zap.String("sub_type_id", string(st.ID)),
		zap.Bool("active", st.Active),
		zap.String("actor", ActorFrom(r.Context()).ID))

	status := http.StatusCreated
	if r.Method == http.MethodPut {
		status = http.StatusOK
	}
	writeJSON(w, status, factory.ToJSON(st))
}

// SetSubTypeActive enables or disables a sub-type.
func (h *Handler) SetSubTypeActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if !h.decodeAndValidate(w, r, &req, false) {
		return
	}

	st, err := h.Service.SetSubTypeActive(r.Context(), benefit.SubTypeID(chi.URLParam(r, "id")), *req.Active)
	if err != nil {
		h.writeServiceError(w, r, "Failed to update sub-type", err)
		return
	}
	h.Logger.Info("sub-type activation changed",
		zap.String("sub_type_id", string(st.ID)),
		zap.Bool("active", st.Active),
		zap.String("actor", ActorFrom(r.Context()).ID))
	writeJSON(w, http.StatusOK, factory.ToJSON(*st))
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// GetEntitlements returns the member's headroom on every active sub-type
// for the current fiscal year.
func (h *Handler) GetEntitlements(w http.ResponseWriter, r *http.Request) {
	memberID := benefit.MemberID(chi.URLParam(r, "id"))

	ents, err := h.Service.CheckAll(r.Context(), memberID)
	if err != nil {
		h.writeServiceError(w, r, "Failed to resolve entitlements", err)
		return
	}

	dtos := make([]EntitlementDTO, len(ents))
	for i, e := range ents {
		dtos[i] = toEntitlementDTO(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"member_id": memberID, "entitlements": dtos})
}

// CheckEntitlement validates a prospective claim without recording it.
// An ineligible member is a 200 with is_valid=false, not an error.
func (h *Handler) CheckEntitlement(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decodeAndValidate(w, r, &req, true) {
		return
	}

	d, err := h.Service.Check(r.Context(),
		benefit.MemberID(chi.URLParam(r, "id")),
		benefit.SubTypeID(chi.URLParam(r, "subtype")),
		req.toInput())
	if err != nil {
		h.writeServiceError(w, r, "Failed to check entitlement", err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionDTO(d))
}

// GetLedger returns the member's usage rows.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Service.Ledger(r.Context(), benefit.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to load ledger", err)
		return
	}

	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListMemberClaims returns the member's claims.
func (h *Handler) ListMemberClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := h.Service.ClaimsByMember(r.Context(), benefit.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list claims", err)
		return
	}
	writeJSON(w, http.StatusOK, toClaimDTOs(claims))
}

// SubmitClaim records a pending claim.
// POST /api/members/{id}/claims
func (h *Handler) SubmitClaim(w http.ResponseWriter, r *http.Request) {
	var req SubmitClaimRequest
	if !h.decodeAndValidate(w, r, &req, false) {
		return
	}
	in := req.toInput()

	c, d, err := h.Service.Submit(r.Context(), benefit.SubmitRequest{
		MemberID:       benefit.MemberID(chi.URLParam(r, "id")),
		SubTypeID:      benefit.SubTypeID(req.SubTypeID),
		Quantity:       in.Quantity,
		DeclaredAmount: in.DeclaredAmount,
		Description:    req.Description,
		Actor:          ActorFrom(r.Context()),
	})
	if err != nil {
		h.writeServiceError(w, r, "Claim not accepted", err)
		return
	}

	writeJSON(w, http.StatusCreated, SubmitClaimResponse{Claim: toClaimDTO(c), Decision: toDecisionDTO(d)})
}

// =============================================================================
// CLAIM HANDLERS
// =============================================================================

// ListClaims returns claims in the requested state (review queues).
// GET /api/claims?state=in_review
func (h *Handler) ListClaims(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = string(benefit.StatePending)
	}

	claims, err := h.Service.ClaimsByState(r.Context(), benefit.ClaimState(state))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list claims", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state, "claims": toClaimDTOs(claims)})
}

// GetClaim returns a claim with its full history.
func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	c, err := h.Service.GetClaim(r.Context(), benefit.ClaimID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get claim", err)
		return
	}
	writeJSON(w, http.StatusOK, toClaimDTO(c))
}

// transition builds a handler for one of the non-ledger transitions.
func (h *Handler) transition(apply func(context.Context, benefit.ClaimID, benefit.Actor, string) (*benefit.Claim, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TransitionRequest
		if !h.decodeAndValidate(w, r, &req, true) {
			return
		}

		c, err := apply(r.Context(), benefit.ClaimID(chi.URLParam(r, "id")), ActorFrom(r.Context()), req.Comment)
		if err != nil {
			h.writeServiceError(w, r, "Transition failed", err)
			return
		}
		writeJSON(w, http.StatusOK, toClaimDTO(c))
	}
}

// StartReview: pending -> in_review.
func (h *Handler) StartReview(w http.ResponseWriter, r *http.Request) {
	h.transition(h.Service.StartReview)(w, r)
}

// ApproveFrontLine: pending|in_review -> frontline_approved.
func (h *Handler) ApproveFrontLine(w http.ResponseWriter, r *http.Request) {
	h.transition(h.Service.ApproveFrontLine)(w, r)
}

// Reject: any non-terminal state -> rejected. The comment is the reason.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.transition(h.Service.Reject)(w, r)
}

// Complete: final_approved -> completed.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	h.transition(h.Service.Complete)(w, r)
}

// ApproveFinal re-validates against the live ledger and charges it.
// POST /api/claims/{id}/final-approve
func (h *Handler) ApproveFinal(w http.ResponseWriter, r *http.Request) {
	var req FinalApproveRequest
	if !h.decodeAndValidate(w, r, &req, true) {
		return
	}

	fa := benefit.FinalApproval{
		ClaimID: benefit.ClaimID(chi.URLParam(r, "id")),
		Actor:   ActorFrom(r.Context()),
		Comment: req.Comment,
	}
	if req.Amount != nil {
		amt := decimal.RequireFromString(*req.Amount)
		fa.Amount = &amt
	}

	c, entry, err := h.Service.ApproveFinal(r.Context(), fa)
	if err != nil {
		h.writeServiceError(w, r, "Final approval failed", err)
		return
	}
	writeJSON(w, http.StatusOK, FinalApproveResponse{Claim: toClaimDTO(c), Ledger: toLedgerEntryDTO(entry)})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: errorCode(status)}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps a domain error to its status and attaches the
// blocking reasons when there are any.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: message, Code: errorCode(status), Details: err.Error()}

	var qe *benefit.QuotaExceededError
	var re *benefit.ExceedsRemainingQuotaError
	var ie *benefit.InvalidInputError
	switch {
	case errors.As(err, &qe):
		resp.Reasons = toReasonDTOs(qe.Reasons)
	case errors.As(err, &re):
		resp.Reasons = toReasonDTOs(re.Reasons)
	case errors.As(err, &ie):
		resp.Field = ie.Field
	}

	if status >= http.StatusInternalServerError {
		h.Logger.Error(message,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		resp.Details = nil
	}
	writeJSON(w, status, resp)
}

// statusFor maps domain errors to HTTP status codes. Quota errors are
// checked before conflict because exhausted retries wrap both.
func statusFor(err error) int {
	switch {
	case errors.Is(err, benefit.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, benefit.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, benefit.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, benefit.ErrQuotaExceeded),
		errors.Is(err, benefit.ErrExceedsRemainingQuota),
		errors.Is(err, benefit.ErrInactiveResource):
		return http.StatusUnprocessableEntity
	case errors.Is(err, benefit.ErrInvalidStateTransition),
		errors.Is(err, benefit.ErrConflict),
		errors.Is(err, benefit.ErrDuplicateClaim):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_input"
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "quota"
	}
	return "internal"
}

// decodeBody reads a JSON body. With optional set, an empty body leaves
// dst untouched.
func decodeBody(r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := decodeBody(r, dst, optional); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := factory.ValidateStruct(dst); err != nil {
		h.writeServiceError(w, r, "Invalid request", err)
		return false
	}
	return true
}

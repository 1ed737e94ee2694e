/*
service.go - Claim lifecycle orchestration

PURPOSE:
  The single entry point for everything that reads entitlements or moves
  a claim. It is the ONLY code that opens ledger transactions, so no
  caller can change a ledger outside the guarded path.

CLAIM FLOW:
  ┌──────────────────────────────────────────────────────────────────────┐
  │                                                                      │
  │  Submit ──▶ Validate (advisory, read-only) ──▶ Create claim          │
  │                                                                      │
  │  StartReview / ApproveFrontLine / Reject / Complete                  │
  │     └──▶ tx { load claim, state machine, save claim + event }        │
  │                                                                      │
  │  ApproveFinal                                                        │
  │     └──▶ tx { load claim, load ledger row, RE-VALIDATE,              │
  │               check amount <= fresh ceiling,                         │
  │               save claim + event, increment ledger }                 │
  │          on ErrConflict: back off, retry from scratch (bounded)      │
  │                                                                      │
  └──────────────────────────────────────────────────────────────────────┘

CONCURRENCY:
  Reads (Check, CheckAll, Submit's validation) take no locks. Final
  approvals for the same (member, sub-type, fiscal year) are serialized by
  the store's version checks; approvals for different keys never contend.

EVENTS:
  After a transaction commits, one TransitionEvent per appended
  ApprovalEvent is handed to the EventSink. Publish failures are logged.

SEE ALSO:
  - validator.go: the decision re-run at final approval
  - statemachine.go: legal transitions
  - store.go: transaction contract
*/
package benefit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxAttempts    = 5
	DefaultRetryBaseDelay = 5 * time.Millisecond
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Store     TxStore
	Validator ClaimValidator
	Machine   StateMachine
	Writer    LedgerWriter
	Fiscal    FiscalYearCalculator
	Clock     Clock
	Events    EventSink
	Logger    *zap.Logger

	// MaxAttempts bounds the read-validate-write retries of one operation.
	MaxAttempts    int
	RetryBaseDelay time.Duration

	// NewID generates claim and event identifiers.
	NewID func(prefix string) string
}

type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.Clock = c } }

func WithEvents(sink EventSink) Option { return func(s *Service) { s.Events = sink } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.Logger = l } }

func WithAuthorizer(a Authorizer) Option { return func(s *Service) { s.Machine.Authorizer = a } }

func WithIDGenerator(f func(prefix string) string) Option { return func(s *Service) { s.NewID = f } }

// WithRetry sets the retry budget for conflicting transactions.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(s *Service) {
		s.MaxAttempts = maxAttempts
		s.RetryBaseDelay = baseDelay
	}
}

func NewService(store TxStore, fiscal FiscalYearCalculator, opts ...Option) *Service {
	s := &Service{
		Store:          store,
		Fiscal:         fiscal,
		Clock:          RealClock{},
		Events:         NopSink{},
		Logger:         zap.NewNop(),
		Machine:        StateMachine{Authorizer: AllowAll{}},
		MaxAttempts:    DefaultMaxAttempts,
		RetryBaseDelay: DefaultRetryBaseDelay,
		NewID:          func(prefix string) string { return prefix + "-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 1
	}
	if s.Fiscal == nil {
		s.Fiscal = CalendarYear()
	}
	return s
}

// =============================================================================
// ENTITLEMENT QUERIES (read-only)
// =============================================================================

// Check validates a prospective claim without recording anything.
func (s *Service) Check(ctx context.Context, memberID MemberID, subTypeID SubTypeID, in AmountInput) (Decision, error) {
	key := LedgerKey{MemberID: memberID, SubTypeID: subTypeID, FiscalYear: s.Fiscal.FiscalYearOf(s.Clock.Now())}
	return s.decide(ctx, s.Store, key, in)
}

func (s *Service) decide(ctx context.Context, r Reader, key LedgerKey, in AmountInput) (Decision, error) {
	st, err := r.GetSubType(ctx, key.SubTypeID)
	if err != nil {
		return Decision{}, err
	}
	entry, err := r.GetLedger(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load ledger %s: %w", key, err)
	}
	return s.Validator.Validate(st, in, entry)
}

// Entitlement is the remaining capacity of one sub-type for a member.
type Entitlement struct {
	SubType    SubType
	FiscalYear FiscalYear
	Ledger     LedgerEntry
	Remaining  Remaining
	Reasons    []Reason
	Eligible   bool
}

// CheckAll resolves the member's headroom on every active sub-type.
// Sub-types are resolved concurrently; the result keeps catalog order.
func (s *Service) CheckAll(ctx context.Context, memberID MemberID) ([]Entitlement, error) {
	subTypes, err := s.Store.ListSubTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sub-types: %w", err)
	}
	fy := s.Fiscal.FiscalYearOf(s.Clock.Now())

	var active []SubType
	for _, st := range subTypes {
		if st.Active {
			active = append(active, st)
		}
	}

	out := make([]Entitlement, len(active))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, st := range active {
		g.Go(func() error {
			key := LedgerKey{MemberID: memberID, SubTypeID: st.ID, FiscalYear: fy}
			entry, err := s.Store.GetLedger(gctx, key)
			if err != nil {
				return fmt.Errorf("failed to load ledger %s: %w", key, err)
			}
			d, err := s.Validator.Validate(&st, smallestClaim(&st), entry)
			if err != nil {
				return fmt.Errorf("failed to check %s: %w", key, err)
			}
			out[i] = Entitlement{
				SubType:    st,
				FiscalYear: fy,
				Ledger:     entry,
				Remaining:  d.Remaining,
				Reasons:    d.Reasons,
				Eligible:   d.IsValid,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// smallestClaim is the least a member could file: one unit for per-unit
// sub-types, the base amount otherwise.
func smallestClaim(st *SubType) AmountInput {
	if st.Method == AccrualPerUnit {
		return AmountInput{Quantity: CountPtr(1)}
	}
	return AmountInput{}
}

// =============================================================================
// SUBMISSION
// =============================================================================

type SubmitRequest struct {
	MemberID       MemberID
	SubTypeID      SubTypeID
	Quantity       *int
	DeclaredAmount *decimal.Decimal
	Description    string
	Actor          Actor
}

// Submit validates and records a new claim in the pending state. When the
// member is not eligible, no claim is created; the returned Decision holds
// every blocking reason and the error is a *QuotaExceededError.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Claim, Decision, error) {
	if req.MemberID == "" {
		return nil, Decision{}, &InvalidInputError{Field: "member_id", Message: "required"}
	}
	if err := s.Machine.authorizer().Authorize(req.Actor, ActionSubmit, CapSubmit); err != nil {
		return nil, Decision{}, err
	}

	now := s.Clock.Now()
	key := LedgerKey{MemberID: req.MemberID, SubTypeID: req.SubTypeID, FiscalYear: s.Fiscal.FiscalYearOf(now)}
	in := AmountInput{Quantity: req.Quantity, DeclaredAmount: req.DeclaredAmount}

	d, err := s.decide(ctx, s.Store, key, in)
	if err != nil {
		return nil, Decision{}, err
	}
	if !d.IsValid {
		s.Logger.Info("claim submission blocked",
			zap.String("member_id", string(req.MemberID)),
			zap.String("sub_type_id", string(req.SubTypeID)),
			zap.Int("reasons", len(d.Reasons)))
		return nil, d, d.Err()
	}

	c := &Claim{
		ID:              ClaimID(s.NewID("clm")),
		MemberID:        req.MemberID,
		SubTypeID:       req.SubTypeID,
		FiscalYear:      key.FiscalYear,
		Quantity:        req.Quantity,
		DeclaredAmount:  req.DeclaredAmount,
		Description:     req.Description,
		RequestedAmount: d.ComputedAmount,
		State:           StatePending,
		SubmittedAt:     now,
		UpdatedAt:       now,
	}
	submitted := ApprovalEvent{
		ID:      s.NewID("evt"),
		Seq:     1,
		Action:  ActionSubmit,
		To:      StatePending,
		ActorID: req.Actor.ID,
		Role:    req.Actor.Role,
		Comment: req.Description,
		At:      now,
	}
	c.Events = []ApprovalEvent{submitted}

	if err := s.Store.WithTx(ctx, func(tx Tx) error {
		return tx.CreateClaim(ctx, c)
	}); err != nil {
		return nil, d, fmt.Errorf("failed to create claim: %w", err)
	}

	s.Logger.Info("claim submitted",
		zap.String("claim_id", string(c.ID)),
		zap.String("member_id", string(c.MemberID)),
		zap.String("sub_type_id", string(c.SubTypeID)),
		zap.Stringer("fiscal_year", c.FiscalYear),
		zap.Stringer("requested", c.RequestedAmount),
		zap.Bool("clamped", d.Clamped))
	s.publish(ctx, c, submitted)
	return c, d, nil
}

// =============================================================================
// NON-LEDGER TRANSITIONS
// =============================================================================

// StartReview moves a pending claim into review.
func (s *Service) StartReview(ctx context.Context, id ClaimID, actor Actor, comment string) (*Claim, error) {
	return s.transition(ctx, id, Command{Action: ActionStartReview, Actor: actor, Comment: comment})
}

// ApproveFrontLine records the front-line reviewer's approval.
func (s *Service) ApproveFrontLine(ctx context.Context, id ClaimID, actor Actor, comment string) (*Claim, error) {
	return s.transition(ctx, id, Command{Action: ActionFrontLineApprove, Actor: actor, Comment: comment})
}

// Reject closes a claim that has not been finally approved. reason is required.
func (s *Service) Reject(ctx context.Context, id ClaimID, actor Actor, reason string) (*Claim, error) {
	return s.transition(ctx, id, Command{Action: ActionReject, Actor: actor, Comment: reason})
}

// Complete confirms disbursement. Confirming twice is a no-op.
func (s *Service) Complete(ctx context.Context, id ClaimID, actor Actor, comment string) (*Claim, error) {
	return s.transition(ctx, id, Command{Action: ActionComplete, Actor: actor, Comment: comment})
}

func (s *Service) transition(ctx context.Context, id ClaimID, cmd Command) (*Claim, error) {
	if cmd.Action.MutatesLedger() {
		return nil, fmt.Errorf("%s must go through ApproveFinal", cmd.Action)
	}

	var (
		result *Claim
		event  *ApprovalEvent
	)
	err := s.retry(ctx, "claim "+string(id), func() error {
		result, event = nil, nil
		return s.Store.WithTx(ctx, func(tx Tx) error {
			c, err := tx.GetClaim(ctx, id)
			if err != nil {
				return err
			}
			cmd.At = s.Clock.Now()
			cmd.EventID = s.NewID("evt")
			next, ev, err := s.Machine.Apply(c, cmd)
			if err != nil {
				return err
			}
			if ev == nil {
				result = c
				return nil
			}
			if err := tx.UpdateClaim(ctx, next); err != nil {
				return err
			}
			result, event = next, ev
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if event != nil {
		s.Logger.Info("claim transition",
			zap.String("claim_id", string(id)),
			zap.String("action", string(event.Action)),
			zap.String("from", string(event.From)),
			zap.String("to", string(event.To)),
			zap.String("actor", event.ActorID))
		s.publish(ctx, result, *event)
	}
	return result, nil
}

// =============================================================================
// FINAL APPROVAL - the only ledger writer
// =============================================================================

type FinalApproval struct {
	ClaimID ClaimID
	Actor   Actor

	// Amount is the approver's chosen amount. Nil approves the full
	// ceiling recomputed at this instant.
	Amount  *decimal.Decimal
	Comment string
}

// ApproveFinal re-validates the claim against a freshly read ledger row,
// moves it to final_approved and increments the ledger in one transaction.
// Conflicting writers are retried from scratch; once the budget is spent
// the error is ErrExceedsRemainingQuota if the amount no longer fits,
// otherwise ErrConflict.
func (s *Service) ApproveFinal(ctx context.Context, req FinalApproval) (*Claim, LedgerEntry, error) {
	if req.Amount != nil && !req.Amount.IsPositive() {
		return nil, LedgerEntry{}, &InvalidInputError{Field: "amount", Message: "approved amount must be positive"}
	}
	if err := s.Machine.authorizer().Authorize(req.Actor, ActionFinalApprove, CapFinalApprove); err != nil {
		return nil, LedgerEntry{}, err
	}

	var (
		result *Claim
		entry  LedgerEntry
		event  *ApprovalEvent
	)
	err := s.retry(ctx, "final approval of claim "+string(req.ClaimID), func() error {
		result, event = nil, nil
		return s.Store.WithTx(ctx, func(tx Tx) error {
			c, err := tx.GetClaim(ctx, req.ClaimID)
			if err != nil {
				return err
			}
			if c.State != StateFrontLineApproved {
				return &InvalidTransitionError{ClaimID: c.ID, From: c.State, Action: ActionFinalApprove}
			}

			snapshot, err := tx.GetLedger(ctx, c.LedgerKey())
			if err != nil {
				return fmt.Errorf("failed to load ledger %s: %w", c.LedgerKey(), err)
			}
			st, err := tx.GetSubType(ctx, c.SubTypeID)
			if err != nil {
				return err
			}
			d, err := s.Validator.Validate(st, c.AmountInput(), snapshot)
			if err != nil {
				return err
			}

			ceiling := decimal.Zero
			if d.IsValid {
				ceiling = minDecimal(d.ApprovableAmount, &c.RequestedAmount)
			}
			amount := ceiling
			if req.Amount != nil {
				amount = *req.Amount
			}
			if !d.IsValid {
				requested := c.RequestedAmount
				if req.Amount != nil {
					requested = *req.Amount
				}
				return &ExceedsRemainingQuotaError{ClaimID: c.ID, Requested: requested, Ceiling: ceiling, Reasons: d.Reasons}
			}
			if amount.GreaterThan(ceiling) {
				return &ExceedsRemainingQuotaError{ClaimID: c.ID, Requested: amount, Ceiling: ceiling}
			}

			next, ev, err := s.Machine.Apply(c, Command{
				Action:  ActionFinalApprove,
				Actor:   req.Actor,
				Comment: req.Comment,
				Amount:  &amount,
				At:      s.Clock.Now(),
				EventID: s.NewID("evt"),
			})
			if err != nil {
				return err
			}
			if err := tx.UpdateClaim(ctx, next); err != nil {
				return err
			}
			updated, err := s.Writer.Increment(ctx, tx, snapshot, LedgerDelta{Amount: amount, Claims: 1})
			if err != nil {
				return err
			}
			result, entry, event = next, updated, ev
			return nil
		})
	})
	if err != nil {
		return nil, LedgerEntry{}, err
	}

	s.Logger.Info("claim final approved",
		zap.String("claim_id", string(result.ID)),
		zap.String("ledger", entry.Key.String()),
		zap.Stringer("amount", *result.ApprovedAmount),
		zap.Stringer("used_year", entry.UsedAmountYear),
		zap.Int64("ledger_version", entry.Version),
		zap.String("actor", req.Actor.ID))
	s.publish(ctx, result, *event)
	return result, entry, nil
}

// retry runs fn until it succeeds, fails with a non-retryable error, or
// the attempt budget is spent.
func (s *Service) retry(ctx context.Context, resource string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt >= s.MaxAttempts {
			s.Logger.Warn("giving up after conflicts",
				zap.String("resource", resource),
				zap.Int("attempts", attempt))
			return fmt.Errorf("%w: %w", &ConflictError{Resource: resource, Attempts: attempt}, err)
		}
		s.Logger.Debug("conflict, retrying",
			zap.String("resource", resource),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if err := sleepCtx(ctx, backoffDelay(s.RetryBaseDelay, attempt-1)); err != nil {
			return err
		}
	}
}

func (s *Service) publish(ctx context.Context, c *Claim, ev ApprovalEvent) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, NewTransitionEvent(c, ev)); err != nil {
		s.Logger.Warn("failed to publish transition event",
			zap.String("claim_id", string(c.ID)),
			zap.String("action", string(ev.Action)),
			zap.Error(err))
	}
}

// =============================================================================
// QUERIES / CONFIGURATION
// =============================================================================

func (s *Service) GetClaim(ctx context.Context, id ClaimID) (*Claim, error) {
	return s.Store.GetClaim(ctx, id)
}

func (s *Service) ClaimsByMember(ctx context.Context, memberID MemberID) ([]Claim, error) {
	return s.Store.ListClaimsByMember(ctx, memberID)
}

func (s *Service) ClaimsByState(ctx context.Context, state ClaimState) ([]Claim, error) {
	if !state.Valid() {
		return nil, &InvalidInputError{Field: "state", Message: fmt.Sprintf("unknown state %q", state)}
	}
	return s.Store.ListClaimsByState(ctx, state)
}

func (s *Service) Ledger(ctx context.Context, memberID MemberID) ([]LedgerEntry, error) {
	return s.Store.ListLedger(ctx, memberID)
}

func (s *Service) SubTypes(ctx context.Context) ([]SubType, error) {
	return s.Store.ListSubTypes(ctx)
}

func (s *Service) SubType(ctx context.Context, id SubTypeID) (*SubType, error) {
	return s.Store.GetSubType(ctx, id)
}

// PutSubType validates and stores a sub-type configuration.
func (s *Service) PutSubType(ctx context.Context, st SubType) error {
	st.ID = SubTypeID(strings.TrimSpace(string(st.ID)))
	if err := st.Validate(); err != nil {
		return err
	}
	return s.Store.PutSubType(ctx, st)
}

// SetSubTypeActive enables or disables a sub-type. Existing claims are
// unaffected until their final approval re-validates.
func (s *Service) SetSubTypeActive(ctx context.Context, id SubTypeID, active bool) (*SubType, error) {
	st, err := s.Store.GetSubType(ctx, id)
	if err != nil {
		return nil, err
	}
	st.Active = active
	if err := s.Store.PutSubType(ctx, *st); err != nil {
		return nil, err
	}
	return st, nil
}

func (sm StateMachine) authorizer() Authorizer {
	if sm.Authorizer == nil {
		return AllowAll{}
	}
	return sm.Authorizer
}

/*
statemachine.go - Claim approval lifecycle

STATES:
  ┌─────────┐ start_review ┌───────────┐
  │ pending │─────────────▶│ in_review │
  └─────────┘              └───────────┘
       │ frontline_approve       │ frontline_approve
       └──────────┬──────────────┘
                  ▼
      ┌────────────────────┐ final_approve ┌────────────────┐ complete ┌───────────┐
      │ frontline_approved │──────────────▶│ final_approved │─────────▶│ completed │
      └────────────────────┘   (LEDGER)    └────────────────┘          └───────────┘

  reject: pending | in_review | frontline_approved → rejected (reason required)

LEDGER EFFECT:
  Only final_approve mutates the quota ledger. Every other action is a pure
  state change plus an appended ApprovalEvent.

AUTHORIZATION:
  Each action declares the Capability it needs. Roles map to a closed set
  of capabilities; an injected Authorizer decides. The engine records the
  actor it is given and leaves authentication to the caller.
*/
package benefit

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ACTIONS / ROLES / CAPABILITIES
// =============================================================================

type Action string

const (
	ActionStartReview      Action = "start_review"
	ActionFrontLineApprove Action = "frontline_approve"
	ActionFinalApprove     Action = "final_approve"
	ActionReject           Action = "reject"
	ActionComplete         Action = "complete"

	// ActionSubmit is recorded as the first event of every claim.
	ActionSubmit Action = "submit"
)

type Role string

const (
	RoleMember            Role = "member"
	RoleFrontLineReviewer Role = "frontline_reviewer"
	RoleFinalApprover     Role = "final_approver"
	RoleDisburser         Role = "disburser"
)

func (r Role) Valid() bool {
	_, ok := roleCapabilities[r]
	return ok
}

type Capability string

const (
	CapSubmit       Capability = "submit"
	CapReview       Capability = "review"
	CapFinalApprove Capability = "final_approve"
	CapReject       Capability = "reject"
	CapDisburse     Capability = "disburse"
)

var roleCapabilities = map[Role][]Capability{
	RoleMember:            {CapSubmit},
	RoleFrontLineReviewer: {CapReview, CapReject},
	RoleFinalApprover:     {CapReview, CapFinalApprove, CapReject},
	RoleDisburser:         {CapDisburse},
}

// Can reports whether the role carries the capability.
func (r Role) Can(c Capability) bool {
	for _, have := range roleCapabilities[r] {
		if have == c {
			return true
		}
	}
	return false
}

// Actor is whoever performs an action, as supplied by the identity layer.
type Actor struct {
	ID   string
	Role Role
}

// Authorizer is the predicate consulted before every transition.
type Authorizer interface {
	Authorize(actor Actor, action Action, needs Capability) error
}

// AllowAll accepts every actor. Used when authorization happens upstream.
type AllowAll struct{}

func (AllowAll) Authorize(Actor, Action, Capability) error { return nil }

// RoleAuthorizer checks the actor's role against the capability table.
type RoleAuthorizer struct{}

func (RoleAuthorizer) Authorize(actor Actor, action Action, needs Capability) error {
	if actor.Role.Can(needs) {
		return nil
	}
	return fmt.Errorf("%w: %s (%s) cannot %s", ErrUnauthorized, actor.ID, actor.Role, action)
}

// =============================================================================
// TRANSITION TABLE
// =============================================================================

type transition struct {
	from  []ClaimState
	to    ClaimState
	needs Capability
}

var transitions = map[Action]transition{
	ActionStartReview: {
		from:  []ClaimState{StatePending},
		to:    StateInReview,
		needs: CapReview,
	},
	ActionFrontLineApprove: {
		from:  []ClaimState{StatePending, StateInReview},
		to:    StateFrontLineApproved,
		needs: CapReview,
	},
	ActionFinalApprove: {
		from:  []ClaimState{StateFrontLineApproved},
		to:    StateFinalApproved,
		needs: CapFinalApprove,
	},
	ActionReject: {
		from:  []ClaimState{StatePending, StateInReview, StateFrontLineApproved},
		to:    StateRejected,
		needs: CapReject,
	},
	ActionComplete: {
		from:  []ClaimState{StateFinalApproved},
		to:    StateCompleted,
		needs: CapDisburse,
	},
}

// MutatesLedger reports whether an action writes the quota ledger.
func (a Action) MutatesLedger() bool {
	return a == ActionFinalApprove
}

// AllowedActions lists the actions that are legal from s.
func AllowedActions(s ClaimState) []Action {
	var out []Action
	for _, a := range []Action{ActionStartReview, ActionFrontLineApprove, ActionFinalApprove, ActionReject, ActionComplete} {
		if transitions[a].allows(s) {
			out = append(out, a)
		}
	}
	return out
}

func (t transition) allows(s ClaimState) bool {
	for _, f := range t.from {
		if f == s {
			return true
		}
	}
	return false
}

// =============================================================================
// STATE MACHINE
// =============================================================================

// Command is one requested transition.
type Command struct {
	Action  Action
	Actor   Actor
	Comment string
	Amount  *decimal.Decimal // final_approve only
	At      time.Time
	EventID string
}

type StateMachine struct {
	Authorizer Authorizer
}

// Apply returns a copy of c moved by cmd, and the event it appended.
// c itself is never modified. A repeated complete on a completed claim
// is a no-op that returns (c, nil, nil).
func (sm StateMachine) Apply(c *Claim, cmd Command) (*Claim, *ApprovalEvent, error) {
	t, ok := transitions[cmd.Action]
	if !ok {
		return nil, nil, &InvalidInputError{Field: "action", Message: fmt.Sprintf("unknown action %q", cmd.Action)}
	}

	if cmd.Action == ActionComplete && c.State == StateCompleted {
		return c, nil, nil
	}
	if !t.allows(c.State) {
		return nil, nil, &InvalidTransitionError{ClaimID: c.ID, From: c.State, Action: cmd.Action}
	}

	auth := sm.Authorizer
	if auth == nil {
		auth = AllowAll{}
	}
	if err := auth.Authorize(cmd.Actor, cmd.Action, t.needs); err != nil {
		return nil, nil, err
	}

	switch cmd.Action {
	case ActionReject:
		if strings.TrimSpace(cmd.Comment) == "" {
			return nil, nil, &InvalidInputError{Field: "reason", Message: "a rejection reason is required"}
		}
	case ActionFinalApprove:
		if cmd.Amount == nil || !cmd.Amount.IsPositive() {
			return nil, nil, &InvalidInputError{Field: "amount", Message: "approved amount must be positive"}
		}
	}

	next := c.Clone()
	ev := ApprovalEvent{
		ID:      cmd.EventID,
		Seq:     len(c.Events) + 1,
		Action:  cmd.Action,
		From:    c.State,
		To:      t.to,
		ActorID: cmd.Actor.ID,
		Role:    cmd.Actor.Role,
		Comment: cmd.Comment,
		At:      cmd.At,
	}
	if cmd.Action == ActionFinalApprove {
		amt := *cmd.Amount
		ev.Amount = &amt
		next.ApprovedAmount = &amt
	}

	next.State = t.to
	next.UpdatedAt = cmd.At
	next.Events = append(next.Events, ev)
	return next, &ev, nil
}

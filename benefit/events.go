package benefit

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TransitionEvent is emitted after a claim transition commits.
// Subscribers log or notify on it; delivery is fire-and-forget.
type TransitionEvent struct {
	ClaimID    ClaimID
	MemberID   MemberID
	SubTypeID  SubTypeID
	FiscalYear FiscalYear
	Action     Action
	From       ClaimState
	To         ClaimState
	ActorID    string
	Role       Role
	Amount     *decimal.Decimal
	Comment    string
	At         time.Time
}

// NewTransitionEvent builds the outbound event for an appended ApprovalEvent.
func NewTransitionEvent(c *Claim, ev ApprovalEvent) TransitionEvent {
	return TransitionEvent{
		ClaimID:    c.ID,
		MemberID:   c.MemberID,
		SubTypeID:  c.SubTypeID,
		FiscalYear: c.FiscalYear,
		Action:     ev.Action,
		From:       ev.From,
		To:         ev.To,
		ActorID:    ev.ActorID,
		Role:       ev.Role,
		Amount:     ev.Amount,
		Comment:    ev.Comment,
		At:         ev.At,
	}
}

// EventSink receives transition events. Errors are logged by the caller
// and never fail the transition that produced the event.
type EventSink interface {
	Publish(ctx context.Context, ev TransitionEvent) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(context.Context, TransitionEvent) error { return nil }

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev TransitionEvent) error

func (f SinkFunc) Publish(ctx context.Context, ev TransitionEvent) error { return f(ctx, ev) }

/*
Package notify delivers claim transition events to the outside world.

PURPOSE:
  The engine hands every committed transition to a benefit.EventSink.
  This package provides the sinks a deployment wires together:

    RedisPublisher  XADD to a Redis stream (consumed by the mail/LINE/
                    audit workers, which are out of scope here)
    LogSink         structured zap log line per event
    Fanout          publish to several sinks
    Async           bounded queue in front of a slow sink

  Delivery is fire-and-forget: a failed publish never rolls back the
  transition that produced it.

SEE ALSO:
  - benefit/events.go: TransitionEvent, EventSink
*/
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/welfare-engine/benefit"
)

// ErrQueueFull is returned by Async.Publish when the queue is saturated.
var ErrQueueFull = errors.New("notification queue full")

// ErrClosed is returned by Async.Publish after Close.
var ErrClosed = errors.New("notifier closed")

// =============================================================================
// WIRE FORMAT
// =============================================================================

// Message is the JSON payload written for each transition.
type Message struct {
	ClaimID    string           `json:"claim_id"`
	MemberID   string           `json:"member_id"`
	SubTypeID  string           `json:"sub_type_id"`
	FiscalYear int              `json:"fiscal_year"`
	Action     string           `json:"action"`
	From       string           `json:"from,omitempty"`
	To         string           `json:"to"`
	ActorID    string           `json:"actor_id,omitempty"`
	Role       string           `json:"role,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	Comment    string           `json:"comment,omitempty"`
	At         time.Time        `json:"at"`
}

func NewMessage(ev benefit.TransitionEvent) Message {
	return Message{
		ClaimID:    string(ev.ClaimID),
		MemberID:   string(ev.MemberID),
		SubTypeID:  string(ev.SubTypeID),
		FiscalYear: int(ev.FiscalYear),
		Action:     string(ev.Action),
		From:       string(ev.From),
		To:         string(ev.To),
		ActorID:    ev.ActorID,
		Role:       string(ev.Role),
		Amount:     ev.Amount,
		Comment:    ev.Comment,
		At:         ev.At,
	}
}

// =============================================================================
// REDIS STREAM
// =============================================================================

const DefaultStream = "welfare:claim-events"

// RedisPublisher appends events to a Redis stream.
type RedisPublisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisPublisher publishes to stream, trimming it to roughly maxLen
// entries (0 keeps everything).
func NewRedisPublisher(client redis.UniversalClient, stream string, maxLen int64) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, ev benefit.TransitionEvent) error {
	payload, err := json.Marshal(NewMessage(ev))
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"claim_id": string(ev.ClaimID),
			"action":   string(ev.Action),
			"payload":  string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.stream, err)
	}
	return nil
}

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes one info line per event.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Publish(_ context.Context, ev benefit.TransitionEvent) error {
	fields := []zap.Field{
		zap.String("claim_id", string(ev.ClaimID)),
		zap.String("member_id", string(ev.MemberID)),
		zap.String("sub_type_id", string(ev.SubTypeID)),
		zap.String("action", string(ev.Action)),
		zap.String("from", string(ev.From)),
		zap.String("to", string(ev.To)),
		zap.String("actor", ev.ActorID),
	}
	if ev.Amount != nil {
		fields = append(fields, zap.Stringer("amount", *ev.Amount))
	}
	s.Logger.Info("claim event", fields...)
	return nil
}

// =============================================================================
// FANOUT
// =============================================================================

// Fanout publishes to every sink and joins their errors.
type Fanout []benefit.EventSink

func (f Fanout) Publish(ctx context.Context, ev benefit.TransitionEvent) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// ASYNC
// =============================================================================

// Async decouples callers from a slow sink with a bounded queue drained by
// one worker. Publish never blocks; when the queue is full the event is
// dropped and ErrQueueFull returned.
type Async struct {
	next    benefit.EventSink
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	queue  chan benefit.TransitionEvent
	closed bool
	done   chan struct{}
}

// NewAsync starts the worker. timeout bounds each delivery to next.
func NewAsync(next benefit.EventSink, size int, timeout time.Duration, logger *zap.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		next:    next,
		logger:  logger,
		timeout: timeout,
		queue:   make(chan benefit.TransitionEvent, size),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Publish(_ context.Context, ev benefit.TransitionEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx := context.Background()
		var cancel context.CancelFunc = func() {}
		if a.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, a.timeout)
		}
		if err := a.next.Publish(ctx, ev); err != nil {
			a.logger.Warn("event delivery failed",
				zap.String("claim_id", string(ev.ClaimID)),
				zap.String("action", string(ev.Action)),
				zap.Error(err))
		}
		cancel()
	}
}

// Close stops accepting events and waits until the queue is drained or
// ctx is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

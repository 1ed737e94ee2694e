package benefit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/warp/welfare-engine/benefit"
	"github.com/warp/welfare-engine/benefit/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type stepClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = t
}

var (
	member   = benefit.Actor{ID: "m-1", Role: benefit.RoleMember}
	reviewer = benefit.Actor{ID: "r-1", Role: benefit.RoleFrontLineReviewer}
	approver = benefit.Actor{ID: "a-1", Role: benefit.RoleFinalApprover}
	payer    = benefit.Actor{ID: "p-1", Role: benefit.RoleDisburser}
)

func newTestService(t *testing.T, subTypes ...benefit.SubType) (*benefit.Service, *store.Memory, *stepClock) {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	for _, st := range subTypes {
		require.NoError(t, mem.PutSubType(ctx, st))
	}
	clock := &stepClock{at: time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)}
	svc := benefit.NewService(mem, benefit.CalendarYear(),
		benefit.WithClock(clock),
		benefit.WithAuthorizer(benefit.RoleAuthorizer{}),
		benefit.WithRetry(10, time.Millisecond),
	)
	return svc, mem, clock
}

func perIncident(id benefit.SubTypeID, amount int64, limits benefit.Limits) benefit.SubType {
	return benefit.SubType{
		ID:         id,
		CategoryID: "general",
		Name:       string(id),
		Method:     benefit.AccrualPerIncident,
		BaseAmount: benefit.Money(amount),
		Limits:     limits,
		Active:     true,
	}
}

func submit(t *testing.T, svc *benefit.Service, memberID benefit.MemberID, subTypeID benefit.SubTypeID, qty *int) *benefit.Claim {
	t.Helper()
	c, d, err := svc.Submit(context.Background(), benefit.SubmitRequest{
		MemberID:  memberID,
		SubTypeID: subTypeID,
		Quantity:  qty,
		Actor:     benefit.Actor{ID: string(memberID), Role: benefit.RoleMember},
	})
	require.NoError(t, err)
	require.True(t, d.IsValid)
	return c
}

// approve drives a claim through both approvals, letting the approver take
// the full recomputed ceiling.
func approve(t *testing.T, svc *benefit.Service, c *benefit.Claim) (*benefit.Claim, benefit.LedgerEntry) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.ApproveFrontLine(ctx, c.ID, reviewer, "documents ok")
	require.NoError(t, err)
	final, entry, err := svc.ApproveFinal(ctx, benefit.FinalApproval{ClaimID: c.ID, Actor: approver})
	require.NoError(t, err)
	return final, entry
}

// =============================================================================
// PER-REQUEST CAP
// =============================================================================

func TestService_PerRequestCapClamp(t *testing.T) {
	// GIVEN: Inpatient at 500/night, max 5000 per request
	// WHEN: A member claims 20 nights and it is approved in full
	// THEN: The request and the ledger both show 5000, not 10000

	st := benefit.SubType{
		ID: "inpatient", Method: benefit.AccrualPerUnit, BaseAmount: benefit.Money(500), UnitLabel: "night",
		Limits: benefit.Limits{MaxPerRequest: benefit.MoneyPtr(5000)}, Active: true,
	}
	svc, _, _ := newTestService(t, st)

	c := submit(t, svc, "m-1", "inpatient", benefit.CountPtr(20))
	assert.True(t, c.RequestedAmount.Equal(benefit.Money(5000)), "got %s", c.RequestedAmount)

	final, entry := approve(t, svc, c)
	assert.Equal(t, benefit.StateFinalApproved, final.State)
	assert.True(t, final.ApprovedAmount.Equal(benefit.Money(5000)))
	assert.True(t, entry.UsedAmountYear.Equal(benefit.Money(5000)))
	assert.Equal(t, 1, entry.UsedClaimsYear)
}

// =============================================================================
// YEARLY CAP
// =============================================================================

func TestService_YearlyCapExhaustion(t *testing.T) {
	// GIVEN: 5000 per incident, 10000 per fiscal year, lifetime 100000
	// WHEN: Two claims are approved and a third is attempted in the same year
	// THEN: The third is blocked on the yearly amount axis, no claim is created
	//       and the following fiscal year starts fresh

	st := perIncident("dental", 5000, benefit.Limits{
		MaxAmountPerYear:  benefit.MoneyPtr(10000),
		MaxLifetimeAmount: benefit.MoneyPtr(100000),
	})
	svc, _, clock := newTestService(t, st)
	ctx := context.Background()

	approve(t, svc, submit(t, svc, "m-1", "dental", nil))
	approve(t, svc, submit(t, svc, "m-1", "dental", nil))

	c, d, err := svc.Submit(ctx, benefit.SubmitRequest{MemberID: "m-1", SubTypeID: "dental", Actor: member})
	assert.Nil(t, c)
	assert.ErrorIs(t, err, benefit.ErrQuotaExceeded)
	assert.False(t, d.IsValid)
	require.Len(t, d.Reasons, 1)
	assert.Equal(t, benefit.AxisYearlyAmount, d.Reasons[0].Axis)
	require.NotNil(t, d.Remaining.LifetimeAmount)
	assert.True(t, d.Remaining.LifetimeAmount.Equal(benefit.Money(90000)))

	claims, err := svc.ClaimsByMember(ctx, "m-1")
	require.NoError(t, err)
	assert.Len(t, claims, 2, "blocked submission must not create a claim")

	clock.Set(time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC))
	next := submit(t, svc, "m-1", "dental", nil)
	assert.Equal(t, benefit.FiscalYear(2026), next.FiscalYear)
}

// =============================================================================
// LIFETIME CAPS
// =============================================================================

func TestService_LifetimeSingleClaim(t *testing.T) {
	// GIVEN: Marriage benefit, 2000 one-time
	// WHEN: The member claims again in a later fiscal year
	// THEN: Blocked on the lifetime claim axis

	st := perIncident("marriage", 2000, benefit.Limits{MaxLifetimeClaims: benefit.CountPtr(1)})
	svc, _, clock := newTestService(t, st)
	ctx := context.Background()

	approve(t, svc, submit(t, svc, "m-1", "marriage", nil))

	for _, year := range []int{2025, 2026, 2031} {
		clock.Set(time.Date(year, time.June, 1, 0, 0, 0, 0, time.UTC))
		d, err := svc.Check(ctx, "m-1", "marriage", benefit.AmountInput{})
		require.NoError(t, err)
		assert.False(t, d.IsValid, "year %d", year)
		require.Len(t, d.Reasons, 1)
		assert.Equal(t, benefit.AxisLifetimeClaims, d.Reasons[0].Axis)
	}

	// Other members are unaffected
	d, err := svc.Check(ctx, "m-2", "marriage", benefit.AmountInput{})
	require.NoError(t, err)
	assert.True(t, d.IsValid)
}

func TestService_LifetimeAmountAcrossYears(t *testing.T) {
	// GIVEN: 2000 per incident, lifetime cap 20000, no yearly cap
	// WHEN: Ten claims are approved across five fiscal years
	// THEN: The eleventh is blocked with remaining lifetime amount 0

	st := perIncident("disaster", 2000, benefit.Limits{MaxLifetimeAmount: benefit.MoneyPtr(20000)})
	svc, _, clock := newTestService(t, st)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		clock.Set(time.Date(2021+i/2, time.May, 1+i, 0, 0, 0, 0, time.UTC))
		approve(t, svc, submit(t, svc, "m-1", "disaster", nil))
	}

	clock.Set(time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC))
	d, err := svc.Check(ctx, "m-1", "disaster", benefit.AmountInput{})
	require.NoError(t, err)
	assert.False(t, d.IsValid)
	require.NotNil(t, d.Remaining.LifetimeAmount)
	assert.True(t, d.Remaining.LifetimeAmount.IsZero())
	assert.Equal(t, benefit.AxisLifetimeAmount, d.Reasons[0].Axis)

	entries, err := svc.Ledger(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for _, e := range entries {
		assert.True(t, e.UsedAmountYear.Equal(benefit.Money(4000)))
		assert.True(t, e.UsedAmountLifetime.Equal(benefit.Money(20000)))
		assert.Equal(t, 10, e.UsedClaimsLifetime)
	}
}

// =============================================================================
// FINAL APPROVAL
// =============================================================================

func TestService_ApproveFinal_AmountAboveFreshCeiling(t *testing.T) {
	// GIVEN: Yearly cap 10000; a 6000 claim is front-line approved, then another
	//        6000 claim is fully approved first
	// WHEN: The approver asks for 6000 on the older claim
	// THEN: ExceedsRemainingQuota with ceiling 4000; state and ledger untouched

	st := perIncident("tuition", 6000, benefit.Limits{MaxAmountPerYear: benefit.MoneyPtr(10000)})
	svc, _, _ := newTestService(t, st)
	ctx := context.Background()

	older := submit(t, svc, "m-1", "tuition", nil)
	newer := submit(t, svc, "m-1", "tuition", nil)
	_, err := svc.ApproveFrontLine(ctx, older.ID, reviewer, "")
	require.NoError(t, err)
	approve(t, svc, newer)

	_, _, err = svc.ApproveFinal(ctx, benefit.FinalApproval{ClaimID: older.ID, Actor: approver, Amount: benefit.MoneyPtr(6000)})
	var ee *benefit.ExceedsRemainingQuotaError
	require.ErrorAs(t, err, &ee)
	assert.True(t, ee.Ceiling.Equal(benefit.Money(4000)), "got %s", ee.Ceiling)

	got, err := svc.GetClaim(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, benefit.StateFrontLineApproved, got.State)

	entries, err := svc.Ledger(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].UsedAmountYear.Equal(benefit.Money(6000)))

	// A partial approval within the ceiling goes through
	final, entry, err := svc.ApproveFinal(ctx, benefit.FinalApproval{ClaimID: older.ID, Actor: approver})
	require.NoError(t, err)
	assert.True(t, final.ApprovedAmount.Equal(benefit.Money(4000)))
	assert.True(t, entry.UsedAmountYear.Equal(benefit.Money(10000)))
}

func TestService_ApproveFinal_InactiveSubType(t *testing.T) {
	st := perIncident("funeral", 10000, benefit.Limits{})
	svc, _, _ := newTestService(t, st)
	ctx := context.Background()

	c := submit(t, svc, "m-1", "funeral", nil)
	_, err := svc.ApproveFrontLine(ctx, c.ID, reviewer, "")
	require.NoError(t, err)

	_, err = svc.SetSubTypeActive(ctx, "funeral", false)
	require.NoError(t, err)

	_, _, err = svc.ApproveFinal(ctx, benefit.FinalApproval{ClaimID: c.ID, Actor: approver})
	assert.ErrorIs(t, err, benefit.ErrInactiveResource)
}

func TestService_ApproveFinal_RequiresFinalApprover(t *testing.T) {
	svc, _, _ := newTestService(t, perIncident("funeral", 10000, benefit.Limits{}))
	ctx := context.Background()

	c := submit(t, svc, "m-1", "funeral", nil)
	_, err := svc.ApproveFrontLine(ctx, c.ID, reviewer, "")
	require.NoError(t, err)

	_, _, err = svc.ApproveFinal(ctx, benefit.FinalApproval{ClaimID: c.ID, Actor: reviewer})
	assert.ErrorIs(t, err, benefit.ErrUnauthorized)
}

func TestService_ApproveFinal_AuthorizesBeforeReadingQuota(t *testing.T) {
	// GIVEN: A one-time benefit; claim A is approved, claim B waits for final approval
	// WHEN: A member tries to final-approve B
	// THEN: ErrUnauthorized, not a quota error; the approver then sees the
	//       blocking reason with B's requested amount

	st := perIncident("marriage", 2000, benefit.Limits{MaxLifetimeClaims: benefit.CountPtr(1)})
	svc, _, _ := newTestService(t, st)
	ctx := context.Background()

	first := submit(t, svc, "m-1", "marriage", nil)
	second := submit(t, svc, "m-1", "marriage", nil)
	approve(t, svc, first)
	_, err := svc.ApproveFrontLine(ctx, second.ID, reviewer, "")
	require.NoError(t, err)

	_, _, err = svc.ApproveFinal(ctx, benefit.FinalApproval{ClaimID: second.ID, Actor: member})
	assert.ErrorIs(t, err, benefit.ErrUnauthorized)
	assert.NotErrorIs(t, err, benefit.ErrExceedsRemainingQuota)

	_, _, err = svc.ApproveFinal(ctx, benefit.FinalApproval{ClaimID: second.ID, Actor: approver})
	var ee *benefit.ExceedsRemainingQuotaError
	require.ErrorAs(t, err, &ee)
	assert.True(t, ee.Requested.Equal(benefit.Money(2000)), "got %s", ee.Requested)
	require.Len(t, ee.Reasons, 1)
	assert.Equal(t, benefit.AxisLifetimeClaims, ee.Reasons[0].Axis)
	assert.Contains(t, err.Error(), "lifetime claim count exhausted")

	got, err := svc.GetClaim(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, benefit.StateFrontLineApproved, got.State)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestService_ConcurrentFinalApprovalRace(t *testing.T) {
	// GIVEN: Yearly cap 10000 and two front-line approved claims of 6000
	// WHEN: Both are finally approved at the same time
	// THEN: Exactly one wins; the ledger reflects only the winner

	st := perIncident("housing", 6000, benefit.Limits{MaxAmountPerYear: benefit.MoneyPtr(10000)})
	svc, _, _ := newTestService(t, st)
	ctx := context.Background()

	claims := []*benefit.Claim{submit(t, svc, "m-1", "housing", nil), submit(t, svc, "m-1", "housing", nil)}
	for _, c := range claims {
		_, err := svc.ApproveFrontLine(ctx, c.ID, reviewer, "")
		require.NoError(t, err)
	}

	start := make(chan struct{})
	errs := make([]error, len(claims))
	var wg sync.WaitGroup
	for i, c := range claims {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, errs[i] = svc.ApproveFinal(ctx, benefit.FinalApproval{ClaimID: c.ID, Actor: approver, Amount: benefit.MoneyPtr(6000)})
		}()
	}
	close(start)
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, benefit.ErrExceedsRemainingQuota), errors.Is(err, benefit.ErrConflict):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)

	entries, err := svc.Ledger(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].UsedAmountYear.Equal(benefit.Money(6000)))
	assert.Equal(t, 1, entries[0].UsedClaimsYear)
}

func TestService_ConcurrentApprovals_NeverExceedCap(t *testing.T) {
	// GIVEN: 2000 per incident, 10000 per year, 12 claims ready for final approval
	// WHEN: All are approved concurrently
	// THEN: The ledger equals the sum of the winners and never passes the cap

	st := perIncident("childcare", 2000, benefit.Limits{MaxAmountPerYear: benefit.MoneyPtr(10000)})
	svc, _, _ := newTestService(t, st)
	svc.MaxAttempts = 50
	ctx := context.Background()

	var claims []*benefit.Claim
	for i := 0; i < 12; i++ {
		c := submit(t, svc, "m-1", "childcare", nil)
		_, err := svc.ApproveFrontLine(ctx, c.ID, reviewer, "")
		require.NoError(t, err)
		claims = append(claims, c)
	}

	var (
		mu       sync.Mutex
		approved = decimal.Zero
	)
	var g errgroup.Group
	for _, c := range claims {
		g.Go(func() error {
			final, _, err := svc.ApproveFinal(ctx, benefit.FinalApproval{ClaimID: c.ID, Actor: approver, Amount: benefit.MoneyPtr(2000)})
			if err != nil {
				if errors.Is(err, benefit.ErrExceedsRemainingQuota) || errors.Is(err, benefit.ErrConflict) {
					return nil
				}
				return err
			}
			mu.Lock()
			approved = approved.Add(*final.ApprovedAmount)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	entries, err := svc.Ledger(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].UsedAmountYear.Equal(approved), "ledger %s, approved %s", entries[0].UsedAmountYear, approved)
	assert.True(t, entries[0].UsedAmountYear.LessThanOrEqual(benefit.Money(10000)))

	finals, err := svc.ClaimsByState(ctx, benefit.StateFinalApproved)
	require.NoError(t, err)
	assert.Equal(t, entries[0].UsedClaimsYear, len(finals))
}

func TestService_DifferentKeysDoNotContend(t *testing.T) {
	st := perIncident("funeral", 10000, benefit.Limits{MaxAmountPerYear: benefit.MoneyPtr(10000)})
	svc, _, _ := newTestService(t, st)
	svc.MaxAttempts = 1
	ctx := context.Background()

	var ids []benefit.ClaimID
	for _, m := range []benefit.MemberID{"m-1", "m-2", "m-3"} {
		c := submit(t, svc, m, "funeral", nil)
		_, err := svc.ApproveFrontLine(ctx, c.ID, reviewer, "")
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			_, _, err := svc.ApproveFinal(gctx, benefit.FinalApproval{ClaimID: id, Actor: approver})
			return err
		})
	}
	assert.NoError(t, g.Wait())
}

// =============================================================================
// STATE TRANSITIONS
// =============================================================================

func TestService_RejectedClaimStaysRejected(t *testing.T) {
	// GIVEN: A rejected claim
	// WHEN: Front-line or final approval is attempted
	// THEN: InvalidStateTransition; claim state and ledger unchanged

	svc, _, _ := newTestService(t, perIncident("funeral", 10000, benefit.Limits{}))
	ctx := context.Background()

	c := submit(t, svc, "m-1", "funeral", nil)
	_, err := svc.StartReview(ctx, c.ID, reviewer, "")
	require.NoError(t, err)
	rejected, err := svc.Reject(ctx, c.ID, reviewer, "death certificate missing")
	require.NoError(t, err)
	assert.Equal(t, benefit.StateRejected, rejected.State)

	_, err = svc.ApproveFrontLine(ctx, c.ID, reviewer, "")
	assert.ErrorIs(t, err, benefit.ErrInvalidStateTransition)

	_, _, err = svc.ApproveFinal(ctx, benefit.FinalApproval{ClaimID: c.ID, Actor: approver})
	assert.ErrorIs(t, err, benefit.ErrInvalidStateTransition)

	got, err := svc.GetClaim(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, benefit.StateRejected, got.State)
	assert.Len(t, got.Events, 3)

	entries, err := svc.Ledger(ctx, "m-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestService_CompleteAndEvents(t *testing.T) {
	// GIVEN: An event sink
	// WHEN: A claim runs the full lifecycle and completion is confirmed twice
	// THEN: One event per transition, the repeat completion is silent

	var (
		mu     sync.Mutex
		events []benefit.TransitionEvent
	)
	svc, _, _ := newTestService(t, perIncident("funeral", 10000, benefit.Limits{}))
	svc.Events = benefit.SinkFunc(func(_ context.Context, ev benefit.TransitionEvent) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
		return nil
	})
	ctx := context.Background()

	c := submit(t, svc, "m-1", "funeral", nil)
	approve(t, svc, c)
	done, err := svc.Complete(ctx, c.ID, payer, "transferred")
	require.NoError(t, err)
	assert.Equal(t, benefit.StateCompleted, done.State)

	again, err := svc.Complete(ctx, c.ID, payer, "transferred twice?")
	require.NoError(t, err)
	assert.Equal(t, done.Version, again.Version)
	assert.Len(t, again.Events, 4)

	entries, err := svc.Ledger(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].UsedAmountYear.Equal(benefit.Money(10000)))
	assert.Equal(t, 1, entries[0].UsedClaimsYear)

	mu.Lock()
	defer mu.Unlock()
	var actions []benefit.Action
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	assert.Equal(t, []benefit.Action{
		benefit.ActionSubmit,
		benefit.ActionFrontLineApprove,
		benefit.ActionFinalApprove,
		benefit.ActionComplete,
	}, actions)
	require.NotNil(t, events[2].Amount)
	assert.True(t, events[2].Amount.Equal(benefit.Money(10000)))
}

func TestService_ReplayedFinalApprovalLeavesLedger(t *testing.T) {
	// GIVEN: A finally approved claim
	// WHEN: Final approval is sent again
	// THEN: InvalidStateTransition; the ledger still counts it once

	svc, _, _ := newTestService(t, perIncident("funeral", 10000, benefit.Limits{}))
	ctx := context.Background()

	c := submit(t, svc, "m-1", "funeral", nil)
	_, first := approve(t, svc, c)

	_, _, err := svc.ApproveFinal(ctx, benefit.FinalApproval{ClaimID: c.ID, Actor: approver})
	assert.ErrorIs(t, err, benefit.ErrInvalidStateTransition)

	entries, err := svc.Ledger(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].UsedAmountYear.Equal(benefit.Money(10000)))
	assert.Equal(t, 1, entries[0].UsedClaimsYear)
	assert.Equal(t, first.Version, entries[0].Version)
}

func TestService_SinkErrorsDoNotFailTransitions(t *testing.T) {
	svc, _, _ := newTestService(t, perIncident("funeral", 10000, benefit.Limits{}))
	svc.Events = benefit.SinkFunc(func(context.Context, benefit.TransitionEvent) error {
		return errors.New("broker down")
	})

	c := submit(t, svc, "m-1", "funeral", nil)
	final, _ := approve(t, svc, c)
	assert.Equal(t, benefit.StateFinalApproved, final.State)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestService_CheckAll(t *testing.T) {
	inactive := perIncident("retired", 100, benefit.Limits{})
	inactive.Active = false
	svc, _, _ := newTestService(t,
		perIncident("marriage", 2000, benefit.Limits{MaxLifetimeClaims: benefit.CountPtr(1)}),
		perIncident("newborn", 2000, benefit.Limits{MaxClaimsPerYear: benefit.CountPtr(2)}),
		inactive,
	)
	ctx := context.Background()

	approve(t, svc, submit(t, svc, "m-1", "marriage", nil))

	ents, err := svc.CheckAll(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, ents, 2, "inactive sub-types are skipped")

	assert.Equal(t, benefit.SubTypeID("marriage"), ents[0].SubType.ID)
	assert.False(t, ents[0].Eligible)
	assert.Equal(t, benefit.AxisLifetimeClaims, ents[0].Reasons[0].Axis)

	assert.Equal(t, benefit.SubTypeID("newborn"), ents[1].SubType.ID)
	assert.True(t, ents[1].Eligible)
	require.NotNil(t, ents[1].Remaining.YearlyClaims)
	assert.Equal(t, 2, *ents[1].Remaining.YearlyClaims)
}

func TestService_CheckAllAgreesWithCheck(t *testing.T) {
	// GIVEN: A per-incident sub-type paying nothing and a per-unit sub-type
	// WHEN: The summary and the single check run for the same member
	// THEN: Both report the same eligibility and reasons

	inpatient := benefit.SubType{
		ID: "inpatient", Method: benefit.AccrualPerUnit, BaseAmount: benefit.Money(500),
		Limits: benefit.Limits{MaxAmountPerYear: benefit.MoneyPtr(2000)}, Active: true,
	}
	svc, _, _ := newTestService(t, perIncident("token", 0, benefit.Limits{}), inpatient)
	ctx := context.Background()

	ents, err := svc.CheckAll(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, ents, 2)

	inputs := map[benefit.SubTypeID]benefit.AmountInput{
		"token":     {},
		"inpatient": {Quantity: benefit.CountPtr(1)},
	}
	for _, e := range ents {
		d, err := svc.Check(ctx, "m-1", e.SubType.ID, inputs[e.SubType.ID])
		require.NoError(t, err)
		assert.Equal(t, d.IsValid, e.Eligible, string(e.SubType.ID))
		assert.Equal(t, d.Reasons, e.Reasons, string(e.SubType.ID))
	}

	byID := map[benefit.SubTypeID]benefit.Entitlement{}
	for _, e := range ents {
		byID[e.SubType.ID] = e
	}
	assert.False(t, byID["token"].Eligible)
	require.Len(t, byID["token"].Reasons, 1)
	assert.Equal(t, benefit.AxisAmount, byID["token"].Reasons[0].Axis)
	assert.True(t, byID["inpatient"].Eligible)
}

func TestService_SubmitErrors(t *testing.T) {
	svc, _, _ := newTestService(t, perIncident("funeral", 10000, benefit.Limits{}))
	ctx := context.Background()

	_, _, err := svc.Submit(ctx, benefit.SubmitRequest{MemberID: "m-1", SubTypeID: "nope", Actor: member})
	assert.ErrorIs(t, err, benefit.ErrNotFound)

	_, _, err = svc.Submit(ctx, benefit.SubmitRequest{MemberID: "m-1", SubTypeID: "funeral", Actor: reviewer})
	assert.ErrorIs(t, err, benefit.ErrUnauthorized)

	_, _, err = svc.Submit(ctx, benefit.SubmitRequest{SubTypeID: "funeral", Actor: member})
	assert.ErrorIs(t, err, benefit.ErrInvalidInput)

	_, err = svc.GetClaim(ctx, "clm-missing")
	assert.True(t, benefit.IsNotFound(err))

	_, err = svc.ClaimsByState(ctx, "lost")
	assert.ErrorIs(t, err, benefit.ErrInvalidInput)
}

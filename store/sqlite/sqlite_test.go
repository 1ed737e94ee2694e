package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/welfare-engine/benefit"
	"github.com/warp/welfare-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func inpatient() benefit.SubType {
	return benefit.SubType{
		ID:         "inpatient",
		CategoryID: "medical",
		Name:       "Inpatient",
		Method:     benefit.AccrualPerUnit,
		BaseAmount: benefit.Money(500),
		UnitLabel:  "night",
		Limits: benefit.Limits{
			MaxPerRequest:    benefit.MoneyPtr(5000),
			MaxAmountPerYear: benefit.MoneyPtr(20000),
			MaxClaimsPerYear: benefit.CountPtr(4),
		},
		Active: true,
	}
}

var submittedAt = time.Date(2025, time.April, 2, 10, 0, 0, 0, time.UTC)

func newClaim(id benefit.ClaimID) *benefit.Claim {
	return &benefit.Claim{
		ID:              id,
		MemberID:        "m-1",
		SubTypeID:       "inpatient",
		FiscalYear:      2025,
		Quantity:        benefit.CountPtr(3),
		Description:     "appendectomy",
		RequestedAmount: benefit.Money(1500),
		State:           benefit.StatePending,
		Events: []benefit.ApprovalEvent{{
			ID: "evt-" + string(id), Seq: 1, Action: benefit.ActionSubmit, To: benefit.StatePending,
			ActorID: "m-1", Role: benefit.RoleMember, At: submittedAt,
		}},
		SubmittedAt: submittedAt,
		UpdatedAt:   submittedAt,
	}
}

// =============================================================================
// SUB-TYPES
// =============================================================================

func TestStore_SubTypeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutSubType(ctx, inpatient()))
	funeral := benefit.SubType{ID: "funeral", Method: benefit.AccrualPerIncident, BaseAmount: benefit.Money(10000),
		Limits: benefit.Limits{MaxLifetimeClaims: benefit.CountPtr(1)}, Active: true}
	require.NoError(t, store.PutSubType(ctx, funeral))

	got, err := store.GetSubType(ctx, "inpatient")
	require.NoError(t, err)
	assert.Equal(t, benefit.AccrualPerUnit, got.Method)
	assert.True(t, got.BaseAmount.Equal(benefit.Money(500)))
	assert.Equal(t, "night", got.UnitLabel)
	require.NotNil(t, got.Limits.MaxPerRequest)
	assert.True(t, got.Limits.MaxPerRequest.Equal(benefit.Money(5000)))
	assert.Equal(t, 4, *got.Limits.MaxClaimsPerYear)
	assert.Nil(t, got.Limits.MaxLifetimeAmount, "unset caps stay unset")

	// Update keeps list position
	updated := inpatient()
	updated.Active = false
	require.NoError(t, store.PutSubType(ctx, updated))

	all, err := store.ListSubTypes(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, benefit.SubTypeID("inpatient"), all[0].ID)
	assert.False(t, all[0].Active)

	_, err = store.GetSubType(ctx, "missing")
	assert.ErrorIs(t, err, benefit.ErrNotFound)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestStore_LedgerIncrementAndVersioning(t *testing.T) {
	// GIVEN: No ledger row yet
	// WHEN: Incrementing twice, then incrementing from a stale snapshot
	// THEN: Row is created lazily, version bumps, stale write conflicts

	store := newTestStore(t)
	ctx := context.Background()
	key := benefit.LedgerKey{MemberID: "m-1", SubTypeID: "inpatient", FiscalYear: 2025}

	var stale benefit.LedgerEntry
	for i := 0; i < 2; i++ {
		err := store.WithTx(ctx, func(tx benefit.Tx) error {
			snap, err := tx.GetLedger(ctx, key)
			if err != nil {
				return err
			}
			if i == 0 {
				assert.False(t, snap.Exists())
				stale = snap
			}
			_, err = tx.IncrementLedger(ctx, snap, benefit.LedgerDelta{Amount: benefit.Money(1500), Claims: 1})
			return err
		})
		require.NoError(t, err)
	}

	entry, err := store.GetLedger(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.Version)
	assert.True(t, entry.UsedAmountYear.Equal(benefit.Money(3000)))
	assert.Equal(t, 2, entry.UsedClaimsYear)

	err = store.WithTx(ctx, func(tx benefit.Tx) error {
		_, err := tx.IncrementLedger(ctx, stale, benefit.LedgerDelta{Amount: benefit.Money(1), Claims: 1})
		return err
	})
	assert.ErrorIs(t, err, benefit.ErrConflict)

	entry, err = store.GetLedger(ctx, key)
	require.NoError(t, err)
	assert.True(t, entry.UsedAmountYear.Equal(benefit.Money(3000)), "failed tx must roll back")
}

func TestStore_LedgerLifetimeSpansFiscalYears(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for fy := benefit.FiscalYear(2023); fy <= 2025; fy++ {
		key := benefit.LedgerKey{MemberID: "m-1", SubTypeID: "disaster", FiscalYear: fy}
		require.NoError(t, store.WithTx(ctx, func(tx benefit.Tx) error {
			snap, err := tx.GetLedger(ctx, key)
			if err != nil {
				return err
			}
			_, err = tx.IncrementLedger(ctx, snap, benefit.LedgerDelta{Amount: benefit.Money(2000), Claims: 1})
			return err
		}))
	}

	// A year with no row still sees lifetime usage
	next, err := store.GetLedger(ctx, benefit.LedgerKey{MemberID: "m-1", SubTypeID: "disaster", FiscalYear: 2026})
	require.NoError(t, err)
	assert.False(t, next.Exists())
	assert.True(t, next.UsedAmountYear.IsZero())
	assert.True(t, next.UsedAmountLifetime.Equal(benefit.Money(6000)))
	assert.Equal(t, 3, next.UsedClaimsLifetime)

	rows, err := store.ListLedger(ctx, "m-1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.True(t, r.UsedAmountLifetime.Equal(benefit.Money(6000)))
	}
}

// =============================================================================
// CLAIMS
// =============================================================================

func TestStore_ClaimLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := newClaim("clm-1")
	require.NoError(t, store.WithTx(ctx, func(tx benefit.Tx) error { return tx.CreateClaim(ctx, c) }))
	assert.Equal(t, int64(1), c.Version)

	err := store.WithTx(ctx, func(tx benefit.Tx) error { return tx.CreateClaim(ctx, newClaim("clm-1")) })
	assert.ErrorIs(t, err, benefit.ErrDuplicateClaim)

	got, err := store.GetClaim(ctx, "clm-1")
	require.NoError(t, err)
	assert.Equal(t, 3, *got.Quantity)
	assert.Nil(t, got.ApprovedAmount)
	require.Len(t, got.Events, 1)
	assert.Equal(t, benefit.ClaimState(""), got.Events[0].From)

	next, _, err := benefit.StateMachine{}.Apply(got, benefit.Command{
		Action: benefit.ActionFrontLineApprove, Actor: benefit.Actor{ID: "r-1", Role: benefit.RoleFrontLineReviewer},
		Comment: "ok", At: submittedAt.Add(time.Hour), EventID: "evt-2",
	})
	require.NoError(t, err)
	require.NoError(t, store.WithTx(ctx, func(tx benefit.Tx) error { return tx.UpdateClaim(ctx, next) }))
	assert.Equal(t, int64(2), next.Version)

	// Replaying the same update from the old version conflicts
	replay := next.Clone()
	replay.Version = 1
	err = store.WithTx(ctx, func(tx benefit.Tx) error { return tx.UpdateClaim(ctx, replay) })
	assert.Error(t, err)

	got, err = store.GetClaim(ctx, "clm-1")
	require.NoError(t, err)
	assert.Equal(t, benefit.StateFrontLineApproved, got.State)
	require.Len(t, got.Events, 2)
	assert.Equal(t, benefit.RoleFrontLineReviewer, got.Events[1].Role)
	assert.Equal(t, benefit.StatePending, got.Events[1].From)

	byState, err := store.ListClaimsByState(ctx, benefit.StateFrontLineApproved)
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Len(t, byState[0].Events, 2)

	byMember, err := store.ListClaimsByMember(ctx, "m-2")
	require.NoError(t, err)
	assert.Empty(t, byMember)

	_, err = store.GetClaim(ctx, "clm-missing")
	assert.True(t, benefit.IsNotFound(err))
}

// =============================================================================
// SERVICE INTEGRATION
// =============================================================================

func TestStore_ServiceConcurrentFinalApprovals(t *testing.T) {
	// GIVEN: A file-backed database shared by several connections, yearly cap
	//        10000 and four front-line approved claims of 4000
	// WHEN: All four are finally approved concurrently
	// THEN: Exactly two win and the ledger holds 8000

	store, err := sqlite.New(filepath.Join(t.TempDir(), "welfare.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	require.NoError(t, store.PutSubType(ctx, benefit.SubType{
		ID: "housing", Method: benefit.AccrualPerIncident, BaseAmount: benefit.Money(4000),
		Limits: benefit.Limits{MaxAmountPerYear: benefit.MoneyPtr(10000)}, Active: true,
	}))
	svc := benefit.NewService(store, benefit.CalendarYear(),
		benefit.WithClock(benefit.FixedClock{At: submittedAt}),
		benefit.WithRetry(100, time.Millisecond))

	var ids []benefit.ClaimID
	for i := 0; i < 4; i++ {
		c, _, err := svc.Submit(ctx, benefit.SubmitRequest{MemberID: "m-1", SubTypeID: "housing"})
		require.NoError(t, err)
		_, err = svc.ApproveFrontLine(ctx, c.ID, benefit.Actor{ID: "r-1"}, "")
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losers []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.ApproveFinal(ctx, benefit.FinalApproval{ClaimID: id, Actor: benefit.Actor{ID: "a-1"}, Amount: benefit.MoneyPtr(4000)})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			losers = append(losers, err)
		}()
	}
	wg.Wait()

	entry, err := store.GetLedger(ctx, benefit.LedgerKey{MemberID: "m-1", SubTypeID: "housing", FiscalYear: 2025})
	require.NoError(t, err)
	assert.Equal(t, 2, wins)
	require.Len(t, losers, 2)
	for _, err := range losers {
		assert.ErrorIs(t, err, benefit.ErrExceedsRemainingQuota)
	}
	assert.Equal(t, wins, entry.UsedClaimsYear)
	assert.True(t, entry.UsedAmountYear.Equal(benefit.Money(int64(4000*wins))))
}

func TestStore_CorruptTimestampsSurface(t *testing.T) {
	// GIVEN: A ledger row and a claim whose timestamps were damaged outside the store
	// WHEN: They are read back
	// THEN: The read fails naming the column instead of returning a zero time

	path := filepath.Join(t.TempDir(), "welfare.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	require.NoError(t, store.PutSubType(ctx, benefit.SubType{
		ID: "funeral", Method: benefit.AccrualPerIncident, BaseAmount: benefit.Money(10000), Active: true,
	}))
	svc := benefit.NewService(store, benefit.CalendarYear(), benefit.WithClock(benefit.FixedClock{At: submittedAt}))
	c, _, err := svc.Submit(ctx, benefit.SubmitRequest{MemberID: "m-1", SubTypeID: "funeral"})
	require.NoError(t, err)
	_, err = svc.ApproveFrontLine(ctx, c.ID, benefit.Actor{ID: "r-1"}, "")
	require.NoError(t, err)
	_, _, err = svc.ApproveFinal(ctx, benefit.FinalApproval{ClaimID: c.ID, Actor: benefit.Actor{ID: "a-1"}})
	require.NoError(t, err)

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.ExecContext(ctx, `UPDATE quota_ledger SET updated_at = 'yesterday'`)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, `UPDATE claims SET submitted_at = 'last week'`)
	require.NoError(t, err)

	_, err = store.GetLedger(ctx, benefit.LedgerKey{MemberID: "m-1", SubTypeID: "funeral", FiscalYear: 2025})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad updated_at")

	_, err = store.GetClaim(ctx, c.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad submitted_at")
}

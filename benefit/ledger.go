/*
ledger.go - Quota usage ledger

PURPOSE:
  A LedgerEntry is the running usage of one member for one sub-type in one
  fiscal year. Caps are checked against it; final approvals add to it.

CRITICAL INVARIANTS:
  1. ADDITIVE-ONLY: entries change only by adding a non-negative LedgerDelta
  2. NEVER DELETED: rows are created lazily on the first approved claim
  3. VERSIONED: every write bumps Version; a write against a stale version
     fails with ErrConflict

LIFETIME USAGE:
  Yearly fields reset implicitly because entries are keyed by fiscal year.
  Lifetime fields must survive the reset, so a store reports lifetime usage
  for a key as the total across all fiscal years of (member, sub-type).
  When a new row is created its lifetime columns are seeded from that
  total; after that they are only added to.

SEE ALSO:
  - store.go: Tx.IncrementLedger, the only ledger write
  - service.go: ApproveFinal, the only caller of LedgerWriter
*/
package benefit

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER KEY / ENTRY
// =============================================================================

type LedgerKey struct {
	MemberID   MemberID
	SubTypeID  SubTypeID
	FiscalYear FiscalYear
}

func (k LedgerKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.MemberID, k.SubTypeID, k.FiscalYear)
}

type LedgerEntry struct {
	Key LedgerKey

	UsedAmountYear     decimal.Decimal
	UsedClaimsYear     int
	UsedAmountLifetime decimal.Decimal
	UsedClaimsLifetime int

	// Version is 0 for a row that does not exist yet.
	Version   int64
	UpdatedAt time.Time
}

// ZeroEntry is the snapshot of a key with no approved claims anywhere.
func ZeroEntry(key LedgerKey) LedgerEntry {
	return LedgerEntry{
		Key:                key,
		UsedAmountYear:     decimal.Zero,
		UsedAmountLifetime: decimal.Zero,
	}
}

// Exists reports whether the row has been persisted.
func (e LedgerEntry) Exists() bool { return e.Version > 0 }

// LedgerDelta is the increment applied by one approved claim.
type LedgerDelta struct {
	Amount decimal.Decimal
	Claims int
}

// Validate rejects deltas that would make usage go down.
func (d LedgerDelta) Validate() error {
	if d.Amount.IsNegative() {
		return &InvalidInputError{Field: "delta.amount", Message: "ledger increments must not be negative"}
	}
	if d.Claims < 0 {
		return &InvalidInputError{Field: "delta.claims", Message: "ledger increments must not be negative"}
	}
	return nil
}

// Add returns the entry after applying d. Version and time are set by stores.
func (e LedgerEntry) Add(d LedgerDelta) LedgerEntry {
	next := e
	next.UsedAmountYear = e.UsedAmountYear.Add(d.Amount)
	next.UsedClaimsYear = e.UsedClaimsYear + d.Claims
	next.UsedAmountLifetime = e.UsedAmountLifetime.Add(d.Amount)
	next.UsedClaimsLifetime = e.UsedClaimsLifetime + d.Claims
	return next
}

// =============================================================================
// LEDGER WRITER
// =============================================================================

// LedgerWriter applies increments inside a store transaction. It is the
// only code path that writes ledger rows.
type LedgerWriter struct{}

// Increment adds d to the freshly read snapshot. The store rejects the write
// with ErrConflict if the row moved since snapshot was read.
func (LedgerWriter) Increment(ctx context.Context, tx Tx, snapshot LedgerEntry, d LedgerDelta) (LedgerEntry, error) {
	if err := d.Validate(); err != nil {
		return LedgerEntry{}, err
	}
	return tx.IncrementLedger(ctx, snapshot, d)
}

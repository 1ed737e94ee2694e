/*
store.go - Persistence contract for sub-types, ledgers and claims

PURPOSE:
  Defines the interface between the engine and the database. The engine
  never sees SQL; it asks for reads, and for writes it asks for a
  transaction.

KEY INTERFACES:
  Store:   Reads plus sub-type configuration writes
  TxStore: Store + WithTx for atomic claim/ledger writes
  Tx:      The view handed to the WithTx callback

WRITE CONTRACT:
  - Claims: CreateClaim once, then UpdateClaim with exactly one appended
    ApprovalEvent per transition. Claims are never deleted.
  - Ledger: IncrementLedger is the ONLY ledger write. It takes the snapshot
    that was read in the same transaction and fails with ErrConflict if the
    row's Version moved since.
  - Every version-checked write bumps Version on success.

IMPLEMENTATIONS:
  - benefit/store/memory.go: Optimistic, in-memory (tests/dev)
  - store/sqlite/sqlite.go:  SQLite with BEGIN IMMEDIATE transactions
*/
package benefit

import "context"

// Reader is the read side shared by Store and Tx.
type Reader interface {
	// GetSubType returns a *NotFoundError if the sub-type does not exist.
	GetSubType(ctx context.Context, id SubTypeID) (*SubType, error)

	// GetLedger returns the entry for key. A missing row yields a
	// zero-version entry whose lifetime usage is still the member's total
	// across every fiscal year for the sub-type.
	GetLedger(ctx context.Context, key LedgerKey) (LedgerEntry, error)

	// GetClaim returns a *NotFoundError if the claim does not exist.
	GetClaim(ctx context.Context, id ClaimID) (*Claim, error)
}

// Store handles persistence outside of transactions.
type Store interface {
	Reader

	ListSubTypes(ctx context.Context) ([]SubType, error)
	PutSubType(ctx context.Context, st SubType) error

	ListLedger(ctx context.Context, memberID MemberID) ([]LedgerEntry, error)

	ListClaimsByMember(ctx context.Context, memberID MemberID) ([]Claim, error)
	ListClaimsByState(ctx context.Context, state ClaimState) ([]Claim, error)
}

// Tx is the transactional view passed to WithTx callbacks.
type Tx interface {
	Reader

	// CreateClaim persists a new claim with its initial events and sets
	// c.Version to 1. Returns ErrDuplicateClaim if the ID exists.
	CreateClaim(ctx context.Context, c *Claim) error

	// UpdateClaim saves c, which must carry the Version it was read at and
	// exactly one more event than the stored claim. Bumps c.Version.
	UpdateClaim(ctx context.Context, c *Claim) error

	// IncrementLedger adds d to snapshot and persists the result.
	IncrementLedger(ctx context.Context, snapshot LedgerEntry, d LedgerDelta) (LedgerEntry, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed; a commit that loses
	// an optimistic race returns ErrConflict.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

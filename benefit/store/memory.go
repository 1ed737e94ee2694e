// Package store provides benefit.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/welfare-engine/benefit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an optimistic in-memory TxStore. Transactions stage their
// writes and record the version of everything they read; commit validates
// the read set under the lock and fails with ErrConflict if anything moved.
// Transactions on different ledger keys never block each other.
type Memory struct {
	mu       sync.RWMutex
	subTypes map[benefit.SubTypeID]benefit.SubType
	order    []benefit.SubTypeID
	ledger   map[benefit.LedgerKey]benefit.LedgerEntry
	lifetime map[pair]int64 // bumped on every write to any fiscal year of the pair
	claims   map[benefit.ClaimID]*benefit.Claim

	now func() time.Time
}

type pair struct {
	MemberID  benefit.MemberID
	SubTypeID benefit.SubTypeID
}

func pairOf(k benefit.LedgerKey) pair {
	return pair{MemberID: k.MemberID, SubTypeID: k.SubTypeID}
}

func NewMemory() *Memory {
	return &Memory{
		subTypes: make(map[benefit.SubTypeID]benefit.SubType),
		ledger:   make(map[benefit.LedgerKey]benefit.LedgerEntry),
		lifetime: make(map[pair]int64),
		claims:   make(map[benefit.ClaimID]*benefit.Claim),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// SUB-TYPES
// =============================================================================

func (m *Memory) GetSubType(_ context.Context, id benefit.SubTypeID) (*benefit.SubType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSubTypeLocked(id)
}

func (m *Memory) getSubTypeLocked(id benefit.SubTypeID) (*benefit.SubType, error) {
	st, ok := m.subTypes[id]
	if !ok {
		return nil, &benefit.NotFoundError{Kind: "sub-type", ID: string(id)}
	}
	return &st, nil
}

func (m *Memory) ListSubTypes(_ context.Context) ([]benefit.SubType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]benefit.SubType, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.subTypes[id])
	}
	return out, nil
}

func (m *Memory) PutSubType(_ context.Context, st benefit.SubType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subTypes[st.ID]; !ok {
		m.order = append(m.order, st.ID)
	}
	m.subTypes[st.ID] = st
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) GetLedger(_ context.Context, key benefit.LedgerKey) (benefit.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ledgerLocked(key, nil), nil
}

// ledgerLocked returns the row for key with lifetime usage recomputed from
// every fiscal year of the pair. staged rows shadow committed ones.
func (m *Memory) ledgerLocked(key benefit.LedgerKey, staged map[benefit.LedgerKey]benefit.LedgerEntry) benefit.LedgerEntry {
	entry, ok := staged[key]
	if !ok {
		entry, ok = m.ledger[key]
	}
	if !ok {
		entry = benefit.ZeroEntry(key)
	}

	p := pairOf(key)
	amount, claims := decimal.Zero, 0
	seen := make(map[benefit.LedgerKey]bool)
	for k, e := range staged {
		if pairOf(k) == p {
			amount = amount.Add(e.UsedAmountYear)
			claims += e.UsedClaimsYear
			seen[k] = true
		}
	}
	for k, e := range m.ledger {
		if pairOf(k) == p && !seen[k] {
			amount = amount.Add(e.UsedAmountYear)
			claims += e.UsedClaimsYear
		}
	}
	entry.UsedAmountLifetime = amount
	entry.UsedClaimsLifetime = claims
	return entry
}

func (m *Memory) ListLedger(_ context.Context, memberID benefit.MemberID) ([]benefit.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []benefit.LedgerEntry
	for k := range m.ledger {
		if k.MemberID == memberID {
			out = append(out, m.ledgerLocked(k, nil))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.SubTypeID != out[j].Key.SubTypeID {
			return out[i].Key.SubTypeID < out[j].Key.SubTypeID
		}
		return out[i].Key.FiscalYear < out[j].Key.FiscalYear
	})
	return out, nil
}

// =============================================================================
// CLAIMS
// =============================================================================

func (m *Memory) GetClaim(_ context.Context, id benefit.ClaimID) (*benefit.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[id]
	if !ok {
		return nil, &benefit.NotFoundError{Kind: "claim", ID: string(id)}
	}
	return c.Clone(), nil
}

func (m *Memory) ListClaimsByMember(_ context.Context, memberID benefit.MemberID) ([]benefit.Claim, error) {
	return m.listClaims(func(c *benefit.Claim) bool { return c.MemberID == memberID }), nil
}

func (m *Memory) ListClaimsByState(_ context.Context, state benefit.ClaimState) ([]benefit.Claim, error) {
	return m.listClaims(func(c *benefit.Claim) bool { return c.State == state }), nil
}

func (m *Memory) listClaims(match func(*benefit.Claim) bool) []benefit.Claim {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []benefit.Claim
	for _, c := range m.claims {
		if match(c) {
			out = append(out, *c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a transactional view and commits its staged writes
// if fn succeeds and nothing it read has changed in the meantime.
func (m *Memory) WithTx(ctx context.Context, fn func(benefit.Tx) error) error {
	tx := &memoryTx{
		parent:      m,
		ledgerReads: make(map[benefit.LedgerKey]int64),
		pairReads:   make(map[pair]int64),
		claimReads:  make(map[benefit.ClaimID]int64),
		ledger:      make(map[benefit.LedgerKey]benefit.LedgerEntry),
		claims:      make(map[benefit.ClaimID]*benefit.Claim),
		created:     make(map[benefit.ClaimID]bool),
	}
	if err := fn(tx); err != nil {
		// Nothing was written to the parent; dropping the view rolls back.
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *Memory) commit(tx *memoryTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate read set
	for k, v := range tx.ledgerReads {
		if m.ledger[k].Version != v {
			return benefit.ErrConflict
		}
	}
	for p, v := range tx.pairReads {
		if m.lifetime[p] != v {
			return benefit.ErrConflict
		}
	}
	for id, v := range tx.claimReads {
		c, ok := m.claims[id]
		if !ok || c.Version != v {
			return benefit.ErrConflict
		}
	}
	for id := range tx.created {
		if _, ok := m.claims[id]; ok {
			return benefit.ErrDuplicateClaim
		}
	}

	// Apply writes
	for k, e := range tx.ledger {
		m.ledger[k] = e
		m.lifetime[pairOf(k)]++
	}
	for id, c := range tx.claims {
		m.claims[id] = c
	}
	return nil
}

type memoryTx struct {
	parent *Memory

	ledgerReads map[benefit.LedgerKey]int64
	pairReads   map[pair]int64
	claimReads  map[benefit.ClaimID]int64

	ledger  map[benefit.LedgerKey]benefit.LedgerEntry
	claims  map[benefit.ClaimID]*benefit.Claim
	created map[benefit.ClaimID]bool
}

func (tx *memoryTx) GetSubType(ctx context.Context, id benefit.SubTypeID) (*benefit.SubType, error) {
	return tx.parent.GetSubType(ctx, id)
}

func (tx *memoryTx) GetLedger(_ context.Context, key benefit.LedgerKey) (benefit.LedgerEntry, error) {
	tx.parent.mu.RLock()
	defer tx.parent.mu.RUnlock()

	if _, ok := tx.ledgerReads[key]; !ok {
		tx.ledgerReads[key] = tx.parent.ledger[key].Version
	}
	p := pairOf(key)
	if _, ok := tx.pairReads[p]; !ok {
		tx.pairReads[p] = tx.parent.lifetime[p]
	}
	return tx.parent.ledgerLocked(key, tx.ledger), nil
}

func (tx *memoryTx) GetClaim(_ context.Context, id benefit.ClaimID) (*benefit.Claim, error) {
	if c, ok := tx.claims[id]; ok {
		return c.Clone(), nil
	}
	tx.parent.mu.RLock()
	defer tx.parent.mu.RUnlock()
	c, ok := tx.parent.claims[id]
	if !ok {
		return nil, &benefit.NotFoundError{Kind: "claim", ID: string(id)}
	}
	if _, ok := tx.claimReads[id]; !ok {
		tx.claimReads[id] = c.Version
	}
	return c.Clone(), nil
}

func (tx *memoryTx) CreateClaim(_ context.Context, c *benefit.Claim) error {
	if _, ok := tx.claims[c.ID]; ok {
		return benefit.ErrDuplicateClaim
	}
	tx.parent.mu.RLock()
	_, exists := tx.parent.claims[c.ID]
	tx.parent.mu.RUnlock()
	if exists {
		return benefit.ErrDuplicateClaim
	}

	c.Version = 1
	tx.claims[c.ID] = c.Clone()
	tx.created[c.ID] = true
	return nil
}

func (tx *memoryTx) UpdateClaim(_ context.Context, c *benefit.Claim) error {
	current, ok := tx.claims[c.ID]
	if !ok {
		tx.parent.mu.RLock()
		committed, found := tx.parent.claims[c.ID]
		tx.parent.mu.RUnlock()
		if !found {
			return &benefit.NotFoundError{Kind: "claim", ID: string(c.ID)}
		}
		current = committed
		if _, read := tx.claimReads[c.ID]; !read {
			tx.claimReads[c.ID] = c.Version
		}
	}
	if current.Version != c.Version {
		return benefit.ErrConflict
	}
	if len(c.Events) != len(current.Events)+1 {
		return &benefit.InvalidInputError{Field: "events", Message: "exactly one event must be appended per update"}
	}

	c.Version++
	tx.claims[c.ID] = c.Clone()
	return nil
}

func (tx *memoryTx) IncrementLedger(_ context.Context, snapshot benefit.LedgerEntry, d benefit.LedgerDelta) (benefit.LedgerEntry, error) {
	key := snapshot.Key
	current, staged := tx.ledger[key]
	if !staged {
		tx.parent.mu.RLock()
		current = tx.parent.ledger[key]
		tx.parent.mu.RUnlock()
	}
	if current.Version != snapshot.Version {
		return benefit.LedgerEntry{}, benefit.ErrConflict
	}
	if _, ok := tx.ledgerReads[key]; !ok {
		tx.ledgerReads[key] = snapshot.Version
	}

	next := snapshot.Add(d)
	next.Version = snapshot.Version + 1
	next.UpdatedAt = tx.parent.now()
	tx.ledger[key] = next
	return next, nil
}

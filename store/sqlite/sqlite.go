/*
Package sqlite provides a SQLite-backed implementation of benefit.TxStore.

PURPOSE:
  Persists sub-type configuration, quota ledger rows and claims with their
  approval history. In production, the same patterns apply to PostgreSQL -
  only minor SQL dialect differences (SELECT ... FOR UPDATE instead of
  BEGIN IMMEDIATE).

APPEND-ONLY ENFORCEMENT:
  - claim_events: INSERT only, one row per transition, never updated
  - quota_ledger: UPDATE only by adding to the stored values, guarded by
    the row version; never deleted
  - claims: never deleted; UPDATE guarded by the row version

KEY TABLES:
  sub_types:     Claimable benefit configuration (limits as JSON)
  quota_ledger:  Running usage per (member, sub-type, fiscal year)
  claims:        Current claim state (one row per claim)
  claim_events:  Chronological approval/rejection history

CONCURRENCY:
  Transactions are opened with _txlock=immediate, so a WithTx holds the
  database write lock from BEGIN to COMMIT and every read inside it sees
  the latest committed rows. Writers wait up to _busy_timeout; a writer
  that still cannot get the lock, or whose version-guarded UPDATE matches
  no row, gets benefit.ErrConflict and the service retries from scratch.
  Reads outside transactions never block on WAL.

USAGE:
  store, err := sqlite.New("./data/welfare.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := benefit.NewService(store, benefit.CalendarYear())

SEE ALSO:
  - benefit/store.go: Interface definitions
  - benefit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/welfare-engine/benefit"
)

// Store implements benefit.TxStore using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ benefit.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Sub-types (configuration, rarely mutated)
	CREATE TABLE IF NOT EXISTS sub_types (
		id TEXT PRIMARY KEY,
		category_id TEXT NOT NULL,
		name TEXT NOT NULL,
		method TEXT NOT NULL,
		base_amount TEXT NOT NULL,
		unit_label TEXT,
		allow_declared_amount INTEGER NOT NULL DEFAULT 0,
		limits_json TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Quota ledger: one row per (member, sub-type, fiscal year), created lazily
	CREATE TABLE IF NOT EXISTS quota_ledger (
		member_id TEXT NOT NULL,
		sub_type_id TEXT NOT NULL,
		fiscal_year INTEGER NOT NULL,
		used_amount_year TEXT NOT NULL,
		used_claims_year INTEGER NOT NULL,
		used_amount_lifetime TEXT NOT NULL,
		used_claims_lifetime INTEGER NOT NULL,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (member_id, sub_type_id, fiscal_year)
	);

	-- Claims
	CREATE TABLE IF NOT EXISTS claims (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		sub_type_id TEXT NOT NULL,
		fiscal_year INTEGER NOT NULL,
		quantity INTEGER,
		declared_amount TEXT,
		description TEXT,
		requested_amount TEXT NOT NULL,
		approved_amount TEXT,
		state TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_claims_member
		ON claims(member_id, submitted_at);
	CREATE INDEX IF NOT EXISTS idx_claims_state
		ON claims(state, submitted_at);

	-- Approval history (append-only)
	CREATE TABLE IF NOT EXISTS claim_events (
		claim_id TEXT NOT NULL REFERENCES claims(id),
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		action TEXT NOT NULL,
		from_state TEXT,
		to_state TEXT NOT NULL,
		actor_id TEXT,
		role TEXT,
		comment TEXT,
		amount TEXT,
		at TEXT NOT NULL,
		PRIMARY KEY (claim_id, seq)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// SUB-TYPES
// =============================================================================

const subTypeColumns = `id, category_id, name, method, base_amount, unit_label,
	allow_declared_amount, limits_json, active`

// GetSubType retrieves a sub-type by ID.
func (s *Store) GetSubType(ctx context.Context, id benefit.SubTypeID) (*benefit.SubType, error) {
	return getSubType(ctx, s.db, id)
}

func getSubType(ctx context.Context, q querier, id benefit.SubTypeID) (*benefit.SubType, error) {
	row := q.QueryRowContext(ctx, `SELECT `+subTypeColumns+` FROM sub_types WHERE id = ?`, id)
	st, err := scanSubType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &benefit.NotFoundError{Kind: "sub-type", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ListSubTypes returns all sub-types in insertion order.
func (s *Store) ListSubTypes(ctx context.Context) ([]benefit.SubType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subTypeColumns+` FROM sub_types ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sub-types: %w", err)
	}
	defer rows.Close()

	var out []benefit.SubType
	for rows.Next() {
		st, err := scanSubType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PutSubType inserts or replaces a sub-type configuration.
func (s *Store) PutSubType(ctx context.Context, st benefit.SubType) error {
	limitsJSON, err := json.Marshal(limitsRecord{
		MaxPerRequest:     st.Limits.MaxPerRequest,
		MaxAmountPerYear:  st.Limits.MaxAmountPerYear,
		MaxClaimsPerYear:  st.Limits.MaxClaimsPerYear,
		MaxLifetimeAmount: st.Limits.MaxLifetimeAmount,
		MaxLifetimeClaims: st.Limits.MaxLifetimeClaims,
	})
	if err != nil {
		return fmt.Errorf("failed to encode limits: %w", err)
	}

	now := s.now().Format(time.RFC3339Nano)
	query := `
		INSERT INTO sub_types (` + subTypeColumns + `, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category_id = excluded.category_id,
			name = excluded.name,
			method = excluded.method,
			base_amount = excluded.base_amount,
			unit_label = excluded.unit_label,
			allow_declared_amount = excluded.allow_declared_amount,
			limits_json = excluded.limits_json,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		st.ID, st.CategoryID, st.Name, st.Method, st.BaseAmount.String(),
		nullString(st.UnitLabel), st.AllowDeclaredAmount, string(limitsJSON), st.Active,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save sub-type %s: %w", st.ID, err)
	}
	return nil
}

// limitsRecord is the limits_json column layout.
type limitsRecord struct {
	MaxPerRequest     *decimal.Decimal `json:"max_per_request,omitempty"`
	MaxAmountPerYear  *decimal.Decimal `json:"max_amount_per_year,omitempty"`
	MaxClaimsPerYear  *int             `json:"max_claims_per_year,omitempty"`
	MaxLifetimeAmount *decimal.Decimal `json:"max_lifetime_amount,omitempty"`
	MaxLifetimeClaims *int             `json:"max_lifetime_claims,omitempty"`
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubType(row scanner) (benefit.SubType, error) {
	var (
		st         benefit.SubType
		baseAmount string
		unitLabel  sql.NullString
		limitsJSON string
	)
	err := row.Scan(&st.ID, &st.CategoryID, &st.Name, &st.Method, &baseAmount,
		&unitLabel, &st.AllowDeclaredAmount, &limitsJSON, &st.Active)
	if err != nil {
		return st, err
	}

	if st.BaseAmount, err = decimal.NewFromString(baseAmount); err != nil {
		return st, fmt.Errorf("sub-type %s: bad base_amount %q: %w", st.ID, baseAmount, err)
	}
	st.UnitLabel = unitLabel.String

	var lr limitsRecord
	if err := json.Unmarshal([]byte(limitsJSON), &lr); err != nil {
		return st, fmt.Errorf("sub-type %s: bad limits_json: %w", st.ID, err)
	}
	st.Limits = benefit.Limits{
		MaxPerRequest:     lr.MaxPerRequest,
		MaxAmountPerYear:  lr.MaxAmountPerYear,
		MaxClaimsPerYear:  lr.MaxClaimsPerYear,
		MaxLifetimeAmount: lr.MaxLifetimeAmount,
		MaxLifetimeClaims: lr.MaxLifetimeClaims,
	}
	return st, nil
}

// =============================================================================
// QUOTA LEDGER
// =============================================================================

// GetLedger returns the row for key. Lifetime usage is the sum of the
// yearly usage over every fiscal year of (member, sub-type).
func (s *Store) GetLedger(ctx context.Context, key benefit.LedgerKey) (benefit.LedgerEntry, error) {
	return getLedger(ctx, s.db, key)
}

func getLedger(ctx context.Context, q querier, key benefit.LedgerKey) (benefit.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT member_id, sub_type_id, fiscal_year, used_amount_year, used_claims_year,
		       used_amount_lifetime, used_claims_lifetime, version, updated_at
		FROM quota_ledger
		WHERE member_id = ? AND sub_type_id = ?
	`, key.MemberID, key.SubTypeID)
	if err != nil {
		return benefit.LedgerEntry{}, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	entry := benefit.ZeroEntry(key)
	lifetimeAmount, lifetimeClaims := decimal.Zero, 0
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return benefit.LedgerEntry{}, err
		}
		lifetimeAmount = lifetimeAmount.Add(e.UsedAmountYear)
		lifetimeClaims += e.UsedClaimsYear
		if e.Key == key {
			entry = e
		}
	}
	if err := rows.Err(); err != nil {
		return benefit.LedgerEntry{}, err
	}

	entry.UsedAmountLifetime = lifetimeAmount
	entry.UsedClaimsLifetime = lifetimeClaims
	return entry, nil
}

// ListLedger returns every ledger row of a member, lifetime columns
// recomputed per sub-type.
func (s *Store) ListLedger(ctx context.Context, memberID benefit.MemberID) ([]benefit.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_id, sub_type_id, fiscal_year, used_amount_year, used_claims_year,
		       used_amount_lifetime, used_claims_lifetime, version, updated_at
		FROM quota_ledger
		WHERE member_id = ?
		ORDER BY sub_type_id, fiscal_year
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	type total struct {
		amount decimal.Decimal
		claims int
	}
	totals := make(map[benefit.SubTypeID]total)
	var out []benefit.LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, err
		}
		t := totals[e.Key.SubTypeID]
		totals[e.Key.SubTypeID] = total{amount: t.amount.Add(e.UsedAmountYear), claims: t.claims + e.UsedClaimsYear}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		t := totals[out[i].Key.SubTypeID]
		out[i].UsedAmountLifetime = t.amount
		out[i].UsedClaimsLifetime = t.claims
	}
	return out, nil
}

func scanLedger(row scanner) (benefit.LedgerEntry, error) {
	var (
		e                          benefit.LedgerEntry
		amountYear, amountLifetime string
		updatedAt                  string
	)
	err := row.Scan(&e.Key.MemberID, &e.Key.SubTypeID, &e.Key.FiscalYear,
		&amountYear, &e.UsedClaimsYear, &amountLifetime, &e.UsedClaimsLifetime,
		&e.Version, &updatedAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan ledger row: %w", err)
	}
	if e.UsedAmountYear, err = decimal.NewFromString(amountYear); err != nil {
		return e, fmt.Errorf("ledger %s: bad used_amount_year: %w", e.Key, err)
	}
	if e.UsedAmountLifetime, err = decimal.NewFromString(amountLifetime); err != nil {
		return e, fmt.Errorf("ledger %s: bad used_amount_lifetime: %w", e.Key, err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return e, fmt.Errorf("ledger %s: bad updated_at: %w", e.Key, err)
	}
	return e, nil
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

func incrementLedger(ctx context.Context, q querier, snapshot benefit.LedgerEntry, d benefit.LedgerDelta, now time.Time) (benefit.LedgerEntry, error) {
	next := snapshot.Add(d)
	next.Version = snapshot.Version + 1
	next.UpdatedAt = now
	k := snapshot.Key

	if !snapshot.Exists() {
		_, err := q.ExecContext(ctx, `
			INSERT INTO quota_ledger (member_id, sub_type_id, fiscal_year, used_amount_year,
				used_claims_year, used_amount_lifetime, used_claims_lifetime, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, k.MemberID, k.SubTypeID, k.FiscalYear, next.UsedAmountYear.String(), next.UsedClaimsYear,
			next.UsedAmountLifetime.String(), next.UsedClaimsLifetime, next.Version,
			now.Format(time.RFC3339Nano))
		if isUniqueConstraintError(err) {
			return benefit.LedgerEntry{}, benefit.ErrConflict
		}
		if err != nil {
			return benefit.LedgerEntry{}, mapBusy(fmt.Errorf("failed to insert ledger %s: %w", k, err))
		}
		return next, nil
	}

	res, err := q.ExecContext(ctx, `
		UPDATE quota_ledger
		SET used_amount_year = ?, used_claims_year = ?,
		    used_amount_lifetime = ?, used_claims_lifetime = ?,
		    version = ?, updated_at = ?
		WHERE member_id = ? AND sub_type_id = ? AND fiscal_year = ? AND version = ?
	`, next.UsedAmountYear.String(), next.UsedClaimsYear,
		next.UsedAmountLifetime.String(), next.UsedClaimsLifetime,
		next.Version, now.Format(time.RFC3339Nano),
		k.MemberID, k.SubTypeID, k.FiscalYear, snapshot.Version)
	if err != nil {
		return benefit.LedgerEntry{}, mapBusy(fmt.Errorf("failed to update ledger %s: %w", k, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return benefit.LedgerEntry{}, fmt.Errorf("failed to update ledger %s: %w", k, err)
	}
	if n == 0 {
		return benefit.LedgerEntry{}, benefit.ErrConflict
	}
	return next, nil
}

// =============================================================================
// CLAIMS
// =============================================================================

const claimColumns = `id, member_id, sub_type_id, fiscal_year, quantity, declared_amount,
	description, requested_amount, approved_amount, state, submitted_at, updated_at, version`

// GetClaim retrieves a claim with its full event history.
func (s *Store) GetClaim(ctx context.Context, id benefit.ClaimID) (*benefit.Claim, error) {
	return getClaim(ctx, s.db, id)
}

func getClaim(ctx context.Context, q querier, id benefit.ClaimID) (*benefit.Claim, error) {
	c, err := scanClaim(q.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &benefit.NotFoundError{Kind: "claim", ID: string(id)}
	}
	if err != nil {
		return nil, err
	}
	if c.Events, err = loadEvents(ctx, q, c.ID); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListClaimsByMember returns a member's claims, oldest first.
func (s *Store) ListClaimsByMember(ctx context.Context, memberID benefit.MemberID) ([]benefit.Claim, error) {
	return s.queryClaims(ctx, `SELECT `+claimColumns+` FROM claims
		WHERE member_id = ? ORDER BY submitted_at, id`, memberID)
}

// ListClaimsByState returns the claims in one state, oldest first.
func (s *Store) ListClaimsByState(ctx context.Context, state benefit.ClaimState) ([]benefit.Claim, error) {
	return s.queryClaims(ctx, `SELECT `+claimColumns+` FROM claims
		WHERE state = ? ORDER BY submitted_at, id`, state)
}

func (s *Store) queryClaims(ctx context.Context, query string, args ...any) ([]benefit.Claim, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}

	var claims []benefit.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claims = append(claims, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Events are loaded after the claim cursor is closed so this works
	// with a single pooled connection.
	for i := range claims {
		if claims[i].Events, err = loadEvents(ctx, s.db, claims[i].ID); err != nil {
			return nil, err
		}
	}
	return claims, nil
}

func scanClaim(row scanner) (benefit.Claim, error) {
	var (
		c                        benefit.Claim
		quantity                 sql.NullInt64
		declared, approved, desc sql.NullString
		requested                string
		submittedAt, updatedAt   string
	)
	err := row.Scan(&c.ID, &c.MemberID, &c.SubTypeID, &c.FiscalYear, &quantity, &declared,
		&desc, &requested, &approved, &c.State, &submittedAt, &updatedAt, &c.Version)
	if err != nil {
		return c, err
	}

	if quantity.Valid {
		q := int(quantity.Int64)
		c.Quantity = &q
	}
	if c.DeclaredAmount, err = parseNullDecimal(declared); err != nil {
		return c, fmt.Errorf("claim %s: bad declared_amount: %w", c.ID, err)
	}
	if c.ApprovedAmount, err = parseNullDecimal(approved); err != nil {
		return c, fmt.Errorf("claim %s: bad approved_amount: %w", c.ID, err)
	}
	if c.RequestedAmount, err = decimal.NewFromString(requested); err != nil {
		return c, fmt.Errorf("claim %s: bad requested_amount: %w", c.ID, err)
	}
	c.Description = desc.String
	if c.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return c, fmt.Errorf("claim %s: bad submitted_at: %w", c.ID, err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return c, fmt.Errorf("claim %s: bad updated_at: %w", c.ID, err)
	}
	return c, nil
}

func loadEvents(ctx context.Context, q querier, id benefit.ClaimID) ([]benefit.ApprovalEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, seq, action, from_state, to_state, actor_id, role, comment, amount, at
		FROM claim_events WHERE claim_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for %s: %w", id, err)
	}
	defer rows.Close()

	var events []benefit.ApprovalEvent
	for rows.Next() {
		var (
			ev                               benefit.ApprovalEvent
			from, actor, role, comment, amnt sql.NullString
			at                               string
		)
		if err := rows.Scan(&ev.ID, &ev.Seq, &ev.Action, &from, &ev.To, &actor, &role, &comment, &amnt, &at); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.From = benefit.ClaimState(from.String)
		ev.ActorID = actor.String
		ev.Role = benefit.Role(role.String)
		ev.Comment = comment.String
		if ev.Amount, err = parseNullDecimal(amnt); err != nil {
			return nil, fmt.Errorf("event %s: bad amount: %w", ev.ID, err)
		}
		if ev.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("event %s: bad at: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func insertEvent(ctx context.Context, q querier, id benefit.ClaimID, ev benefit.ApprovalEvent) error {
	var amount sql.NullString
	if ev.Amount != nil {
		amount = sql.NullString{String: ev.Amount.String(), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO claim_events (claim_id, seq, id, action, from_state, to_state, actor_id, role, comment, amount, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, ev.Seq, ev.ID, ev.Action, nullString(string(ev.From)), ev.To,
		nullString(ev.ActorID), nullString(string(ev.Role)), nullString(ev.Comment),
		amount, ev.At.Format(time.RFC3339Nano))
	if isUniqueConstraintError(err) {
		return benefit.ErrConflict
	}
	return err
}

func createClaim(ctx context.Context, q querier, c *benefit.Claim) error {
	_, err := q.ExecContext(ctx, `INSERT INTO claims (`+claimColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.MemberID, c.SubTypeID, c.FiscalYear, nullInt(c.Quantity), nullDecimal(c.DeclaredAmount),
		nullString(c.Description), c.RequestedAmount.String(), nullDecimal(c.ApprovedAmount), c.State,
		c.SubmittedAt.Format(time.RFC3339Nano), c.UpdatedAt.Format(time.RFC3339Nano), 1)
	if isUniqueConstraintError(err) {
		return benefit.ErrDuplicateClaim
	}
	if err != nil {
		return mapBusy(fmt.Errorf("failed to insert claim %s: %w", c.ID, err))
	}
	for _, ev := range c.Events {
		if err := insertEvent(ctx, q, c.ID, ev); err != nil {
			return err
		}
	}
	c.Version = 1
	return nil
}

func updateClaim(ctx context.Context, q querier, c *benefit.Claim) error {
	var stored int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM claim_events WHERE claim_id = ?`, c.ID).Scan(&stored); err != nil {
		return mapBusy(fmt.Errorf("failed to count events for %s: %w", c.ID, err))
	}
	if len(c.Events) != stored+1 {
		return &benefit.InvalidInputError{Field: "events", Message: "exactly one event must be appended per update"}
	}

	res, err := q.ExecContext(ctx, `
		UPDATE claims
		SET state = ?, approved_amount = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, c.State, nullDecimal(c.ApprovedAmount), c.UpdatedAt.Format(time.RFC3339Nano), c.ID, c.Version)
	if err != nil {
		return mapBusy(fmt.Errorf("failed to update claim %s: %w", c.ID, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update claim %s: %w", c.ID, err)
	}
	if n == 0 {
		var exists int
		err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM claims WHERE id = ?`, c.ID).Scan(&exists)
		if err != nil {
			return mapBusy(fmt.Errorf("failed to look up claim %s: %w", c.ID, err))
		}
		if exists == 0 {
			return &benefit.NotFoundError{Kind: "claim", ID: string(c.ID)}
		}
		return benefit.ErrConflict
	}

	if err := insertEvent(ctx, q, c.ID, c.Events[len(c.Events)-1]); err != nil {
		return err
	}
	c.Version++
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (benefit.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. The callback
// must only use the Tx it is handed.
func (s *Store) WithTx(ctx context.Context, fn func(benefit.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapBusy(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapBusy(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) GetSubType(ctx context.Context, id benefit.SubTypeID) (*benefit.SubType, error) {
	return getSubType(ctx, ts.tx, id)
}

func (ts *txStore) GetLedger(ctx context.Context, key benefit.LedgerKey) (benefit.LedgerEntry, error) {
	return getLedger(ctx, ts.tx, key)
}

func (ts *txStore) GetClaim(ctx context.Context, id benefit.ClaimID) (*benefit.Claim, error) {
	return getClaim(ctx, ts.tx, id)
}

func (ts *txStore) CreateClaim(ctx context.Context, c *benefit.Claim) error {
	return createClaim(ctx, ts.tx, c)
}

func (ts *txStore) UpdateClaim(ctx context.Context, c *benefit.Claim) error {
	return updateClaim(ctx, ts.tx, c)
}

func (ts *txStore) IncrementLedger(ctx context.Context, snapshot benefit.LedgerEntry, d benefit.LedgerDelta) (benefit.LedgerEntry, error) {
	return incrementLedger(ctx, ts.tx, snapshot, d, ts.parent.now())
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// mapBusy turns lock timeouts into ErrConflict so callers retry.
func mapBusy(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %w", benefit.ErrConflict, err)
	}
	return err
}

/*
Package sqlstore provides a database/sql implementation of core.TxStore.

PURPOSE:
  Implements every persistence contract of the engine on a relational
  database. The same SQL runs on SQLite (mattn/go-sqlite3) and PostgreSQL
  (lib/pq); queries are written with "?" placeholders and rebound to "$n"
  for PostgreSQL.

KEY TABLES:
  subscribers:            identity, running score, cached rank
  campaigns:              one per waitlist, status + settings_json
  point_rules:            event-scoped rules, condition_json parsed on load
  referrals:              referrer -> referred edges
  point_ledger:           append-only award log (source of truth for score)
  rewards:                distribution rule + capacity
  subscriber_rewards:     unlock records
  ranking_snapshots:      snapshot generation headers
  ranking_snapshot_rows:  immutable rank+score per subscriber per generation

IDEMPOTENCY GUARDS (unique indexes):
  idx_subscribers_waitlist_email, idx_subscribers_referral_code,
  idx_referrals_edge, idx_subscriber_rewards_unique, idx_point_ledger_idempotency,
  idx_point_ledger_seq, idx_campaigns_waitlist

SAVEPOINTS:
  Writes whose failure the engine absorbs (cached rank, duplicate ledger key,
  duplicate unlock, referral code collision) run inside a SAVEPOINT when the
  store is bound to a transaction. PostgreSQL aborts the whole transaction on
  a failed statement; rolling back to the savepoint keeps it usable.

TIMESTAMPS:
  Stored as BIGINT unix nanoseconds so the signup tie-break keeps full precision
  on both databases.

USAGE:
  store, err := sqlstore.Open(sqlstore.SQLite, "./data/waitlist.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - core/store.go: Interface definitions
  - core/store/memory.go: In-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/warp/waitlist-engine/core"
)

// Dialect names a database/sql driver this store knows how to speak to.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// ParseDialect accepts the driver names used in configuration.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3", "":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	}
	return "", fmt.Errorf("unknown database driver %q", s)
}

// Store implements core.TxStore.
type Store struct {
	queries
	db *sql.DB
}

var _ core.TxStore = (*Store)(nil)

// New opens a SQLite database at dbPath. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return Open(SQLite, dbPath)
}

// Open connects with the given dialect and migrates the schema.
func Open(d Dialect, dsn string) (*Store, error) {
	if d == SQLite && !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d == SQLite {
		// One connection: ":memory:" databases are per connection, and SQLite
		// has a single writer anyway.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, queries: queries{q: db, d: d}}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(core.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx, d: s.d, inTx: true}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isSerializationFailure(err) {
			return fmt.Errorf("%w: %v", core.ErrConcurrentModification, err)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"ranking_snapshot_rows", "ranking_snapshots", "subscriber_rewards", "rewards",
		"point_ledger", "referrals", "point_rules", "campaigns", "subscribers",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("reset %s: %w", t, err)
		}
	}
	return nil
}

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
	CREATE TABLE IF NOT EXISTS subscribers (
		id TEXT PRIMARY KEY,
		waitlist_id TEXT NOT NULL,
		email TEXT NOT NULL,
		email_key TEXT NOT NULL,
		referral_code TEXT NOT NULL,
		score INTEGER NOT NULL DEFAULT 0,
		cached_rank INTEGER,
		referred_by TEXT,
		email_verified BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscribers_waitlist_email
		ON subscribers(waitlist_id, email_key);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscribers_referral_code
		ON subscribers(referral_code);

	-- Leaderboard ordering (hot path)
	CREATE INDEX IF NOT EXISTS idx_subscribers_ranking
		ON subscribers(waitlist_id, score DESC, created_at ASC, id ASC);

	CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		waitlist_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		settings_json TEXT NOT NULL,
		ends_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);

	-- One campaign per waitlist (current design)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_campaigns_waitlist
		ON campaigns(waitlist_id);

	CREATE TABLE IF NOT EXISTS point_rules (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		name TEXT NOT NULL,
		event TEXT NOT NULL,
		points INTEGER NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		condition_json TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_point_rules_lookup
		ON point_rules(campaign_id, event, priority);

	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		waitlist_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		referrer_id TEXT NOT NULL,
		referred_email TEXT NOT NULL,
		referred_email_key TEXT NOT NULL,
		referred_id TEXT,
		status TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		confirmed_at BIGINT
	);

	-- CRITICAL: at most one edge per (referrer, referred email)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_referrals_edge
		ON referrals(waitlist_id, referrer_id, referred_email_key);
	CREATE INDEX IF NOT EXISTS idx_referrals_referrer_status
		ON referrals(referrer_id, status);
	CREATE INDEX IF NOT EXISTS idx_referrals_referred
		ON referrals(referred_id) WHERE referred_id IS NOT NULL;

	-- Point ledger (append-only)
	CREATE TABLE IF NOT EXISTS point_ledger (
		id TEXT PRIMARY KEY,
		subscriber_id TEXT NOT NULL,
		campaign_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event TEXT NOT NULL,
		points INTEGER NOT NULL,
		reference_id TEXT,
		rule_id TEXT,
		idempotency_key TEXT,
		metadata_json TEXT,
		created_at BIGINT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_point_ledger_seq
		ON point_ledger(subscriber_id, campaign_id, seq);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_point_ledger_idempotency
		ON point_ledger(idempotency_key);

	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		name TEXT NOT NULL,
		rule_type TEXT NOT NULL,
		rule_params_json TEXT,
		max_recipients INTEGER,
		created_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rewards_campaign
		ON rewards(campaign_id);

	CREATE TABLE IF NOT EXISTS subscriber_rewards (
		id TEXT PRIMARY KEY,
		subscriber_id TEXT NOT NULL,
		reward_id TEXT NOT NULL,
		status TEXT NOT NULL,
		unlocked_at BIGINT NOT NULL,
		claimed_at BIGINT
	);

	-- CRITICAL: one unlock per (subscriber, reward)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriber_rewards_unique
		ON subscriber_rewards(subscriber_id, reward_id);
	CREATE INDEX IF NOT EXISTS idx_subscriber_rewards_reward
		ON subscriber_rewards(reward_id, status);

	CREATE TABLE IF NOT EXISTS ranking_snapshots (
		id TEXT PRIMARY KEY,
		waitlist_id TEXT NOT NULL,
		is_final BOOLEAN NOT NULL DEFAULT FALSE,
		size INTEGER NOT NULL,
		created_at BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ranking_snapshots_waitlist
		ON ranking_snapshots(waitlist_id, created_at);

	CREATE TABLE IF NOT EXISTS ranking_snapshot_rows (
		snapshot_id TEXT NOT NULL,
		waitlist_id TEXT NOT NULL,
		subscriber_id TEXT NOT NULL,
		email TEXT NOT NULL,
		rank INTEGER NOT NULL,
		score INTEGER NOT NULL,
		referral_count INTEGER NOT NULL,
		joined_at BIGINT NOT NULL,
		is_final BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (snapshot_id, subscriber_id)
	);

	CREATE INDEX IF NOT EXISTS idx_ranking_snapshot_rows_rank
		ON ranking_snapshot_rows(snapshot_id, rank);
`

// migrate creates the database schema. PostgreSQL's lib/pq does not accept
// several statements with bind parameters, so statements run one at a time.
func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range splitStatements(schema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w\n%s", err, stmt)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.HasPrefix(trimmed, "--") {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			out = append(out, strings.Join(lines, "\n"))
		}
	}
	return out
}

// =============================================================================
// QUERY PLUMBING
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements core.Store on either the *sql.DB or one *sql.Tx.
type queries struct {
	q    querier
	d    Dialect
	inTx bool
}

func (qs *queries) rebind(query string) string {
	if qs.d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (qs *queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return qs.q.ExecContext(ctx, qs.rebind(query), args...)
}

func (qs *queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return qs.q.QueryContext(ctx, qs.rebind(query), args...)
}

func (qs *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return qs.q.QueryRowContext(ctx, qs.rebind(query), args...)
}

// guarded runs fn inside a savepoint when bound to a transaction, so a failed
// statement the caller chooses to absorb leaves the transaction usable.
func (qs *queries) guarded(ctx context.Context, fn func() error) error {
	if !qs.inTx {
		return fn()
	}
	if _, err := qs.q.ExecContext(ctx, "SAVEPOINT guarded_write"); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := qs.q.ExecContext(ctx, "ROLLBACK TO SAVEPOINT guarded_write"); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint: %v)", err, rbErr)
		}
		if _, relErr := qs.q.ExecContext(ctx, "RELEASE SAVEPOINT guarded_write"); relErr != nil {
			return fmt.Errorf("%w (release savepoint: %v)", err, relErr)
		}
		return err
	}
	_, err := qs.q.ExecContext(ctx, "RELEASE SAVEPOINT guarded_write")
	return err
}

// expectRow turns "0 rows affected" into notFound.
func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "40001" || pe.Code == "40P01"
	}
	return false
}

// violates reports whether a unique violation names the given index or column.
func violates(err error, name string) bool {
	return isUniqueViolation(err) && strings.Contains(err.Error(), name)
}

// =============================================================================
// VALUE CONVERSION
// =============================================================================

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func emailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// noLimit stands in for "all rows" in LIMIT clauses on both dialects.
const noLimit = 1<<31 - 1

func pageArgs(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = noLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

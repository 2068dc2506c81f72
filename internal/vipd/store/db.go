package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the engine's SQLite database holding the ledger, entitlements and
// vote records.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the engine database in dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "vipd.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	// A single connection serialises writers; InTx callers must only use the
	// stores handed to them by the Tx.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	d := &DB{db: db}
	if err := d.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		kind            TEXT NOT NULL,
		tier_id         TEXT NOT NULL DEFAULT '',
		amount          INTEGER NOT NULL,
		payment_ref     TEXT UNIQUE,
		status          TEXT NOT NULL DEFAULT 'PENDING',
		is_auto_renewal INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_user_id ON transactions(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);

	CREATE TABLE IF NOT EXISTS entitlements (
		user_id         TEXT PRIMARY KEY,
		is_vip          INTEGER NOT NULL DEFAULT 0,
		tier_name       TEXT NOT NULL DEFAULT 'null',
		expiry_instant  INTEGER NOT NULL DEFAULT -1,
		auto_renew      INTEGER NOT NULL DEFAULT 0,
		reward_balance  INTEGER NOT NULL DEFAULT 0,
		updated_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_expiry ON entitlements(is_vip, expiry_instant);

	CREATE TABLE IF NOT EXISTS votes (
		user_id       TEXT PRIMARY KEY,
		has_voted     INTEGER NOT NULL DEFAULT 0,
		has_collected INTEGER NOT NULL DEFAULT 0,
		kind          TEXT NOT NULL DEFAULT '',
		query         TEXT NOT NULL DEFAULT '',
		voted_at      INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("init store schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ledger returns the transaction store.
func (d *DB) Ledger() *Ledger { return &Ledger{q: d.db} }

// Entitlements returns the entitlement store.
func (d *DB) Entitlements() *Entitlements { return &Entitlements{q: d.db} }

// Votes returns the vote record store.
func (d *DB) Votes() *Votes { return &Votes{q: d.db} }

// Tx scopes the stores to one SQL transaction.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Ledger() *Ledger             { return &Ledger{q: t.tx} }
func (t *Tx) Entitlements() *Entitlements { return &Entitlements{q: t.tx} }
func (t *Tx) Votes() *Votes               { return &Votes{q: t.tx} }

// InTx runs fn inside a transaction, committing when fn returns nil.
func (d *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

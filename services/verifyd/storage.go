package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the verification audit trail and the binding between a
// payment and the resource it was first used to unlock.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and initialises) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS verify_audit (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL,
            payment_id TEXT NOT NULL,
            merchant TEXT NOT NULL,
            accepted INTEGER NOT NULL,
            reason TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS payment_resources (
            payment_id TEXT PRIMARY KEY,
            resource TEXT NOT NULL,
            bound_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AuditEntry records the outcome of a single verification call.
type AuditEntry struct {
	OccurredAt time.Time
	PaymentID  string
	Merchant   string
	Accepted   bool
	Reason     string
}

// InsertAudit appends an audit entry.
func (s *SQLiteStore) InsertAudit(ctx context.Context, entry AuditEntry) error {
	accepted := 0
	if entry.Accepted {
		accepted = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verify_audit (occurred_at, payment_id, merchant, accepted, reason) VALUES (?, ?, ?, ?, ?)`,
		entry.OccurredAt, entry.PaymentID, entry.Merchant, accepted, entry.Reason,
	)
	return err
}

// BindResource records which resource a payment first authorized and returns
// the bound resource. The first caller wins; later calls see the original
// binding, which is how a payment for request A is prevented from unlocking
// request B.
func (s *SQLiteStore) BindResource(ctx context.Context, paymentID, resource string, now time.Time) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	var bound string
	err = tx.QueryRowContext(ctx, `SELECT resource FROM payment_resources WHERE payment_id = ?`, paymentID).Scan(&bound)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO payment_resources (payment_id, resource, bound_at) VALUES (?, ?, ?)`,
			paymentID, resource, now,
		); err != nil {
			return "", err
		}
		bound = resource
	case err != nil:
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return bound, nil
}

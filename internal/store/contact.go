package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertContacts inserts or updates contacts in a single transaction. An
// empty display name never overwrites a known one.
func (db *DB) UpsertContacts(ctx context.Context, contacts []Contact) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range contacts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contacts (identity, display_name, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(identity) DO UPDATE SET
				display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE contacts.display_name END,
				updated_at = excluded.updated_at`,
			c.Identity, c.DisplayName, now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.Identity, err)
		}
	}
	return tx.Commit()
}

// GetContact returns a contact by identity, or nil if unknown.
func (db *DB) GetContact(ctx context.Context, identity string) (*Contact, error) {
	var c Contact
	err := db.QueryRowContext(ctx, `SELECT identity, display_name FROM contacts WHERE identity = ?`, identity).
		Scan(&c.Identity, &c.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ContactNames returns display names keyed by identity.
func (db *DB) ContactNames(ctx context.Context) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT identity, display_name FROM contacts WHERE display_name != ''`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	names := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, rows.Err()
}

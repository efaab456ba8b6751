package store

import (
	"context"
	"fmt"
)

// AccountIdentities returns the archive owner's own identities.
func (db *DB) AccountIdentities(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT identity FROM accounts ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("account identities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddAccountIdentity records identity as belonging to the archive owner.
func (db *DB) AddAccountIdentity(ctx context.Context, identity string) error {
	_, err := db.ExecContext(ctx, `INSERT INTO accounts (identity) VALUES (?) ON CONFLICT(identity) DO NOTHING`, identity)
	return err
}

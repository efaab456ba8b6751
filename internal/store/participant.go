package store

import (
	"context"
	"fmt"
)

// ListParticipants returns the members of a conversation ordered by id.
func (db *DB) ListParticipants(ctx context.Context, convID int64) ([]Participant, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT conversation_id, identity, role
		FROM participants
		WHERE conversation_id = ?
		ORDER BY id`, convID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ConversationID, &p.Identity, &p.Role); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertParticipants adds members to a conversation in one transaction.
// Members already present are left unchanged.
func (db *DB) InsertParticipants(ctx context.Context, convID int64, ps []Participant) error {
	if len(ps) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range ps {
		role := p.Role
		if role == "" {
			role = RoleMember
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, identity, role)
			VALUES (?, ?, ?)
			ON CONFLICT(conversation_id, identity) DO NOTHING`,
			convID, p.Identity, role); err != nil {
			return fmt.Errorf("insert participant %q: %w", p.Identity, err)
		}
	}
	return tx.Commit()
}

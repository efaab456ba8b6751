package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

const messageColumns = `id, conversation_id, remote_id, author, type, timestamp, body_raw, body, identities, edited_by, edited_at`

func scanMessage(sc interface{ Scan(...any) error }) (Message, error) {
	var m Message
	var identities string
	err := sc.Scan(&m.ID, &m.ConversationID, &m.RemoteID, &m.Author, &m.Type, &m.Timestamp,
		&m.BodyRaw, &m.Body, &identities, &m.EditedBy, &m.EditedAt)
	if identities != "" {
		m.Identities = strings.Split(identities, "\n")
	}
	return m, err
}

// StreamMessages yields the messages of a conversation ordered by timestamp
// and then id. Rows are read lazily; breaking out of the loop releases the
// cursor.
func (db *DB) StreamMessages(ctx context.Context, convID int64, ascending bool) iter.Seq2[Message, error] {
	order := "ASC"
	if !ascending {
		order = "DESC"
	}
	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? ORDER BY timestamp ` + order + `, id ` + order

	return func(yield func(Message, error) bool) {
		rows, err := db.QueryContext(ctx, query, convID)
		if err != nil {
			yield(Message{}, fmt.Errorf("stream messages: %w", err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				yield(Message{}, err)
				return
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Message{}, err)
		}
	}
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(ctx context.Context, convID int64, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, convID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a message by surrogate id, or nil if absent.
func (db *DB) GetMessage(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessages appends msgs to a conversation in a single transaction,
// assigning fresh surrogate ids back into msgs. If yield is non-nil it is
// called after every `every` rows; a non-nil return aborts the batch and
// rolls it back. Returns the number of rows written.
func (db *DB) InsertMessages(ctx context.Context, convID int64, msgs []Message, yield func() error, every int) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (conversation_id, remote_id, author, type, timestamp, body_raw, body, identities, edited_by, edited_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for i := range msgs {
		m := &msgs[i]
		if m.Type == "" {
			m.Type = TypeText
		}
		res, err := stmt.ExecContext(ctx, convID, m.RemoteID, m.Author, m.Type, m.Timestamp,
			m.BodyRaw, m.Body, strings.Join(m.Identities, "\n"), m.EditedBy, m.EditedAt, now)
		if err != nil {
			return 0, fmt.Errorf("insert message %d: %w", i, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		m.ID = id
		m.ConversationID = convID

		if yield != nil && every > 0 && (i+1)%every == 0 {
			if err := yield(); err != nil {
				return 0, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(msgs), nil
}

// UpdateMessage applies the non-nil fields of u to the message with the
// given surrogate id.
func (db *DB) UpdateMessage(ctx context.Context, id int64, u MessageUpdate) error {
	var sets []string
	var args []any
	if u.BodyRaw != nil {
		sets = append(sets, "body_raw = ?")
		args = append(args, *u.BodyRaw)
	}
	if u.Body != nil {
		sets = append(sets, "body = ?")
		args = append(args, *u.Body)
	}
	if u.EditedBy != nil {
		sets = append(sets, "edited_by = ?")
		args = append(args, *u.EditedBy)
	}
	if u.EditedAt != nil {
		sets = append(sets, "edited_at = ?")
		args = append(args, *u.EditedAt)
	}
	if u.Timestamp != nil {
		sets = append(sets, "timestamp = ?")
		args = append(args, *u.Timestamp)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := db.ExecContext(ctx, `UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update message %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update message %d: not found", id)
	}
	return nil
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/baderanaas/hushchain/pkg/message"
)

const messageColumns = `id, nonce, sender_username, receiver_username, created_at, type, payload, status, retry, retries, sent_at`

// AddMessage inserts m and sets its ID. A message with the same
// (nonce, sender, createdAt) key returns ErrDuplicate.
func (s *DB) AddMessage(ctx context.Context, m *message.StoredMessage) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (nonce, sender_username, receiver_username, created_at, type, payload, status, retry, retries, sent_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(nonce, sender_username, created_at) DO NOTHING`,
		m.Nonce, m.SenderUsername, m.ReceiverUsername, m.CreatedAt, string(m.Type),
		string(m.Payload), string(m.Status), m.Retry, m.Retries, nullInt(m.SentAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	m.ID, err = res.LastInsertId()
	return err
}

// MessageExists reports whether the de-duplication key is already stored.
func (s *DB) MessageExists(ctx context.Context, nonce, sender string, createdAt int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE nonce = ? AND sender_username = ? AND created_at = ?`,
		nonce, sender, createdAt).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *DB) GetMessage(ctx context.Context, id int64) (*message.StoredMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// UpdateMessage writes the delivery state of m.
func (s *DB) UpdateMessage(ctx context.Context, m *message.StoredMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, retry = ?, retries = ?, sent_at = ? WHERE id = ?`,
		string(m.Status), m.Retry, m.Retries, nullInt(m.SentAt), m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessagesByStatus returns messages sent by sender in the given status,
// oldest first.
func (s *DB) ListMessagesByStatus(ctx context.Context, sender string, status message.Status) ([]*message.StoredMessage, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE sender_username = ? AND status = ? ORDER BY created_at`,
		sender, string(status))
}

// ListConversation returns the messages of the given types exchanged
// between a and b, oldest first.
func (s *DB) ListConversation(ctx context.Context, a, b string, types ...message.MessageType) ([]*message.StoredMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE ((sender_username = ? AND receiver_username = ?) OR (sender_username = ? AND receiver_username = ?))`
	args := []any{a, b, b, a}
	if len(types) > 0 {
		query += ` AND type IN (?` + strings.Repeat(`, ?`, len(types)-1) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY created_at`
	return s.queryMessages(ctx, query, args...)
}

// DeleteMessages removes the messages with the given IDs.
func (s *DB) DeleteMessages(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id IN (?`+strings.Repeat(`, ?`, len(ids)-1)+`)`, args...)
	return err
}

// AddExtraMessage stores the secured wire form of an inbound message.
func (s *DB) AddExtraMessage(ctx context.Context, e *message.ExtraStoredMessage) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO extra_messages (message_id, encrypted_payload, digital_signature) VALUES (?, ?, ?)`,
		e.MessageID, e.EncryptedPayload, e.DigitalSignature)
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (s *DB) GetExtraMessage(ctx context.Context, messageID int64) (*message.ExtraStoredMessage, error) {
	var e message.ExtraStoredMessage
	err := s.db.QueryRowContext(ctx,
		`SELECT id, message_id, encrypted_payload, digital_signature FROM extra_messages WHERE message_id = ?`,
		messageID).Scan(&e.ID, &e.MessageID, &e.EncryptedPayload, &e.DigitalSignature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *DB) queryMessages(ctx context.Context, query string, args ...any) ([]*message.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*message.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*message.StoredMessage, error) {
	var (
		m       message.StoredMessage
		typ     string
		status  string
		payload sql.NullString
		sentAt  sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.Nonce, &m.SenderUsername, &m.ReceiverUsername, &m.CreatedAt,
		&typ, &payload, &status, &m.Retry, &m.Retries, &sentAt)
	if err != nil {
		return nil, err
	}
	m.Type = message.MessageType(typ)
	m.Status = message.Status(status)
	if payload.Valid && payload.String != "" {
		m.Payload = []byte(payload.String)
	}
	m.SentAt = sentAt.Int64
	return &m, nil
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

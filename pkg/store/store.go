// Package store persists keys, contacts, groups and messages in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/baderanaas/hushchain/pkg/message"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const dbFileName = "hushchain.db"

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

// DB is the local persistent store.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database inside dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	path := filepath.Join(dir, dbFileName)
	db, err := sql.Open("sqlite", path+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles concurrent writers poorly.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &DB{db: db, path: path}, nil
}

func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) Path() string {
	return s.path
}

// GetAppData returns the value stored under key.
func (s *DB) GetAppData(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM app WHERE type = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *DB) PutAppData(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app (type, payload) VALUES (?, ?)
		 ON CONFLICT(type) DO UPDATE SET payload = excluded.payload`,
		key, value)
	return err
}

// PutContact stores c. Contacts are immutable once stored: a second put for
// the same username returns ErrDuplicate and leaves the first key in place.
func (s *DB) PutContact(ctx context.Context, c message.Contact) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (username, name, public_key) VALUES (?, ?, ?)
		 ON CONFLICT(username) DO NOTHING`,
		c.Username, c.Name, c.PublicKey)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *DB) GetContact(ctx context.Context, username string) (*message.Contact, error) {
	var c message.Contact
	err := s.db.QueryRowContext(ctx,
		`SELECT username, name, public_key FROM contacts WHERE username = ?`,
		username).Scan(&c.Username, &c.Name, &c.PublicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *DB) ListContacts(ctx context.Context) ([]message.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username, name, public_key FROM contacts ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []message.Contact
	for rows.Next() {
		var c message.Contact
		if err := rows.Scan(&c.Username, &c.Name, &c.PublicKey); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// AddGroup inserts g, returning ErrDuplicate if (name, createdAt) exists.
func (s *DB) AddGroup(ctx context.Context, g *message.Group) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode group: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_groups (name, created_at, data) VALUES (?, ?, ?)
		 ON CONFLICT(name, created_at) DO NOTHING`,
		g.Name, g.CreatedAt, string(data))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

// UpdateGroup overwrites the stored state of an existing group.
func (s *DB) UpdateGroup(ctx context.Context, g *message.Group) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode group: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_groups SET data = ? WHERE name = ? AND created_at = ?`,
		string(data), g.Name, g.CreatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *DB) GetGroup(ctx context.Context, ref message.GroupRef) (*message.Group, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM chat_groups WHERE name = ? AND created_at = ?`,
		ref.Name, ref.CreatedAt).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var g message.Group
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("failed to decode group %s: %w", ref, err)
	}
	return &g, nil
}

// ListGroups returns all groups, newest first.
func (s *DB) ListGroups(ctx context.Context) ([]*message.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM chat_groups ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []*message.Group
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var g message.Group
		if err := json.Unmarshal([]byte(data), &g); err != nil {
			return nil, fmt.Errorf("failed to decode group: %w", err)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// Package store persists server members and permanent channels in SQLite.
// Members are edited row by row and the database is their source of truth.
// Channels are saved as a whole, replacing what is stored.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

var (
	ErrMemberNotFound = errors.New("member not found")
	ErrMemberExists   = errors.New("member already exists")
)

// Member is a stored member record.
type Member struct {
	Username string
	Password string
	Nickname string
}

// Channel is a stored permanent channel. Rows are kept in load order.
type Channel struct {
	Name        string
	Topic       string
	Description string
	HasPassword bool
	Password    string
	MaxClients  uint32
}

// Store wraps the SQLite database connection
type Store struct {
	db *sql.DB
}

// schema is applied in order; PRAGMA user_version records how many ran.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS members (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		nickname TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		position     INTEGER PRIMARY KEY,
		name         TEXT NOT NULL,
		topic        TEXT NOT NULL DEFAULT '',
		description  TEXT NOT NULL DEFAULT '',
		has_password INTEGER NOT NULL DEFAULT 0,
		password     TEXT NOT NULL DEFAULT '',
		max_clients  INTEGER NOT NULL
	)`,
}

// Open opens the SQLite database at path, creating the file and its directory
// if needed, and brings the schema up to date.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps :memory: coherent
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	for i := version; i < len(schema); i++ {
		if _, err := s.db.Exec(schema[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadMembers returns every stored member ordered by username.
func (s *Store) LoadMembers(ctx context.Context) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT username, password, nickname FROM members ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.Username, &m.Password, &m.Nickname); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// PutMember inserts or updates one member.
func (s *Store) PutMember(ctx context.Context, m Member) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO members (username, password, nickname) VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET password = excluded.password, nickname = excluded.nickname`,
		m.Username, m.Password, m.Nickname)
	if err != nil {
		return fmt.Errorf("failed to store member: %w", err)
	}
	return nil
}

// ModifyMember renames a member and replaces their password. The nickname is
// kept.
func (s *Store) ModifyMember(ctx context.Context, username, newUsername, password string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if newUsername != username {
		var taken int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM members WHERE username = ?", newUsername).Scan(&taken); err != nil {
			return fmt.Errorf("failed to query member: %w", err)
		}
		if taken > 0 {
			return ErrMemberExists
		}
	}
	res, err := tx.ExecContext(ctx, "UPDATE members SET username = ?, password = ? WHERE username = ?",
		newUsername, password, username)
	if err != nil {
		return fmt.Errorf("failed to modify member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMemberNotFound
	}
	return tx.Commit()
}

// DeleteMember removes one member.
func (s *Store) DeleteMember(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM members WHERE username = ?", username)
	if err != nil {
		return fmt.Errorf("failed to delete member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// LoadChannels returns the stored permanent channels in their saved order.
func (s *Store) LoadChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, topic, description, has_password, password, max_clients
		FROM channels ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var c Channel
		var maxClients int64
		if err := rows.Scan(&c.Name, &c.Topic, &c.Description, &c.HasPassword, &c.Password, &maxClients); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		c.MaxClients = uint32(maxClients)
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// SaveChannels replaces the stored channels, keeping the slice order.
func (s *Store) SaveChannels(ctx context.Context, channels []Channel) error {
	return s.replace(ctx, "DELETE FROM channels", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO channels
			(position, name, topic, description, has_password, password, max_clients)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, c := range channels {
			if _, err := stmt.ExecContext(ctx, i, c.Name, c.Topic, c.Description, c.HasPassword, c.Password, int64(c.MaxClients)); err != nil {
				return fmt.Errorf("failed to insert channel %q: %w", c.Name, err)
			}
		}
		return nil
	})
}

func (s *Store) replace(ctx context.Context, clear string, fill func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, clear); err != nil {
		tx.Rollback()
		return err
	}
	if err := fill(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

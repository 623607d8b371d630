//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package sqlite provides the relational persona store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/manetu/flowpilot/pkg/common"
	"github.com/manetu/flowpilot/pkg/persona"

	_ "modernc.org/sqlite" // sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS personas (
    persona_id TEXT PRIMARY KEY,
    user_sub   TEXT NOT NULL,
    title      TEXT NOT NULL,
    circle     TEXT NOT NULL,
    scope      TEXT NOT NULL,
    status     TEXT NOT NULL,
    valid_from TEXT NOT NULL,
    valid_till TEXT NOT NULL,
    attributes TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_personas_user   ON personas(user_sub);
CREATE INDEX IF NOT EXISTS idx_personas_title  ON personas(title);
CREATE INDEX IF NOT EXISTS idx_personas_status ON personas(status);
`

// Store is a sqlite-backed [persona.Store].
type Store struct {
	db *sql.DB
}

// NewStore opens (and creates, if needed) the persona database at path.
// Use ":memory:" for an ephemeral store.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr(err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, storageErr(err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func storageErr(err error) error {
	return common.WrapError(common.KindStorage, "persona.storage_error", err, "persona store failure")
}

const columns = "persona_id, user_sub, title, circle, scope, status, valid_from, valid_till, attributes, created_at, updated_at"

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func scanPersona(scanner interface{ Scan(...interface{}) error }) (*persona.Persona, error) {
	var (
		p                                          persona.Persona
		scope, attrs                               string
		validFrom, validTill, createdAt, updatedAt string
	)
	if err := scanner.Scan(&p.ID, &p.UserSub, &p.Title, &p.Circle, &scope, &p.Status,
		&validFrom, &validTill, &attrs, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scope), &p.Scope); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &p.Attributes); err != nil {
		return nil, err
	}

	var err error
	if p.ValidFrom, err = time.Parse(time.RFC3339Nano, validFrom); err != nil {
		return nil, err
	}
	if p.ValidTill, err = time.Parse(time.RFC3339Nano, validTill); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// Create persists a new persona, rejecting duplicate ids.
func (s *Store) Create(ctx context.Context, p *persona.Persona) error {
	scope, err := json.Marshal(p.Scope)
	if err != nil {
		return storageErr(err)
	}
	attrs, err := json.Marshal(p.Attributes)
	if err != nil {
		return storageErr(err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO personas (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserSub, p.Title, p.Circle, string(scope), p.Status,
		encodeTime(p.ValidFrom), encodeTime(p.ValidTill), string(attrs),
		encodeTime(p.CreatedAt), encodeTime(p.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return common.NewErrorf(common.KindAlreadyExists, "persona.already_exists",
				"persona %s already exists", p.ID)
		}
		return storageErr(err)
	}
	return nil
}

// Get returns the persona by id.
func (s *Store) Get(ctx context.Context, id string) (*persona.Persona, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM personas WHERE persona_id = ?`, id)
	p, err := scanPersona(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewErrorf(common.KindNotFound, "persona.not_found", "persona %s not found", id)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return p, nil
}

func (s *Store) query(ctx context.Context, where string, args ...interface{}) ([]persona.Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM personas WHERE `+where+` ORDER BY created_at DESC, persona_id DESC`, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer func() { _ = rows.Close() }()

	var out []persona.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, storageErr(err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

// List returns a user's personas, newest first, optionally status-filtered.
func (s *Store) List(ctx context.Context, userSub string, status string) ([]persona.Persona, error) {
	if status != "" {
		return s.query(ctx, `user_sub = ? AND status = ?`, userSub, status)
	}
	return s.query(ctx, `user_sub = ?`, userSub)
}

// ListByTitle returns personas across users holding the title, newest first.
func (s *Store) ListByTitle(ctx context.Context, title string, status string) ([]persona.Persona, error) {
	if status != "" {
		return s.query(ctx, `title = ? AND status = ?`, title, status)
	}
	return s.query(ctx, `title = ?`, title)
}

// Count returns the number of personas held by the user.
func (s *Store) Count(ctx context.Context, userSub string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM personas WHERE user_sub = ?`, userSub).Scan(&n)
	if err != nil {
		return 0, storageErr(err)
	}
	return n, nil
}

// Update replaces the stored record for p.ID.
func (s *Store) Update(ctx context.Context, p *persona.Persona) error {
	scope, err := json.Marshal(p.Scope)
	if err != nil {
		return storageErr(err)
	}
	attrs, err := json.Marshal(p.Attributes)
	if err != nil {
		return storageErr(err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE personas SET scope = ?, status = ?, valid_from = ?, valid_till = ?, attributes = ?, updated_at = ?
		 WHERE persona_id = ?`,
		string(scope), p.Status, encodeTime(p.ValidFrom), encodeTime(p.ValidTill),
		string(attrs), encodeTime(p.UpdatedAt), p.ID)
	if err != nil {
		return storageErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(err)
	}
	if n == 0 {
		return common.NewErrorf(common.KindNotFound, "persona.not_found", "persona %s not found", p.ID)
	}
	return nil
}

// Delete removes the record; true iff a row was removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE persona_id = ?`, id)
	if err != nil {
		return false, storageErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err)
	}
	return n > 0, nil
}

// interface check
var _ persona.Store = (*Store)(nil)

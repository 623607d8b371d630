//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package sqlite provides the sqlite-backed delegation store, used for
// local development and tests. The production deployment uses the postgres
// store; both enforce the same live-edge uniqueness and merge semantics.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/manetu/flowpilot/pkg/common"
	"github.com/manetu/flowpilot/pkg/delegation"

	_ "modernc.org/sqlite" // sqlite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS delegations (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    principal_id TEXT NOT NULL,
    delegate_id  TEXT NOT NULL,
    workflow_id  TEXT,
    scope        TEXT NOT NULL DEFAULT '["execute"]',
    expires_at   TEXT NOT NULL,
    created_at   TEXT NOT NULL,
    revoked_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_delegations_principal ON delegations(principal_id);
CREATE INDEX IF NOT EXISTS idx_delegations_delegate  ON delegations(delegate_id);
CREATE INDEX IF NOT EXISTS idx_delegations_workflow  ON delegations(workflow_id);
CREATE INDEX IF NOT EXISTS idx_delegations_expires   ON delegations(expires_at);
CREATE INDEX IF NOT EXISTS idx_delegations_revoked   ON delegations(revoked_at);
`

// Store is a sqlite-backed [delegation.Store].
type Store struct {
	db *sql.DB
}

// NewStore opens (and creates, if needed) the delegation database at path.
// Use ":memory:" for an ephemeral store.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr(err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent handlers
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
	return common.WrapError(common.KindStorage, "delegation.storage_error", err, "delegation store failure")
}

func encodeScope(scope []string) (string, error) {
	b, err := json.Marshal(scope)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeScope(raw string) ([]string, error) {
	var scope []string
	if err := json.Unmarshal([]byte(raw), &scope); err != nil {
		return nil, err
	}
	return scope, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func scanEdge(scanner interface{ Scan(...interface{}) error }) (*delegation.Edge, error) {
	var (
		e         delegation.Edge
		scope     string
		expires   string
		created   string
		revokedAt sql.NullString
	)
	if err := scanner.Scan(&e.ID, &e.PrincipalID, &e.DelegateID, &e.WorkflowID, &scope, &expires, &created, &revokedAt); err != nil {
		return nil, err
	}

	var err error
	if e.Scope, err = decodeScope(scope); err != nil {
		return nil, err
	}
	if e.ExpiresAt, err = time.Parse(time.RFC3339Nano, expires); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, revokedAt.String)
		if err != nil {
			return nil, err
		}
		e.RevokedAt = &t
	}
	return &e, nil
}

const edgeColumns = "id, principal_id, delegate_id, workflow_id, scope, expires_at, created_at, revoked_at"

// Insert adds a live edge or merges into the existing live one inside a
// single transaction.
func (s *Store) Insert(ctx context.Context, principal, delegate string, workflowID *string, scope []string, expiresAt time.Time) (*delegation.Edge, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storageErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	row := tx.QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM delegations
		 WHERE principal_id = ? AND delegate_id = ? AND workflow_id IS ?
		   AND revoked_at IS NULL AND expires_at > ?`,
		principal, delegate, workflowID, encodeTime(now))

	existing, err := scanEdge(row)
	switch {
	case err == sql.ErrNoRows:
		// fall through to insert
	case err != nil:
		return nil, false, storageErr(err)
	default:
		return s.merge(ctx, tx, existing, scope, expiresAt)
	}

	scopeJSON, err := encodeScope(scope)
	if err != nil {
		return nil, false, storageErr(err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO delegations (principal_id, delegate_id, workflow_id, scope, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		principal, delegate, workflowID, scopeJSON, encodeTime(expiresAt), encodeTime(now))
	if err != nil {
		return nil, false, storageErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, storageErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, storageErr(err)
	}

	edge := &delegation.Edge{
		ID:          id,
		PrincipalID: principal,
		DelegateID:  delegate,
		WorkflowID:  workflowID,
		Scope:       append([]string{}, scope...),
		ExpiresAt:   expiresAt.UTC(),
		CreatedAt:   now.UTC(),
	}
	return edge, true, nil
}

// merge resolves an insert conflict with an existing live edge: a no-op when
// the request adds nothing, otherwise scope union and max expiry.
func (s *Store) merge(ctx context.Context, tx *sql.Tx, existing *delegation.Edge, scope []string, expiresAt time.Time) (*delegation.Edge, bool, error) {
	widerScope := false
	for _, a := range scope {
		if !existing.HasAction(a) {
			widerScope = true
			break
		}
	}

	if !widerScope && !expiresAt.After(existing.ExpiresAt) {
		if err := tx.Commit(); err != nil {
			return nil, false, storageErr(err)
		}
		return existing, false, nil
	}

	merged := *existing
	if widerScope {
		seen := make(map[string]bool)
		var u []string
		for _, a := range append(append([]string{}, existing.Scope...), scope...) {
			if !seen[a] {
				seen[a] = true
				u = append(u, a)
			}
		}
		merged.Scope = u
	}
	if expiresAt.After(existing.ExpiresAt) {
		merged.ExpiresAt = expiresAt.UTC()
	}

	scopeJSON, err := encodeScope(merged.Scope)
	if err != nil {
		return nil, false, storageErr(err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE delegations SET scope = ?, expires_at = ? WHERE id = ?`,
		scopeJSON, encodeTime(merged.ExpiresAt), existing.ID); err != nil {
		return nil, false, storageErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, storageErr(err)
	}
	return &merged, false, nil
}

// Revoke stamps revoked_at on the live edge for the triple.
func (s *Store) Revoke(ctx context.Context, principal, delegate string, workflowID *string) (bool, error) {
	now := encodeTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE delegations SET revoked_at = ?
		 WHERE principal_id = ? AND delegate_id = ? AND workflow_id IS ?
		   AND revoked_at IS NULL AND expires_at > ?`,
		now, principal, delegate, workflowID, now)
	if err != nil {
		return false, storageErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr(err)
	}
	return n > 0, nil
}

func (s *Store) list(ctx context.Context, column, id string, workflowID *string, includeExpired bool) ([]delegation.Edge, error) {
	query := `SELECT ` + edgeColumns + ` FROM delegations WHERE ` + column + ` = ?`
	args := []interface{}{id}

	if workflowID != nil {
		query += ` AND (workflow_id = ? OR workflow_id IS NULL)`
		args = append(args, *workflowID)
	}
	if !includeExpired {
		query += ` AND revoked_at IS NULL AND expires_at > ?`
		args = append(args, encodeTime(time.Now()))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer func() { _ = rows.Close() }()

	var edges []delegation.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, storageErr(err)
		}
		edges = append(edges, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return edges, nil
}

// ListOutgoing returns edges originating at principal, newest first.
func (s *Store) ListOutgoing(ctx context.Context, principal string, workflowID *string, includeExpired bool) ([]delegation.Edge, error) {
	return s.list(ctx, "principal_id", principal, workflowID, includeExpired)
}

// ListIncoming returns edges terminating at delegate, newest first.
func (s *Store) ListIncoming(ctx context.Context, delegate string, workflowID *string, includeExpired bool) ([]delegation.Edge, error) {
	return s.list(ctx, "delegate_id", delegate, workflowID, includeExpired)
}

// LiveEdgesFrom returns live edges originating at principal that apply to
// the workflow (exact match or global).
func (s *Store) LiveEdgesFrom(ctx context.Context, principal string, workflowID *string) ([]delegation.Edge, error) {
	return s.list(ctx, "principal_id", principal, workflowID, false)
}

// interface check
var _ delegation.Store = (*Store)(nil)

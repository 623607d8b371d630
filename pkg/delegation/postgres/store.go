//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package postgres provides the PostgreSQL-backed delegation store used in
// production deployments.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/manetu/flowpilot/pkg/common"
	"github.com/manetu/flowpilot/pkg/delegation"

	_ "github.com/lib/pq" // postgres driver
)

const schema = `
CREATE TABLE IF NOT EXISTS delegations (
    id           SERIAL PRIMARY KEY,
    principal_id TEXT NOT NULL,
    delegate_id  TEXT NOT NULL,
    workflow_id  TEXT,
    scope        TEXT NOT NULL DEFAULT '["execute"]',
    expires_at   TIMESTAMPTZ NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    revoked_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_delegations_principal ON delegations(principal_id);
CREATE INDEX IF NOT EXISTS idx_delegations_delegate  ON delegations(delegate_id);
CREATE INDEX IF NOT EXISTS idx_delegations_workflow  ON delegations(workflow_id);
CREATE INDEX IF NOT EXISTS idx_delegations_expires   ON delegations(expires_at);
CREATE INDEX IF NOT EXISTS idx_delegations_revoked   ON delegations(revoked_at);
`

// Config carries the PostgreSQL connection settings. When UnixSocket is set
// it takes precedence over Host/Port (Cloud SQL style deployments).
type Config struct {
	Host       string
	Port       int
	UnixSocket string
	Name       string
	User       string
	Password   string
}

// DSN renders the lib/pq connection string.
func (c Config) DSN() string {
	if c.UnixSocket != "" {
		return fmt.Sprintf("host=%s dbname=%s user=%s password=%s sslmode=disable",
			c.UnixSocket, c.Name, c.User, c.Password)
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		c.Host, c.Port, c.Name, c.User, c.Password)
}

// Store is a PostgreSQL-backed [delegation.Store].
type Store struct {
	db *sql.DB
}

// NewStore connects to PostgreSQL and ensures the schema exists.
func NewStore(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, storageErr(err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, storageErr(err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func storageErr(err error) error {
	return common.WrapError(common.KindStorage, "delegation.storage_error", err, "delegation store failure")
}

const edgeColumns = "id, principal_id, delegate_id, workflow_id, scope, expires_at, created_at, revoked_at"

func scanEdge(scanner interface{ Scan(...interface{}) error }) (*delegation.Edge, error) {
	var (
		e     delegation.Edge
		scope string
	)
	if err := scanner.Scan(&e.ID, &e.PrincipalID, &e.DelegateID, &e.WorkflowID, &scope, &e.ExpiresAt, &e.CreatedAt, &e.RevokedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scope), &e.Scope); err != nil {
		return nil, err
	}
	return &e, nil
}

// Insert adds a live edge or merges into the existing live one. The row
// lock taken by FOR UPDATE makes concurrent creates for the same triple
// serialize on the merge rather than raising conflicts.
func (s *Store) Insert(ctx context.Context, principal, delegate string, workflowID *string, scope []string, expiresAt time.Time) (*delegation.Edge, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storageErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+edgeColumns+` FROM delegations
		 WHERE principal_id = $1 AND delegate_id = $2 AND workflow_id IS NOT DISTINCT FROM $3
		   AND revoked_at IS NULL AND expires_at > now()
		 FOR UPDATE`,
		principal, delegate, workflowID)

	existing, err := scanEdge(row)
	switch {
	case err == sql.ErrNoRows:
		// fall through to insert
	case err != nil:
		return nil, false, storageErr(err)
	default:
		return s.merge(ctx, tx, existing, scope, expiresAt)
	}

	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return nil, false, storageErr(err)
	}

	edge := &delegation.Edge{
		PrincipalID: principal,
		DelegateID:  delegate,
		WorkflowID:  workflowID,
		Scope:       append([]string{}, scope...),
		ExpiresAt:   expiresAt.UTC(),
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO delegations (principal_id, delegate_id, workflow_id, scope, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		principal, delegate, workflowID, string(scopeJSON), expiresAt).Scan(&edge.ID, &edge.CreatedAt)
	if err != nil {
		return nil, false, storageErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, storageErr(err)
	}
	return edge, true, nil
}

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

	scopeJSON, err := json.Marshal(merged.Scope)
	if err != nil {
		return nil, false, storageErr(err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE delegations SET scope = $1, expires_at = $2 WHERE id = $3`,
		string(scopeJSON), merged.ExpiresAt, existing.ID); err != nil {
		return nil, false, storageErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, storageErr(err)
	}
	return &merged, false, nil
}

// Revoke stamps revoked_at on the live edge for the triple.
func (s *Store) Revoke(ctx context.Context, principal, delegate string, workflowID *string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delegations SET revoked_at = now()
		 WHERE principal_id = $1 AND delegate_id = $2 AND workflow_id IS NOT DISTINCT FROM $3
		   AND revoked_at IS NULL AND expires_at > now()`,
		principal, delegate, workflowID)
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
	query := `SELECT ` + edgeColumns + ` FROM delegations WHERE ` + column + ` = $1`
	args := []interface{}{id}

	if workflowID != nil {
		query += fmt.Sprintf(` AND (workflow_id = $%d OR workflow_id IS NULL)`, len(args)+1)
		args = append(args, *workflowID)
	}
	if !includeExpired {
		query += ` AND revoked_at IS NULL AND expires_at > now()`
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...) // #nosec G202 -- column is a compile-time constant
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

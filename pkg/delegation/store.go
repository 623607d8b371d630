//
//  Copyright © Manetu Inc. All rights reserved.
//

package delegation

import (
	"context"
	"time"
)

// Store is the persistence contract for delegation edges. Implementations
// exist for PostgreSQL (production) and sqlite (local and test).
//
// Insert and Revoke must be atomic: the live-edge uniqueness rule for a
// (principal, delegate, workflow) triple is enforced inside one transaction,
// with conflicting creates resolved by the merge rule rather than surfaced
// as constraint violations.
type Store interface {
	// Insert adds a live edge or merges into the existing live edge for the
	// same (principal, delegate, workflow) triple. Merging unions the scope
	// and keeps the later expiry. The bool reports whether a new row was
	// created.
	Insert(ctx context.Context, principal, delegate string, workflowID *string, scope []string, expiresAt time.Time) (*Edge, bool, error)

	// Revoke stamps revoked_at on the live edge for the triple. Returns
	// false when no live edge exists; revocation is idempotent.
	Revoke(ctx context.Context, principal, delegate string, workflowID *string) (bool, error)

	// ListOutgoing returns edges originating at principal, newest first.
	// A workflow filter matches edges bound to that workflow or global
	// edges (NULL workflow). Unless includeExpired is set, only live edges
	// are returned.
	ListOutgoing(ctx context.Context, principal string, workflowID *string, includeExpired bool) ([]Edge, error)

	// ListIncoming returns edges terminating at delegate, newest first,
	// with the same filter semantics as ListOutgoing.
	ListIncoming(ctx context.Context, delegate string, workflowID *string, includeExpired bool) ([]Edge, error)

	// LiveEdgesFrom returns the live edges originating at principal that
	// apply to the given workflow (exact match or global). Used by path
	// search.
	LiveEdgesFrom(ctx context.Context, principal string, workflowID *string) ([]Edge, error)

	// Close releases the underlying connections.
	Close() error
}

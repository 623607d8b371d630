//
//  Copyright © Manetu Inc. All rights reserved.
//

package persona

import (
	"context"
)

// Store is the persistence contract for personas. Implementations exist for
// sqlite (relational) and redis (document store); the service speaks only
// this interface.
type Store interface {
	// Create persists a new persona. Returns AlreadyExists when the id is
	// taken by an existing record.
	Create(ctx context.Context, p *Persona) error

	// Get returns the persona by id, or NotFound.
	Get(ctx context.Context, id string) (*Persona, error)

	// List returns a user's personas, newest first, optionally filtered by
	// status.
	List(ctx context.Context, userSub string, status string) ([]Persona, error)

	// ListByTitle returns personas across users holding the title, newest
	// first, optionally filtered by status. Used to discover delegation
	// candidates.
	ListByTitle(ctx context.Context, title string, status string) ([]Persona, error)

	// Count returns the number of personas held by the user.
	Count(ctx context.Context, userSub string) (int, error)

	// Update replaces the stored record for p.ID. Returns NotFound when the
	// record is absent.
	Update(ctx context.Context, p *Persona) error

	// Delete removes the record. Returns true iff a record was removed.
	Delete(ctx context.Context, id string) (bool, error)

	// Close releases the underlying connections.
	Close() error
}

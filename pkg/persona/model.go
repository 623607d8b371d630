//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package persona implements the persona registry: per-user, titled, scoped,
// time-bounded attribute bundles governed by declarative policy manifests.
//
// Validation is schema-driven: the manifest declares the permitted titles,
// statuses, and typed policy attributes, and every create or update runs the
// attribute bundle through [manifest.Normalize]. Adding an attribute to a
// manifest flows through with no code change here.
package persona

import (
	"fmt"
	"time"
)

// Persona is one user's role-bundle under a domain.
//
// Identity is the composite (UserSub, Title, Circle); ID is their canonical
// join. Attributes holds the manifest-declared policy attributes, already
// defaulted and coerced.
type Persona struct {
	ID         string                 `json:"persona_id"`
	UserSub    string                 `json:"user_sub"`
	Title      string                 `json:"title"`
	Circle     string                 `json:"circle"`
	Scope      []string               `json:"scope"`
	Status     string                 `json:"status"`
	ValidFrom  time.Time              `json:"valid_from"`
	ValidTill  time.Time              `json:"valid_till"`
	Attributes map[string]interface{} `json:"attributes"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// ComposeID builds the canonical persona id from its identity triple.
func ComposeID(userSub, title, circle string) string {
	return fmt.Sprintf("%s_%s_%s", userSub, title, circle)
}

// Active reports whether the persona is usable at instant now: status
// active and inside its validity window.
func (p *Persona) Active(now time.Time) bool {
	return p.Status == StatusActive && !now.Before(p.ValidFrom) && now.Before(p.ValidTill)
}

// Default field values applied at create time.
const (
	StatusActive = "active"
)

// DefaultScope is the action scope applied when a create carries none.
var DefaultScope = []string{"read", "execute"}

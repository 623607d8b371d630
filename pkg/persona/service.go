//
//  Copyright © Manetu Inc. All rights reserved.
//

package persona

import (
	"context"
	"sort"
	"time"

	"github.com/manetu/flowpilot/internal/logging"
	"github.com/manetu/flowpilot/pkg/common"
	"github.com/manetu/flowpilot/pkg/manifest"
)

var logger = logging.GetLogger("flowpilot.persona")

// Defaults applied when the service is constructed with zero values.
const (
	DefaultMaxPerUser = 10
	DefaultExpiryDays = 365
)

// Service implements the persona registry over a [Store], validating every
// write against the governing policy manifest.
type Service struct {
	store      Store
	registry   *manifest.Registry
	domain     string
	maxPerUser int
	expiryDays int
}

// NewService creates a persona service. domain names the manifest governing
// personas created without an explicit domain; maxPerUser and expiryDays
// fall back to defaults when <= 0.
func NewService(store Store, registry *manifest.Registry, domain string, maxPerUser, expiryDays int) *Service {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	if expiryDays <= 0 {
		expiryDays = DefaultExpiryDays
	}
	return &Service{
		store:      store,
		registry:   registry,
		domain:     domain,
		maxPerUser: maxPerUser,
		expiryDays: expiryDays,
	}
}

func (s *Service) manifestFor(domain string) (*manifest.Manifest, error) {
	if domain == "" {
		domain = s.domain
	}
	m, err := s.registry.Select(domain)
	if err != nil {
		return nil, common.NewErrorf(common.KindInvalidArgument, "persona.invalid_domain",
			"no policy manifest for domain %q", domain)
	}
	return m, nil
}

// CreateRequest carries the parameters for [Service.Create]. Attributes
// holds the manifest-declared policy attributes.
type CreateRequest struct {
	UserSub    string
	Title      string
	Circle     string
	Domain     string
	Scope      []string
	Status     string
	ValidFrom  *time.Time
	ValidTill  *time.Time
	Attributes map[string]interface{}
}

// Create validates, normalizes, and persists a new persona.
//
// Field defaults: scope [read, execute], valid_from now, valid_till now plus
// the configured expiry window, status active. Every manifest-declared
// persona attribute is defaulted then coerced; a required attribute with no
// value rejects the create.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Persona, error) {
	if req.UserSub == "" || req.Title == "" || req.Circle == "" {
		return nil, common.NewError(common.KindInvalidArgument, "persona.invalid_argument",
			"user_sub, title, and circle are required")
	}

	m, err := s.manifestFor(req.Domain)
	if err != nil {
		return nil, err
	}
	if !m.AllowsTitle(req.Title) {
		return nil, common.NewErrorf(common.KindInvalidArgument, "persona.invalid_title",
			"title %q is not declared by manifest %s", req.Title, m.Name)
	}

	status := req.Status
	if status == "" {
		status = StatusActive
	}
	if !m.AllowsStatus(status) {
		return nil, common.NewErrorf(common.KindInvalidArgument, "persona.invalid_status",
			"status %q is not declared by manifest %s", status, m.Name)
	}

	count, err := s.store.Count(ctx, req.UserSub)
	if err != nil {
		return nil, err
	}
	if count >= s.maxPerUser {
		return nil, common.NewErrorf(common.KindInvalidArgument, "persona.limit_exceeded",
			"user %s already holds %d personas", req.UserSub, count)
	}

	attrs, err := manifest.Normalize(req.Attributes, m.Attributes, manifest.SourcePersona)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	validFrom := now
	if req.ValidFrom != nil {
		validFrom = req.ValidFrom.UTC()
	}
	validTill := now.AddDate(0, 0, s.expiryDays)
	if req.ValidTill != nil {
		validTill = req.ValidTill.UTC()
	}
	if !validTill.After(validFrom) {
		return nil, common.NewError(common.KindInvalidArgument, "persona.invalid_validity",
			"valid_till must be after valid_from")
	}

	scope := req.Scope
	if len(scope) == 0 {
		scope = append([]string{}, DefaultScope...)
	}

	p := &Persona{
		ID:         ComposeID(req.UserSub, req.Title, req.Circle),
		UserSub:    req.UserSub,
		Title:      req.Title,
		Circle:     req.Circle,
		Scope:      scope,
		Status:     status,
		ValidFrom:  validFrom,
		ValidTill:  validTill,
		Attributes: attrs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}

	logger.Infof(req.UserSub, "persona.create", "persona %s created", p.ID)
	return p, nil
}

// Get returns the persona by id.
func (s *Service) Get(ctx context.Context, id string) (*Persona, error) {
	return s.store.Get(ctx, id)
}

// GetByUserTitle returns the user's persona with the given title, preferring
// the newest active one. Used by the authorization engine to resolve a
// resource owner's persona when only user and title are known.
func (s *Service) GetByUserTitle(ctx context.Context, userSub, title string) (*Persona, error) {
	personas, err := s.store.List(ctx, userSub, "")
	if err != nil {
		return nil, err
	}

	var candidates []Persona
	for _, p := range personas {
		if p.Title == title {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, common.NewErrorf(common.KindNotFound, "persona.not_found",
			"no persona with title %q for user", title)
	}

	now := time.Now()
	sort.SliceStable(candidates, func(i, j int) bool {
		iActive := candidates[i].Active(now)
		jActive := candidates[j].Active(now)
		if iActive != jActive {
			return iActive
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	return &candidates[0], nil
}

// GetActive returns the user's newest active persona, or NotFound.
func (s *Service) GetActive(ctx context.Context, userSub string) (*Persona, error) {
	personas, err := s.store.List(ctx, userSub, StatusActive)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range personas {
		if personas[i].Active(now) {
			return &personas[i], nil
		}
	}
	return nil, common.NewError(common.KindNotFound, "persona.not_found", "no active persona for user")
}

// List returns a user's personas, newest first, optionally status-filtered.
func (s *Service) List(ctx context.Context, userSub, status string) ([]Persona, error) {
	if userSub == "" {
		return nil, common.NewError(common.KindInvalidArgument, "persona.invalid_argument", "user_sub is required")
	}
	return s.store.List(ctx, userSub, status)
}

// ListByTitle returns personas across users holding the title, newest first.
func (s *Service) ListByTitle(ctx context.Context, title, status string) ([]Persona, error) {
	if title == "" {
		return nil, common.NewError(common.KindInvalidArgument, "persona.invalid_argument", "title is required")
	}
	return s.store.ListByTitle(ctx, title, status)
}

// UpdateRequest carries the partial fields for [Service.Update]. Nil fields
// are left untouched; Attributes are merged into the stored bundle.
type UpdateRequest struct {
	Domain     string
	Scope      []string
	Status     *string
	ValidFrom  *time.Time
	ValidTill  *time.Time
	Attributes map[string]interface{}
}

// Update applies a partial update. Attributes merge field-wise with stored
// values, then the whole bundle is re-defaulted, re-validated, and
// re-coerced so the persona invariants hold post-update.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Persona, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	m, err := s.manifestFor(req.Domain)
	if err != nil {
		return nil, err
	}

	if req.Status != nil {
		if !m.AllowsStatus(*req.Status) {
			return nil, common.NewErrorf(common.KindInvalidArgument, "persona.invalid_status",
				"status %q is not declared by manifest %s", *req.Status, m.Name)
		}
		p.Status = *req.Status
	}
	if len(req.Scope) > 0 {
		p.Scope = req.Scope
	}
	if req.ValidFrom != nil {
		p.ValidFrom = req.ValidFrom.UTC()
	}
	if req.ValidTill != nil {
		p.ValidTill = req.ValidTill.UTC()
	}
	if !p.ValidTill.After(p.ValidFrom) {
		return nil, common.NewError(common.KindInvalidArgument, "persona.invalid_validity",
			"valid_till must be after valid_from")
	}

	merged := make(map[string]interface{}, len(p.Attributes)+len(req.Attributes))
	for k, v := range p.Attributes {
		merged[k] = v
	}
	for k, v := range req.Attributes {
		merged[k] = v
	}

	attrs, err := manifest.Normalize(merged, m.Attributes, manifest.SourcePersona)
	if err != nil {
		return nil, err
	}
	p.Attributes = attrs
	p.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}

	logger.Infof(p.UserSub, "persona.update", "persona %s updated", p.ID)
	return p, nil
}

// Delete removes the persona. Returns true iff a record was removed;
// deleting an absent persona is not an error.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		logger.Infof("sys", "persona.delete", "persona %s deleted", id)
	}
	return deleted, nil
}

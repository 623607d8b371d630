//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package document provides the redis-backed persona document store. Each
// persona is a hash keyed by id, with per-user and per-title index sets for
// the list operations.
package document

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/manetu/flowpilot/pkg/common"
	"github.com/manetu/flowpilot/pkg/persona"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "flowpilot:persona:doc:"
	userPrefix  = "flowpilot:persona:user:"
	titlePrefix = "flowpilot:persona:title:"
)

// Store is a redis-backed [persona.Store].
type Store struct {
	client *redis.Client
}

// NewStore connects to redis using the given URL
// (e.g. "redis://localhost:6379/0").
func NewStore(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, storageErr(err)
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

// Close releases the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func storageErr(err error) error {
	return common.WrapError(common.KindStorage, "persona.storage_error", err, "persona store failure")
}

func docKey(id string) string      { return keyPrefix + id }
func userKey(sub string) string    { return userPrefix + sub }
func titleKey(title string) string { return titlePrefix + title }

// Create persists a new persona, rejecting duplicate ids.
func (s *Store) Create(ctx context.Context, p *persona.Persona) error {
	data, err := json.Marshal(p)
	if err != nil {
		return storageErr(err)
	}

	// HSETNX on the data field doubles as the existence guard
	created, err := s.client.HSetNX(ctx, docKey(p.ID), "data", data).Result()
	if err != nil {
		return storageErr(err)
	}
	if !created {
		return common.NewErrorf(common.KindAlreadyExists, "persona.already_exists",
			"persona %s already exists", p.ID)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, docKey(p.ID), "user_sub", p.UserSub, "title", p.Title, "status", p.Status)
	pipe.SAdd(ctx, userKey(p.UserSub), p.ID)
	pipe.SAdd(ctx, titleKey(p.Title), p.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr(err)
	}
	return nil
}

// Get returns the persona by id.
func (s *Store) Get(ctx context.Context, id string) (*persona.Persona, error) {
	data, err := s.client.HGet(ctx, docKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, common.NewErrorf(common.KindNotFound, "persona.not_found", "persona %s not found", id)
	}
	if err != nil {
		return nil, storageErr(err)
	}

	var p persona.Persona
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, storageErr(err)
	}
	return &p, nil
}

func (s *Store) load(ctx context.Context, indexKey, status string) ([]persona.Persona, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, storageErr(err)
	}

	var out []persona.Persona
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if common.IsKind(err, common.KindNotFound) {
			continue // index entry racing a delete
		}
		if err != nil {
			return nil, err
		}
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, *p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// List returns a user's personas, newest first, optionally status-filtered.
func (s *Store) List(ctx context.Context, userSub string, status string) ([]persona.Persona, error) {
	return s.load(ctx, userKey(userSub), status)
}

// ListByTitle returns personas across users holding the title, newest first.
func (s *Store) ListByTitle(ctx context.Context, title string, status string) ([]persona.Persona, error) {
	return s.load(ctx, titleKey(title), status)
}

// Count returns the number of personas held by the user.
func (s *Store) Count(ctx context.Context, userSub string) (int, error) {
	n, err := s.client.SCard(ctx, userKey(userSub)).Result()
	if err != nil {
		return 0, storageErr(err)
	}
	return int(n), nil
}

// Update replaces the stored record for p.ID.
func (s *Store) Update(ctx context.Context, p *persona.Persona) error {
	exists, err := s.client.Exists(ctx, docKey(p.ID)).Result()
	if err != nil {
		return storageErr(err)
	}
	if exists == 0 {
		return common.NewErrorf(common.KindNotFound, "persona.not_found", "persona %s not found", p.ID)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return storageErr(err)
	}
	if err := s.client.HSet(ctx, docKey(p.ID), "data", data, "status", p.Status).Err(); err != nil {
		return storageErr(err)
	}
	return nil
}

// Delete removes the record and its index entries; true iff it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	p, err := s.Get(ctx, id)
	if common.IsKind(err, common.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, docKey(id))
	pipe.SRem(ctx, userKey(p.UserSub), id)
	pipe.SRem(ctx, titleKey(p.Title), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, storageErr(err)
	}
	return true, nil
}

// interface check
var _ persona.Store = (*Store)(nil)

//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package cache provides a read-through response cache for the upstream
// persona, delegation, and authorization services. Lookups are keyed by
// request shape and fail open: a backend outage degrades to cache misses,
// never to request failures.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/manetu/flowpilot/internal/logging"
)

var logger = logging.GetLogger("flowpilot.cache")

// Cache key families. TTLs are tuned per family: authorization decisions go
// stale fastest, delegation paths next, persona records slowest.
const (
	FamilyPersona    = "persona"
	FamilyDelegation = "delegation"
	FamilyWorkflow   = "workflow"
	FamilyAuthz      = "authz"

	keyPrefix = "flowpilot:"
)

// Default per-family TTLs, in seconds.
const (
	DefaultTTLPersona    = 300
	DefaultTTLDelegation = 180
	DefaultTTLAuthz      = 60
	DefaultTTL           = 300
)

// Backend is the storage contract behind [Cache]. Implementations exist for
// redis and in-process memory.
type Backend interface {
	// Get returns the value for key, and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// DeletePattern removes every key matching the glob pattern.
	DeletePattern(ctx context.Context, pattern string) error

	// Close releases the backend's resources.
	Close() error
}

// TTLs carries the per-family expiry configuration, in seconds. Zero fields
// fall back to the package defaults.
type TTLs struct {
	Persona    int
	Delegation int
	Authz      int
	Default    int
}

// Cache is the read-through cache facade. A nil *Cache is valid and caches
// nothing, so callers need no enabled checks.
type Cache struct {
	backend Backend
	ttls    map[string]time.Duration
}

// New creates a cache over the given backend.
func New(backend Backend, ttls TTLs) *Cache {
	seconds := func(v, fallback int) time.Duration {
		if v <= 0 {
			v = fallback
		}
		return time.Duration(v) * time.Second
	}
	return &Cache{
		backend: backend,
		ttls: map[string]time.Duration{
			FamilyPersona:    seconds(ttls.Persona, DefaultTTLPersona),
			FamilyDelegation: seconds(ttls.Delegation, DefaultTTLDelegation),
			FamilyAuthz:      seconds(ttls.Authz, DefaultTTLAuthz),
			"":               seconds(ttls.Default, DefaultTTL),
		},
	}
}

func (c *Cache) ttl(family string) time.Duration {
	if ttl, ok := c.ttls[family]; ok {
		return ttl
	}
	return c.ttls[""]
}

// Key derives a deterministic cache key from the request shape: target URL,
// sorted query/body parameters, and the caller's bearer token. The token is
// hashed before it enters the digest so keys never embed credentials.
func Key(url string, params map[string]string, token string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(url)
	for _, name := range names {
		fmt.Fprintf(&sb, "|%s=%s", name, params[name])
	}
	if token != "" {
		tokenHash := sha256.Sum256([]byte(token))
		fmt.Fprintf(&sb, "|%s", hex.EncodeToString(tokenHash[:]))
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func fullKey(family, key string) string {
	return keyPrefix + family + ":" + key
}

// Get unmarshals the cached value for (family, key) into out. Returns false
// on a miss, on a backend failure, or when the cache is disabled.
func (c *Cache) Get(ctx context.Context, family, key string, out interface{}) bool {
	if c == nil || c.backend == nil {
		return false
	}

	data, ok, err := c.backend.Get(ctx, fullKey(family, key))
	if err != nil {
		logger.Warnf("sys", "cache.get", "cache read failed, treating as miss: %v", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		logger.Warnf("sys", "cache.get", "cache entry decode failed, treating as miss: %v", err)
		return false
	}
	return true
}

// Set stores v under (family, key) for the family's TTL. Failures are logged
// and swallowed.
func (c *Cache) Set(ctx context.Context, family, key string, v interface{}) {
	if c == nil || c.backend == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		logger.Warnf("sys", "cache.set", "cache entry encode failed: %v", err)
		return
	}
	if err := c.backend.Set(ctx, fullKey(family, key), data, c.ttl(family)); err != nil {
		logger.Warnf("sys", "cache.set", "cache write failed: %v", err)
	}
}

// Delete removes a single entry.
func (c *Cache) Delete(ctx context.Context, family, key string) {
	if c == nil || c.backend == nil {
		return
	}
	if err := c.backend.Delete(ctx, fullKey(family, key)); err != nil {
		logger.Warnf("sys", "cache.delete", "cache delete failed: %v", err)
	}
}

// Invalidate drops every entry in the family. Called after writes that make
// cached reads stale (persona updates, delegation grants and revocations).
func (c *Cache) Invalidate(ctx context.Context, family string) {
	if c == nil || c.backend == nil {
		return
	}
	if err := c.backend.DeletePattern(ctx, fullKey(family, "*")); err != nil {
		logger.Warnf("sys", "cache.invalidate", "cache invalidation failed for %s: %v", family, err)
	}
}

// Close releases the backend.
func (c *Cache) Close() error {
	if c == nil || c.backend == nil {
		return nil
	}
	return c.backend.Close()
}

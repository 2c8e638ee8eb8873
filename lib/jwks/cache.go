/*
Copyright 2024 Aussie Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package jwks caches issuer key sets and validates external OIDC
// tokens against them.
package jwks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/utils"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

var log = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentJWKS)

// maxJWKSBytes caps a key set response.
const maxJWKSBytes = 1 << 20

// CacheConfig holds parameters for the key set cache.
type CacheConfig struct {
	// TTL bounds how long a fetched key set is reused.
	TTL time.Duration
	// Client performs the fetches.
	Client *http.Client
	// Clock is used for cache expiry.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CacheConfig) CheckAndSetDefaults() error {
	if c.TTL <= 0 {
		c.TTL = defaults.JWKSCacheTTL
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Cache maps jwksUri to a fetched key set with a TTL. Concurrent
// refreshes of the same URI coalesce into one fetch.
type Cache struct {
	cfg   CacheConfig
	cache *utils.FnCache
}

// NewCache creates a key set cache.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	fn, err := utils.NewFnCache(utils.FnCacheConfig{
		TTL:   cfg.TTL,
		Clock: cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cache{cfg: cfg, cache: fn}, nil
}

// GetKey returns the key with the given kid from the cached set for uri,
// or false when the set has no such key. It never triggers a refresh;
// the validator decides when a miss warrants one.
func (c *Cache) GetKey(ctx context.Context, uri, kid string) (*jose.JSONWebKey, bool, error) {
	set, err := utils.FnCacheGet(ctx, c.cache, uri, func(ctx context.Context) (*jose.JSONWebKeySet, error) {
		return c.fetch(ctx, uri)
	})
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	if keys := set.Key(kid); len(keys) > 0 {
		return &keys[0], true, nil
	}
	return nil, false, nil
}

// Refresh drops the cached set for uri and fetches a fresh one. Callers
// racing on the same URI share a single fetch.
func (c *Cache) Refresh(ctx context.Context, uri string) error {
	c.cache.Remove(uri)
	_, err := utils.FnCacheGet(ctx, c.cache, uri, func(ctx context.Context) (*jose.JSONWebKeySet, error) {
		return c.fetch(ctx, uri)
	})
	return trace.Wrap(err)
}

func (c *Cache) fetch(ctx context.Context, uri string) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "fetching JWKS from %v", uri)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, trace.ConnectionProblem(nil, "JWKS endpoint %v returned %v", uri, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, trace.ConnectionProblem(err, "reading JWKS from %v", uri)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(body, &set); err != nil {
		return nil, trace.BadParameter("malformed JWKS from %v: %v", uri, err)
	}
	log.DebugContext(ctx, "Fetched JWKS", "uri", uri, "keys", len(set.Keys))
	return &set, nil
}

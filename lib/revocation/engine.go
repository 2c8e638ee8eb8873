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

// Package revocation decides whether a verified token has been revoked,
// layering a bloom filter and a short-TTL cache in front of the
// authoritative repository, and fanning revocation events out over the
// bus so every gateway instance converges.
package revocation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/storage"
	"github.com/aussieproj/aussie/lib/types"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

var log = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentRevocation)

// userBloomPrefix namespaces user-scope entries in the shared filter.
const userBloomPrefix = "user:"

// Config holds parameters for the revocation engine.
type Config struct {
	// Repo is the authoritative revocation store.
	Repo storage.TokenRevocationRepository
	// Bus distributes revocation events across instances.
	Bus storage.RevocationBus
	// BloomSize is the filter size in bits.
	BloomSize uint64
	// BloomHashes is the number of hash functions.
	BloomHashes int
	// RebuildInterval is the cadence of full filter rebuilds.
	RebuildInterval time.Duration
	// CacheTTL bounds the positive/negative lookup cache.
	CacheTTL time.Duration
	// CheckThreshold skips the check for tokens expiring sooner than
	// this.
	CheckThreshold time.Duration
	// UserScope enables user-cutoff revocation checks.
	UserScope bool
	// Clock is used for expiry math and the rebuild ticker.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Repo == nil {
		return trace.BadParameter("revocation: repository missing")
	}
	if c.Bus == nil {
		return trace.BadParameter("revocation: bus missing")
	}
	if c.BloomSize == 0 {
		c.BloomSize = defaults.RevocationBloomSize
	}
	if c.BloomHashes <= 0 {
		c.BloomHashes = defaults.RevocationBloomHashes
	}
	if c.RebuildInterval <= 0 {
		c.RebuildInterval = defaults.RevocationBloomRebuildInterval
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.RevocationCacheTTL
	}
	if c.CheckThreshold <= 0 {
		c.CheckThreshold = defaults.RevocationCheckThreshold
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine is the revocation decision point.
type Engine struct {
	cfg Config

	bloom atomic.Pointer[bloomFilter]
	cache *expirable.LRU[string, bool]
}

// NewEngine creates the engine and seeds the bloom filter from the
// repository.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	e := &Engine{
		cfg:   cfg,
		cache: expirable.NewLRU[string, bool](4096, nil, cfg.CacheTTL),
	}
	e.bloom.Store(newBloomFilter(cfg.BloomSize, cfg.BloomHashes))
	if err := e.Rebuild(ctx); err != nil {
		// A cold start with an unreachable store serves fail-open until
		// the first successful rebuild.
		log.WarnContext(ctx, "Initial bloom seed failed, starting empty", "error", err)
	}
	return e, nil
}

// IsRevoked decides whether the token identified by jti (held by userID,
// issued at issuedAt, expiring at expiresAt) is revoked.
//
// Tokens about to expire skip the check: a stolen credential with
// seconds to live is not worth a store round-trip. A definite bloom miss
// answers without I/O. Repository outages fail open with a warning; the
// bloom and cache layers keep known revocations enforced meanwhile.
func (e *Engine) IsRevoked(ctx context.Context, jti, userID string, issuedAt, expiresAt time.Time) (bool, error) {
	now := e.cfg.Clock.Now()
	if !expiresAt.IsZero() && expiresAt.Sub(now) < e.cfg.CheckThreshold {
		return false, nil
	}

	bloom := e.bloom.Load()
	jtiMaybe := jti != "" && bloom.MaybeContains(jti)
	userMaybe := e.cfg.UserScope && userID != "" && bloom.MaybeContains(userBloomPrefix+userID)
	if !jtiMaybe && !userMaybe {
		return false, nil
	}

	if jtiMaybe {
		if revoked, ok := e.cache.Get(jti); ok && revoked {
			return true, nil
		}
		revoked, err := e.cfg.Repo.IsRevoked(ctx, jti)
		if err != nil {
			log.WarnContext(ctx, "Revocation lookup failed, allowing", "jti", jti, "error", err)
		} else if revoked {
			e.cache.Add(jti, true)
			return true, nil
		}
	}
	if userMaybe {
		revoked, err := e.cfg.Repo.IsUserRevoked(ctx, userID, issuedAt)
		if err != nil {
			log.WarnContext(ctx, "User revocation lookup failed, allowing", "user", userID, "error", err)
		} else if revoked {
			return true, nil
		}
	}
	return false, nil
}

// RevokeJti records a token revocation, publishes it to every instance,
// and applies it locally without waiting for the bus echo.
func (e *Engine) RevokeJti(ctx context.Context, jti string, expiresAt time.Time) error {
	if err := e.cfg.Repo.RevokeJti(ctx, jti, expiresAt); err != nil {
		return trace.Wrap(err)
	}
	ev := types.JtiRevoked{JTI: jti, ExpiresAt: expiresAt}
	e.applyEvent(ev)
	if err := e.cfg.Bus.Publish(ctx, ev); err != nil {
		// The write landed; peers converge on their next rebuild.
		log.WarnContext(ctx, "Publishing revocation failed", "jti", jti, "error", err)
	}
	return nil
}

// RevokeUser records a user-scope revocation cutting off every token
// issued at or before issuedBefore.
func (e *Engine) RevokeUser(ctx context.Context, userID string, issuedBefore, expiresAt time.Time) error {
	if err := e.cfg.Repo.RevokeUser(ctx, userID, issuedBefore, expiresAt); err != nil {
		return trace.Wrap(err)
	}
	ev := types.UserRevoked{UserID: userID, IssuedBefore: issuedBefore, ExpiresAt: expiresAt}
	e.applyEvent(ev)
	if err := e.cfg.Bus.Publish(ctx, ev); err != nil {
		log.WarnContext(ctx, "Publishing user revocation failed", "user", userID, "error", err)
	}
	return nil
}

func (e *Engine) applyEvent(ev types.RevocationEvent) {
	bloom := e.bloom.Load()
	switch ev := ev.(type) {
	case types.JtiRevoked:
		bloom.Add(ev.JTI)
		e.cache.Add(ev.JTI, true)
	case types.UserRevoked:
		bloom.Add(userBloomPrefix + ev.UserID)
	}
}

// Rebuild replaces the bloom filter with one freshly populated from the
// repository, shedding expired entries and recovering anything a
// stalled subscriber dropped.
func (e *Engine) Rebuild(ctx context.Context) error {
	jtis, err := e.cfg.Repo.ListJtis(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	users, err := e.cfg.Repo.ListRevokedUsers(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	fresh := newBloomFilter(e.cfg.BloomSize, e.cfg.BloomHashes)
	for _, jti := range jtis {
		fresh.Add(jti)
	}
	for _, userID := range users {
		fresh.Add(userBloomPrefix + userID)
	}
	e.bloom.Store(fresh)
	log.DebugContext(ctx, "Rebuilt revocation bloom filter",
		"jtis", len(jtis), "users", len(users))
	return nil
}

// Run consumes bus events and rebuilds the filter on schedule until ctx
// is done.
func (e *Engine) Run(ctx context.Context) error {
	events, err := e.cfg.Bus.Subscribe(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	ticker := e.cfg.Clock.NewTicker(e.cfg.RebuildInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.applyEvent(ev)
		case <-ticker.Chan():
			if err := e.Rebuild(ctx); err != nil {
				log.WarnContext(ctx, "Scheduled bloom rebuild failed", "error", err)
			}
		}
	}
}

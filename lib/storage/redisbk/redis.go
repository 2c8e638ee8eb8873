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

// Package redisbk backs the volatile storage ports with Redis: sessions,
// PKCE challenges, failure counters and lockouts, token revocations, the
// shared cache, and the revocation pub/sub bus. Durable configuration
// repositories (services, keys, roles, translation configs) are left to
// the memory or Cassandra providers.
//
// Every call is bounded by the configured operation timeout. Lockout and
// counter reads fail open so a sick Redis never locks legitimate callers
// out; revocation writes fail closed so the caller learns the revocation
// did not land.
package redisbk

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/storage"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

var log = logutils.NewPackageLogger(aussie.ComponentKey, aussie.Component("storage", "redis"))

// Key prefixes. Everything the gateway writes lives under "aussie:".
const (
	sessionPrefix      = "aussie:sessions:"
	pkcePrefix         = "aussie:pkce:"
	failurePrefix      = "aussie:attempts:fail:"
	lockoutPrefix      = "aussie:lockout:"
	lockoutCountPrefix = "aussie:lockoutcount:"
	revokedJtiPrefix   = "aussie:revoked:jti:"
	revokedUserPrefix  = "aussie:revoked:user:"
	cachePrefix        = "aussie:cache:"
)

// Config holds parameters for the Redis provider.
type Config struct {
	// Addr is the Redis address host:port.
	Addr string
	// Password is optional.
	Password string
	// DB selects the logical database.
	DB int
	// OperationTimeout bounds every call; zero applies the default.
	OperationTimeout time.Duration
	// Channel is the revocation pub/sub channel.
	Channel string
	// Clock is used for TTL math.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("redis address missing")
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaults.RedisOperationTimeout
	}
	if c.Channel == "" {
		c.Channel = defaults.RevocationChannel
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Provider implements storage.Provider backed by Redis.
type Provider struct {
	cfg    Config
	client *redis.Client

	sessions    *sessionRepo
	pkce        *pkceRepo
	attempts    *attemptRepo
	revocations *revocationRepo
	cache       *kvCache
	bus         *pubsubBus
}

// New creates a Redis provider. The connection is verified lazily through
// Available, not here, so a down Redis at boot degrades instead of
// failing the process.
func New(cfg Config) (*Provider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.OperationTimeout,
		ReadTimeout:  cfg.OperationTimeout,
		WriteTimeout: cfg.OperationTimeout,
	})
	p := &Provider{cfg: cfg, client: client}
	p.sessions = &sessionRepo{p: p}
	p.pkce = &pkceRepo{p: p}
	p.attempts = &attemptRepo{p: p}
	p.revocations = &revocationRepo{p: p}
	p.cache = &kvCache{p: p}
	p.bus = newPubsubBus(client, cfg.Channel)
	return p, nil
}

// Name implements storage.Provider.
func (p *Provider) Name() string { return "redis" }

// Priority implements storage.Provider.
func (p *Provider) Priority() int { return storage.PriorityRedis }

// Available pings the server within the operation timeout.
func (p *Provider) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()
	if err := p.client.Ping(ctx).Err(); err != nil {
		log.DebugContext(ctx, "Redis ping failed", "addr", p.cfg.Addr, "error", err)
		return false
	}
	return true
}

// Close implements storage.Provider.
func (p *Provider) Close() error {
	p.bus.close()
	return trace.Wrap(p.client.Close())
}

// Ports not backed by Redis return nil and fall to another provider.
func (p *Provider) Services() storage.ServiceRegistrationRepository         { return nil }
func (p *Provider) ApiKeys() storage.ApiKeyRepository                       { return nil }
func (p *Provider) SigningKeys() storage.SigningKeyRepository               { return nil }
func (p *Provider) TranslationConfigs() storage.TranslationConfigRepository { return nil }
func (p *Provider) Roles() storage.RoleRepository                           { return nil }
func (p *Provider) Groups() storage.GroupRepository                         { return nil }

func (p *Provider) Sessions() storage.SessionRepository             { return p.sessions }
func (p *Provider) PkceChallenges() storage.PkceChallengeRepository { return p.pkce }
func (p *Provider) FailedAttempts() storage.FailedAttemptRepository { return p.attempts }
func (p *Provider) TokenRevocations() storage.TokenRevocationRepository {
	return p.revocations
}
func (p *Provider) Cache() storage.KVCache               { return p.cache }
func (p *Provider) RevocationBus() storage.RevocationBus { return p.bus }

// opCtx bounds one Redis call by the operation timeout.
func (p *Provider) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.cfg.OperationTimeout)
}

// convertError maps go-redis errors to trace classes.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return trace.NotFound("key not found")
	}
	return trace.ConnectionProblem(err, "redis operation failed")
}

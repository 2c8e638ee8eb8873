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

// Package memory implements every storage port in process memory. It is
// the development and test backend, and the fallback when no remote store
// is configured. Priority 0: any remote provider preempts it.
package memory

import (
	"context"

	"github.com/jonboulle/clockwork"

	"github.com/aussieproj/aussie/lib/storage"
)

// Config holds parameters for the memory provider.
type Config struct {
	// Clock is used for every TTL decision.
	Clock clockwork.Clock
}

// Provider implements storage.Provider backed by process memory.
type Provider struct {
	clock clockwork.Clock

	services     *serviceRepo
	apiKeys      *apiKeyRepo
	signingKeys  *signingKeyRepo
	translations *translationRepo
	sessions     *sessionRepo
	pkce         *pkceRepo
	attempts     *attemptRepo
	revocations  *revocationRepo
	roles        *roleRepo
	groups       *groupRepo
	cache        *kvCache
	bus          *revocationBus
}

// New creates a memory provider.
func New(cfg Config) *Provider {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Provider{
		clock:        cfg.Clock,
		services:     newServiceRepo(),
		apiKeys:      newApiKeyRepo(),
		signingKeys:  newSigningKeyRepo(),
		translations: newTranslationRepo(),
		sessions:     newSessionRepo(cfg.Clock),
		pkce:         newPkceRepo(cfg.Clock),
		attempts:     newAttemptRepo(cfg.Clock),
		revocations:  newRevocationRepo(cfg.Clock),
		roles:        newRoleRepo(),
		groups:       newGroupRepo(),
		cache:        newKVCache(cfg.Clock),
		bus:          newRevocationBus(),
	}
}

// Name implements storage.Provider.
func (p *Provider) Name() string { return "memory" }

// Priority implements storage.Provider.
func (p *Provider) Priority() int { return storage.PriorityMemory }

// Available implements storage.Provider; memory is always available.
func (p *Provider) Available(context.Context) bool { return true }

// Close implements storage.Provider.
func (p *Provider) Close() error {
	p.bus.close()
	return nil
}

func (p *Provider) Services() storage.ServiceRegistrationRepository    { return p.services }
func (p *Provider) ApiKeys() storage.ApiKeyRepository                  { return p.apiKeys }
func (p *Provider) SigningKeys() storage.SigningKeyRepository          { return p.signingKeys }
func (p *Provider) TranslationConfigs() storage.TranslationConfigRepository {
	return p.translations
}
func (p *Provider) Sessions() storage.SessionRepository           { return p.sessions }
func (p *Provider) PkceChallenges() storage.PkceChallengeRepository {
	return p.pkce
}
func (p *Provider) FailedAttempts() storage.FailedAttemptRepository {
	return p.attempts
}
func (p *Provider) TokenRevocations() storage.TokenRevocationRepository {
	return p.revocations
}
func (p *Provider) Roles() storage.RoleRepository   { return p.roles }
func (p *Provider) Groups() storage.GroupRepository { return p.groups }
func (p *Provider) Cache() storage.KVCache          { return p.cache }
func (p *Provider) RevocationBus() storage.RevocationBus {
	return p.bus
}

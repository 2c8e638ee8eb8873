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

package storage

import (
	"context"
	"sort"

	"github.com/gravitational/trace"

	"github.com/aussieproj/aussie"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

var log = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentStorage)

// Provider priorities. Memory is the floor; remote backends preempt it
// when reachable.
const (
	PriorityMemory    = 0
	PriorityRedis     = 10
	PriorityCassandra = 100
)

// Provider exposes repository implementations for some subset of the
// storage ports. A concern the provider does not back returns nil from
// its accessor; the loader skips it for that port.
type Provider interface {
	// Name identifies the provider in configuration ("memory", "redis",
	// "cassandra").
	Name() string
	// Priority orders providers when configuration names none.
	Priority() int
	// Available reports whether the backing store is reachable.
	Available(ctx context.Context) bool
	// Close releases connections and background resources.
	Close() error

	Services() ServiceRegistrationRepository
	ApiKeys() ApiKeyRepository
	SigningKeys() SigningKeyRepository
	TranslationConfigs() TranslationConfigRepository
	Sessions() SessionRepository
	PkceChallenges() PkceChallengeRepository
	FailedAttempts() FailedAttemptRepository
	TokenRevocations() TokenRevocationRepository
	Roles() RoleRepository
	Groups() GroupRepository
	Cache() KVCache
	RevocationBus() RevocationBus
}

// Stores holds the single bound implementation of every port.
type Stores struct {
	Services           ServiceRegistrationRepository
	ApiKeys            ApiKeyRepository
	SigningKeys        SigningKeyRepository
	TranslationConfigs TranslationConfigRepository
	Sessions           SessionRepository
	PkceChallenges     PkceChallengeRepository
	FailedAttempts     FailedAttemptRepository
	TokenRevocations   TokenRevocationRepository
	Roles              RoleRepository
	Groups             GroupRepository
	Cache              KVCache
	RevocationBus      RevocationBus

	providers []Provider
}

// Close shuts down every registered provider.
func (s *Stores) Close() error {
	var errs []error
	for _, p := range s.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return trace.NewAggregate(errs...)
}

// SelectConfig directs provider selection.
type SelectConfig struct {
	// Provider, when set, names the provider preferred for every port.
	// Startup fails if no provider registers under this name.
	Provider string
	// CacheProvider, when set, overrides Provider for the KVCache port.
	CacheProvider string
}

// Select binds one provider per port. When configuration names a provider
// it wins for every port it backs; otherwise the available provider with
// the highest priority backing the port is chosen. Memory backs every
// port, so selection never comes up empty as long as it is registered.
func Select(ctx context.Context, cfg SelectConfig, providers []Provider) (*Stores, error) {
	if len(providers) == 0 {
		return nil, trace.BadParameter("no storage providers registered")
	}

	ordered := make([]Provider, len(providers))
	copy(ordered, providers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() > ordered[j].Priority()
	})

	named := func(name string) (Provider, error) {
		if name == "" {
			return nil, nil
		}
		for _, p := range providers {
			if p.Name() == name {
				return p, nil
			}
		}
		return nil, trace.NotFound("storage provider %q is not registered", name)
	}

	preferred, err := named(cfg.Provider)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cachePreferred, err := named(cfg.CacheProvider)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cachePreferred == nil {
		cachePreferred = preferred
	}

	available := make(map[string]bool, len(providers))
	for _, p := range providers {
		available[p.Name()] = p.Available(ctx)
		if !available[p.Name()] {
			log.WarnContext(ctx, "Storage provider is not available, skipping",
				"provider", p.Name())
		}
	}

	pick := func(want Provider, get func(Provider) any) (Provider, error) {
		if want != nil {
			if !available[want.Name()] {
				return nil, trace.ConnectionProblem(nil, "configured storage provider %q is not available", want.Name())
			}
			if get(want) != nil {
				return want, nil
			}
			// The named provider does not back this port; fall back to
			// priority selection among the rest.
		}
		for _, p := range ordered {
			if want != nil && p.Name() == want.Name() {
				continue
			}
			if available[p.Name()] && get(p) != nil {
				return p, nil
			}
		}
		return nil, trace.NotFound("no available storage provider backs the requested port")
	}

	stores := &Stores{providers: providers}
	bindings := []struct {
		name string
		want Provider
		get  func(Provider) any
		set  func(Provider)
	}{
		{"services", preferred, func(p Provider) any { return p.Services() }, func(p Provider) { stores.Services = p.Services() }},
		{"apikeys", preferred, func(p Provider) any { return p.ApiKeys() }, func(p Provider) { stores.ApiKeys = p.ApiKeys() }},
		{"signingkeys", preferred, func(p Provider) any { return p.SigningKeys() }, func(p Provider) { stores.SigningKeys = p.SigningKeys() }},
		{"translation", preferred, func(p Provider) any { return p.TranslationConfigs() }, func(p Provider) { stores.TranslationConfigs = p.TranslationConfigs() }},
		{"sessions", preferred, func(p Provider) any { return p.Sessions() }, func(p Provider) { stores.Sessions = p.Sessions() }},
		{"pkce", preferred, func(p Provider) any { return p.PkceChallenges() }, func(p Provider) { stores.PkceChallenges = p.PkceChallenges() }},
		{"failedattempts", preferred, func(p Provider) any { return p.FailedAttempts() }, func(p Provider) { stores.FailedAttempts = p.FailedAttempts() }},
		{"revocations", preferred, func(p Provider) any { return p.TokenRevocations() }, func(p Provider) { stores.TokenRevocations = p.TokenRevocations() }},
		{"roles", preferred, func(p Provider) any { return p.Roles() }, func(p Provider) { stores.Roles = p.Roles() }},
		{"groups", preferred, func(p Provider) any { return p.Groups() }, func(p Provider) { stores.Groups = p.Groups() }},
		{"cache", cachePreferred, func(p Provider) any { return p.Cache() }, func(p Provider) { stores.Cache = p.Cache() }},
		{"revocationbus", preferred, func(p Provider) any { return p.RevocationBus() }, func(p Provider) { stores.RevocationBus = p.RevocationBus() }},
	}
	for _, b := range bindings {
		p, err := pick(b.want, b.get)
		if err != nil {
			return nil, trace.Wrap(err, "binding storage port %q", b.name)
		}
		b.set(p)
		log.InfoContext(ctx, "Bound storage port", "port", b.name, "provider", p.Name())
	}
	return stores, nil
}

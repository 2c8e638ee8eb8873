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

package translation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/types"
)

// ServiceConfig holds parameters for the translation service.
type ServiceConfig struct {
	// Providers translate claims; the ready one with the highest
	// priority wins per call.
	Providers []Provider
	// CacheTTL bounds how long one token's translation is reused.
	CacheTTL time.Duration
	// CacheSize bounds the number of cached translations.
	CacheSize int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ServiceConfig) CheckAndSetDefaults() error {
	if len(c.Providers) == 0 {
		c.Providers = []Provider{&DefaultProvider{}}
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.TranslationCacheTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = defaults.TranslationCacheSize
	}
	return nil
}

// Service routes translation calls to the best ready provider and caches
// results per token identity.
type Service struct {
	cfg   ServiceConfig
	cache *expirable.LRU[string, *types.TranslationResult]
}

// NewService creates a translation service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	// Highest priority first.
	sort.SliceStable(cfg.Providers, func(i, j int) bool {
		return cfg.Providers[i].Priority() > cfg.Providers[j].Priority()
	})
	return &Service{
		cfg:   cfg,
		cache: expirable.NewLRU[string, *types.TranslationResult](cfg.CacheSize, nil, cfg.CacheTTL),
	}, nil
}

func (s *Service) provider() (Provider, error) {
	for _, p := range s.cfg.Providers {
		if p.Ready() {
			return p, nil
		}
	}
	return nil, trace.NotFound("no translation provider is ready")
}

// Translate maps one verified token's claims to roles and permissions.
// Identical tokens hit the cache until TTL or a config activation.
func (s *Service) Translate(ctx context.Context, issuer, subject string, claims map[string]any) (*types.TranslationResult, error) {
	provider, err := s.provider()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key := fmt.Sprintf("%s|%s|%s|%s", provider.Name(), issuer, subject, digestClaims(claims))
	if cached, ok := s.cache.Get(key); ok {
		return cached, nil
	}
	result, err := provider.Translate(ctx, issuer, subject, claims)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.cache.Add(key, result)
	return result, nil
}

// Invalidate drops every cached translation and tells reloadable
// providers to re-read their schema. Called when a config revision is
// activated.
func (s *Service) Invalidate() {
	s.cache.Purge()
	for _, p := range s.cfg.Providers {
		if sp, ok := p.(*StoredProvider); ok {
			sp.Invalidate()
		}
	}
}

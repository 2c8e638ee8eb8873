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

// Package registry manages service registrations: authorized admin
// mutations with optimistic concurrency, and the cache-through lookup
// the request path depends on.
package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/storage"
	"github.com/aussieproj/aussie/lib/types"
	"github.com/aussieproj/aussie/lib/utils"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

var log = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentRegistry)

// RegistrationResult is the outcome of an authorized registry
// operation: Success or Failure.
type RegistrationResult interface {
	registrationResult()
}

// Success carries the stored registration after the operation.
type Success struct {
	Registration *types.ServiceRegistration
}

// Failure carries the HTTP status the admin plane should answer with.
type Failure struct {
	StatusCode int
	Reason     string
}

func (Success) registrationResult() {}
func (Failure) registrationResult() {}

// Config holds the registry's dependencies.
type Config struct {
	// Services is the durable registration store.
	Services storage.ServiceRegistrationRepository
	// Cache is the shared cache layer; nil disables the shared tier.
	Cache storage.KVCache
	// CacheTTL bounds cached registrations.
	CacheTTL time.Duration
	// Clock is used for cache expiry.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Services == nil {
		return trace.BadParameter("registry: service repository missing")
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.ServiceCacheTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Registry is the service registration service.
type Registry struct {
	cfg Config
	// local coalesces concurrent lookups of the same service and holds
	// the per-instance cache tier.
	local *utils.FnCache
}

// New creates a registry.
func New(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	local, err := utils.NewFnCache(utils.FnCacheConfig{
		TTL:   cfg.CacheTTL,
		Clock: cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{cfg: cfg, local: local}, nil
}

const cacheKeyPrefix = "service:"

// GetService returns the registration for id, reading through the local
// and shared caches. Concurrent callers for the same id share one
// repository read. Absent services return NotFound.
func (r *Registry) GetService(ctx context.Context, id string) (*types.ServiceRegistration, error) {
	svc, err := utils.FnCacheGet(ctx, r.local, id, func(ctx context.Context) (*types.ServiceRegistration, error) {
		return r.load(ctx, id)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return svc.Clone(), nil
}

func (r *Registry) load(ctx context.Context, id string) (*types.ServiceRegistration, error) {
	if r.cfg.Cache != nil {
		if data, found, err := r.cfg.Cache.Get(ctx, cacheKeyPrefix+id); err == nil && found {
			var svc types.ServiceRegistration
			if err := json.Unmarshal([]byte(data), &svc); err == nil {
				return &svc, nil
			}
			// A malformed entry falls through to the repository.
		}
	}
	svc, err := r.cfg.Services.Get(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if r.cfg.Cache != nil {
		if data, err := json.Marshal(svc); err == nil {
			if err := r.cfg.Cache.Set(ctx, cacheKeyPrefix+id, string(data), r.cfg.CacheTTL); err != nil {
				log.DebugContext(ctx, "Caching service failed", "service", id, "error", err)
			}
		}
	}
	return svc, nil
}

// invalidate evicts id from every cache tier before a mutation returns,
// so readers never serve the replaced registration past the write.
func (r *Registry) invalidate(ctx context.Context, id string) {
	r.local.Remove(id)
	if r.cfg.Cache != nil {
		if err := r.cfg.Cache.Delete(ctx, cacheKeyPrefix+id); err != nil {
			log.DebugContext(ctx, "Cache invalidation failed", "service", id, "error", err)
		}
	}
}

// GetAllServices lists every registration, uncached.
func (r *Registry) GetAllServices(ctx context.Context) ([]*types.ServiceRegistration, error) {
	all, err := r.cfg.Services.GetAll(ctx)
	return all, trace.Wrap(err)
}

// Register creates or replaces a registration. Creation needs
// services.create, replacement services.update; replacement bumps the
// version like Update does.
func (r *Registry) Register(ctx context.Context, svc *types.ServiceRegistration, perms []string) RegistrationResult {
	if err := svc.CheckAndSetDefaults(); err != nil {
		return Failure{StatusCode: http.StatusBadRequest, Reason: trace.UserMessage(err)}
	}
	stored, err := r.cfg.Services.Get(ctx, svc.ServiceID)
	switch {
	case trace.IsNotFound(err):
		if !types.HasPermission(perms, types.PermissionServiceCreate) {
			return Failure{StatusCode: http.StatusForbidden, Reason: "Missing permission services.create"}
		}
		svc.Version = 1
		if err := r.cfg.Services.Create(ctx, svc); err != nil {
			if trace.IsAlreadyExists(err) {
				return Failure{StatusCode: http.StatusConflict, Reason: trace.UserMessage(err)}
			}
			return Failure{StatusCode: http.StatusInternalServerError, Reason: trace.UserMessage(err)}
		}
	case err != nil:
		return Failure{StatusCode: http.StatusInternalServerError, Reason: trace.UserMessage(err)}
	default:
		if !types.HasPermission(perms, types.PermissionServiceUpdate) {
			return Failure{StatusCode: http.StatusForbidden, Reason: "Missing permission services.update"}
		}
		svc.Version = stored.Version + 1
		if result := r.swap(ctx, svc); result != nil {
			return *result
		}
	}
	r.invalidate(ctx, svc.ServiceID)
	log.InfoContext(ctx, "Registered service", "service", svc.ServiceID, "version", svc.Version)
	return Success{Registration: svc.Clone()}
}

// Update is the version-conditional write: it succeeds only when the
// stored version is exactly svc.Version-1.
func (r *Registry) Update(ctx context.Context, svc *types.ServiceRegistration) RegistrationResult {
	if err := svc.CheckAndSetDefaults(); err != nil {
		return Failure{StatusCode: http.StatusBadRequest, Reason: trace.UserMessage(err)}
	}
	if result := r.swap(ctx, svc); result != nil {
		return *result
	}
	r.invalidate(ctx, svc.ServiceID)
	return Success{Registration: svc.Clone()}
}

func (r *Registry) swap(ctx context.Context, svc *types.ServiceRegistration) *Failure {
	if err := r.cfg.Services.CompareAndSwap(ctx, svc); err != nil {
		switch {
		case trace.IsNotFound(err):
			return &Failure{StatusCode: http.StatusNotFound, Reason: trace.UserMessage(err)}
		case trace.IsCompareFailed(err):
			return &Failure{StatusCode: http.StatusConflict, Reason: trace.UserMessage(err)}
		default:
			return &Failure{StatusCode: http.StatusInternalServerError, Reason: trace.UserMessage(err)}
		}
	}
	return nil
}

// UnregisterAuthorized removes a registration; needs services.delete.
func (r *Registry) UnregisterAuthorized(ctx context.Context, id string, perms []string) RegistrationResult {
	if !types.HasPermission(perms, types.PermissionServiceDelete) {
		return Failure{StatusCode: http.StatusForbidden, Reason: "Missing permission services.delete"}
	}
	if err := r.cfg.Services.Delete(ctx, id); err != nil {
		if trace.IsNotFound(err) {
			return Failure{StatusCode: http.StatusNotFound, Reason: trace.UserMessage(err)}
		}
		return Failure{StatusCode: http.StatusInternalServerError, Reason: trace.UserMessage(err)}
	}
	r.invalidate(ctx, id)
	log.InfoContext(ctx, "Unregistered service", "service", id)
	return Success{}
}

// GetServiceAuthorized reads a registration for the admin plane; needs
// services.read.
func (r *Registry) GetServiceAuthorized(ctx context.Context, id string, perms []string) RegistrationResult {
	if !types.HasPermission(perms, types.PermissionServiceRead) {
		return Failure{StatusCode: http.StatusForbidden, Reason: "Missing permission services.read"}
	}
	svc, err := r.GetService(ctx, id)
	if err != nil {
		if trace.IsNotFound(err) {
			return Failure{StatusCode: http.StatusNotFound, Reason: trace.UserMessage(err)}
		}
		return Failure{StatusCode: http.StatusInternalServerError, Reason: trace.UserMessage(err)}
	}
	return Success{Registration: svc}
}

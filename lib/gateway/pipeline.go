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

// Package gateway is the request pipeline: it resolves the target
// service, matches a route, applies rate limiting, authentication and
// authorization, and forwards the request upstream. Every request
// terminates in exactly one GatewayResult variant.
package gateway

import (
	"context"
	"net/http"
	"slices"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/authorize"
	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/identity"
	"github.com/aussieproj/aussie/lib/lockout"
	"github.com/aussieproj/aussie/lib/router"
	"github.com/aussieproj/aussie/lib/types"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

var log = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentGateway)

// ServiceResolver looks up registrations for the request path's first
// segment. *registry.Registry implements it.
type ServiceResolver interface {
	GetService(ctx context.Context, id string) (*types.ServiceRegistration, error)
}

// IdentityResolver turns request credentials into an identity.
// *identity.Resolver implements it.
type IdentityResolver interface {
	Resolve(ctx context.Context, headers http.Header) (*types.Identity, *identity.Failure)
}

// Forwarder sends an authorized request upstream. *Proxy implements it.
type Forwarder interface {
	Forward(ctx context.Context, match *router.RouteMatch, req *types.GatewayRequest) types.GatewayResult
}

// Config holds the pipeline's collaborators.
type Config struct {
	// Services resolves service registrations.
	Services ServiceResolver
	// Identity resolves request credentials.
	Identity IdentityResolver
	// Lockout applies the pre-auth rate limit on the caller IP.
	Lockout *lockout.Engine
	// Proxy forwards authorized requests upstream.
	Proxy Forwarder
	// ReservedPaths are first path segments that never resolve to a
	// service; empty applies the defaults.
	ReservedPaths []string
	// Clock is used for lockout arithmetic.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Services == nil {
		return trace.BadParameter("gateway: service resolver missing")
	}
	if c.Identity == nil {
		return trace.BadParameter("gateway: identity resolver missing")
	}
	if c.Lockout == nil {
		return trace.BadParameter("gateway: lockout engine missing")
	}
	if c.Proxy == nil {
		return trace.BadParameter("gateway: forwarder missing")
	}
	if len(c.ReservedPaths) == 0 {
		c.ReservedPaths = defaults.ReservedPaths
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Pipeline orchestrates the request stages.
type Pipeline struct {
	cfg Config
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pipeline{cfg: cfg}, nil
}

// Process runs the full pipeline including the upstream forward.
func (p *Pipeline) Process(ctx context.Context, req *types.GatewayRequest) types.GatewayResult {
	match, _, result := p.Authorize(ctx, req)
	if result != nil {
		return result
	}
	return p.cfg.Proxy.Forward(ctx, match, req)
}

// Authorize runs every stage short of the forward. A nil result means
// the request may proceed with the returned match and identity; a
// non-nil result terminates the request. The websocket path shares
// these stages and substitutes its own forward.
func (p *Pipeline) Authorize(ctx context.Context, req *types.GatewayRequest) (*router.RouteMatch, *types.Identity, types.GatewayResult) {
	serviceID, rest := router.SplitServicePath(req.Path)
	if serviceID == "" {
		return nil, nil, types.ResultBadRequest{Reason: "Request path names no service"}
	}
	// Reserved segments never resolve to a service, registered or not.
	if slices.Contains(p.cfg.ReservedPaths, serviceID) {
		return nil, nil, types.ResultReservedPath{Segment: serviceID}
	}

	svc, err := p.cfg.Services.GetService(ctx, serviceID)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nil, types.ResultServiceNotFound{ServiceID: serviceID}
		}
		log.ErrorContext(ctx, "Service lookup failed", "service", serviceID, "error", err)
		return nil, nil, types.ResultError{Message: "Service lookup failed"}
	}

	match, err := router.Match(svc, rest, req.Method)
	if err != nil {
		return nil, nil, types.ResultRouteNotFound{ServiceID: serviceID, Path: rest}
	}

	ipKey := "ip:" + req.ClientIP
	if info, err := p.cfg.Lockout.IsLockedOut(ctx, ipKey); err != nil {
		// An unreachable lockout store does not take the gateway down.
		log.WarnContext(ctx, "Lockout check failed, allowing request", "key", ipKey, "error", err)
	} else if info != nil {
		return nil, nil, types.ResultForbidden{
			Reason:     "Rate limited",
			RetryAfter: info.ExpiresAt.Sub(p.cfg.Clock.Now()),
		}
	}

	id, failure := p.cfg.Identity.Resolve(ctx, req.Headers)
	if failure != nil {
		if _, err := p.cfg.Lockout.RecordFailure(ctx, ipKey, failure.Reason); err != nil {
			log.WarnContext(ctx, "Recording auth failure failed", "key", ipKey, "error", err)
		}
		if match.Endpoint.Visibility != types.VisibilityPublic {
			return nil, nil, types.ResultUnauthorized{Reason: failure.Reason}
		}
		// PUBLIC endpoints serve callers whose credential did not
		// resolve, as anonymous.
		id = types.AnonymousIdentity()
	} else if !id.IsAnonymous() {
		if err := p.cfg.Lockout.RecordSuccess(ctx, ipKey); err != nil {
			log.WarnContext(ctx, "Resetting failure counter failed", "key", ipKey, "error", err)
		}
	}
	// A missing credential on a non-public endpoint is 401, not 403.
	if id.IsAnonymous() && match.Endpoint.Visibility != types.VisibilityPublic {
		return nil, nil, types.ResultUnauthorized{Reason: "Authentication required"}
	}

	if err := authorize.Check(id, match); err != nil {
		return nil, nil, types.ResultForbidden{Reason: trace.UserMessage(err)}
	}
	return match, id, nil
}

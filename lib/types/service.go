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

// Package types defines the domain model shared by every gateway
// subsystem: registrations, credentials, keys, sessions, lockouts and the
// closed result sums consumed by the request pipeline.
package types

import (
	"net/url"
	"slices"
	"strings"

	"github.com/gravitational/trace"
)

// Visibility controls who may call an endpoint.
type Visibility string

const (
	// VisibilityPublic endpoints require no credential.
	VisibilityPublic Visibility = "PUBLIC"
	// VisibilityProtected endpoints require an identity holding one of
	// the endpoint's or service policy's permissions.
	VisibilityProtected Visibility = "PROTECTED"
	// VisibilityInternal endpoints are reachable only by admins or
	// explicitly trusted internal services.
	VisibilityInternal Visibility = "INTERNAL"
)

// Check validates the visibility value.
func (v Visibility) Check() error {
	switch v {
	case VisibilityPublic, VisibilityProtected, VisibilityInternal:
		return nil
	}
	return trace.BadParameter("unknown endpoint visibility %q", string(v))
}

// EndpointConfig is a route within a service. Patterns use path segments,
// {var} bindings and a trailing ** catch-all. An endpoint is immutable
// within its service version.
type EndpointConfig struct {
	// Pattern is the path pattern, e.g. "/api/users/{id}" or "/static/**".
	Pattern string `json:"pattern" yaml:"pattern"`
	// Methods is the set of HTTP methods the endpoint accepts; empty
	// means all methods.
	Methods []string `json:"methods,omitempty" yaml:"methods,omitempty"`
	// Visibility is PUBLIC, PROTECTED or INTERNAL.
	Visibility Visibility `json:"visibility" yaml:"visibility"`
	// RequiredPermissions lists permissions of which the caller needs at
	// least one; only meaningful for PROTECTED endpoints.
	RequiredPermissions []string `json:"requiredPermissions,omitempty" yaml:"required_permissions,omitempty"`
}

// CheckAndSetDefaults validates the endpoint and fills in defaults.
func (e *EndpointConfig) CheckAndSetDefaults() error {
	if e.Pattern == "" {
		return trace.BadParameter("endpoint pattern missing")
	}
	if !strings.HasPrefix(e.Pattern, "/") {
		e.Pattern = "/" + e.Pattern
	}
	if e.Visibility == "" {
		e.Visibility = VisibilityProtected
	}
	if err := e.Visibility.Check(); err != nil {
		return trace.Wrap(err)
	}
	if e.Visibility == VisibilityPublic && len(e.RequiredPermissions) != 0 {
		return trace.BadParameter("PUBLIC endpoint %q must not list required permissions", e.Pattern)
	}
	for i, m := range e.Methods {
		e.Methods[i] = strings.ToUpper(m)
	}
	return nil
}

// MatchesMethod reports whether the endpoint accepts the given method.
func (e *EndpointConfig) MatchesMethod(method string) bool {
	if len(e.Methods) == 0 {
		return true
	}
	return slices.Contains(e.Methods, strings.ToUpper(method))
}

// PermissionPolicy maps an operation kind (the first segment of the target
// path, or "*") to the set of permissions allowed to perform it. The
// mapping is closed-world: an absent kind is admin-only.
type PermissionPolicy map[string][]string

// AllowedPermissions returns the permissions allowed for an operation
// kind, falling back to the "*" entry.
func (p PermissionPolicy) AllowedPermissions(kind string) []string {
	if p == nil {
		return nil
	}
	if perms, ok := p[kind]; ok {
		return perms
	}
	return p["*"]
}

// ServiceRegistration is an upstream target registered with the gateway.
type ServiceRegistration struct {
	// ServiceID uniquely identifies the service; it is the first path
	// segment of every request routed to it.
	ServiceID string `json:"serviceId" yaml:"service_id"`
	// BaseURL is the absolute URL requests are forwarded to.
	BaseURL string `json:"baseUrl" yaml:"base_url"`
	// Endpoints is the ordered route table; earlier routes with more
	// literal segments win.
	Endpoints []EndpointConfig `json:"endpoints" yaml:"endpoints"`
	// PermissionPolicy is the per-service authorization policy.
	PermissionPolicy PermissionPolicy `json:"permissionPolicy,omitempty" yaml:"permission_policy,omitempty"`
	// Version increases by exactly one on every successful mutation.
	Version int64 `json:"version" yaml:"version"`
	// Owner records who registered the service.
	Owner string `json:"owner,omitempty" yaml:"owner,omitempty"`
}

// CheckAndSetDefaults validates the registration and fills in defaults.
func (s *ServiceRegistration) CheckAndSetDefaults() error {
	if s.ServiceID == "" {
		return trace.BadParameter("serviceId missing")
	}
	if strings.Contains(s.ServiceID, "/") {
		return trace.BadParameter("serviceId %q must be a single path segment", s.ServiceID)
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return trace.BadParameter("baseUrl %q is not a valid URL: %v", s.BaseURL, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return trace.BadParameter("baseUrl %q must be an absolute URL", s.BaseURL)
	}
	for i := range s.Endpoints {
		if err := s.Endpoints[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	if s.Version < 0 {
		return trace.BadParameter("version must not be negative")
	}
	return nil
}

// Clone returns a deep copy of the registration.
func (s *ServiceRegistration) Clone() *ServiceRegistration {
	out := *s
	out.Endpoints = make([]EndpointConfig, len(s.Endpoints))
	for i, e := range s.Endpoints {
		out.Endpoints[i] = e
		out.Endpoints[i].Methods = slices.Clone(e.Methods)
		out.Endpoints[i].RequiredPermissions = slices.Clone(e.RequiredPermissions)
	}
	if s.PermissionPolicy != nil {
		out.PermissionPolicy = make(PermissionPolicy, len(s.PermissionPolicy))
		for k, v := range s.PermissionPolicy {
			out.PermissionPolicy[k] = slices.Clone(v)
		}
	}
	return &out
}

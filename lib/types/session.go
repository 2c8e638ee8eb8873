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

package types

import (
	"time"

	"github.com/gravitational/trace"
)

// Session is an authenticated web session referenced by an opaque cookie.
type Session struct {
	// ID is the opaque session identifier.
	ID string `json:"id"`
	// UserID is the authenticated subject.
	UserID string `json:"userId"`
	// Issuer is the external issuer the session was established from,
	// if any.
	Issuer string `json:"issuer,omitempty"`
	// Claims carries the validated token claims at login time.
	Claims map[string]any `json:"claims,omitempty"`
	// Permissions is the effective permission set at login time.
	Permissions []string `json:"permissions"`
	// CreatedAt is the login timestamp.
	CreatedAt time.Time `json:"createdAt"`
	// ExpiresAt is the TTL boundary; zero means no expiry.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	// LastAccessedAt is bumped on every resolved request.
	LastAccessedAt time.Time `json:"lastAccessedAt,omitempty"`
}

// CheckAndSetDefaults validates the session.
func (s *Session) CheckAndSetDefaults() error {
	if s.ID == "" {
		return trace.BadParameter("session id missing")
	}
	if s.UserID == "" {
		return trace.BadParameter("session user missing")
	}
	return nil
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Role is a named permission bundle assigned to subjects by the gateway.
type Role struct {
	// ID uniquely identifies the role.
	ID string `json:"id"`
	// DisplayName is a human-readable label.
	DisplayName string `json:"displayName"`
	// Permissions granted by the role.
	Permissions []string `json:"permissions"`
	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is the last mutation timestamp.
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// CheckAndSetDefaults validates the role.
func (r *Role) CheckAndSetDefaults() error {
	if r.ID == "" {
		return trace.BadParameter("role id missing")
	}
	if r.DisplayName == "" {
		r.DisplayName = r.ID
	}
	return nil
}

// Group is a permission bundle keyed by external group membership. Same
// shape as Role, kept as a distinct type so group IDs and role IDs never
// mix.
type Group struct {
	// ID uniquely identifies the group, matching the external group
	// claim value.
	ID string `json:"id"`
	// DisplayName is a human-readable label.
	DisplayName string `json:"displayName"`
	// Permissions granted by membership.
	Permissions []string `json:"permissions"`
	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is the last mutation timestamp.
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// CheckAndSetDefaults validates the group.
func (g *Group) CheckAndSetDefaults() error {
	if g.ID == "" {
		return trace.BadParameter("group id missing")
	}
	if g.DisplayName == "" {
		g.DisplayName = g.ID
	}
	return nil
}

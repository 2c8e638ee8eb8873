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

// Package storage defines the repository ports every gateway subsystem
// persists through, and the provider loader that binds exactly one
// implementation per port at startup.
//
// Implementations signal outcomes with trace error classes: NotFound for
// absent records, AlreadyExists for uniqueness violations, CompareFailed
// for optimistic-concurrency conflicts.
package storage

import (
	"context"
	"time"

	"github.com/aussieproj/aussie/lib/types"
)

// ServiceRegistrationRepository stores the routing table.
type ServiceRegistrationRepository interface {
	// Create inserts a new registration; AlreadyExists when the id is
	// taken.
	Create(ctx context.Context, s *types.ServiceRegistration) error
	// CompareAndSwap replaces the stored registration iff its version is
	// exactly s.Version-1; CompareFailed otherwise, NotFound when
	// absent.
	CompareAndSwap(ctx context.Context, s *types.ServiceRegistration) error
	// Get returns the registration or NotFound.
	Get(ctx context.Context, serviceID string) (*types.ServiceRegistration, error)
	// GetAll returns every registration.
	GetAll(ctx context.Context) ([]*types.ServiceRegistration, error)
	// Delete removes the registration or returns NotFound.
	Delete(ctx context.Context, serviceID string) error
}

// ApiKeyRepository stores API key records. Revoked and expired keys are
// retained for audit.
type ApiKeyRepository interface {
	// Create inserts a new key; AlreadyExists when the id is taken.
	Create(ctx context.Context, key *types.ApiKey) error
	// Get returns the key by id or NotFound.
	Get(ctx context.Context, id string) (*types.ApiKey, error)
	// GetAll returns every key record.
	GetAll(ctx context.Context) ([]*types.ApiKey, error)
	// Update replaces an existing record or returns NotFound.
	Update(ctx context.Context, key *types.ApiKey) error
}

// SigningKeyRepository stores RSA signing key records.
type SigningKeyRepository interface {
	// Create inserts a new key record.
	Create(ctx context.Context, key *types.SigningKeyRecord) error
	// Get returns the record by key id or NotFound.
	Get(ctx context.Context, keyID string) (*types.SigningKeyRecord, error)
	// GetAll returns every record, including RETIRED ones not yet
	// removed.
	GetAll(ctx context.Context) ([]*types.SigningKeyRecord, error)
	// Update replaces an existing record or returns NotFound.
	Update(ctx context.Context, key *types.SigningKeyRecord) error
	// Delete removes a record; only RETIRED keys past grace are deleted.
	Delete(ctx context.Context, keyID string) error
}

// TranslationConfigRepository stores translation schema revisions.
type TranslationConfigRepository interface {
	// Create inserts a revision, assigning the next version number.
	Create(ctx context.Context, v *types.TranslationConfigVersion) error
	// Get returns a revision by id or NotFound.
	Get(ctx context.Context, id string) (*types.TranslationConfigVersion, error)
	// GetAll returns every revision.
	GetAll(ctx context.Context) ([]*types.TranslationConfigVersion, error)
	// GetActive returns the single active revision or NotFound.
	GetActive(ctx context.Context) (*types.TranslationConfigVersion, error)
	// SetActive atomically activates id and deactivates the previous
	// active revision.
	SetActive(ctx context.Context, id string) error
	// Delete removes an inactive revision; BadParameter when active.
	Delete(ctx context.Context, id string) error
}

// SessionRepository stores authenticated sessions.
type SessionRepository interface {
	// Create inserts the session iff the id is absent; AlreadyExists
	// otherwise.
	Create(ctx context.Context, s *types.Session) error
	// Get returns the session or NotFound.
	Get(ctx context.Context, id string) (*types.Session, error)
	// Touch updates lastAccessedAt.
	Touch(ctx context.Context, id string, accessed time.Time) error
	// Delete removes the session.
	Delete(ctx context.Context, id string) error
	// DeleteForUser removes every session of the user.
	DeleteForUser(ctx context.Context, userID string) error
}

// PkceChallengeRepository stores short-lived PKCE code challenges.
type PkceChallengeRepository interface {
	// Put stores the challenge under state with a TTL.
	Put(ctx context.Context, state, challenge string, ttl time.Duration) error
	// Take returns and removes the challenge, or NotFound.
	Take(ctx context.Context, state string) (string, error)
}

// FailedAttemptRepository stores sliding-window failure counters and
// lockout records for the brute-force engine.
type FailedAttemptRepository interface {
	// IncrementFailures bumps the failure counter for key within the
	// sliding window and returns the new count.
	IncrementFailures(ctx context.Context, key string, window time.Duration) (int, error)
	// FailureCount returns the current counter value.
	FailureCount(ctx context.Context, key string) (int, error)
	// ResetFailures clears the failure counter, leaving any lockout and
	// the lockout count untouched.
	ResetFailures(ctx context.Context, key string) error
	// PutLockout writes a lockout record expiring with the lockout.
	PutLockout(ctx context.Context, info types.LockoutInfo) error
	// GetLockout returns the live lockout for key or NotFound.
	GetLockout(ctx context.Context, key string) (*types.LockoutInfo, error)
	// DeleteLockout removes the lockout record, not the lockout count.
	DeleteLockout(ctx context.Context, key string) error
	// ListLockouts returns every live lockout.
	ListLockouts(ctx context.Context) ([]types.LockoutInfo, error)
	// LockoutCount returns the progressive lockout counter for key.
	LockoutCount(ctx context.Context, key string) (int, error)
	// SetLockoutCount stores the progressive lockout counter with a TTL.
	SetLockoutCount(ctx context.Context, key string, count int, ttl time.Duration) error
}

// TokenRevocationRepository is the authoritative revocation store.
type TokenRevocationRepository interface {
	// RevokeJti marks a token id revoked until expiresAt. Idempotent.
	RevokeJti(ctx context.Context, jti string, expiresAt time.Time) error
	// IsRevoked reports whether the token id is revoked.
	IsRevoked(ctx context.Context, jti string) (bool, error)
	// RevokeUser rejects every token of the user issued at or before
	// issuedBefore.
	RevokeUser(ctx context.Context, userID string, issuedBefore, expiresAt time.Time) error
	// IsUserRevoked reports whether a token of the user issued at
	// issuedAt falls under a user-scope revocation.
	IsUserRevoked(ctx context.Context, userID string, issuedAt time.Time) (bool, error)
	// ListJtis returns every live revoked token id, for bloom rebuilds.
	ListJtis(ctx context.Context) ([]string, error)
	// ListRevokedUsers returns every user with a live cutoff, for bloom
	// rebuilds.
	ListRevokedUsers(ctx context.Context) ([]string, error)
}

// RoleRepository stores role records.
type RoleRepository interface {
	Create(ctx context.Context, r *types.Role) error
	Get(ctx context.Context, id string) (*types.Role, error)
	GetAll(ctx context.Context) ([]*types.Role, error)
	Update(ctx context.Context, r *types.Role) error
	Delete(ctx context.Context, id string) error
}

// GroupRepository stores group records.
type GroupRepository interface {
	Create(ctx context.Context, g *types.Group) error
	Get(ctx context.Context, id string) (*types.Group, error)
	GetAll(ctx context.Context) ([]*types.Group, error)
	Update(ctx context.Context, g *types.Group) error
	Delete(ctx context.Context, id string) error
}

// KVCache is the shared string cache layer. Lookups distinguish "absent"
// from "empty" via the found flag.
type KVCache interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set stores a value with a TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete evicts a key.
	Delete(ctx context.Context, key string) error
}

// RevocationBus fans revocation events out across gateway instances.
type RevocationBus interface {
	// Publish sends an event to every subscriber, local and remote.
	Publish(ctx context.Context, ev types.RevocationEvent) error
	// Subscribe returns a channel of events published after the call.
	// The channel closes when ctx is done or the bus shuts down.
	Subscribe(ctx context.Context) (<-chan types.RevocationEvent, error)
}

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

	"github.com/gravitational/trace"

	"github.com/aussieproj/aussie/lib/secret"
	"github.com/aussieproj/aussie/lib/types"
)

// NewSealedApiKeys wraps inner so the credential hash is sealed before it
// reaches the store and opened on the way out. With no encryption key
// configured the codec writes self-describing cleartext, so records
// survive a later switch to encryption.
func NewSealedApiKeys(inner ApiKeyRepository, codec secret.Codec) ApiKeyRepository {
	return &sealedApiKeys{inner: inner, codec: codec}
}

type sealedApiKeys struct {
	inner ApiKeyRepository
	codec secret.Codec
}

func (s *sealedApiKeys) seal(key *types.ApiKey) (*types.ApiKey, error) {
	sealed, err := s.codec.Seal(key.KeyHash)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := *key
	out.KeyHash = sealed
	return &out, nil
}

func (s *sealedApiKeys) open(key *types.ApiKey) error {
	opened, err := s.codec.Open(key.KeyHash)
	if err != nil {
		return trace.Wrap(err)
	}
	key.KeyHash = opened
	return nil
}

func (s *sealedApiKeys) Create(ctx context.Context, key *types.ApiKey) error {
	sealed, err := s.seal(key)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.inner.Create(ctx, sealed))
}

func (s *sealedApiKeys) Get(ctx context.Context, id string) (*types.ApiKey, error) {
	key, err := s.inner.Get(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.open(key); err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

func (s *sealedApiKeys) GetAll(ctx context.Context) ([]*types.ApiKey, error) {
	keys, err := s.inner.GetAll(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, key := range keys {
		if err := s.open(key); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return keys, nil
}

func (s *sealedApiKeys) Update(ctx context.Context, key *types.ApiKey) error {
	sealed, err := s.seal(key)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.inner.Update(ctx, sealed))
}

// NewSealedRoles wraps inner so role permission grants are sealed at
// rest, mirroring the API-key treatment.
func NewSealedRoles(inner RoleRepository, codec secret.Codec) RoleRepository {
	return &sealedRoles{inner: inner, codec: codec}
}

type sealedRoles struct {
	inner RoleRepository
	codec secret.Codec
}

func (s *sealedRoles) seal(role *types.Role) (*types.Role, error) {
	out := *role
	out.Permissions = make([]string, len(role.Permissions))
	for i, perm := range role.Permissions {
		sealed, err := s.codec.Seal(perm)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out.Permissions[i] = sealed
	}
	return &out, nil
}

func (s *sealedRoles) open(role *types.Role) error {
	// The store may hand out records sharing a backing array; never
	// open in place.
	opened := make([]string, len(role.Permissions))
	for i, perm := range role.Permissions {
		v, err := s.codec.Open(perm)
		if err != nil {
			return trace.Wrap(err)
		}
		opened[i] = v
	}
	role.Permissions = opened
	return nil
}

func (s *sealedRoles) Create(ctx context.Context, role *types.Role) error {
	sealed, err := s.seal(role)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.inner.Create(ctx, sealed))
}

func (s *sealedRoles) Get(ctx context.Context, id string) (*types.Role, error) {
	role, err := s.inner.Get(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.open(role); err != nil {
		return nil, trace.Wrap(err)
	}
	return role, nil
}

func (s *sealedRoles) GetAll(ctx context.Context) ([]*types.Role, error) {
	roles, err := s.inner.GetAll(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, role := range roles {
		if err := s.open(role); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return roles, nil
}

func (s *sealedRoles) Update(ctx context.Context, role *types.Role) error {
	sealed, err := s.seal(role)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.inner.Update(ctx, sealed))
}

func (s *sealedRoles) Delete(ctx context.Context, id string) error {
	return trace.Wrap(s.inner.Delete(ctx, id))
}

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

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieproj/aussie/lib/types"
)

// apiKeyRepo keeps records under an intra-process lock so the id index
// stays consistent with concurrent revocations.
type apiKeyRepo struct {
	mu   sync.RWMutex
	keys map[string]*types.ApiKey
}

func newApiKeyRepo() *apiKeyRepo {
	return &apiKeyRepo{keys: make(map[string]*types.ApiKey)}
}

func (r *apiKeyRepo) Create(_ context.Context, key *types.ApiKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key.ID]; ok {
		return trace.AlreadyExists("api key %q already exists", key.ID)
	}
	copied := *key
	r.keys[key.ID] = &copied
	return nil
}

func (r *apiKeyRepo) Get(_ context.Context, id string) (*types.ApiKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[id]
	if !ok {
		return nil, trace.NotFound("api key %q not found", id)
	}
	copied := *key
	return &copied, nil
}

func (r *apiKeyRepo) GetAll(_ context.Context) ([]*types.ApiKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ApiKey, 0, len(r.keys))
	for _, key := range r.keys {
		copied := *key
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *apiKeyRepo) Update(_ context.Context, key *types.ApiKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key.ID]; !ok {
		return trace.NotFound("api key %q not found", key.ID)
	}
	copied := *key
	r.keys[key.ID] = &copied
	return nil
}

type sessionRepo struct {
	clock    clockwork.Clock
	mu       sync.RWMutex
	sessions map[string]*types.Session
}

func newSessionRepo(clock clockwork.Clock) *sessionRepo {
	return &sessionRepo{clock: clock, sessions: make(map[string]*types.Session)}
}

func (r *sessionRepo) Create(_ context.Context, s *types.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[s.ID]; ok && !existing.Expired(r.clock.Now()) {
		return trace.AlreadyExists("session %q already exists", s.ID)
	}
	copied := *s
	r.sessions[s.ID] = &copied
	return nil
}

func (r *sessionRepo) Get(_ context.Context, id string) (*types.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || s.Expired(r.clock.Now()) {
		return nil, trace.NotFound("session %q not found", id)
	}
	copied := *s
	return &copied, nil
}

func (r *sessionRepo) Touch(_ context.Context, id string, accessed time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return trace.NotFound("session %q not found", id)
	}
	s.LastAccessedAt = accessed
	return nil
}

func (r *sessionRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *sessionRepo) DeleteForUser(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		if s.UserID == userID {
			delete(r.sessions, id)
		}
	}
	return nil
}

type pkceEntry struct {
	challenge string
	expires   time.Time
}

type pkceRepo struct {
	clock   clockwork.Clock
	mu      sync.Mutex
	entries map[string]pkceEntry
}

func newPkceRepo(clock clockwork.Clock) *pkceRepo {
	return &pkceRepo{clock: clock, entries: make(map[string]pkceEntry)}
}

func (r *pkceRepo) Put(_ context.Context, state, challenge string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[state] = pkceEntry{challenge: challenge, expires: r.clock.Now().Add(ttl)}
	return nil
}

func (r *pkceRepo) Take(_ context.Context, state string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[state]
	delete(r.entries, state)
	if !ok || r.clock.Now().After(e.expires) {
		return "", trace.NotFound("pkce challenge for state %q not found", state)
	}
	return e.challenge, nil
}

type roleRepo struct {
	mu    sync.RWMutex
	roles map[string]*types.Role
}

func newRoleRepo() *roleRepo {
	return &roleRepo{roles: make(map[string]*types.Role)}
}

func (r *roleRepo) Create(_ context.Context, role *types.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[role.ID]; ok {
		return trace.AlreadyExists("role %q already exists", role.ID)
	}
	copied := *role
	r.roles[role.ID] = &copied
	return nil
}

func (r *roleRepo) Get(_ context.Context, id string) (*types.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[id]
	if !ok {
		return nil, trace.NotFound("role %q not found", id)
	}
	copied := *role
	return &copied, nil
}

func (r *roleRepo) GetAll(_ context.Context) ([]*types.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Role, 0, len(r.roles))
	for _, role := range r.roles {
		copied := *role
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *roleRepo) Update(_ context.Context, role *types.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[role.ID]; !ok {
		return trace.NotFound("role %q not found", role.ID)
	}
	copied := *role
	r.roles[role.ID] = &copied
	return nil
}

func (r *roleRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[id]; !ok {
		return trace.NotFound("role %q not found", id)
	}
	delete(r.roles, id)
	return nil
}

type groupRepo struct {
	mu     sync.RWMutex
	groups map[string]*types.Group
}

func newGroupRepo() *groupRepo {
	return &groupRepo{groups: make(map[string]*types.Group)}
}

func (r *groupRepo) Create(_ context.Context, g *types.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[g.ID]; ok {
		return trace.AlreadyExists("group %q already exists", g.ID)
	}
	copied := *g
	r.groups[g.ID] = &copied
	return nil
}

func (r *groupRepo) Get(_ context.Context, id string) (*types.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return nil, trace.NotFound("group %q not found", id)
	}
	copied := *g
	return &copied, nil
}

func (r *groupRepo) GetAll(_ context.Context) ([]*types.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Group, 0, len(r.groups))
	for _, g := range r.groups {
		copied := *g
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *groupRepo) Update(_ context.Context, g *types.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[g.ID]; !ok {
		return trace.NotFound("group %q not found", g.ID)
	}
	copied := *g
	r.groups[g.ID] = &copied
	return nil
}

func (r *groupRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[id]; !ok {
		return trace.NotFound("group %q not found", id)
	}
	delete(r.groups, id)
	return nil
}

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

	"github.com/gravitational/trace"

	"github.com/aussieproj/aussie/lib/types"
)

type signingKeyRepo struct {
	mu   sync.RWMutex
	keys map[string]*types.SigningKeyRecord
}

func newSigningKeyRepo() *signingKeyRepo {
	return &signingKeyRepo{keys: make(map[string]*types.SigningKeyRecord)}
}

func (r *signingKeyRepo) Create(_ context.Context, key *types.SigningKeyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key.KeyID]; ok {
		return trace.AlreadyExists("signing key %q already exists", key.KeyID)
	}
	copied := *key
	r.keys[key.KeyID] = &copied
	return nil
}

func (r *signingKeyRepo) Get(_ context.Context, keyID string) (*types.SigningKeyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[keyID]
	if !ok {
		return nil, trace.NotFound("signing key %q not found", keyID)
	}
	copied := *key
	return &copied, nil
}

func (r *signingKeyRepo) GetAll(_ context.Context) ([]*types.SigningKeyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.SigningKeyRecord, 0, len(r.keys))
	for _, key := range r.keys {
		copied := *key
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *signingKeyRepo) Update(_ context.Context, key *types.SigningKeyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key.KeyID]; !ok {
		return trace.NotFound("signing key %q not found", key.KeyID)
	}
	copied := *key
	r.keys[key.KeyID] = &copied
	return nil
}

func (r *signingKeyRepo) Delete(_ context.Context, keyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[keyID]; !ok {
		return trace.NotFound("signing key %q not found", keyID)
	}
	delete(r.keys, keyID)
	return nil
}

type translationRepo struct {
	mu       sync.RWMutex
	versions map[string]*types.TranslationConfigVersion
	next     int
}

func newTranslationRepo() *translationRepo {
	return &translationRepo{versions: make(map[string]*types.TranslationConfigVersion), next: 1}
}

func (r *translationRepo) Create(_ context.Context, v *types.TranslationConfigVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[v.ID]; ok {
		return trace.AlreadyExists("translation config %q already exists", v.ID)
	}
	v.Version = r.next
	r.next++
	v.Active = false
	copied := *v
	r.versions[v.ID] = &copied
	return nil
}

func (r *translationRepo) Get(_ context.Context, id string) (*types.TranslationConfigVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.versions[id]
	if !ok {
		return nil, trace.NotFound("translation config %q not found", id)
	}
	copied := *v
	return &copied, nil
}

func (r *translationRepo) GetAll(_ context.Context) ([]*types.TranslationConfigVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.TranslationConfigVersion, 0, len(r.versions))
	for _, v := range r.versions {
		copied := *v
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r *translationRepo) GetActive(_ context.Context) (*types.TranslationConfigVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.versions {
		if v.Active {
			copied := *v
			return &copied, nil
		}
	}
	return nil, trace.NotFound("no active translation config")
}

func (r *translationRepo) SetActive(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.versions[id]
	if !ok {
		return trace.NotFound("translation config %q not found", id)
	}
	for _, v := range r.versions {
		v.Active = false
	}
	target.Active = true
	return nil
}

func (r *translationRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.versions[id]
	if !ok {
		return trace.NotFound("translation config %q not found", id)
	}
	if v.Active {
		return trace.BadParameter("translation config %q is active and cannot be deleted", id)
	}
	delete(r.versions, id)
	return nil
}

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

package cassandra

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/gocql/gocql"
	"github.com/gravitational/trace"

	"github.com/aussieproj/aussie/lib/types"
)

// activeSingleton keys the one-row table pointing at the active revision.
// Keeping activation in a pointer row makes SetActive a single write
// instead of a multi-row update Cassandra cannot do atomically.
const activeSingleton = "active"

type translationRepo struct {
	p *Provider
}

func (r *translationRepo) activeID(ctx context.Context) (string, error) {
	var id string
	err := r.p.session.Query(
		`SELECT config_id FROM translation_active WHERE singleton = ?`, activeSingleton).
		WithContext(ctx).Scan(&id)
	if err == gocql.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", convertError(err)
	}
	return id, nil
}

func (r *translationRepo) Create(ctx context.Context, v *types.TranslationConfigVersion) error {
	// Revisions are uploaded by one admin at a time; a max scan is fine
	// at this write rate.
	iter := r.p.session.Query(`SELECT version FROM translation_configs`).WithContext(ctx).Iter()
	maxVersion := 0
	var version int
	for iter.Scan(&version) {
		if version > maxVersion {
			maxVersion = version
		}
	}
	if err := iter.Close(); err != nil {
		return convertError(err)
	}
	v.Version = maxVersion + 1
	v.Active = false
	data, err := json.Marshal(v)
	if err != nil {
		return trace.Wrap(err)
	}
	applied, err := r.p.session.Query(
		`INSERT INTO translation_configs (id, version, data) VALUES (?, ?, ?) IF NOT EXISTS`,
		v.ID, v.Version, string(data)).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return convertError(err)
	}
	if !applied {
		return trace.AlreadyExists("translation config %q already exists", v.ID)
	}
	return nil
}

func (r *translationRepo) Get(ctx context.Context, id string) (*types.TranslationConfigVersion, error) {
	var data string
	err := r.p.session.Query(
		`SELECT data FROM translation_configs WHERE id = ?`, id).
		WithContext(ctx).Scan(&data)
	if err != nil {
		return nil, convertError(err)
	}
	var v types.TranslationConfigVersion
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, trace.Wrap(err)
	}
	active, err := r.activeID(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	v.Active = v.ID == active
	return &v, nil
}

func (r *translationRepo) GetAll(ctx context.Context) ([]*types.TranslationConfigVersion, error) {
	active, err := r.activeID(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	iter := r.p.session.Query(`SELECT data FROM translation_configs`).WithContext(ctx).Iter()
	var out []*types.TranslationConfigVersion
	var data string
	for iter.Scan(&data) {
		var v types.TranslationConfigVersion
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, trace.Wrap(err)
		}
		v.Active = v.ID == active
		out = append(out, &v)
	}
	if err := iter.Close(); err != nil {
		return nil, convertError(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (r *translationRepo) GetActive(ctx context.Context) (*types.TranslationConfigVersion, error) {
	active, err := r.activeID(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if active == "" {
		return nil, trace.NotFound("no active translation config")
	}
	return r.Get(ctx, active)
}

func (r *translationRepo) SetActive(ctx context.Context, id string) error {
	// Verify the target exists before moving the pointer.
	var ignored string
	err := r.p.session.Query(
		`SELECT id FROM translation_configs WHERE id = ?`, id).
		WithContext(ctx).Scan(&ignored)
	if err != nil {
		return convertError(err)
	}
	return convertError(r.p.session.Query(
		`INSERT INTO translation_active (singleton, config_id) VALUES (?, ?)`,
		activeSingleton, id).WithContext(ctx).Exec())
}

func (r *translationRepo) Delete(ctx context.Context, id string) error {
	active, err := r.activeID(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	if id == active {
		return trace.BadParameter("translation config %q is active and cannot be deleted", id)
	}
	applied, err := r.p.session.Query(
		`DELETE FROM translation_configs WHERE id = ? IF EXISTS`, id).
		WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return convertError(err)
	}
	if !applied {
		return trace.NotFound("translation config %q not found", id)
	}
	return nil
}

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

	"github.com/gravitational/trace"

	"github.com/aussieproj/aussie/lib/types"
)

// jsonTable is the shared access pattern for tables holding one JSON
// blob per id. Uniqueness on insert uses a lightweight transaction.
type jsonTable struct {
	p     *Provider
	table string
}

func (t jsonTable) insert(ctx context.Context, id string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return trace.Wrap(err)
	}
	applied, err := t.p.session.Query(
		`INSERT INTO `+t.table+` (id, data) VALUES (?, ?) IF NOT EXISTS`,
		id, string(data)).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return convertError(err)
	}
	if !applied {
		return trace.AlreadyExists("%v record %q already exists", t.table, id)
	}
	return nil
}

func (t jsonTable) get(ctx context.Context, id string, record any) error {
	var data string
	err := t.p.session.Query(
		`SELECT data FROM `+t.table+` WHERE id = ?`, id).
		WithContext(ctx).Scan(&data)
	if err != nil {
		return convertError(err)
	}
	return trace.Wrap(json.Unmarshal([]byte(data), record))
}

// getAll invokes decode for each stored blob.
func (t jsonTable) getAll(ctx context.Context, decode func(data []byte) error) error {
	iter := t.p.session.Query(`SELECT data FROM ` + t.table).WithContext(ctx).Iter()
	var data string
	for iter.Scan(&data) {
		if err := decode([]byte(data)); err != nil {
			return trace.Wrap(err)
		}
	}
	return convertError(iter.Close())
}

func (t jsonTable) update(ctx context.Context, id string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return trace.Wrap(err)
	}
	applied, err := t.p.session.Query(
		`UPDATE `+t.table+` SET data = ? WHERE id = ? IF EXISTS`,
		string(data), id).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return convertError(err)
	}
	if !applied {
		return trace.NotFound("%v record %q not found", t.table, id)
	}
	return nil
}

func (t jsonTable) delete(ctx context.Context, id string) error {
	applied, err := t.p.session.Query(
		`DELETE FROM `+t.table+` WHERE id = ? IF EXISTS`, id).
		WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return convertError(err)
	}
	if !applied {
		return trace.NotFound("%v record %q not found", t.table, id)
	}
	return nil
}

type apiKeyRepo struct {
	records jsonTable
}

func (r *apiKeyRepo) Create(ctx context.Context, key *types.ApiKey) error {
	return trace.Wrap(r.records.insert(ctx, key.ID, key))
}

func (r *apiKeyRepo) Get(ctx context.Context, id string) (*types.ApiKey, error) {
	var key types.ApiKey
	if err := r.records.get(ctx, id, &key); err != nil {
		return nil, trace.Wrap(err)
	}
	return &key, nil
}

func (r *apiKeyRepo) GetAll(ctx context.Context) ([]*types.ApiKey, error) {
	var out []*types.ApiKey
	err := r.records.getAll(ctx, func(data []byte) error {
		var key types.ApiKey
		if err := json.Unmarshal(data, &key); err != nil {
			return trace.Wrap(err)
		}
		out = append(out, &key)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *apiKeyRepo) Update(ctx context.Context, key *types.ApiKey) error {
	return trace.Wrap(r.records.update(ctx, key.ID, key))
}

type signingKeyRepo struct {
	records jsonTable
}

func (r *signingKeyRepo) Create(ctx context.Context, key *types.SigningKeyRecord) error {
	return trace.Wrap(r.records.insert(ctx, key.KeyID, key))
}

func (r *signingKeyRepo) Get(ctx context.Context, keyID string) (*types.SigningKeyRecord, error) {
	var key types.SigningKeyRecord
	if err := r.records.get(ctx, keyID, &key); err != nil {
		return nil, trace.Wrap(err)
	}
	return &key, nil
}

func (r *signingKeyRepo) GetAll(ctx context.Context) ([]*types.SigningKeyRecord, error) {
	var out []*types.SigningKeyRecord
	err := r.records.getAll(ctx, func(data []byte) error {
		var key types.SigningKeyRecord
		if err := json.Unmarshal(data, &key); err != nil {
			return trace.Wrap(err)
		}
		out = append(out, &key)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *signingKeyRepo) Update(ctx context.Context, key *types.SigningKeyRecord) error {
	return trace.Wrap(r.records.update(ctx, key.KeyID, key))
}

func (r *signingKeyRepo) Delete(ctx context.Context, keyID string) error {
	return trace.Wrap(r.records.delete(ctx, keyID))
}

type roleRepo struct {
	records jsonTable
}

func (r *roleRepo) Create(ctx context.Context, role *types.Role) error {
	return trace.Wrap(r.records.insert(ctx, role.ID, role))
}

func (r *roleRepo) Get(ctx context.Context, id string) (*types.Role, error) {
	var role types.Role
	if err := r.records.get(ctx, id, &role); err != nil {
		return nil, trace.Wrap(err)
	}
	return &role, nil
}

func (r *roleRepo) GetAll(ctx context.Context) ([]*types.Role, error) {
	var out []*types.Role
	err := r.records.getAll(ctx, func(data []byte) error {
		var role types.Role
		if err := json.Unmarshal(data, &role); err != nil {
			return trace.Wrap(err)
		}
		out = append(out, &role)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *roleRepo) Update(ctx context.Context, role *types.Role) error {
	return trace.Wrap(r.records.update(ctx, role.ID, role))
}

func (r *roleRepo) Delete(ctx context.Context, id string) error {
	return trace.Wrap(r.records.delete(ctx, id))
}

type groupRepo struct {
	records jsonTable
}

func (r *groupRepo) Create(ctx context.Context, g *types.Group) error {
	return trace.Wrap(r.records.insert(ctx, g.ID, g))
}

func (r *groupRepo) Get(ctx context.Context, id string) (*types.Group, error) {
	var g types.Group
	if err := r.records.get(ctx, id, &g); err != nil {
		return nil, trace.Wrap(err)
	}
	return &g, nil
}

func (r *groupRepo) GetAll(ctx context.Context) ([]*types.Group, error) {
	var out []*types.Group
	err := r.records.getAll(ctx, func(data []byte) error {
		var g types.Group
		if err := json.Unmarshal(data, &g); err != nil {
			return trace.Wrap(err)
		}
		out = append(out, &g)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *groupRepo) Update(ctx context.Context, g *types.Group) error {
	return trace.Wrap(r.records.update(ctx, g.ID, g))
}

func (r *groupRepo) Delete(ctx context.Context, id string) error {
	return trace.Wrap(r.records.delete(ctx, id))
}

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

// serviceRepo stores service registrations with the version in its own
// column so compare-and-swap runs as a single lightweight transaction.
type serviceRepo struct {
	p *Provider
}

func (r *serviceRepo) Create(ctx context.Context, s *types.ServiceRegistration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return trace.Wrap(err)
	}
	applied, err := r.p.session.Query(
		`INSERT INTO services (id, version, data) VALUES (?, ?, ?) IF NOT EXISTS`,
		s.ServiceID, s.Version, string(data)).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return convertError(err)
	}
	if !applied {
		return trace.AlreadyExists("service %q already registered", s.ServiceID)
	}
	return nil
}

func (r *serviceRepo) CompareAndSwap(ctx context.Context, s *types.ServiceRegistration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return trace.Wrap(err)
	}
	previous := map[string]any{}
	applied, err := r.p.session.Query(
		`UPDATE services SET version = ?, data = ? WHERE id = ? IF version = ?`,
		s.Version, string(data), s.ServiceID, s.Version-1).
		WithContext(ctx).MapScanCAS(previous)
	if err != nil {
		return convertError(err)
	}
	if applied {
		return nil
	}
	stored, ok := previous["version"].(int64)
	if !ok {
		return trace.NotFound("service %q not found", s.ServiceID)
	}
	return trace.CompareFailed("Version mismatch: expected %d, got %d", stored, s.Version-1)
}

func (r *serviceRepo) Get(ctx context.Context, serviceID string) (*types.ServiceRegistration, error) {
	var data string
	err := r.p.session.Query(
		`SELECT data FROM services WHERE id = ?`, serviceID).
		WithContext(ctx).Scan(&data)
	if err != nil {
		return nil, convertError(err)
	}
	var s types.ServiceRegistration
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, trace.Wrap(err)
	}
	return &s, nil
}

func (r *serviceRepo) GetAll(ctx context.Context) ([]*types.ServiceRegistration, error) {
	iter := r.p.session.Query(`SELECT data FROM services`).WithContext(ctx).Iter()
	var out []*types.ServiceRegistration
	var data string
	for iter.Scan(&data) {
		var s types.ServiceRegistration
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, &s)
	}
	if err := iter.Close(); err != nil {
		return nil, convertError(err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out, nil
}

func (r *serviceRepo) Delete(ctx context.Context, serviceID string) error {
	applied, err := r.p.session.Query(
		`DELETE FROM services WHERE id = ? IF EXISTS`, serviceID).
		WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		return convertError(err)
	}
	if !applied {
		return trace.NotFound("service %q not found", serviceID)
	}
	return nil
}

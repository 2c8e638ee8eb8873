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

type serviceRepo struct {
	mu       sync.RWMutex
	services map[string]*types.ServiceRegistration
}

func newServiceRepo() *serviceRepo {
	return &serviceRepo{services: make(map[string]*types.ServiceRegistration)}
}

func (r *serviceRepo) Create(_ context.Context, s *types.ServiceRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[s.ServiceID]; ok {
		return trace.AlreadyExists("service %q is already registered", s.ServiceID)
	}
	r.services[s.ServiceID] = s.Clone()
	return nil
}

func (r *serviceRepo) CompareAndSwap(_ context.Context, s *types.ServiceRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.services[s.ServiceID]
	if !ok {
		return trace.NotFound("service %q is not registered", s.ServiceID)
	}
	if stored.Version != s.Version-1 {
		return trace.CompareFailed("Version mismatch: expected %d, got %d", stored.Version, s.Version-1)
	}
	r.services[s.ServiceID] = s.Clone()
	return nil
}

func (r *serviceRepo) Get(_ context.Context, serviceID string) (*types.ServiceRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[serviceID]
	if !ok {
		return nil, trace.NotFound("service %q is not registered", serviceID)
	}
	return s.Clone(), nil
}

func (r *serviceRepo) GetAll(_ context.Context) ([]*types.ServiceRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ServiceRegistration, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out, nil
}

func (r *serviceRepo) Delete(_ context.Context, serviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[serviceID]; !ok {
		return trace.NotFound("service %q is not registered", serviceID)
	}
	delete(r.services, serviceID)
	return nil
}

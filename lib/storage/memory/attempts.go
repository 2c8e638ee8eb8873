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
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieproj/aussie/lib/types"
)

type countEntry struct {
	count   int
	expires time.Time
}

type attemptRepo struct {
	clock clockwork.Clock

	mu       sync.Mutex
	failures map[string]countEntry
	lockouts map[string]types.LockoutInfo
	counts   map[string]countEntry
}

func newAttemptRepo(clock clockwork.Clock) *attemptRepo {
	return &attemptRepo{
		clock:    clock,
		failures: make(map[string]countEntry),
		lockouts: make(map[string]types.LockoutInfo),
		counts:   make(map[string]countEntry),
	}
}

func (r *attemptRepo) IncrementFailures(_ context.Context, key string, window time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	e, ok := r.failures[key]
	if !ok || now.After(e.expires) {
		// A fresh window starts on the first failure.
		e = countEntry{expires: now.Add(window)}
	}
	e.count++
	r.failures[key] = e
	return e.count, nil
}

func (r *attemptRepo) FailureCount(_ context.Context, key string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.failures[key]
	if !ok || r.clock.Now().After(e.expires) {
		return 0, nil
	}
	return e.count, nil
}

func (r *attemptRepo) ResetFailures(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, key)
	return nil
}

func (r *attemptRepo) PutLockout(_ context.Context, info types.LockoutInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lockouts[info.Key] = info
	return nil
}

func (r *attemptRepo) GetLockout(_ context.Context, key string) (*types.LockoutInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.lockouts[key]
	if !ok || !info.Active(r.clock.Now()) {
		return nil, trace.NotFound("no lockout for %q", key)
	}
	copied := info
	return &copied, nil
}

func (r *attemptRepo) DeleteLockout(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.lockouts, key)
	return nil
}

func (r *attemptRepo) ListLockouts(_ context.Context) ([]types.LockoutInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	var out []types.LockoutInfo
	for key, info := range r.lockouts {
		if !info.Active(now) {
			delete(r.lockouts, key)
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (r *attemptRepo) LockoutCount(_ context.Context, key string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.counts[key]
	if !ok || r.clock.Now().After(e.expires) {
		return 0, nil
	}
	return e.count, nil
}

func (r *attemptRepo) SetLockoutCount(_ context.Context, key string, count int, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key] = countEntry{count: count, expires: r.clock.Now().Add(ttl)}
	return nil
}

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

	"github.com/jonboulle/clockwork"

	"github.com/aussieproj/aussie/lib/types"
)

type revocationRepo struct {
	clock clockwork.Clock

	mu    sync.RWMutex
	jtis  map[string]time.Time // jti -> expiry
	users map[string]userCut
}

type userCut struct {
	issuedBefore time.Time
	expires      time.Time
}

func newRevocationRepo(clock clockwork.Clock) *revocationRepo {
	return &revocationRepo{
		clock: clock,
		jtis:  make(map[string]time.Time),
		users: make(map[string]userCut),
	}
}

func (r *revocationRepo) RevokeJti(_ context.Context, jti string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-revoking extends, never shortens, the retention window.
	if existing, ok := r.jtis[jti]; !ok || expiresAt.After(existing) {
		r.jtis[jti] = expiresAt
	}
	return nil
}

func (r *revocationRepo) IsRevoked(_ context.Context, jti string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expires, ok := r.jtis[jti]
	return ok && r.clock.Now().Before(expires), nil
}

func (r *revocationRepo) RevokeUser(_ context.Context, userID string, issuedBefore, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cut, ok := r.users[userID]
	if !ok || issuedBefore.After(cut.issuedBefore) {
		r.users[userID] = userCut{issuedBefore: issuedBefore, expires: expiresAt}
	}
	return nil
}

func (r *revocationRepo) IsUserRevoked(_ context.Context, userID string, issuedAt time.Time) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cut, ok := r.users[userID]
	if !ok || r.clock.Now().After(cut.expires) {
		return false, nil
	}
	return !issuedAt.After(cut.issuedBefore), nil
}

func (r *revocationRepo) ListJtis(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	out := make([]string, 0, len(r.jtis))
	for jti, expires := range r.jtis {
		if now.After(expires) {
			delete(r.jtis, jti)
			continue
		}
		out = append(out, jti)
	}
	return out, nil
}

func (r *revocationRepo) ListRevokedUsers(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	out := make([]string, 0, len(r.users))
	for userID, cut := range r.users {
		if now.After(cut.expires) {
			delete(r.users, userID)
			continue
		}
		out = append(out, userID)
	}
	return out, nil
}

// revocationBus is an in-process broadcast of revocation events. Remote
// providers replace it with real pub/sub; the memory bus serves single
// instance deployments and tests.
type revocationBus struct {
	mu     sync.Mutex
	subs   map[int]chan types.RevocationEvent
	nextID int
	closed bool
}

func newRevocationBus() *revocationBus {
	return &revocationBus{subs: make(map[int]chan types.RevocationEvent)}
}

func (b *revocationBus) Publish(_ context.Context, ev types.RevocationEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// A stalled subscriber loses events rather than blocking
			// publishers; the periodic bloom rebuild recovers it.
		}
	}
	return nil
}

func (b *revocationBus) Subscribe(ctx context.Context) (<-chan types.RevocationEvent, error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan types.RevocationEvent, 128)
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, nil
	}
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}()
	return ch, nil
}

func (b *revocationBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

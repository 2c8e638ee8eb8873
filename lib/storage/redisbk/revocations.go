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

package redisbk

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/aussieproj/aussie/lib/storage"
	"github.com/aussieproj/aussie/lib/types"
)

// revocationRepo is the authoritative revocation store. Writes fail
// closed: a timeout is returned to the caller so an admin knows the
// revocation did not land. Reads fail open through the engine's bloom and
// cache layers, not here.
type revocationRepo struct {
	p *Provider
}

func (r *revocationRepo) RevokeJti(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := storage.WithTimeout(ctx, r.p.cfg.OperationTimeout, func(ctx context.Context) (struct{}, error) {
		ttl := expiresAt.Sub(r.p.cfg.Clock.Now())
		if ttl < time.Second {
			ttl = time.Second
		}
		return struct{}{}, convertError(r.p.client.Set(ctx, revokedJtiPrefix+jti, expiresAt.UnixMilli(), ttl).Err())
	})
	return trace.Wrap(err)
}

func (r *revocationRepo) IsRevoked(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := r.p.opCtx(ctx)
	defer cancel()
	n, err := r.p.client.Exists(ctx, revokedJtiPrefix+jti).Result()
	if err != nil {
		return false, convertError(err)
	}
	return n > 0, nil
}

func (r *revocationRepo) RevokeUser(ctx context.Context, userID string, issuedBefore, expiresAt time.Time) error {
	_, err := storage.WithTimeout(ctx, r.p.cfg.OperationTimeout, func(ctx context.Context) (struct{}, error) {
		ttl := expiresAt.Sub(r.p.cfg.Clock.Now())
		if ttl < time.Second {
			ttl = time.Second
		}
		key := revokedUserPrefix + userID
		// Keep the latest cutoff: re-revocations only widen the window.
		current, err := r.p.client.Get(ctx, key).Int64()
		if err != nil && err != redis.Nil {
			return struct{}{}, convertError(err)
		}
		if issuedBefore.UnixMilli() > current {
			return struct{}{}, convertError(r.p.client.Set(ctx, key, issuedBefore.UnixMilli(), ttl).Err())
		}
		return struct{}{}, nil
	})
	return trace.Wrap(err)
}

func (r *revocationRepo) IsUserRevoked(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	ctx, cancel := r.p.opCtx(ctx)
	defer cancel()
	cutoff, err := r.p.client.Get(ctx, revokedUserPrefix+userID).Int64()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, convertError(err)
	}
	return issuedAt.UnixMilli() <= cutoff, nil
}

func (r *revocationRepo) ListJtis(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 4*r.p.cfg.OperationTimeout)
	defer cancel()
	var out []string
	iter := r.p.client.Scan(ctx, 0, revokedJtiPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(revokedJtiPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, convertError(err)
	}
	return out, nil
}

func (r *revocationRepo) ListRevokedUsers(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 4*r.p.cfg.OperationTimeout)
	defer cancel()
	var out []string
	iter := r.p.client.Scan(ctx, 0, revokedUserPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(revokedUserPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, convertError(err)
	}
	return out, nil
}

// pubsubBus fans revocation events out over a Redis channel. A single
// receive loop per process demultiplexes the channel to local
// subscribers.
type pubsubBus struct {
	client  *redis.Client
	channel string

	mu     sync.Mutex
	subs   map[int]chan types.RevocationEvent
	nextID int
	pubsub *redis.PubSub
	closed bool
}

func newPubsubBus(client *redis.Client, channel string) *pubsubBus {
	return &pubsubBus{
		client:  client,
		channel: channel,
		subs:    make(map[int]chan types.RevocationEvent),
	}
}

func (b *pubsubBus) Publish(ctx context.Context, ev types.RevocationEvent) error {
	return convertError(b.client.Publish(ctx, b.channel, ev.WireFormat()).Err())
}

func (b *pubsubBus) Subscribe(ctx context.Context) (<-chan types.RevocationEvent, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, trace.ConnectionProblem(nil, "revocation bus is closed")
	}
	if b.pubsub == nil {
		// First subscriber starts the shared receive loop.
		b.pubsub = b.client.Subscribe(context.Background(), b.channel)
		go b.receiveLoop(b.pubsub)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan types.RevocationEvent, 128)
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

func (b *pubsubBus) receiveLoop(pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		ev, err := types.ParseRevocationEvent(msg.Payload)
		if err != nil {
			log.WarnContext(context.Background(), "Dropping malformed revocation event",
				"payload", msg.Payload, "error", err)
			continue
		}
		b.mu.Lock()
		for _, ch := range b.subs {
			select {
			case ch <- ev:
			default:
				// A stalled subscriber loses events; the scheduled
				// bloom rebuild recovers it.
			}
		}
		b.mu.Unlock()
	}
}

func (b *pubsubBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.pubsub != nil {
		b.pubsub.Close()
	}
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

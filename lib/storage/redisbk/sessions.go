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
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/aussieproj/aussie/lib/types"
)

type sessionRepo struct {
	p *Provider
}

func (r *sessionRepo) ttl(s *types.Session) time.Duration {
	if s.ExpiresAt.IsZero() {
		return 0
	}
	ttl := s.ExpiresAt.Sub(r.p.cfg.Clock.Now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (r *sessionRepo) Create(ctx context.Context, s *types.Session) error {
	ctx, cancel := r.p.opCtx(ctx)
	defer cancel()
	data, err := json.Marshal(s)
	if err != nil {
		return trace.Wrap(err)
	}
	ok, err := r.p.client.SetNX(ctx, sessionPrefix+s.ID, data, r.ttl(s)).Result()
	if err != nil {
		return convertError(err)
	}
	if !ok {
		return trace.AlreadyExists("session %q already exists", s.ID)
	}
	return nil
}

func (r *sessionRepo) Get(ctx context.Context, id string) (*types.Session, error) {
	ctx, cancel := r.p.opCtx(ctx)
	defer cancel()
	data, err := r.p.client.Get(ctx, sessionPrefix+id).Bytes()
	if err != nil {
		return nil, convertError(err)
	}
	var s types.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, trace.Wrap(err)
	}
	return &s, nil
}

func (r *sessionRepo) Touch(ctx context.Context, id string, accessed time.Time) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	s.LastAccessedAt = accessed
	data, err := json.Marshal(s)
	if err != nil {
		return trace.Wrap(err)
	}
	ctx, cancel := r.p.opCtx(ctx)
	defer cancel()
	// KEEPTTL preserves the session expiry across the metadata update.
	return convertError(r.p.client.Set(ctx, sessionPrefix+id, data, redis.KeepTTL).Err())
}

func (r *sessionRepo) Delete(ctx context.Context, id string) error {
	ctx, cancel := r.p.opCtx(ctx)
	defer cancel()
	return convertError(r.p.client.Del(ctx, sessionPrefix+id).Err())
}

func (r *sessionRepo) DeleteForUser(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 4*r.p.cfg.OperationTimeout)
	defer cancel()
	iter := r.p.client.Scan(ctx, 0, sessionPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.p.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var s types.Session
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		if s.UserID == userID {
			if err := r.p.client.Del(ctx, key).Err(); err != nil {
				return convertError(err)
			}
		}
	}
	return convertError(iter.Err())
}

type pkceRepo struct {
	p *Provider
}

func (r *pkceRepo) Put(ctx context.Context, state, challenge string, ttl time.Duration) error {
	ctx, cancel := r.p.opCtx(ctx)
	defer cancel()
	return convertError(r.p.client.Set(ctx, pkcePrefix+state, challenge, ttl).Err())
}

func (r *pkceRepo) Take(ctx context.Context, state string) (string, error) {
	ctx, cancel := r.p.opCtx(ctx)
	defer cancel()
	challenge, err := r.p.client.GetDel(ctx, pkcePrefix+state).Result()
	if err != nil {
		return "", convertError(err)
	}
	return challenge, nil
}

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
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aussieproj/aussie/lib/storage"
)

// kvCache is the shared read-through cache. Lookups fail open: a Redis
// outage is a cache miss and the caller falls through to the durable
// store.
type kvCache struct {
	p *Provider
}

type cacheHit struct {
	value string
	found bool
}

func (c *kvCache) Get(ctx context.Context, key string) (string, bool, error) {
	hit := storage.WithTimeoutGraceful(ctx, c.p.cfg.OperationTimeout, func(ctx context.Context) (cacheHit, error) {
		val, err := c.p.client.Get(ctx, cachePrefix+key).Result()
		if err != nil {
			if err == redis.Nil {
				return cacheHit{}, nil
			}
			return cacheHit{}, convertError(err)
		}
		return cacheHit{value: val, found: true}, nil
	})
	return hit.value, hit.found, nil
}

func (c *kvCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := c.p.opCtx(ctx)
	defer cancel()
	return convertError(c.p.client.Set(ctx, cachePrefix+key, value, ttl).Err())
}

func (c *kvCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := c.p.opCtx(ctx)
	defer cancel()
	return convertError(c.p.client.Del(ctx, cachePrefix+key).Err())
}

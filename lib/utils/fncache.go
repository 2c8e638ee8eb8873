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

package utils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// FnCacheConfig contains parameters for a FnCache.
type FnCacheConfig struct {
	// TTL is the time to live for cached values.
	TTL time.Duration
	// Clock is the clock used to measure expiry.
	Clock clockwork.Clock
	// ReloadOnErr causes errored values to be reloaded on next access
	// instead of being cached for the full TTL.
	ReloadOnErr bool
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *FnCacheConfig) CheckAndSetDefaults() error {
	if c.TTL <= 0 {
		return trace.BadParameter("missing TTL parameter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// FnCache is a TTL cache whose values are loaded by caller-supplied
// functions. Concurrent loads of the same key coalesce into a single
// in-flight call; all callers observe its result.
type FnCache struct {
	cfg   FnCacheConfig
	group singleflight.Group

	mu      sync.Mutex
	entries map[any]*fnCacheEntry
}

type fnCacheEntry struct {
	v       any
	err     error
	expires time.Time
}

// NewFnCache creates a new FnCache with the given config.
func NewFnCache(cfg FnCacheConfig) (*FnCache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &FnCache{
		cfg:     cfg,
		entries: make(map[any]*fnCacheEntry),
	}, nil
}

// FnCacheGet loads the value for key, using loadfn on miss or expiry. The
// generic wrapper exists so callers don't type-assert; a cached value of
// the wrong type is a programming error and is surfaced as one.
func FnCacheGet[T any](ctx context.Context, cache *FnCache, key any, loadfn func(ctx context.Context) (T, error)) (T, error) {
	v, err := cache.get(ctx, key, func(ctx context.Context) (any, error) {
		return loadfn(ctx)
	})
	if err != nil {
		var zero T
		return zero, trace.Wrap(err)
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, trace.BadParameter("value of type %T in cache slot of type %T", v, zero)
	}
	return t, nil
}

func (c *FnCache) get(ctx context.Context, key any, loadfn func(ctx context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	now := c.cfg.Clock.Now()
	if ok && now.Before(entry.expires) && !(c.cfg.ReloadOnErr && entry.err != nil) {
		c.mu.Unlock()
		return entry.v, entry.err
	}
	c.mu.Unlock()

	// Loads are keyed on the string form of the key so that concurrent
	// callers of the same logical key share one in-flight call.
	v, err, _ := c.group.Do(fmt.Sprintf("%v", key), func() (any, error) {
		v, err := loadfn(ctx)

		c.mu.Lock()
		c.entries[key] = &fnCacheEntry{
			v:       v,
			err:     err,
			expires: c.cfg.Clock.Now().Add(c.cfg.TTL),
		}
		c.mu.Unlock()

		// Errors pass through group.Do unwrapped; the entry above keeps
		// them for negative caching when ReloadOnErr is unset.
		return v, err
	})
	return v, err
}

// Remove evicts the value cached under key, if any.
func (c *FnCache) Remove(key any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// RemoveAll evicts every cached value.
func (c *FnCache) RemoveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[any]*fnCacheEntry)
}

// Set stores a value directly, bypassing the loader. Used by writers that
// already hold the fresh value after a mutation.
func (c *FnCache) Set(key any, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &fnCacheEntry{
		v:       v,
		expires: c.cfg.Clock.Now().Add(c.cfg.TTL),
	}
}

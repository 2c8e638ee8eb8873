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
)

type kvEntry struct {
	value   string
	expires time.Time
}

type kvCache struct {
	clock   clockwork.Clock
	mu      sync.RWMutex
	entries map[string]kvEntry
}

func newKVCache(clock clockwork.Clock) *kvCache {
	return &kvCache{clock: clock, entries: make(map[string]kvEntry)}
}

func (c *kvCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || (!e.expires.IsZero() && c.clock.Now().After(e.expires)) {
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *kvCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = c.clock.Now().Add(ttl)
	}
	c.entries[key] = kvEntry{value: value, expires: expires}
	return nil
}

func (c *kvCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

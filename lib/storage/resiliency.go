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

package storage

import (
	"context"
	"time"

	"github.com/gravitational/trace"
)

// The three timeout policies for remote-store calls. This is the single
// place where fail-open versus fail-closed is encoded; callers state the
// policy per operation:
//
//   - WithTimeout: propagate the failure (revocation writes, registry
//     mutations).
//   - WithTimeoutGraceful: swallow the failure, return the zero value
//     (cache reads).
//   - WithTimeoutFallback: swallow the failure, return a caller-supplied
//     fail-open value (lockout reads, failure counters).

// WithTimeout bounds fn by d and propagates any failure to the caller.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	v, err := fn(ctx)
	if err != nil {
		var zero T
		return zero, trace.Wrap(err)
	}
	return v, nil
}

// WithTimeoutGraceful bounds fn by d and returns the zero value on any
// failure. The error is logged, never returned.
func WithTimeoutGraceful[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) T {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	v, err := fn(ctx)
	if err != nil {
		log.DebugContext(ctx, "Storage call failed, returning empty result", "error", err)
		var zero T
		return zero
	}
	return v
}

// WithTimeoutFallback bounds fn by d and returns fallback on any failure.
// Used where a storage outage must not lock legitimate callers out.
func WithTimeoutFallback[T any](ctx context.Context, d time.Duration, fallback T, fn func(ctx context.Context) (T, error)) T {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	v, err := fn(ctx)
	if err != nil {
		log.WarnContext(ctx, "Storage call failed, applying fail-open fallback", "error", err)
		return fallback
	}
	return v
}

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

// Package lockout tracks authentication failures per typed key and
// locks out brute-force sources with progressively longer durations.
package lockout

import (
	"context"
	"math"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/storage"
	"github.com/aussieproj/aussie/lib/types"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

var log = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentLockout)

// Config holds parameters for the lockout engine.
type Config struct {
	// Repo stores counters and lockout records.
	Repo storage.FailedAttemptRepository
	// MaxFailedAttempts triggers a lockout when reached within Window.
	MaxFailedAttempts int
	// Window is the sliding failure window.
	Window time.Duration
	// BaseLockout is the first lockout duration.
	BaseLockout time.Duration
	// Multiplier grows the duration per prior lockout.
	Multiplier float64
	// CountTTL bounds how long the progressive counter is remembered.
	CountTTL time.Duration
	// Clock is used for lockout timestamps.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Repo == nil {
		return trace.BadParameter("lockout: repository missing")
	}
	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = defaults.MaxFailedAttempts
	}
	if c.Window <= 0 {
		c.Window = defaults.FailedAttemptWindow
	}
	if c.BaseLockout <= 0 {
		c.BaseLockout = defaults.BaseLockoutDuration
	}
	if c.Multiplier <= 1 {
		c.Multiplier = defaults.LockoutMultiplier
	}
	if c.CountTTL <= 0 {
		c.CountTTL = defaults.LockoutCountTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Engine applies the progressive lockout policy. Every store access
// inherits the repository's fail-open behavior: an unreachable store
// reports no failures and no lockout rather than locking callers out.
type Engine struct {
	cfg Config
}

// NewEngine creates a lockout engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg}, nil
}

// RecordFailure counts one authentication failure for key. When the
// count reaches the threshold it writes a lockout whose duration grows
// as base * multiplier^(prior lockouts) and returns the new record.
func (e *Engine) RecordFailure(ctx context.Context, key, reason string) (*types.LockoutInfo, error) {
	count, err := e.cfg.Repo.IncrementFailures(ctx, key, e.cfg.Window)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if count < e.cfg.MaxFailedAttempts {
		return nil, nil
	}
	priorLockouts, err := e.cfg.Repo.LockoutCount(ctx, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	duration := time.Duration(float64(e.cfg.BaseLockout) * math.Pow(e.cfg.Multiplier, float64(priorLockouts)))
	now := e.cfg.Clock.Now().UTC()
	info := types.LockoutInfo{
		Key:            key,
		LockedAt:       now,
		ExpiresAt:      now.Add(duration),
		FailedAttempts: count,
		LockoutCount:   priorLockouts + 1,
		Reason:         reason,
	}
	if err := e.cfg.Repo.PutLockout(ctx, info); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := e.cfg.Repo.SetLockoutCount(ctx, key, priorLockouts+1, e.cfg.CountTTL); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := e.cfg.Repo.ResetFailures(ctx, key); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(ctx, "Locked out after repeated failures",
		"key", key, "attempts", count, "duration", duration, "lockouts", priorLockouts+1)
	return &info, nil
}

// RecordSuccess clears the failure counter for key. The progressive
// lockout count is deliberately left alone.
func (e *Engine) RecordSuccess(ctx context.Context, key string) error {
	return trace.Wrap(e.cfg.Repo.ResetFailures(ctx, key))
}

// IsLockedOut returns the live lockout for key, or nil.
func (e *Engine) IsLockedOut(ctx context.Context, key string) (*types.LockoutInfo, error) {
	info, err := e.cfg.Repo.GetLockout(ctx, key)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, nil
		}
		return nil, trace.Wrap(err)
	}
	if !info.Active(e.cfg.Clock.Now()) {
		return nil, nil
	}
	return info, nil
}

// ClearLockout lifts the lockout for key. The progressive count is
// preserved, so a repeat offender's next lockout is still longer.
func (e *Engine) ClearLockout(ctx context.Context, key string) error {
	if err := e.cfg.Repo.DeleteLockout(ctx, key); err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	return nil
}

// ListLockouts returns every live lockout.
func (e *Engine) ListLockouts(ctx context.Context) ([]types.LockoutInfo, error) {
	infos, err := e.cfg.Repo.ListLockouts(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := e.cfg.Clock.Now()
	live := infos[:0]
	for _, info := range infos {
		if info.Active(now) {
			live = append(live, info)
		}
	}
	return live, nil
}

// StreamLockouts sends every live lockout to a channel, closing it when
// the scan finishes or ctx is done.
func (e *Engine) StreamLockouts(ctx context.Context) (<-chan types.LockoutInfo, error) {
	infos, err := e.ListLockouts(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make(chan types.LockoutInfo)
	go func() {
		defer close(out)
		for _, info := range infos {
			select {
			case out <- info:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

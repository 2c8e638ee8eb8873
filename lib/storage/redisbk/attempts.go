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
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/aussieproj/aussie/lib/storage"
	"github.com/aussieproj/aussie/lib/types"
)

// attemptRepo stores failure counters and lockouts. Reads apply the
// fail-open policy: a Redis outage reports zero failures and no lockout,
// never locking a legitimate caller out. Lockout writes fail open too;
// the worst case of a lost write is one extra attempt window.
type attemptRepo struct {
	p *Provider
}

func (r *attemptRepo) IncrementFailures(ctx context.Context, key string, window time.Duration) (int, error) {
	count := storage.WithTimeoutFallback(ctx, r.p.cfg.OperationTimeout, 0, func(ctx context.Context) (int, error) {
		pipe := r.p.client.TxPipeline()
		incr := pipe.Incr(ctx, failurePrefix+key)
		// NX keeps the window anchored at the first failure.
		pipe.ExpireNX(ctx, failurePrefix+key, window)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, convertError(err)
		}
		return int(incr.Val()), nil
	})
	return count, nil
}

func (r *attemptRepo) FailureCount(ctx context.Context, key string) (int, error) {
	count := storage.WithTimeoutFallback(ctx, r.p.cfg.OperationTimeout, 0, func(ctx context.Context) (int, error) {
		val, err := r.p.client.Get(ctx, failurePrefix+key).Int()
		if err != nil {
			if trace.IsNotFound(convertError(err)) {
				return 0, nil
			}
			return 0, convertError(err)
		}
		return val, nil
	})
	return count, nil
}

func (r *attemptRepo) ResetFailures(ctx context.Context, key string) error {
	ctx, cancel := r.p.opCtx(ctx)
	defer cancel()
	return convertError(r.p.client.Del(ctx, failurePrefix+key).Err())
}

// Lockout hash fields; timestamps are epoch millis.
const (
	fieldLockedAt       = "lockedAt"
	fieldExpiresAt      = "expiresAt"
	fieldReason         = "reason"
	fieldFailedAttempts = "failedAttempts"
	fieldLockoutCount   = "lockoutCount"
)

func (r *attemptRepo) PutLockout(ctx context.Context, info types.LockoutInfo) error {
	ctx, cancel := r.p.opCtx(ctx)
	defer cancel()
	key := lockoutPrefix + info.Key
	pipe := r.p.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		fieldLockedAt:       info.LockedAt.UnixMilli(),
		fieldExpiresAt:      info.ExpiresAt.UnixMilli(),
		fieldReason:         info.Reason,
		fieldFailedAttempts: info.FailedAttempts,
		fieldLockoutCount:   info.LockoutCount,
	})
	pipe.ExpireAt(ctx, key, info.ExpiresAt)
	_, err := pipe.Exec(ctx)
	return convertError(err)
}

func (r *attemptRepo) GetLockout(ctx context.Context, key string) (*types.LockoutInfo, error) {
	info := storage.WithTimeoutGraceful(ctx, r.p.cfg.OperationTimeout, func(ctx context.Context) (*types.LockoutInfo, error) {
		fields, err := r.p.client.HGetAll(ctx, lockoutPrefix+key).Result()
		if err != nil {
			return nil, convertError(err)
		}
		if len(fields) == 0 {
			return nil, nil
		}
		return parseLockoutHash(key, fields)
	})
	if info == nil {
		return nil, trace.NotFound("no lockout for %q", key)
	}
	return info, nil
}

func (r *attemptRepo) DeleteLockout(ctx context.Context, key string) error {
	ctx, cancel := r.p.opCtx(ctx)
	defer cancel()
	return convertError(r.p.client.Del(ctx, lockoutPrefix+key).Err())
}

func (r *attemptRepo) ListLockouts(ctx context.Context) ([]types.LockoutInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 4*r.p.cfg.OperationTimeout)
	defer cancel()
	var out []types.LockoutInfo
	iter := r.p.client.Scan(ctx, 0, lockoutPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		fields, err := r.p.client.HGetAll(ctx, redisKey).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		info, err := parseLockoutHash(redisKey[len(lockoutPrefix):], fields)
		if err != nil {
			log.WarnContext(ctx, "Skipping malformed lockout record", "key", redisKey, "error", err)
			continue
		}
		out = append(out, *info)
	}
	if err := iter.Err(); err != nil {
		return nil, convertError(err)
	}
	return out, nil
}

func (r *attemptRepo) LockoutCount(ctx context.Context, key string) (int, error) {
	count := storage.WithTimeoutFallback(ctx, r.p.cfg.OperationTimeout, 0, func(ctx context.Context) (int, error) {
		val, err := r.p.client.Get(ctx, lockoutCountPrefix+key).Int()
		if err != nil {
			if trace.IsNotFound(convertError(err)) {
				return 0, nil
			}
			return 0, convertError(err)
		}
		return val, nil
	})
	return count, nil
}

func (r *attemptRepo) SetLockoutCount(ctx context.Context, key string, count int, ttl time.Duration) error {
	ctx, cancel := r.p.opCtx(ctx)
	defer cancel()
	return convertError(r.p.client.Set(ctx, lockoutCountPrefix+key, count, ttl).Err())
}

func parseLockoutHash(key string, fields map[string]string) (*types.LockoutInfo, error) {
	lockedAt, err := strconv.ParseInt(fields[fieldLockedAt], 10, 64)
	if err != nil {
		return nil, trace.BadParameter("malformed lockedAt %q", fields[fieldLockedAt])
	}
	expiresAt, err := strconv.ParseInt(fields[fieldExpiresAt], 10, 64)
	if err != nil {
		return nil, trace.BadParameter("malformed expiresAt %q", fields[fieldExpiresAt])
	}
	failed, _ := strconv.Atoi(fields[fieldFailedAttempts])
	count, _ := strconv.Atoi(fields[fieldLockoutCount])
	return &types.LockoutInfo{
		Key:            key,
		LockedAt:       time.UnixMilli(lockedAt).UTC(),
		ExpiresAt:      time.UnixMilli(expiresAt).UTC(),
		FailedAttempts: failed,
		LockoutCount:   count,
		Reason:         fields[fieldReason],
	}, nil
}

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

package revocation

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/aussieproj/aussie/lib/storage/memory"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

func TestMain(m *testing.M) {
	logutils.InitForTests()
	os.Exit(m.Run())
}

func TestBloomFilter(t *testing.T) {
	f := newBloomFilter(1<<16, 7)
	for i := range 100 {
		f.Add(fmt.Sprintf("jti-%d", i))
	}
	for i := range 100 {
		require.True(t, f.MaybeContains(fmt.Sprintf("jti-%d", i)))
	}
	falsePositives := 0
	for i := range 1000 {
		if f.MaybeContains(fmt.Sprintf("absent-%d", i)) {
			falsePositives++
		}
	}
	// 100 entries in 64k bits with 7 hashes has a negligible
	// false-positive rate; allow a wide margin anyway.
	require.Less(t, falsePositives, 10)
}

func newTestEngine(t *testing.T, clock clockwork.Clock) (*Engine, *memory.Provider) {
	t.Helper()
	provider := memory.New(memory.Config{Clock: clock})
	t.Cleanup(func() { provider.Close() })
	engine, err := NewEngine(context.Background(), Config{
		Repo:      provider.TokenRevocations(),
		Bus:       provider.RevocationBus(),
		UserScope: true,
		Clock:     clock,
	})
	require.NoError(t, err)
	return engine, provider
}

func TestRevokeJti(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine, _ := newTestEngine(t, clock)
	ctx := context.Background()
	exp := clock.Now().Add(time.Hour)

	revoked, err := engine.IsRevoked(ctx, "jti-1", "alice", clock.Now(), exp)
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, engine.RevokeJti(ctx, "jti-1", exp))

	revoked, err = engine.IsRevoked(ctx, "jti-1", "alice", clock.Now(), exp)
	require.NoError(t, err)
	require.True(t, revoked)

	// Unrelated tokens stay valid.
	revoked, err = engine.IsRevoked(ctx, "jti-2", "alice", clock.Now(), exp)
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestRevokeUserCutoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine, _ := newTestEngine(t, clock)
	ctx := context.Background()
	cutoff := clock.Now()
	exp := cutoff.Add(12 * time.Hour)

	require.NoError(t, engine.RevokeUser(ctx, "alice", cutoff, exp))

	// Issued before the cutoff: revoked.
	revoked, err := engine.IsRevoked(ctx, "jti-old", "alice", cutoff.Add(-time.Minute), exp)
	require.NoError(t, err)
	require.True(t, revoked)

	// Issued after the cutoff: still good.
	revoked, err = engine.IsRevoked(ctx, "jti-new", "alice", cutoff.Add(time.Minute), exp)
	require.NoError(t, err)
	require.False(t, revoked)

	// Other users unaffected.
	revoked, err = engine.IsRevoked(ctx, "jti-bob", "bob", cutoff.Add(-time.Minute), exp)
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestNearExpiryBypass(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine, _ := newTestEngine(t, clock)
	ctx := context.Background()

	exp := clock.Now().Add(time.Hour)
	require.NoError(t, engine.RevokeJti(ctx, "jti-1", exp))

	// A token with less remaining lifetime than the threshold skips the
	// check even though it is revoked.
	revoked, err := engine.IsRevoked(ctx, "jti-1", "alice", clock.Now(), clock.Now().Add(10*time.Second))
	require.NoError(t, err)
	require.False(t, revoked)
}

// A revocation published on one instance is enforced on another sharing
// the same repository and bus.
func TestRevocationPropagatesAcrossInstances(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := memory.New(memory.Config{Clock: clock})
	t.Cleanup(func() { provider.Close() })

	newEngine := func() *Engine {
		e, err := NewEngine(context.Background(), Config{
			Repo:  provider.TokenRevocations(),
			Bus:   provider.RevocationBus(),
			Clock: clock,
		})
		require.NoError(t, err)
		return e
	}
	first, second := newEngine(), newEngine()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go second.Run(ctx)
	// Let the subscriber attach before publishing.
	time.Sleep(50 * time.Millisecond)

	exp := clock.Now().Add(time.Hour)
	require.NoError(t, first.RevokeJti(ctx, "jti-shared", exp))

	require.Eventually(t, func() bool {
		revoked, err := second.IsRevoked(ctx, "jti-shared", "alice", clock.Now(), exp)
		return err == nil && revoked
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRebuildRecoversDroppedEvents(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine, provider := newTestEngine(t, clock)
	ctx := context.Background()
	exp := clock.Now().Add(time.Hour)

	// A revocation written straight to the repository, as if this
	// instance missed the bus event.
	require.NoError(t, provider.TokenRevocations().RevokeJti(ctx, "jti-missed", exp))

	revoked, err := engine.IsRevoked(ctx, "jti-missed", "alice", clock.Now(), exp)
	require.NoError(t, err)
	require.False(t, revoked, "bloom filter should not know the jti yet")

	require.NoError(t, engine.Rebuild(ctx))

	revoked, err = engine.IsRevoked(ctx, "jti-missed", "alice", clock.Now(), exp)
	require.NoError(t, err)
	require.True(t, revoked)
}

// A user-scope revocation stays enforced after the scheduled filter
// rebuild repopulates the bloom from the repository.
func TestUserRevocationSurvivesRebuild(t *testing.T) {
	clock := clockwork.NewFakeClock()
	engine, _ := newTestEngine(t, clock)
	ctx := context.Background()
	cutoff := clock.Now()
	exp := cutoff.Add(12 * time.Hour)

	require.NoError(t, engine.RevokeUser(ctx, "alice", cutoff, exp))

	revoked, err := engine.IsRevoked(ctx, "jti-old", "alice", cutoff.Add(-time.Minute), exp)
	require.NoError(t, err)
	require.True(t, revoked)

	require.NoError(t, engine.Rebuild(ctx))

	revoked, err = engine.IsRevoked(ctx, "jti-old", "alice", cutoff.Add(-time.Minute), exp)
	require.NoError(t, err)
	require.True(t, revoked, "user cutoff must survive a bloom rebuild")

	// Tokens issued after the cutoff remain valid after the rebuild.
	revoked, err = engine.IsRevoked(ctx, "jti-new", "alice", cutoff.Add(time.Minute), exp)
	require.NoError(t, err)
	require.False(t, revoked)
}

// A freshly started engine seeds user cutoffs from the shared
// repository, not just the jti list.
func TestUserRevocationVisibleToNewInstance(t *testing.T) {
	clock := clockwork.NewFakeClock()
	provider := memory.New(memory.Config{Clock: clock})
	t.Cleanup(func() { provider.Close() })
	ctx := context.Background()
	cutoff := clock.Now()
	exp := cutoff.Add(12 * time.Hour)

	newEngine := func() *Engine {
		e, err := NewEngine(ctx, Config{
			Repo:      provider.TokenRevocations(),
			Bus:       provider.RevocationBus(),
			UserScope: true,
			Clock:     clock,
		})
		require.NoError(t, err)
		return e
	}

	first := newEngine()
	require.NoError(t, first.RevokeUser(ctx, "alice", cutoff, exp))

	second := newEngine()
	revoked, err := second.IsRevoked(ctx, "jti-old", "alice", cutoff.Add(-time.Minute), exp)
	require.NoError(t, err)
	require.True(t, revoked)
}

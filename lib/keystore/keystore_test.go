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

package keystore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/aussieproj/aussie/lib/storage/memory"
	"github.com/aussieproj/aussie/lib/types"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

func TestMain(m *testing.M) {
	logutils.InitForTests()
	os.Exit(m.Run())
}

func newTestRegistry(t *testing.T, clock clockwork.Clock) *Registry {
	t.Helper()
	provider := memory.New(memory.Config{Clock: clock})
	t.Cleanup(func() { provider.Close() })
	reg, err := NewRegistry(context.Background(), Config{
		Keys:             provider.SigningKeys(),
		RotationInterval: 24 * time.Hour,
		GracePeriod:      48 * time.Hour,
		KeyBits:          2048,
		Clock:            clock,
	})
	require.NoError(t, err)
	return reg
}

func activeKey(t *testing.T, reg *Registry) *types.SigningKeyRecord {
	t.Helper()
	all, err := reg.cfg.Keys.GetAll(context.Background())
	require.NoError(t, err)
	var active *types.SigningKeyRecord
	for _, k := range all {
		if k.Status == types.KeyStatusActive {
			require.Nil(t, active, "more than one active key")
			active = k
		}
	}
	require.NotNil(t, active)
	return active
}

func TestBootstrapPromotesFirstKey(t *testing.T) {
	reg := newTestRegistry(t, clockwork.NewFakeClock())
	require.True(t, reg.Ready())
	require.NotNil(t, activeKey(t, reg))
}

func TestRotationKeepsDeprecatedVerifying(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := newTestRegistry(t, clock)
	ctx := context.Background()

	k1 := activeKey(t, reg)
	signed, err := reg.SignToken(jwt.MapClaims{
		"sub": "alice",
		"exp": clock.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	require.NoError(t, reg.Rotate(ctx))

	k2 := activeKey(t, reg)
	require.NotEqual(t, k1.KeyID, k2.KeyID)

	stored, err := reg.cfg.Keys.Get(ctx, k1.KeyID)
	require.NoError(t, err)
	require.Equal(t, types.KeyStatusDeprecated, stored.Status)

	// A token signed before rotation still verifies.
	claims, err := reg.VerifyToken(signed)
	require.NoError(t, err)
	require.Equal(t, "alice", claims["sub"])

	// New tokens carry the new kid.
	signed2, err := reg.SignToken(jwt.MapClaims{
		"sub": "bob",
		"exp": clock.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	parsed, _, err := jwt.NewParser().ParseUnverified(signed2, jwt.MapClaims{})
	require.NoError(t, err)
	require.Equal(t, k2.KeyID, parsed.Header["kid"])
}

func TestDeprecatedRetiresAfterGrace(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := newTestRegistry(t, clock)
	ctx := context.Background()

	k1 := activeKey(t, reg)
	require.NoError(t, reg.Rotate(ctx))

	// Within grace the key still verifies.
	clock.Advance(47 * time.Hour)
	require.NoError(t, reg.Rotate(ctx))
	stored, err := reg.cfg.Keys.Get(ctx, k1.KeyID)
	require.NoError(t, err)
	require.Equal(t, types.KeyStatusDeprecated, stored.Status)
	_, ok := reg.VerificationKey(k1.KeyID)
	require.True(t, ok)

	// Past grace it retires and drops from the verification set.
	clock.Advance(2 * time.Hour)
	require.NoError(t, reg.Rotate(ctx))
	stored, err = reg.cfg.Keys.Get(ctx, k1.KeyID)
	require.NoError(t, err)
	require.Equal(t, types.KeyStatusRetired, stored.Status)
	_, ok = reg.VerificationKey(k1.KeyID)
	require.False(t, ok)
}

func TestForceRetireInvalidatesTokens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := newTestRegistry(t, clock)
	ctx := context.Background()

	k0 := activeKey(t, reg)
	signed, err := reg.SignToken(jwt.MapClaims{
		"sub": "alice",
		"exp": clock.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	require.NoError(t, reg.ForceRetire(ctx, k0.KeyID))

	// A replacement took over signing.
	replacement := activeKey(t, reg)
	require.NotEqual(t, k0.KeyID, replacement.KeyID)

	// Tokens signed by the retired key fail verification.
	_, err = reg.VerifyToken(signed)
	require.Error(t, err)
}

func TestForceDeprecatePromotesReplacement(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := newTestRegistry(t, clock)
	ctx := context.Background()

	k1 := activeKey(t, reg)
	require.NoError(t, reg.ForceDeprecate(ctx, k1.KeyID))

	k2 := activeKey(t, reg)
	require.NotEqual(t, k1.KeyID, k2.KeyID)
	// The deprecated key keeps verifying through the grace period.
	_, ok := reg.VerificationKey(k1.KeyID)
	require.True(t, ok)
}

func TestFindAllForVerification(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := newTestRegistry(t, clock)
	ctx := context.Background()

	require.NoError(t, reg.Rotate(ctx))
	keys, err := reg.FindAllForVerification(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, k := range keys {
		require.True(t, k.CanVerify())
	}
}

func TestJWKSExport(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := newTestRegistry(t, clock)

	jwks := reg.JWKS()
	require.Len(t, jwks.Keys, 1)
	require.Equal(t, "RS256", jwks.Keys[0].Algorithm)
	require.Equal(t, "sig", jwks.Keys[0].Use)
	require.Equal(t, activeKey(t, reg).KeyID, jwks.Keys[0].KeyID)
}

func TestVerifyRejectsExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := newTestRegistry(t, clock)

	signed, err := reg.SignToken(jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	require.NoError(t, err)
	_, err = reg.VerifyToken(signed)
	require.Error(t, err)
}

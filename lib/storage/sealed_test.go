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

package storage_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aussieproj/aussie/lib/secret"
	"github.com/aussieproj/aussie/lib/storage"
	"github.com/aussieproj/aussie/lib/storage/memory"
	"github.com/aussieproj/aussie/lib/types"
)

func TestSealedApiKeysEncryptAtRest(t *testing.T) {
	codec, err := secret.NewCodec([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	ctx := context.Background()
	raw := memory.New(memory.Config{}).ApiKeys()
	sealed := storage.NewSealedApiKeys(raw, codec)

	require.NoError(t, sealed.Create(ctx, &types.ApiKey{
		ID:      "k1",
		KeyHash: "bcrypt-hash",
		Name:    "ci",
	}))

	stored, err := raw.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(stored.KeyHash, "AESGCM:"))
	require.NotContains(t, stored.KeyHash, "bcrypt-hash")

	key, err := sealed.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "bcrypt-hash", key.KeyHash)

	keys, err := sealed.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "bcrypt-hash", keys[0].KeyHash)
}

func TestSealedApiKeysReadPlaintextRecords(t *testing.T) {
	codec, err := secret.NewCodec([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	ctx := context.Background()
	raw := memory.New(memory.Config{}).ApiKeys()
	sealed := storage.NewSealedApiKeys(raw, codec)

	// A record written before encryption was enabled.
	require.NoError(t, raw.Create(ctx, &types.ApiKey{
		ID:      "legacy",
		KeyHash: "PLAIN:old-hash",
		Name:    "legacy",
	}))

	key, err := sealed.Get(ctx, "legacy")
	require.NoError(t, err)
	require.Equal(t, "old-hash", key.KeyHash)
}

func TestSealedRolesRoundTrip(t *testing.T) {
	codec, err := secret.NewCodec([]byte(strings.Repeat("r", 32)))
	require.NoError(t, err)

	ctx := context.Background()
	raw := memory.New(memory.Config{}).Roles()
	sealed := storage.NewSealedRoles(raw, codec)

	require.NoError(t, sealed.Create(ctx, &types.Role{
		ID:          "auditor",
		Permissions: []string{"logs.read", "reports.read"},
	}))

	stored, err := raw.Get(ctx, "auditor")
	require.NoError(t, err)
	for _, perm := range stored.Permissions {
		require.True(t, strings.HasPrefix(perm, "AESGCM:"))
	}

	role, err := sealed.Get(ctx, "auditor")
	require.NoError(t, err)
	require.Equal(t, []string{"logs.read", "reports.read"}, role.Permissions)
}

func TestSealedReposWithoutKeyWriteCleartext(t *testing.T) {
	codec, err := secret.NewCodec(nil)
	require.NoError(t, err)

	ctx := context.Background()
	raw := memory.New(memory.Config{}).ApiKeys()
	sealed := storage.NewSealedApiKeys(raw, codec)

	require.NoError(t, sealed.Create(ctx, &types.ApiKey{
		ID:      "k1",
		KeyHash: "bcrypt-hash",
		Name:    "ci",
	}))

	stored, err := raw.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "PLAIN:bcrypt-hash", stored.KeyHash)

	key, err := sealed.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, "bcrypt-hash", key.KeyHash)
}

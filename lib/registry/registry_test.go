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

package registry

import (
	"context"
	"net/http"
	"os"
	"testing"

	"github.com/gravitational/trace"
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

var adminPerms = []string{types.PermissionAdmin}

func newTestRegistry(t *testing.T) (*Registry, *memory.Provider, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	provider := memory.New(memory.Config{Clock: clock})
	t.Cleanup(func() { provider.Close() })
	reg, err := New(Config{
		Services: provider.Services(),
		Cache:    provider.Cache(),
		Clock:    clock,
	})
	require.NoError(t, err)
	return reg, provider, clock
}

func testService(id string) *types.ServiceRegistration {
	return &types.ServiceRegistration{
		ServiceID: id,
		BaseURL:   "http://upstream:8080",
		Endpoints: []types.EndpointConfig{
			{Pattern: "/**", Visibility: types.VisibilityPublic},
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	result := reg.Register(ctx, testService("payments"), adminPerms)
	success, ok := result.(Success)
	require.True(t, ok, "got %#v", result)
	require.Equal(t, int64(1), success.Registration.Version)

	svc, err := reg.GetService(ctx, "payments")
	require.NoError(t, err)
	require.Equal(t, "payments", svc.ServiceID)

	_, err = reg.GetService(ctx, "absent")
	require.True(t, trace.IsNotFound(err))
}

func TestRegisterRequiresPermission(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	result := reg.Register(ctx, testService("payments"), []string{types.PermissionServiceRead})
	failure, ok := result.(Failure)
	require.True(t, ok)
	require.Equal(t, http.StatusForbidden, failure.StatusCode)

	// Re-registration is an update and needs services.update.
	require.IsType(t, Success{}, reg.Register(ctx, testService("payments"), adminPerms))
	result = reg.Register(ctx, testService("payments"), []string{types.PermissionServiceCreate})
	failure, ok = result.(Failure)
	require.True(t, ok)
	require.Equal(t, http.StatusForbidden, failure.StatusCode)
}

func TestRegisterUpsertBumpsVersion(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.IsType(t, Success{}, reg.Register(ctx, testService("payments"), adminPerms))
	result := reg.Register(ctx, testService("payments"), adminPerms)
	success, ok := result.(Success)
	require.True(t, ok)
	require.Equal(t, int64(2), success.Registration.Version)
}

func TestUpdateVersionConflict(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	svc := testService("payments")
	require.IsType(t, Success{}, reg.Register(ctx, svc, adminPerms))
	for range 2 {
		require.IsType(t, Success{}, reg.Register(ctx, testService("payments"), adminPerms))
	}
	// Stored version is now 3. Two clients each read version 3 and race
	// their updates.
	first := testService("payments")
	first.Version = 4
	result := reg.Update(ctx, first)
	success, ok := result.(Success)
	require.True(t, ok)
	require.Equal(t, int64(4), success.Registration.Version)

	second := testService("payments")
	second.Version = 4
	result = reg.Update(ctx, second)
	failure, ok := result.(Failure)
	require.True(t, ok)
	require.Equal(t, http.StatusConflict, failure.StatusCode)
	require.Equal(t, "Version mismatch: expected 4, got 3", failure.Reason)
}

func TestUnregister(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.IsType(t, Success{}, reg.Register(ctx, testService("payments"), adminPerms))

	result := reg.UnregisterAuthorized(ctx, "payments", []string{types.PermissionServiceRead})
	failure, ok := result.(Failure)
	require.True(t, ok)
	require.Equal(t, http.StatusForbidden, failure.StatusCode)

	require.IsType(t, Success{}, reg.UnregisterAuthorized(ctx, "payments", adminPerms))

	_, err := reg.GetService(ctx, "payments")
	require.True(t, trace.IsNotFound(err))

	result = reg.UnregisterAuthorized(ctx, "payments", adminPerms)
	failure, ok = result.(Failure)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, failure.StatusCode)
}

func TestMutationInvalidatesCache(t *testing.T) {
	reg, provider, _ := newTestRegistry(t)
	ctx := context.Background()

	require.IsType(t, Success{}, reg.Register(ctx, testService("payments"), adminPerms))

	// Prime both cache tiers.
	svc, err := reg.GetService(ctx, "payments")
	require.NoError(t, err)
	require.Equal(t, int64(1), svc.Version)
	_, found, err := provider.Cache().Get(ctx, cacheKeyPrefix+"payments")
	require.NoError(t, err)
	require.True(t, found)

	// The updated registration is visible immediately after the write
	// returns, not after cache TTL.
	updated := testService("payments")
	updated.Version = 2
	require.IsType(t, Success{}, reg.Update(ctx, updated))

	svc, err = reg.GetService(ctx, "payments")
	require.NoError(t, err)
	require.Equal(t, int64(2), svc.Version)
}

func TestGetServiceAuthorized(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.IsType(t, Success{}, reg.Register(ctx, testService("payments"), adminPerms))

	result := reg.GetServiceAuthorized(ctx, "payments", []string{types.PermissionServiceRead})
	success, ok := result.(Success)
	require.True(t, ok)
	require.Equal(t, "payments", success.Registration.ServiceID)

	result = reg.GetServiceAuthorized(ctx, "payments", []string{types.PermissionServiceCreate})
	failure, ok := result.(Failure)
	require.True(t, ok)
	require.Equal(t, http.StatusForbidden, failure.StatusCode)

	result = reg.GetServiceAuthorized(ctx, "absent", []string{types.PermissionServiceRead})
	failure, ok = result.(Failure)
	require.True(t, ok)
	require.Equal(t, http.StatusNotFound, failure.StatusCode)
}

func TestValidationFailure(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	svc := testService("payments")
	svc.BaseURL = "not-a-url"
	result := reg.Register(context.Background(), svc, adminPerms)
	failure, ok := result.(Failure)
	require.True(t, ok)
	require.Equal(t, http.StatusBadRequest, failure.StatusCode)
}

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

package authorize

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/aussieproj/aussie/lib/router"
	"github.com/aussieproj/aussie/lib/types"
)

func matchFor(endpoint types.EndpointConfig, policy types.PermissionPolicy, targetPath string) *router.RouteMatch {
	return &router.RouteMatch{
		Service: &types.ServiceRegistration{
			ServiceID:        "payments",
			PermissionPolicy: policy,
		},
		Endpoint:   &endpoint,
		TargetPath: targetPath,
	}
}

func identityWith(perms ...string) *types.Identity {
	return &types.Identity{
		Subject:     "alice",
		Credential:  types.CredentialBearer,
		Permissions: perms,
	}
}

func TestPublicAllowsAnonymous(t *testing.T) {
	match := matchFor(types.EndpointConfig{Visibility: types.VisibilityPublic}, nil, "/health")
	require.NoError(t, Check(types.AnonymousIdentity(), match))
	require.NoError(t, Check(nil, match))
}

func TestProtectedRequiresAuthentication(t *testing.T) {
	match := matchFor(types.EndpointConfig{
		Visibility:          types.VisibilityProtected,
		RequiredPermissions: []string{"payments.read"},
	}, nil, "/api/charges")
	err := Check(types.AnonymousIdentity(), match)
	require.True(t, trace.IsAccessDenied(err))
	require.Equal(t, "Authentication required", trace.UserMessage(err))
}

func TestProtectedEndpointPermissions(t *testing.T) {
	match := matchFor(types.EndpointConfig{
		Visibility:          types.VisibilityProtected,
		RequiredPermissions: []string{"payments.read"},
	}, nil, "/api/charges")

	require.NoError(t, Check(identityWith("payments.read"), match))
	require.NoError(t, Check(identityWith(types.PermissionAdmin), match))

	err := Check(identityWith("orders.read"), match)
	require.True(t, trace.IsAccessDenied(err))
	require.Equal(t, "Insufficient permissions", trace.UserMessage(err))
}

func TestProtectedServicePolicy(t *testing.T) {
	policy := types.PermissionPolicy{
		"api": {"payments.write"},
		"*":   {"payments.any"},
	}
	match := matchFor(types.EndpointConfig{Visibility: types.VisibilityProtected}, policy, "/api/charges")

	// The policy entry for the operation kind is unioned with the
	// endpoint's own permissions.
	require.NoError(t, Check(identityWith("payments.write"), match))
	require.True(t, trace.IsAccessDenied(Check(identityWith("payments.any"), match)))

	// An unlisted kind falls back to the "*" entry.
	other := matchFor(types.EndpointConfig{Visibility: types.VisibilityProtected}, policy, "/reports/daily")
	require.NoError(t, Check(identityWith("payments.any"), other))
	require.True(t, trace.IsAccessDenied(Check(identityWith("payments.write"), other)))
}

func TestProtectedWithoutAnyConfigIsAdminOnly(t *testing.T) {
	match := matchFor(types.EndpointConfig{Visibility: types.VisibilityProtected}, nil, "/api/charges")
	require.NoError(t, Check(identityWith(types.PermissionAdmin), match))
	require.True(t, trace.IsAccessDenied(Check(identityWith("payments.read"), match)))
}

func TestInternal(t *testing.T) {
	match := matchFor(types.EndpointConfig{Visibility: types.VisibilityInternal}, nil, "/internal/sync")
	require.NoError(t, Check(identityWith(types.PermissionAdmin), match))
	require.NoError(t, Check(identityWith(types.PermissionInternalService), match))

	err := Check(identityWith("payments.read", "services.read"), match)
	require.True(t, trace.IsAccessDenied(err))
	require.Equal(t, "Internal endpoint", trace.UserMessage(err))
}

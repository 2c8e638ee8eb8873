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

package router

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/aussieproj/aussie/lib/types"
)

func svcWith(endpoints ...types.EndpointConfig) *types.ServiceRegistration {
	return &types.ServiceRegistration{
		ServiceID: "payments",
		BaseURL:   "http://upstream:8080",
		Endpoints: endpoints,
	}
}

func TestSplitServicePath(t *testing.T) {
	tests := []struct {
		path    string
		service string
		rest    string
	}{
		{"/payments/api/users/42", "payments", "/api/users/42"},
		{"/payments", "payments", "/"},
		{"/payments/", "payments", "/"},
		{"/", "", "/"},
	}
	for _, tt := range tests {
		service, rest := SplitServicePath(tt.path)
		require.Equal(t, tt.service, service, tt.path)
		require.Equal(t, tt.rest, rest, tt.path)
	}
}

func TestIsReservedPath(t *testing.T) {
	for _, segment := range []string{"admin", "gateway", "q"} {
		require.True(t, IsReservedPath(segment), segment)
	}
	require.False(t, IsReservedPath("payments"))
}

func TestMatchLiteral(t *testing.T) {
	svc := svcWith(
		types.EndpointConfig{Pattern: "/api/users", Visibility: types.VisibilityProtected},
	)
	m, err := Match(svc, "/api/users", "GET")
	require.NoError(t, err)
	require.Equal(t, "/api/users", m.TargetPath)
	require.Empty(t, m.PathVariables)

	_, err = Match(svc, "/api/orders", "GET")
	require.True(t, trace.IsNotFound(err))
}

func TestMatchVariables(t *testing.T) {
	svc := svcWith(
		types.EndpointConfig{Pattern: "/api/users/{id}/orders/{orderId}", Visibility: types.VisibilityProtected},
	)
	m, err := Match(svc, "/api/users/42/orders/oid-7", "GET")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"id": "42", "orderId": "oid-7"}, m.PathVariables)

	// A variable never spans segments.
	_, err = Match(svc, "/api/users/42/extra/orders/oid-7", "GET")
	require.True(t, trace.IsNotFound(err))
}

func TestMatchCatchAll(t *testing.T) {
	svc := svcWith(
		types.EndpointConfig{Pattern: "/static/**", Visibility: types.VisibilityPublic},
	)
	for _, path := range []string{"/static", "/static/css/site.css", "/static/a/b/c"} {
		m, err := Match(svc, path, "GET")
		require.NoError(t, err, path)
		require.Equal(t, path, m.TargetPath)
	}
	_, err := Match(svc, "/other", "GET")
	require.True(t, trace.IsNotFound(err))
}

func TestMatchPrecedence(t *testing.T) {
	svc := svcWith(
		types.EndpointConfig{Pattern: "/**", Visibility: types.VisibilityPublic},
		types.EndpointConfig{Pattern: "/api/{resource}", Visibility: types.VisibilityProtected},
		types.EndpointConfig{Pattern: "/api/users", Visibility: types.VisibilityInternal},
	)

	m, err := Match(svc, "/api/users", "GET")
	require.NoError(t, err)
	require.Equal(t, types.VisibilityInternal, m.Endpoint.Visibility)

	m, err = Match(svc, "/api/orders", "GET")
	require.NoError(t, err)
	require.Equal(t, types.VisibilityProtected, m.Endpoint.Visibility)
	require.Equal(t, "orders", m.PathVariables["resource"])

	m, err = Match(svc, "/anything/else", "GET")
	require.NoError(t, err)
	require.Equal(t, types.VisibilityPublic, m.Endpoint.Visibility)
}

func TestMatchMethod(t *testing.T) {
	svc := svcWith(
		types.EndpointConfig{Pattern: "/api/users", Methods: []string{"GET"}, Visibility: types.VisibilityProtected},
		types.EndpointConfig{Pattern: "/api/users", Methods: []string{"POST"}, Visibility: types.VisibilityInternal},
	)
	m, err := Match(svc, "/api/users", "POST")
	require.NoError(t, err)
	require.Equal(t, types.VisibilityInternal, m.Endpoint.Visibility)

	_, err = Match(svc, "/api/users", "DELETE")
	require.True(t, trace.IsNotFound(err))
}

func TestMatchRoot(t *testing.T) {
	svc := svcWith(
		types.EndpointConfig{Pattern: "/", Visibility: types.VisibilityPublic},
	)
	m, err := Match(svc, "/", "GET")
	require.NoError(t, err)
	require.Equal(t, "/", m.TargetPath)
}

func TestOperationKind(t *testing.T) {
	m := &RouteMatch{TargetPath: "/api/users/42"}
	require.Equal(t, "api", m.OperationKind())
	m = &RouteMatch{TargetPath: "/"}
	require.Equal(t, "", m.OperationKind())
}

func TestValidateEndpoints(t *testing.T) {
	require.NoError(t, ValidateEndpoints(svcWith(
		types.EndpointConfig{Pattern: "/api/{id}/**"},
	)))
	err := ValidateEndpoints(svcWith(
		types.EndpointConfig{Pattern: "/api/**/users"},
	))
	require.True(t, trace.IsBadParameter(err))
	err = ValidateEndpoints(svcWith(
		types.EndpointConfig{Pattern: "/api/{}"},
	))
	require.True(t, trace.IsBadParameter(err))
}

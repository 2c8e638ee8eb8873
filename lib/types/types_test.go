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

package types

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestServiceRegistrationValidation(t *testing.T) {
	tests := []struct {
		name    string
		service ServiceRegistration
		wantErr string
	}{
		{
			name: "valid",
			service: ServiceRegistration{
				ServiceID: "billing",
				BaseURL:   "http://billing.internal:8080",
				Endpoints: []EndpointConfig{
					{Pattern: "/api/**", Visibility: VisibilityProtected},
				},
			},
		},
		{
			name:    "missing service id",
			service: ServiceRegistration{BaseURL: "http://x:1"},
			wantErr: "serviceId missing",
		},
		{
			name:    "relative base url",
			service: ServiceRegistration{ServiceID: "a", BaseURL: "billing:8080/x"},
			wantErr: "absolute",
		},
		{
			name: "public endpoint with permissions",
			service: ServiceRegistration{
				ServiceID: "a",
				BaseURL:   "http://x:1",
				Endpoints: []EndpointConfig{{
					Pattern:             "/open",
					Visibility:          VisibilityPublic,
					RequiredPermissions: []string{"x.read"},
				}},
			},
			wantErr: "must not list required permissions",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.service.CheckAndSetDefaults()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestEndpointDefaultsToProtected(t *testing.T) {
	e := EndpointConfig{Pattern: "api/users"}
	require.NoError(t, e.CheckAndSetDefaults())
	require.Equal(t, VisibilityProtected, e.Visibility)
	require.Equal(t, "/api/users", e.Pattern)
}

func TestApiKeyCacheLine(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	key := &ApiKey{
		ID:          "ak_1234",
		KeyHash:     "$2a$10$abcdef",
		Name:        "ci",
		Description: "deploy pipeline",
		Permissions: []string{"services.read", "services.update"},
		CreatedBy:   "ops@example.com",
		CreatedAt:   created,
		ExpiresAt:   created.Add(90 * 24 * time.Hour),
	}

	parsed, err := UnmarshalApiKeyCacheLine(key.MarshalCacheLine())
	require.NoError(t, err)

	// The hash intentionally never enters the cache.
	require.Empty(t, parsed.KeyHash)
	key.KeyHash = ""
	if diff := cmp.Diff(key, parsed); diff != "" {
		t.Errorf("cache line round trip mismatch (-want +got)\n%s", diff)
	}
}

func TestApiKeyCacheLineMalformed(t *testing.T) {
	_, err := UnmarshalApiKeyCacheLine("too|few|fields")
	require.Error(t, err)
}

func TestRevocationEventWire(t *testing.T) {
	expires := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	jti := JtiRevoked{JTI: "abc", ExpiresAt: expires}
	ev, err := ParseRevocationEvent(jti.WireFormat())
	require.NoError(t, err)
	require.Equal(t, jti, ev)

	user := UserRevoked{
		UserID:       "u1",
		IssuedBefore: expires.Add(-time.Hour),
		ExpiresAt:    expires,
	}
	ev, err = ParseRevocationEvent(user.WireFormat())
	require.NoError(t, err)
	require.Equal(t, user, ev)

	for _, bad := range []string{"", "jti:abc", "user:u1:123", "nope:1:2", "jti::123"} {
		_, err := ParseRevocationEvent(bad)
		require.Error(t, err, "line %q", bad)
	}
}

func TestHasAnyPermission(t *testing.T) {
	require.True(t, HasAnyPermission([]string{"admin"}, nil))
	require.True(t, HasAnyPermission([]string{"a.read"}, []string{"a.read", "a.write"}))
	require.False(t, HasAnyPermission([]string{"a.read"}, []string{"a.write"}))
	require.False(t, HasAnyPermission(nil, []string{"a.read"}))
	require.False(t, HasAnyPermission([]string{"a.read"}, nil))
}

func TestKeyStatusTransitions(t *testing.T) {
	require.True(t, KeyStatusPending.CanTransitionTo(KeyStatusActive))
	require.True(t, KeyStatusActive.CanTransitionTo(KeyStatusDeprecated))
	require.True(t, KeyStatusDeprecated.CanTransitionTo(KeyStatusRetired))

	require.False(t, KeyStatusPending.CanTransitionTo(KeyStatusDeprecated))
	require.False(t, KeyStatusActive.CanTransitionTo(KeyStatusRetired))
	require.False(t, KeyStatusRetired.CanTransitionTo(KeyStatusActive))
}

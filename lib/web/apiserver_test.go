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

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/aussieproj/aussie/lib/identity"
	"github.com/aussieproj/aussie/lib/keystore"
	"github.com/aussieproj/aussie/lib/lockout"
	"github.com/aussieproj/aussie/lib/registry"
	"github.com/aussieproj/aussie/lib/revocation"
	"github.com/aussieproj/aussie/lib/storage/memory"
	"github.com/aussieproj/aussie/lib/translation"
	"github.com/aussieproj/aussie/lib/types"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

func TestMain(m *testing.M) {
	logutils.InitForTests()
	os.Exit(m.Run())
}

// fakeIdentity authenticates by the X-Test-User header; the X-Test-Perms
// header carries a comma-free JSON permission list.
type fakeIdentity struct{}

func (fakeIdentity) Resolve(ctx context.Context, headers http.Header) (*types.Identity, *identity.Failure) {
	user := headers.Get("X-Test-User")
	if user == "" {
		return types.AnonymousIdentity(), nil
	}
	var perms []string
	if raw := headers.Get("X-Test-Perms"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &perms); err != nil {
			return nil, &identity.Failure{Kind: types.CredentialBearer, Reason: "Malformed token"}
		}
	}
	return &types.Identity{
		Subject:     user,
		Credential:  types.CredentialBearer,
		Permissions: perms,
	}, nil
}

type fixture struct {
	server   *httptest.Server
	provider *memory.Provider
	keystore *keystore.Registry
	handler  *Handler
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	provider := memory.New(memory.Config{Clock: clock})
	t.Cleanup(func() { provider.Close() })

	reg, err := registry.New(registry.Config{
		Services: provider.Services(),
		Cache:    provider.Cache(),
		Clock:    clock,
	})
	require.NoError(t, err)

	keys, err := keystore.NewRegistry(ctx, keystore.Config{
		Keys:    provider.SigningKeys(),
		KeyBits: 2048,
		Clock:   clock,
	})
	require.NoError(t, err)

	translator, err := translation.NewService(translation.ServiceConfig{
		Providers: []translation.Provider{
			translation.NewStoredProvider(ctx, provider.TranslationConfigs()),
			&translation.DefaultProvider{},
		},
	})
	require.NoError(t, err)

	engine, err := revocation.NewEngine(ctx, revocation.Config{
		Repo:  provider.TokenRevocations(),
		Bus:   provider.RevocationBus(),
		Clock: clock,
	})
	require.NoError(t, err)

	locks, err := lockout.NewEngine(lockout.Config{
		Repo:  provider.FailedAttempts(),
		Clock: clock,
	})
	require.NoError(t, err)

	handler, err := NewHandler(Config{
		Registry:      reg,
		ApiKeys:       provider.ApiKeys(),
		Sessions:      provider.Sessions(),
		Roles:         provider.Roles(),
		Groups:        provider.Groups(),
		Translations:  provider.TranslationConfigs(),
		Translator:    translator,
		Keystore:      keys,
		Revocation:    engine,
		Lockout:       locks,
		Identity:      fakeIdentity{},
		GatewayIssuer: "https://gateway.test",
		Clock:         clock,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &fixture{server: server, provider: provider, keystore: keys, handler: handler, clock: clock}
}

// do sends an admin request as the given user with the given permissions.
func (f *fixture) do(t *testing.T, method, path string, body any, perms ...string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if len(perms) > 0 {
		req.Header.Set("X-Test-User", "admin")
		data, err := json.Marshal(perms)
		require.NoError(t, err)
		req.Header.Set("X-Test-Perms", string(data))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func serviceBody(id string) map[string]any {
	return map[string]any{
		"serviceId": id,
		"baseUrl":   "http://upstream:8080",
		"endpoints": []map[string]any{
			{"pattern": "/**", "visibility": "PUBLIC"},
		},
	}
}

func TestServicesRequireAuth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/admin/services", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/admin/services", nil, "apikeys.read")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServiceLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/admin/services", serviceBody("foo"), "admin")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get("ETag"))

	resp = f.do(t, http.MethodGet, "/admin/services/foo", nil, "services.read")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	svc := decode[types.ServiceRegistration](t, resp)
	require.Equal(t, int64(1), svc.Version)
	require.Equal(t, "admin", svc.Owner)

	// Re-registration replaces and bumps the version.
	resp = f.do(t, http.MethodPost, "/admin/services", serviceBody("foo"), "admin")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "2", resp.Header.Get("ETag"))

	resp = f.do(t, http.MethodDelete, "/admin/services/foo", nil, "services.delete")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/admin/services/foo", nil, "services.read")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServiceUpdateConflict(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		resp := f.do(t, http.MethodPost, "/admin/services", serviceBody("foo"), "admin")
		require.Less(t, resp.StatusCode, 300)
	}

	// Two clients each read version 3 and race conditional updates.
	put := func() *http.Response {
		data, err := json.Marshal(serviceBody("foo"))
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPut, f.server.URL+"/admin/services/foo", bytes.NewReader(data))
		require.NoError(t, err)
		req.Header.Set("X-Test-User", "admin")
		req.Header.Set("X-Test-Perms", `["services.update"]`)
		req.Header.Set("If-Match", "3")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := put()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "4", resp.Header.Get("ETag"))

	resp = put()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	require.Equal(t, "Version mismatch: expected 4, got 3", body["message"])
}

func TestApiKeyLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/admin/apikeys", map[string]any{
		"name":        "ci",
		"permissions": []string{"services.read"},
	}, "apikeys.create")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[createApiKeyResponse](t, resp)
	require.NotEmpty(t, created.Credential)

	// The credential round-trips through the split helper.
	keyID, secret, err := types.SplitApiKeyCredential(created.Credential)
	require.NoError(t, err)
	require.Equal(t, created.Key.ID, keyID)
	require.NotEmpty(t, secret)

	resp = f.do(t, http.MethodGet, "/admin/apikeys", nil, "apikeys.read")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	keys := decode[[]apiKeySummary](t, resp)
	require.Len(t, keys, 1)

	resp = f.do(t, http.MethodPost, "/admin/apikeys/"+keyID+"/revoke", nil, "apikeys.revoke")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	revoked := decode[apiKeySummary](t, resp)
	require.True(t, revoked.Revoked)
}

func TestSigningKeyRotation(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/admin/keys", nil, "keys.read")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	before := decode[[]signingKeySummary](t, resp)
	require.Len(t, before, 1)
	require.Equal(t, types.KeyStatusActive, before[0].Status)

	resp = f.do(t, http.MethodPost, "/admin/keys/rotate", nil, "keys.rotate")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	after := decode[[]signingKeySummary](t, resp)
	require.Len(t, after, 2)

	statuses := map[types.KeyStatus]int{}
	for _, key := range after {
		statuses[key.Status]++
	}
	require.Equal(t, 1, statuses[types.KeyStatusActive])
	require.Equal(t, 1, statuses[types.KeyStatusDeprecated])
}

func TestTranslationActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upload := func(perm string) string {
		resp := f.do(t, http.MethodPost, "/admin/translation/configs", map[string]any{
			"schema": map[string]any{
				"sources": []map[string]any{{"claim": "roles", "type": "ARRAY"}},
				"mappings": map[string]any{
					"roleToPermissions": map[string][]string{"admin": {perm}},
				},
			},
		}, "translation.write")
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		return decode[types.TranslationConfigVersion](t, resp).ID
	}

	v1 := upload("admin.all")
	resp := f.do(t, http.MethodPost, "/admin/translation/configs/"+v1+"/activate", nil, "translation.activate")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	active, err := f.provider.TranslationConfigs().GetActive(ctx)
	require.NoError(t, err)
	require.Equal(t, v1, active.ID)

	// Deleting the active revision is refused.
	resp = f.do(t, http.MethodDelete, "/admin/translation/configs/"+v1, nil, "translation.write")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	v2 := upload("admin.read")
	resp = f.do(t, http.MethodPost, "/admin/translation/configs/"+v2+"/activate", nil, "translation.activate")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	active, err = f.provider.TranslationConfigs().GetActive(ctx)
	require.NoError(t, err)
	require.Equal(t, v2, active.ID)
}

func TestRevocations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	expires := f.clock.Now().Add(time.Hour)
	resp := f.do(t, http.MethodPost, "/admin/revocations/jti/abc", map[string]any{
		"expiresAt": expires,
	}, "revocations.write")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	revoked, err := f.provider.TokenRevocations().IsRevoked(ctx, "abc")
	require.NoError(t, err)
	require.True(t, revoked)

	resp = f.do(t, http.MethodPost, "/admin/revocations/users/alice", map[string]any{
		"expiresAt": expires,
	}, "revocations.write")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	userRevoked, err := f.provider.TokenRevocations().IsUserRevoked(ctx, "alice", f.clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, userRevoked)
}

func TestLockoutsAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	locks, err := lockout.NewEngine(lockout.Config{
		Repo:              f.provider.FailedAttempts(),
		MaxFailedAttempts: 1,
		Clock:             f.clock,
	})
	require.NoError(t, err)
	info, err := locks.RecordFailure(ctx, "ip:203.0.113.9", "test")
	require.NoError(t, err)
	require.NotNil(t, info)

	resp := f.do(t, http.MethodGet, "/admin/lockouts", nil, "lockouts.read")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	infos := decode[[]types.LockoutInfo](t, resp)
	require.Len(t, infos, 1)

	resp = f.do(t, http.MethodDelete, "/admin/lockouts/"+infos[0].Key, nil, "lockouts.clear")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/admin/lockouts", nil, "lockouts.read")
	infos = decode[[]types.LockoutInfo](t, resp)
	require.Empty(t, infos)
}

func TestCreateSessionMintsToken(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/admin/sessions", nil, "services.read")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decode[createSessionResponse](t, resp)
	require.NotEmpty(t, created.SessionID)

	// The cookie references the stored session.
	var cookie string
	for _, c := range resp.Cookies() {
		if c.Name == identity.SessionCookieName {
			cookie = c.Value
		}
	}
	require.Equal(t, created.SessionID, cookie)

	// The minted token verifies against the gateway's own keys.
	claims, err := f.keystore.VerifyToken(created.Token)
	require.NoError(t, err)
	require.Equal(t, "admin", claims["sub"])
	require.Equal(t, "https://gateway.test", claims["iss"])
}

func TestHealthAndJWKS(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decode[healthResponse](t, resp)
	require.Equal(t, "ok", health.Status)
	require.True(t, health.KeystoreReady)

	resp = f.do(t, http.MethodGet, "/gateway/.well-known/jwks.json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jwks))
	require.Len(t, jwks.Keys, 1)
	require.Equal(t, "RS256", jwks.Keys[0]["alg"])
}


func TestMetricsExposed(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "go_goroutines")
}

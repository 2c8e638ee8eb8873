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

package gateway

import (
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
	"github.com/aussieproj/aussie/lib/lockout"
	"github.com/aussieproj/aussie/lib/registry"
	"github.com/aussieproj/aussie/lib/storage/memory"
	"github.com/aussieproj/aussie/lib/types"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

func TestMain(m *testing.M) {
	logutils.InitForTests()
	os.Exit(m.Run())
}

// fakeIdentity resolves the X-Test-User header: "fail" is an invalid
// credential, any other value authenticates with the listed permissions.
type fakeIdentity struct {
	permissions []string
}

func (f *fakeIdentity) Resolve(ctx context.Context, headers http.Header) (*types.Identity, *identity.Failure) {
	switch user := headers.Get("X-Test-User"); user {
	case "":
		return types.AnonymousIdentity(), nil
	case "fail":
		return nil, &identity.Failure{Kind: types.CredentialApiKey, Reason: "Invalid API key"}
	default:
		return &types.Identity{
			Subject:     user,
			Credential:  types.CredentialBearer,
			Permissions: f.permissions,
		}, nil
	}
}

type fixture struct {
	handler  *Handler
	registry *registry.Registry
	lockout  *lockout.Engine
	identity *fakeIdentity
	clock    *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	provider := memory.New(memory.Config{Clock: clock})
	t.Cleanup(func() { provider.Close() })

	reg, err := registry.New(registry.Config{
		Services: provider.Services(),
		Cache:    provider.Cache(),
		Clock:    clock,
	})
	require.NoError(t, err)

	locks, err := lockout.NewEngine(lockout.Config{
		Repo:  provider.FailedAttempts(),
		Clock: clock,
	})
	require.NoError(t, err)

	proxy, err := NewProxy(ProxyConfig{})
	require.NoError(t, err)

	ident := &fakeIdentity{permissions: []string{"payments.read"}}
	pipeline, err := NewPipeline(Config{
		Services: reg,
		Identity: ident,
		Lockout:  locks,
		Proxy:    proxy,
		Clock:    clock,
	})
	require.NoError(t, err)

	handler, err := NewHandler(HandlerConfig{Pipeline: pipeline})
	require.NoError(t, err)
	return &fixture{handler: handler, registry: reg, lockout: locks, identity: ident, clock: clock}
}

func (f *fixture) register(t *testing.T, svc *types.ServiceRegistration) {
	t.Helper()
	result := f.registry.Register(context.Background(), svc, []string{types.PermissionAdmin})
	require.IsType(t, registry.Success{}, result)
}

func publicService(id, baseURL string) *types.ServiceRegistration {
	return &types.ServiceRegistration{
		ServiceID: id,
		BaseURL:   baseURL,
		Endpoints: []types.EndpointConfig{
			{Pattern: "/**", Visibility: types.VisibilityPublic},
		},
	}
}

func decodeProblem(t *testing.T, resp *http.Response) Problem {
	t.Helper()
	require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	var p Problem
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	return p
}

func TestForwardMirrorsUpstream(t *testing.T) {
	var got *http.Request
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, "brewing")
	}))
	defer upstream.Close()

	f := newFixture(t)
	f.register(t, publicService("foo", upstream.URL))

	server := httptest.NewServer(f.handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/foo/anything?q=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTeapot, resp.StatusCode)
	require.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "brewing", string(body))

	// The upstream sees the stripped path and the forwarded chain.
	require.Equal(t, "/anything", got.URL.Path)
	require.Equal(t, "q=1", got.URL.RawQuery)
	require.NotEmpty(t, got.Header.Get("X-Forwarded-For"))
	require.Equal(t, "http", got.Header.Get("X-Forwarded-Proto"))
	require.NotEmpty(t, got.Header.Get("X-Forwarded-Host"))
}

func TestForwardedForPreservesFirstIP(t *testing.T) {
	var chain string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chain = r.Header.Get("X-Forwarded-For")
	}))
	defer upstream.Close()

	f := newFixture(t)
	f.register(t, publicService("foo", upstream.URL))
	server := httptest.NewServer(f.handler)
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/foo/x", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Regexp(t, `^203\.0\.113\.9, `, chain)
}

func TestServiceNotFound(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(f.handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/nope/anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	p := decodeProblem(t, resp)
	require.Contains(t, p.Detail, "nope")
}

func TestReservedPath(t *testing.T) {
	f := newFixture(t)
	// A registration under a reserved id does not make it reachable.
	f.register(t, publicService("unrelated", "http://u:8080"))
	server := httptest.NewServer(f.handler)
	defer server.Close()

	for _, segment := range []string{"admin", "gateway", "q"} {
		resp, err := http.Get(server.URL + "/" + segment + "/x")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode, segment)
	}
}

func TestRouteNotFound(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	f := newFixture(t)
	f.register(t, &types.ServiceRegistration{
		ServiceID: "foo",
		BaseURL:   upstream.URL,
		Endpoints: []types.EndpointConfig{
			{Pattern: "/api/users", Visibility: types.VisibilityPublic},
		},
	})
	server := httptest.NewServer(f.handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/foo/api/orders")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProtectedRequiresCredential(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	f := newFixture(t)
	f.register(t, &types.ServiceRegistration{
		ServiceID: "foo",
		BaseURL:   upstream.URL,
		Endpoints: []types.EndpointConfig{
			{Pattern: "/**", Visibility: types.VisibilityProtected, RequiredPermissions: []string{"payments.read"}},
		},
	})
	server := httptest.NewServer(f.handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/foo/x")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")

	req, err := http.NewRequest(http.MethodGet, server.URL+"/foo/x", nil)
	require.NoError(t, err)
	req.Header.Set("X-Test-User", "alice")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestForbiddenWithoutPermission(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	f := newFixture(t)
	f.identity.permissions = []string{"orders.read"}
	f.register(t, &types.ServiceRegistration{
		ServiceID: "foo",
		BaseURL:   upstream.URL,
		Endpoints: []types.EndpointConfig{
			{Pattern: "/**", Visibility: types.VisibilityProtected, RequiredPermissions: []string{"payments.read"}},
		},
	})
	server := httptest.NewServer(f.handler)
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/foo/x", nil)
	require.NoError(t, err)
	req.Header.Set("X-Test-User", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	f := newFixture(t)
	f.register(t, &types.ServiceRegistration{
		ServiceID: "svc",
		BaseURL:   upstream.URL,
		Endpoints: []types.EndpointConfig{
			{Pattern: "/api/auth/fail", Visibility: types.VisibilityProtected, RequiredPermissions: []string{"x"}},
		},
	})
	server := httptest.NewServer(f.handler)
	defer server.Close()

	post := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, server.URL+"/svc/api/auth/fail", nil)
		require.NoError(t, err)
		req.Header.Set("X-Test-User", "fail")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusUnauthorized, post().StatusCode, "attempt %d", i+1)
	}
	resp := post()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "30", resp.Header.Get("Retry-After"))
	require.Equal(t, "5", resp.Header.Get("X-RateLimit-Limit"))
	require.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	// The lockout keys on the caller IP.
	ip, _ := lockedKey(t, f)
	require.NotEmpty(t, ip)
}

func lockedKey(t *testing.T, f *fixture) (string, *types.LockoutInfo) {
	t.Helper()
	infos, err := f.lockout.ListLockouts(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Regexp(t, `^ip:`, infos[0].Key)
	return infos[0].Key, &infos[0]
}

func TestUpstreamDown(t *testing.T) {
	f := newFixture(t)
	// A closed listener: connection refused.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := dead.URL
	dead.Close()
	f.register(t, publicService("foo", base))
	server := httptest.NewServer(f.handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/foo/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestUpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer upstream.Close()

	f := newFixture(t)
	proxy, err := NewProxy(ProxyConfig{Deadline: 50 * time.Millisecond})
	require.NoError(t, err)
	f.handler.cfg.Pipeline.cfg.Proxy = proxy
	f.register(t, publicService("foo", upstream.URL))
	server := httptest.NewServer(f.handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/foo/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestHopByHopHeadersStripped(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer upstream.Close()

	f := newFixture(t)
	f.register(t, publicService("foo", upstream.URL))
	server := httptest.NewServer(f.handler)
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/foo/x", nil)
	require.NoError(t, err)
	req.Header.Set("Proxy-Authorization", "Basic xxx")
	req.Header.Set("X-Custom", "kept")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Empty(t, got.Get("Proxy-Authorization"))
	require.Equal(t, "kept", got.Get("X-Custom"))
}

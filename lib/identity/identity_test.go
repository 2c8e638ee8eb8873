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

package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aussieproj/aussie/lib/jwks"
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

const testIssuer = "https://idp.example.com"

type fixture struct {
	resolver *Resolver
	provider *memory.Provider
	clock    *clockwork.FakeClock
	signKey  *rsa.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	provider := memory.New(memory.Config{Clock: clock})
	t.Cleanup(func() { provider.Close() })

	signKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &signKey.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"},
		}}
		json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(jwksServer.Close)

	cache, err := jwks.NewCache(jwks.CacheConfig{TTL: time.Minute})
	require.NoError(t, err)

	translator, err := translation.NewService(translation.ServiceConfig{
		Providers: []translation.Provider{&translation.DefaultProvider{}},
	})
	require.NoError(t, err)

	engine, err := revocation.NewEngine(context.Background(), revocation.Config{
		Repo:  provider.TokenRevocations(),
		Bus:   provider.RevocationBus(),
		Clock: clock,
	})
	require.NoError(t, err)

	resolver, err := NewResolver(ResolverConfig{
		ApiKeys:   provider.ApiKeys(),
		Sessions:  provider.Sessions(),
		Roles:     provider.Roles(),
		Validator: jwks.NewValidator(cache, nil),
		Providers: []types.TokenProviderConfig{{
			Name:    "test",
			Issuer:  testIssuer,
			JwksURI: jwksServer.URL,
		}},
		Translator: translator,
		Revocation: engine,
		Clock:      clock,
	})
	require.NoError(t, err)
	return &fixture{resolver: resolver, provider: provider, clock: clock, signKey: signKey}
}

func (f *fixture) signToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	opts := (&jose.SignerOptions{}).WithHeader("kid", "k1")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: f.signKey}, opts)
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	raw, err := sig.CompactSerialize()
	require.NoError(t, err)
	return raw
}

func (f *fixture) createApiKey(t *testing.T, id, secret string, mutate func(*types.ApiKey)) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	key := &types.ApiKey{
		ID:          id,
		KeyHash:     string(hash),
		Name:        "test key",
		Permissions: []string{"services.read"},
		CreatedBy:   "admin",
		CreatedAt:   f.clock.Now(),
	}
	if mutate != nil {
		mutate(key)
	}
	require.NoError(t, f.provider.ApiKeys().Create(context.Background(), key))
}

func headersWith(key, value string) http.Header {
	h := http.Header{}
	h.Set(key, value)
	return h
}

func TestNoCredentialIsAnonymous(t *testing.T) {
	f := newFixture(t)
	id, failure := f.resolver.Resolve(context.Background(), http.Header{})
	require.Nil(t, failure)
	require.True(t, id.IsAnonymous())
}

func TestBlankBearerIsAnonymous(t *testing.T) {
	f := newFixture(t)
	id, failure := f.resolver.Resolve(context.Background(), headersWith("Authorization", "Bearer   "))
	require.Nil(t, failure)
	require.True(t, id.IsAnonymous())
}

func TestApiKeySuccess(t *testing.T) {
	f := newFixture(t)
	f.createApiKey(t, "ak1", "s3cret", nil)

	for _, headers := range []http.Header{
		headersWith("Authorization", "ApiKey ak1.s3cret"),
		headersWith("X-API-Key", "ak1.s3cret"),
	} {
		id, failure := f.resolver.Resolve(context.Background(), headers)
		require.Nil(t, failure)
		require.Equal(t, "ak1", id.Subject)
		require.Equal(t, types.CredentialApiKey, id.Credential)
		require.Equal(t, []string{"services.read"}, id.Permissions)
		require.Equal(t, "admin", id.Attributes["apikey.createdBy"])
	}
}

func TestApiKeyFailures(t *testing.T) {
	f := newFixture(t)
	f.createApiKey(t, "ak1", "s3cret", nil)
	f.createApiKey(t, "ak2", "s3cret", func(k *types.ApiKey) { k.Revoked = true })
	f.createApiKey(t, "ak3", "s3cret", func(k *types.ApiKey) {
		k.ExpiresAt = f.clock.Now().Add(-time.Hour)
	})

	tests := []struct {
		name       string
		credential string
		reason     string
	}{
		{"wrong secret", "ak1.wrong", "Invalid API key"},
		{"unknown id", "nope.s3cret", "Invalid API key"},
		{"malformed", "no-dot-here", "Malformed API key"},
		{"revoked", "ak2.s3cret", "API key has been revoked"},
		{"expired", "ak3.s3cret", "API key has expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, failure := f.resolver.Resolve(context.Background(),
				headersWith("Authorization", "ApiKey "+tt.credential))
			require.Nil(t, id)
			require.NotNil(t, failure)
			require.Equal(t, types.CredentialApiKey, failure.Kind)
			require.Equal(t, tt.reason, failure.Reason)
		})
	}
}

func TestBearerSuccess(t *testing.T) {
	f := newFixture(t)
	// Roles repo expands the "admin" role.
	require.NoError(t, f.provider.Roles().Create(context.Background(), &types.Role{
		ID: "admin", Permissions: []string{"admin"},
	}))

	token := f.signToken(t, map[string]any{
		"iss":   testIssuer,
		"sub":   "alice",
		"jti":   "jti-1",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
		"roles": []string{"admin"},
	})
	id, failure := f.resolver.Resolve(context.Background(), headersWith("Authorization", "Bearer "+token))
	require.Nil(t, failure)
	require.Equal(t, "alice", id.Subject)
	require.Equal(t, types.CredentialBearer, id.Credential)
	require.Equal(t, []string{"admin"}, id.Roles)
	require.Equal(t, []string{"admin"}, id.Permissions)
	require.Equal(t, testIssuer, id.Attributes["issuer"])
}

func TestBearerUnknownIssuer(t *testing.T) {
	f := newFixture(t)
	token := f.signToken(t, map[string]any{
		"iss": "https://unknown.example.com",
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, failure := f.resolver.Resolve(context.Background(), headersWith("Authorization", "Bearer "+token))
	require.NotNil(t, failure)
	require.Equal(t, jwks.ReasonInvalidIssuer, failure.Reason)
}

func TestBearerRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	engine := f.resolver.cfg.Revocation
	require.NoError(t, engine.RevokeJti(ctx, "jti-revoked", f.clock.Now().Add(time.Hour)))

	token := f.signToken(t, map[string]any{
		"iss":   testIssuer,
		"sub":   "alice",
		"jti":   "jti-revoked",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
		"roles": []string{"admin"},
	})
	_, failure := f.resolver.Resolve(ctx, headersWith("Authorization", "Bearer "+token))
	require.NotNil(t, failure)
	require.Equal(t, "Token has been revoked", failure.Reason)
}

func TestSessionSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.provider.Sessions().Create(ctx, &types.Session{
		ID:          "sess-1",
		UserID:      "alice",
		Issuer:      testIssuer,
		Permissions: []string{"services.read"},
		CreatedAt:   f.clock.Now(),
		ExpiresAt:   f.clock.Now().Add(time.Hour),
	}))

	h := http.Header{}
	h.Set("Cookie", SessionCookieName+"=sess-1")
	id, failure := f.resolver.Resolve(ctx, h)
	require.Nil(t, failure)
	require.Equal(t, "alice", id.Subject)
	require.Equal(t, types.CredentialSession, id.Credential)

	// Resolution touched the session.
	stored, err := f.provider.Sessions().Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, f.clock.Now(), stored.LastAccessedAt)
}

func TestSessionExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.provider.Sessions().Create(ctx, &types.Session{
		ID:        "sess-1",
		UserID:    "alice",
		ExpiresAt: f.clock.Now().Add(time.Minute),
	}))
	f.clock.Advance(2 * time.Minute)

	h := http.Header{}
	h.Set("Cookie", SessionCookieName+"=sess-1")
	_, failure := f.resolver.Resolve(ctx, h)
	require.NotNil(t, failure)
	require.Equal(t, types.CredentialSession, failure.Kind)
}

func TestApiKeyTakesPrecedenceOverBearer(t *testing.T) {
	f := newFixture(t)
	f.createApiKey(t, "ak1", "s3cret", nil)

	h := http.Header{}
	h.Set("X-API-Key", "ak1.s3cret")
	h.Set("Authorization", "Bearer garbage")
	id, failure := f.resolver.Resolve(context.Background(), h)
	require.Nil(t, failure)
	require.Equal(t, types.CredentialApiKey, id.Credential)
}

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

// Package identity resolves request credentials into an authenticated
// Identity. Credentials are tried in a fixed order: API key, bearer
// token, session cookie; the first one present decides the outcome.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/jwks"
	"github.com/aussieproj/aussie/lib/keystore"
	"github.com/aussieproj/aussie/lib/revocation"
	"github.com/aussieproj/aussie/lib/storage"
	"github.com/aussieproj/aussie/lib/translation"
	"github.com/aussieproj/aussie/lib/types"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

var log = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentIdentity)

// SessionCookieName carries the opaque session id.
const SessionCookieName = "aussie_session"

// Failure is a typed authentication failure for the pipeline to map.
type Failure struct {
	// Kind is the credential that failed.
	Kind types.CredentialKind
	// Subject identifies the failing principal when known, for lockout
	// keying.
	Subject string
	// Reason is the client-visible message.
	Reason string
}

// Error implements error.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", f.Kind, f.Reason)
}

// ResolverConfig holds the resolver's dependencies.
type ResolverConfig struct {
	// ApiKeys looks up API key records.
	ApiKeys storage.ApiKeyRepository
	// Sessions looks up session records.
	Sessions storage.SessionRepository
	// Roles expands role ids to permissions.
	Roles storage.RoleRepository
	// Validator verifies external OIDC tokens.
	Validator *jwks.Validator
	// Providers are the trusted issuers, matched by the token's iss.
	Providers []types.TokenProviderConfig
	// Keystore verifies gateway-minted tokens.
	Keystore *keystore.Registry
	// GatewayIssuer is the iss value of gateway-minted tokens.
	GatewayIssuer string
	// Translator maps external claims to roles and permissions.
	Translator *translation.Service
	// Revocation rejects revoked tokens.
	Revocation *revocation.Engine
	// Clock is used for expiry checks.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ResolverConfig) CheckAndSetDefaults() error {
	if c.ApiKeys == nil {
		return trace.BadParameter("identity: api key repository missing")
	}
	if c.Sessions == nil {
		return trace.BadParameter("identity: session repository missing")
	}
	if c.Validator == nil {
		return trace.BadParameter("identity: token validator missing")
	}
	if c.Translator == nil {
		return trace.BadParameter("identity: translator missing")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Resolver authenticates requests.
type Resolver struct {
	cfg ResolverConfig
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{cfg: cfg}, nil
}

// Resolve authenticates the request. With no credential present it
// returns the anonymous identity and no failure; the caller decides
// whether anonymous is acceptable for the matched endpoint.
func (r *Resolver) Resolve(ctx context.Context, headers http.Header) (*types.Identity, *Failure) {
	if cred, ok := extractApiKey(headers); ok {
		return r.resolveApiKey(ctx, cred)
	}
	if token, ok := extractBearer(headers); ok {
		return r.resolveBearer(ctx, token)
	}
	if sessionID, ok := extractSession(headers); ok {
		return r.resolveSession(ctx, sessionID)
	}
	return types.AnonymousIdentity(), nil
}

func extractApiKey(headers http.Header) (string, bool) {
	auth := headers.Get("Authorization")
	if scheme, rest, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "ApiKey") {
		if rest = strings.TrimSpace(rest); rest != "" {
			return rest, true
		}
	}
	if key := strings.TrimSpace(headers.Get("X-API-Key")); key != "" {
		return key, true
	}
	return "", false
}

func extractBearer(headers http.Header) (string, bool) {
	scheme, rest, ok := strings.Cut(headers.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	// A blank bearer value means no token was presented at all.
	return strings.TrimSpace(rest), true
}

func extractSession(headers http.Header) (string, bool) {
	req := http.Request{Header: headers}
	cookie, err := req.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

func (r *Resolver) resolveApiKey(ctx context.Context, cred string) (*types.Identity, *Failure) {
	id, secret, err := types.SplitApiKeyCredential(cred)
	if err != nil {
		return nil, &Failure{Kind: types.CredentialApiKey, Reason: "Malformed API key"}
	}
	key, err := r.cfg.ApiKeys.Get(ctx, id)
	if err != nil {
		if !trace.IsNotFound(err) {
			log.WarnContext(ctx, "API key lookup failed", "id", id, "error", err)
		}
		return nil, &Failure{Kind: types.CredentialApiKey, Subject: id, Reason: "Invalid API key"}
	}
	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)) != nil {
		return nil, &Failure{Kind: types.CredentialApiKey, Subject: id, Reason: "Invalid API key"}
	}
	if key.Revoked {
		return nil, &Failure{Kind: types.CredentialApiKey, Subject: id, Reason: "API key has been revoked"}
	}
	if key.Expired(r.cfg.Clock.Now()) {
		return nil, &Failure{Kind: types.CredentialApiKey, Subject: id, Reason: "API key has expired"}
	}
	return &types.Identity{
		Subject:     key.ID,
		Credential:  types.CredentialApiKey,
		Permissions: append([]string(nil), key.Permissions...),
		ExpiresAt:   key.ExpiresAt,
		Attributes: map[string]string{
			"apikey.name":      key.Name,
			"apikey.createdBy": key.CreatedBy,
		},
	}, nil
}

func (r *Resolver) resolveBearer(ctx context.Context, token string) (*types.Identity, *Failure) {
	if token == "" {
		// Blank bearer is treated as no token, not as invalid.
		return types.AnonymousIdentity(), nil
	}
	issuer, err := unverifiedIssuer(token)
	if err != nil {
		return nil, &Failure{Kind: types.CredentialBearer, Reason: "Malformed token"}
	}
	if r.cfg.Keystore != nil && issuer == r.cfg.GatewayIssuer {
		return r.resolveGatewayToken(ctx, token)
	}
	provider, ok := r.providerFor(issuer)
	if !ok {
		return nil, &Failure{Kind: types.CredentialBearer, Reason: jwks.ReasonInvalidIssuer}
	}

	switch result := r.cfg.Validator.Validate(ctx, token, provider).(type) {
	case jwks.NoToken:
		return types.AnonymousIdentity(), nil
	case jwks.Invalid:
		return nil, &Failure{Kind: types.CredentialBearer, Reason: result.Reason}
	case jwks.Valid:
		return r.buildBearerIdentity(ctx, provider, result)
	}
	return nil, &Failure{Kind: types.CredentialBearer, Reason: "Malformed token"}
}

func (r *Resolver) buildBearerIdentity(ctx context.Context, provider types.TokenProviderConfig, valid jwks.Valid) (*types.Identity, *Failure) {
	translated, err := r.cfg.Translator.Translate(ctx, valid.Issuer, valid.Subject, valid.Claims)
	if err != nil {
		if trace.IsAccessDenied(err) {
			return nil, &Failure{Kind: types.CredentialBearer, Subject: valid.Subject, Reason: "No permitted roles"}
		}
		return nil, &Failure{Kind: types.CredentialBearer, Subject: valid.Subject, Reason: "Translation failed"}
	}
	permissions, err := r.expandRoles(ctx, translated)
	if err != nil {
		return nil, &Failure{Kind: types.CredentialBearer, Subject: valid.Subject, Reason: "Role expansion failed"}
	}

	jti, _ := valid.Claims["jti"].(string)
	issuedAt := claimTime(valid.Claims, "iat")
	if r.cfg.Revocation != nil {
		revoked, err := r.cfg.Revocation.IsRevoked(ctx, jti, valid.Subject, issuedAt, valid.ExpiresAt)
		if err != nil {
			return nil, &Failure{Kind: types.CredentialBearer, Subject: valid.Subject, Reason: "Revocation check failed"}
		}
		if revoked {
			return nil, &Failure{Kind: types.CredentialBearer, Subject: valid.Subject, Reason: "Token has been revoked"}
		}
	}

	return &types.Identity{
		Subject:     valid.Subject,
		Credential:  types.CredentialBearer,
		Roles:       translated.Roles,
		Permissions: permissions,
		ExpiresAt:   valid.ExpiresAt,
		Attributes:  map[string]string{"issuer": valid.Issuer},
	}, nil
}

// resolveGatewayToken verifies a token this gateway minted itself.
func (r *Resolver) resolveGatewayToken(ctx context.Context, token string) (*types.Identity, *Failure) {
	claims, err := r.cfg.Keystore.VerifyToken(token)
	if err != nil {
		return nil, &Failure{Kind: types.CredentialBearer, Reason: jwks.ReasonKeyNotFound}
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return nil, &Failure{Kind: types.CredentialBearer, Reason: jwks.ReasonNoSubject}
	}
	expiresAt := claimTime(claims, "exp")
	if expiresAt.IsZero() || r.cfg.Clock.Now().After(expiresAt) {
		return nil, &Failure{Kind: types.CredentialBearer, Subject: subject, Reason: jwks.ReasonExpired}
	}

	var permissions []string
	if raw, ok := claims["permissions"].([]any); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				permissions = append(permissions, s)
			}
		}
	}
	var roles []string
	if raw, ok := claims["roles"].([]any); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				roles = append(roles, s)
			}
		}
	}

	jti, _ := claims["jti"].(string)
	if r.cfg.Revocation != nil {
		revoked, err := r.cfg.Revocation.IsRevoked(ctx, jti, subject, claimTime(claims, "iat"), expiresAt)
		if err != nil {
			return nil, &Failure{Kind: types.CredentialBearer, Subject: subject, Reason: "Revocation check failed"}
		}
		if revoked {
			return nil, &Failure{Kind: types.CredentialBearer, Subject: subject, Reason: "Token has been revoked"}
		}
	}
	return &types.Identity{
		Subject:     subject,
		Credential:  types.CredentialBearer,
		Roles:       roles,
		Permissions: permissions,
		ExpiresAt:   expiresAt,
		Attributes:  map[string]string{"issuer": r.cfg.GatewayIssuer},
	}, nil
}

func (r *Resolver) resolveSession(ctx context.Context, sessionID string) (*types.Identity, *Failure) {
	session, err := r.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, &Failure{Kind: types.CredentialSession, Reason: "Invalid session"}
	}
	now := r.cfg.Clock.Now()
	if session.Expired(now) {
		return nil, &Failure{Kind: types.CredentialSession, Subject: session.UserID, Reason: "Session has expired"}
	}
	if err := r.cfg.Sessions.Touch(ctx, sessionID, now); err != nil {
		log.DebugContext(ctx, "Session touch failed", "session", sessionID, "error", err)
	}
	return &types.Identity{
		Subject:     session.UserID,
		Credential:  types.CredentialSession,
		Permissions: append([]string(nil), session.Permissions...),
		ExpiresAt:   session.ExpiresAt,
		Attributes:  map[string]string{"issuer": session.Issuer},
	}, nil
}

// expandRoles merges the translated permissions with the permissions of
// every known role the identity carries. Unknown roles contribute
// nothing.
func (r *Resolver) expandRoles(ctx context.Context, translated *types.TranslationResult) ([]string, error) {
	set := make(map[string]struct{}, len(translated.Permissions))
	for _, p := range translated.Permissions {
		set[p] = struct{}{}
	}
	if r.cfg.Roles != nil {
		for _, roleID := range translated.Roles {
			role, err := r.cfg.Roles.Get(ctx, roleID)
			if err != nil {
				if trace.IsNotFound(err) {
					continue
				}
				return nil, trace.Wrap(err)
			}
			for _, p := range role.Permissions {
				set[p] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Resolver) providerFor(issuer string) (types.TokenProviderConfig, bool) {
	for _, p := range r.cfg.Providers {
		if p.Issuer == issuer {
			return p, true
		}
	}
	return types.TokenProviderConfig{}, false
}

// unverifiedIssuer peeks at the iss claim to pick a trust anchor; the
// claim is only trusted after signature verification against that
// anchor's keys.
func unverifiedIssuer(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", trace.BadParameter("malformed token")
	}
	issuer, _ := claims["iss"].(string)
	return issuer, nil
}

func claimTime(claims map[string]any, name string) time.Time {
	switch v := claims[name].(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return time.Unix(n, 0).UTC()
		}
	}
	return time.Time{}
}

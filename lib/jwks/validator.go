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

package jwks

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieproj/aussie/lib/types"
)

// Validation failure reasons surfaced to clients.
const (
	ReasonExpired         = "Token has expired"
	ReasonInvalidIssuer   = "Invalid token issuer"
	ReasonInvalidAudience = "Invalid token audience"
	ReasonBadSignature    = "Invalid token signature"
	ReasonKeyNotFound     = "Signing key not found in JWKS"
	ReasonMalformed       = "Malformed token"
	ReasonNoSubject       = "Token has no subject"
)

// Result is the outcome of validating one token. It is one of NoToken,
// Valid, or Invalid.
type Result interface {
	validationResult()
}

// NoToken means no credential was presented; the caller decides whether
// anonymous access is acceptable.
type NoToken struct{}

// Valid carries the verified token identity.
type Valid struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
	Claims    map[string]any
}

// Invalid carries the rejection reason.
type Invalid struct {
	Reason string
}

func (NoToken) validationResult() {}
func (Valid) validationResult()   {}
func (Invalid) validationResult() {}

// acceptedAlgorithms are the JWS algorithms external issuers may use.
var acceptedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
}

// Validator verifies external OIDC tokens against cached issuer keys.
type Validator struct {
	cache *Cache
	clock clockwork.Clock
}

// NewValidator creates a validator over the given key set cache.
func NewValidator(cache *Cache, clock clockwork.Clock) *Validator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Validator{cache: cache, clock: clock}
}

type standardClaims struct {
	Issuer    string   `json:"iss"`
	Subject   string   `json:"sub"`
	Audience  audience `json:"aud"`
	ExpiresAt int64    `json:"exp"`
}

// audience accepts both the string and array forms of "aud".
type audience []string

func (a *audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return trace.BadParameter("malformed aud claim")
	}
	*a = audience(many)
	return nil
}

// Validate verifies raw against the provider's key set and constraints.
// On a kid miss the key set is refreshed once and the lookup retried, so
// freshly rotated issuer keys are picked up without waiting out the TTL.
func (v *Validator) Validate(ctx context.Context, raw string, provider types.TokenProviderConfig) Result {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NoToken{}
	}
	jws, err := jose.ParseSigned(raw, acceptedAlgorithms)
	if err != nil {
		return Invalid{Reason: ReasonMalformed}
	}
	if len(jws.Signatures) == 0 {
		return Invalid{Reason: ReasonMalformed}
	}
	kid := jws.Signatures[0].Header.KeyID

	key, found, err := v.cache.GetKey(ctx, provider.JwksURI, kid)
	if err != nil {
		return Invalid{Reason: trace.UserMessage(err)}
	}
	if !found {
		if err := v.cache.Refresh(ctx, provider.JwksURI); err != nil {
			return Invalid{Reason: trace.UserMessage(err)}
		}
		if key, found, err = v.cache.GetKey(ctx, provider.JwksURI, kid); err != nil {
			return Invalid{Reason: trace.UserMessage(err)}
		}
		if !found {
			return Invalid{Reason: ReasonKeyNotFound}
		}
	}

	payload, err := jws.Verify(key)
	if err != nil {
		return Invalid{Reason: ReasonBadSignature}
	}

	var std standardClaims
	if err := json.Unmarshal(payload, &std); err != nil {
		return Invalid{Reason: ReasonMalformed}
	}
	if std.Issuer != provider.Issuer {
		return Invalid{Reason: ReasonInvalidIssuer}
	}
	if !provider.MatchesAudience(std.Audience) {
		return Invalid{Reason: ReasonInvalidAudience}
	}
	if std.ExpiresAt == 0 || v.clock.Now().After(time.Unix(std.ExpiresAt, 0)) {
		return Invalid{Reason: ReasonExpired}
	}
	if std.Subject == "" {
		return Invalid{Reason: ReasonNoSubject}
	}

	claims := map[string]any{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Invalid{Reason: ReasonMalformed}
	}
	// Claims mapping copies external names to internal ones; both stay
	// visible to translation.
	for external, internal := range provider.ClaimsMapping {
		if val, ok := claims[external]; ok {
			claims[internal] = val
		}
	}
	return Valid{
		Subject:   std.Subject,
		Issuer:    std.Issuer,
		ExpiresAt: time.Unix(std.ExpiresAt, 0).UTC(),
		Claims:    claims,
	}
}

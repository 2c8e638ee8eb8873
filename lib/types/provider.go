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
	"net/url"

	"github.com/gravitational/trace"
)

// TokenProviderConfig is the trust anchor for one external OIDC issuer.
// Providers are configured at boot and hot-reloadable through the admin
// plane.
type TokenProviderConfig struct {
	// Name is a unique local label for the provider.
	Name string `json:"name" yaml:"name"`
	// Issuer is the expected "iss" claim; unique across providers.
	Issuer string `json:"issuer" yaml:"issuer"`
	// JwksURI is where the provider advertises its JSON Web Key Set.
	JwksURI string `json:"jwksUri" yaml:"jwks_uri"`
	// Audiences is the accepted "aud" set; empty disables the audience
	// check.
	Audiences []string `json:"audiences,omitempty" yaml:"audiences,omitempty"`
	// ClaimsMapping copies external claim names to internal ones after
	// validation; both names remain visible in the claim set.
	ClaimsMapping map[string]string `json:"claimsMapping,omitempty" yaml:"claims_mapping,omitempty"`
}

// CheckAndSetDefaults validates the provider config.
func (p *TokenProviderConfig) CheckAndSetDefaults() error {
	if p.Name == "" {
		return trace.BadParameter("token provider name missing")
	}
	if p.Issuer == "" {
		return trace.BadParameter("token provider %q has no issuer", p.Name)
	}
	u, err := url.Parse(p.JwksURI)
	if err != nil || !u.IsAbs() {
		return trace.BadParameter("token provider %q has invalid jwksUri %q", p.Name, p.JwksURI)
	}
	return nil
}

// MatchesAudience reports whether any of the token audiences is accepted
// by this provider. An empty configured audience set accepts everything.
func (p *TokenProviderConfig) MatchesAudience(tokenAudiences []string) bool {
	if len(p.Audiences) == 0 {
		return true
	}
	for _, aud := range tokenAudiences {
		for _, allowed := range p.Audiences {
			if aud == allowed {
				return true
			}
		}
	}
	return false
}

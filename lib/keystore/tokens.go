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

package keystore

import (
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
)

// SignToken mints an RS256 JWT with the ACTIVE key, stamping its kid in
// the header so verifiers can resolve it across rotations.
func (r *Registry) SignToken(claims jwt.Claims) (string, error) {
	set := r.current.Load()
	if set == nil || set.signer == nil {
		return "", trace.NotFound("no active signing key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = set.signerKid
	signed, err := token.SignedString(set.signer)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return signed, nil
}

// VerifyToken verifies a gateway-minted JWT against the hot verification
// set and returns its claims.
func (r *Registry) VerifyToken(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, trace.BadParameter("token has no kid header")
		}
		pub, ok := r.VerificationKey(kid)
		if !ok {
			return nil, trace.NotFound("signing key %q is not accepted", kid)
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return r.cfg.Clock.Now() }),
	)
	if err != nil {
		return nil, trace.AccessDenied("token verification failed: %v", err)
	}
	return claims, nil
}

// JWKS exports the verification set as a JSON Web Key Set for the
// well-known endpoint, letting backends verify gateway-minted tokens
// without a shared secret.
func (r *Registry) JWKS() jose.JSONWebKeySet {
	set := r.current.Load()
	if set == nil {
		return jose.JSONWebKeySet{}
	}
	out := jose.JSONWebKeySet{}
	for kid, pub := range set.keys {
		out.Keys = append(out.Keys, jose.JSONWebKey{
			Key:       pub,
			KeyID:     kid,
			Algorithm: "RS256",
			Use:       "sig",
		})
	}
	return out
}

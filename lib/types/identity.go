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

import "time"

// CredentialKind records which credential authenticated an identity.
type CredentialKind string

const (
	// CredentialApiKey is an "Authorization: ApiKey" or X-API-Key
	// credential.
	CredentialApiKey CredentialKind = "apikey"
	// CredentialBearer is an "Authorization: Bearer" JWT.
	CredentialBearer CredentialKind = "bearer"
	// CredentialSession is an opaque session cookie.
	CredentialSession CredentialKind = "session"
)

// Identity is the authenticated principal of a request.
type Identity struct {
	// Subject is the principal identifier: user id, api key id, or
	// session user.
	Subject string `json:"subject"`
	// Credential records how the identity authenticated.
	Credential CredentialKind `json:"credential"`
	// Roles are the expanded role ids.
	Roles []string `json:"roles,omitempty"`
	// Permissions is the effective permission set after role expansion.
	Permissions []string `json:"permissions"`
	// ExpiresAt is when the backing credential expires; zero for
	// non-expiring credentials.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	// Attributes carries extra resolved values (issuer, creator, claim
	// pass-throughs).
	Attributes map[string]string `json:"attributes,omitempty"`
}

// AnonymousIdentity is used for PUBLIC endpoints reached without any
// credential.
func AnonymousIdentity() *Identity {
	return &Identity{Subject: "anonymous"}
}

// IsAnonymous reports whether the identity authenticated at all.
func (i *Identity) IsAnonymous() bool {
	return i.Credential == ""
}

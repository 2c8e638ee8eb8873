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
	"time"

	"github.com/gravitational/trace"
)

// KeyStatus is the lifecycle state of a signing key. Transitions are
// strictly PENDING -> ACTIVE -> DEPRECATED -> RETIRED.
type KeyStatus string

const (
	// KeyStatusPending keys are generated but not yet signing.
	KeyStatusPending KeyStatus = "PENDING"
	// KeyStatusActive is the single key currently minting tokens.
	KeyStatusActive KeyStatus = "ACTIVE"
	// KeyStatusDeprecated keys verify but no longer sign.
	KeyStatusDeprecated KeyStatus = "DEPRECATED"
	// KeyStatusRetired keys neither sign nor verify.
	KeyStatusRetired KeyStatus = "RETIRED"
)

// CanTransitionTo reports whether the status may move to next.
func (s KeyStatus) CanTransitionTo(next KeyStatus) bool {
	switch s {
	case KeyStatusPending:
		return next == KeyStatusActive
	case KeyStatusActive:
		return next == KeyStatusDeprecated
	case KeyStatusDeprecated:
		return next == KeyStatusRetired
	}
	return false
}

// SigningKeyRecord is a stored RSA key pair. Verify-only replicas carry no
// private key.
type SigningKeyRecord struct {
	// KeyID uniquely identifies the key; it is the JWT "kid" header.
	KeyID string `json:"keyId"`
	// PublicKeyPEM is the PKIX public key, PEM encoded.
	PublicKeyPEM string `json:"publicKey"`
	// PrivateKeyPEM is the PKCS#1 private key, PEM encoded; empty for
	// verify-only records.
	PrivateKeyPEM string `json:"privateKey,omitempty"`
	// Status is the lifecycle state.
	Status KeyStatus `json:"status"`
	// CreatedAt is when the key was generated.
	CreatedAt time.Time `json:"createdAt"`
	// ActivatedAt is when the key was promoted to ACTIVE.
	ActivatedAt time.Time `json:"activatedAt,omitempty"`
	// DeprecatedAt starts the retirement grace period.
	DeprecatedAt time.Time `json:"deprecatedAt,omitempty"`
	// RetiredAt is when the key stopped verifying.
	RetiredAt time.Time `json:"retiredAt,omitempty"`
}

// CheckAndSetDefaults validates the record.
func (k *SigningKeyRecord) CheckAndSetDefaults() error {
	if k.KeyID == "" {
		return trace.BadParameter("signing key id missing")
	}
	if k.PublicKeyPEM == "" {
		return trace.BadParameter("signing key %q has no public key", k.KeyID)
	}
	if k.Status == "" {
		k.Status = KeyStatusPending
	}
	switch k.Status {
	case KeyStatusPending, KeyStatusActive, KeyStatusDeprecated, KeyStatusRetired:
	default:
		return trace.BadParameter("unknown signing key status %q", string(k.Status))
	}
	return nil
}

// CanVerify reports whether tokens signed by this key are still accepted.
func (k *SigningKeyRecord) CanVerify() bool {
	return k.Status == KeyStatusActive || k.Status == KeyStatusDeprecated
}

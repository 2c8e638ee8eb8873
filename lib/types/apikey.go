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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// ApiKey is a long-lived machine credential. The plaintext secret exists
// only in the creation response; the repository holds a salted hash.
type ApiKey struct {
	// ID is the public key identifier, the part before the dot in the
	// presented credential "<id>.<secret>".
	ID string `json:"id"`
	// KeyHash is the bcrypt hash of the secret.
	KeyHash string `json:"keyHash"`
	// Name is a human-readable label.
	Name string `json:"name"`
	// Description is optional free text.
	Description string `json:"description,omitempty"`
	// Permissions granted to callers presenting this key.
	Permissions []string `json:"permissions"`
	// CreatedBy records the creating principal.
	CreatedBy string `json:"createdBy,omitempty"`
	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"createdAt"`
	// ExpiresAt is the optional expiry; zero means no expiry.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	// Revoked marks the key unusable; revoked keys are retained for
	// audit.
	Revoked bool `json:"revoked"`
}

// CheckAndSetDefaults validates the key record.
func (k *ApiKey) CheckAndSetDefaults() error {
	if k.ID == "" {
		return trace.BadParameter("api key id missing")
	}
	if k.KeyHash == "" {
		return trace.BadParameter("api key hash missing")
	}
	if k.Name == "" {
		return trace.BadParameter("api key name missing")
	}
	return nil
}

// Expired reports whether the key is past its expiry at the given time.
func (k *ApiKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// MarshalCacheLine serializes the key in the pipe-delimited cache format:
// id|name|description|permissions-csv|createdBy|createdAt|expiresAt|revoked.
// Timestamps are epoch millis, zero expiry is empty. The hash is never
// cached.
func (k *ApiKey) MarshalCacheLine() string {
	expires := ""
	if !k.ExpiresAt.IsZero() {
		expires = strconv.FormatInt(k.ExpiresAt.UnixMilli(), 10)
	}
	return strings.Join([]string{
		k.ID,
		k.Name,
		k.Description,
		strings.Join(k.Permissions, ","),
		k.CreatedBy,
		strconv.FormatInt(k.CreatedAt.UnixMilli(), 10),
		expires,
		strconv.FormatBool(k.Revoked),
	}, "|")
}

// UnmarshalApiKeyCacheLine parses the pipe-delimited cache format produced
// by MarshalCacheLine.
func UnmarshalApiKeyCacheLine(line string) (*ApiKey, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 8 {
		return nil, trace.BadParameter("malformed api key cache line: %d fields", len(parts))
	}
	createdMillis, err := strconv.ParseInt(parts[5], 10, 64)
	if err != nil {
		return nil, trace.BadParameter("malformed createdAt %q", parts[5])
	}
	key := &ApiKey{
		ID:          parts[0],
		Name:        parts[1],
		Description: parts[2],
		CreatedBy:   parts[4],
		CreatedAt:   time.UnixMilli(createdMillis).UTC(),
	}
	if parts[3] != "" {
		key.Permissions = strings.Split(parts[3], ",")
	}
	if parts[6] != "" {
		expiresMillis, err := strconv.ParseInt(parts[6], 10, 64)
		if err != nil {
			return nil, trace.BadParameter("malformed expiresAt %q", parts[6])
		}
		key.ExpiresAt = time.UnixMilli(expiresMillis).UTC()
	}
	key.Revoked, err = strconv.ParseBool(parts[7])
	if err != nil {
		return nil, trace.BadParameter("malformed revoked flag %q", parts[7])
	}
	return key, nil
}

// SplitApiKeyCredential splits a presented credential "<id>.<secret>" into
// its parts.
func SplitApiKeyCredential(credential string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(credential, ".")
	if !ok || id == "" || secret == "" {
		return "", "", trace.BadParameter("malformed api key credential")
	}
	return id, secret, nil
}

// FormatApiKeyCredential assembles the presented form of an API key.
func FormatApiKeyCredential(id, secret string) string {
	return fmt.Sprintf("%s.%s", id, secret)
}

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
	"time"
)

// Subject key prefixes for the lockout engine. A key identifies what is
// being counted and locked: a caller address, an authenticated user, or an
// API key prefix.
const (
	SubjectKindIP     = "ip"
	SubjectKindUser   = "user"
	SubjectKindApiKey = "apikey"
)

// IPKey builds the lockout subject key for a caller address.
func IPKey(addr string) string {
	return fmt.Sprintf("%s:%s", SubjectKindIP, addr)
}

// UserKey builds the lockout subject key for a user.
func UserKey(id string) string {
	return fmt.Sprintf("%s:%s", SubjectKindUser, id)
}

// ApiKeyKey builds the lockout subject key for an API key id prefix.
func ApiKeyKey(prefix string) string {
	return fmt.Sprintf("%s:%s", SubjectKindApiKey, prefix)
}

// LockoutInfo is a live lockout record. A lockout exists only while
// ExpiresAt is in the future; backends expire records via TTL.
type LockoutInfo struct {
	// Key is the typed subject key, e.g. "ip:10.0.0.1".
	Key string `json:"key"`
	// LockedAt is when the lockout was created.
	LockedAt time.Time `json:"lockedAt"`
	// ExpiresAt is when the lockout lifts.
	ExpiresAt time.Time `json:"expiresAt"`
	// FailedAttempts is the failure count that triggered the lockout.
	FailedAttempts int `json:"failedAttempts"`
	// LockoutCount is how many lockouts the subject has accumulated;
	// it drives the progressive duration multiplier.
	LockoutCount int `json:"lockoutCount"`
	// Reason is optional free text.
	Reason string `json:"reason,omitempty"`
}

// Active reports whether the lockout is still in force at now.
func (l *LockoutInfo) Active(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

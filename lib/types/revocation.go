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

// RevocationEvent is the closed sum of revocation fan-out records. The
// two variants are JtiRevoked and UserRevoked; subscribers switch
// exhaustively on the concrete type.
type RevocationEvent interface {
	// WireFormat renders the pub/sub line for the event.
	WireFormat() string
	// Expiry is when the revocation itself may be garbage collected; it
	// matches the expiry of the affected token(s).
	Expiry() time.Time

	revocationEvent()
}

// JtiRevoked revokes a single token by its JWT ID.
type JtiRevoked struct {
	// JTI is the revoked token id.
	JTI string
	// ExpiresAt matches the token expiry so filters can garbage-collect.
	ExpiresAt time.Time
}

func (e JtiRevoked) revocationEvent() {}

// Expiry implements RevocationEvent.
func (e JtiRevoked) Expiry() time.Time { return e.ExpiresAt }

// WireFormat renders "jti:<id>:<expiresAtMillis>".
func (e JtiRevoked) WireFormat() string {
	return fmt.Sprintf("jti:%s:%d", e.JTI, e.ExpiresAt.UnixMilli())
}

// UserRevoked revokes every token of a user issued before a cutoff.
type UserRevoked struct {
	// UserID is the affected subject.
	UserID string
	// IssuedBefore is the cutoff; tokens issued at or before it are
	// rejected.
	IssuedBefore time.Time
	// ExpiresAt is when the newest affected token expires.
	ExpiresAt time.Time
}

func (e UserRevoked) revocationEvent() {}

// Expiry implements RevocationEvent.
func (e UserRevoked) Expiry() time.Time { return e.ExpiresAt }

// WireFormat renders "user:<id>:<issuedBeforeMillis>:<expiresAtMillis>".
func (e UserRevoked) WireFormat() string {
	return fmt.Sprintf("user:%s:%d:%d", e.UserID, e.IssuedBefore.UnixMilli(), e.ExpiresAt.UnixMilli())
}

// ParseRevocationEvent parses a pub/sub line into an event. IDs may not
// contain ':'; millis fields are decimal epoch milliseconds.
func ParseRevocationEvent(line string) (RevocationEvent, error) {
	parts := strings.Split(line, ":")
	switch {
	case len(parts) == 3 && parts[0] == "jti":
		expires, err := parseMillis(parts[2])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if parts[1] == "" {
			return nil, trace.BadParameter("revocation event with empty jti")
		}
		return JtiRevoked{JTI: parts[1], ExpiresAt: expires}, nil
	case len(parts) == 4 && parts[0] == "user":
		issuedBefore, err := parseMillis(parts[2])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		expires, err := parseMillis(parts[3])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if parts[1] == "" {
			return nil, trace.BadParameter("revocation event with empty user id")
		}
		return UserRevoked{UserID: parts[1], IssuedBefore: issuedBefore, ExpiresAt: expires}, nil
	}
	return nil, trace.BadParameter("malformed revocation event %q", line)
}

func parseMillis(s string) (time.Time, error) {
	millis, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, trace.BadParameter("malformed epoch millis %q", s)
	}
	return time.UnixMilli(millis).UTC(), nil
}

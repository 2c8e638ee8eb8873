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

// Package defaults contains default constants set in various parts of
// the gateway codebase.
package defaults

import (
	"net"
	"net/http"
	"time"
)

const (
	// GatewayListenPort is the port the request gateway binds to.
	GatewayListenPort = 8080

	// AdminListenPort is the port the admin plane binds to.
	AdminListenPort = 8081

	// BindIP is the address servers bind to unless configured otherwise.
	BindIP = "0.0.0.0"
)

// Reserved first path segments that never resolve to a registered service.
var ReservedPaths = []string{"admin", "gateway", "q"}

// Rate limiting and lockout.
const (
	// MaxFailedAttempts is the failure count at which a lockout is created.
	MaxFailedAttempts = 5

	// FailedAttemptWindow is the sliding window over which failures count.
	FailedAttemptWindow = 15 * time.Minute

	// BaseLockoutDuration is the first lockout duration; later lockouts
	// grow by LockoutMultiplier per prior lockout.
	BaseLockoutDuration = 30 * time.Second

	// LockoutMultiplier is the progressive lockout growth factor.
	LockoutMultiplier = 1.5

	// LockoutCountTTL is how long the progressive lockout count survives
	// after the lockout itself is cleared.
	LockoutCountTTL = 30 * 24 * time.Hour
)

// Revocation engine.
const (
	// RevocationCheckThreshold skips revocation checks for tokens that
	// expire sooner than this.
	RevocationCheckThreshold = 30 * time.Second

	// RevocationBloomSize is the bloom filter size in bits.
	RevocationBloomSize = 1 << 20

	// RevocationBloomHashes is the number of bloom hash functions.
	RevocationBloomHashes = 7

	// RevocationBloomRebuildInterval is the cadence of full filter
	// rebuilds from the authoritative repository.
	RevocationBloomRebuildInterval = 10 * time.Minute

	// RevocationCacheTTL bounds the short positive/negative cache in
	// front of the revocation repository.
	RevocationCacheTTL = 30 * time.Second

	// RevocationChannel is the pub/sub channel revocation events fan
	// out on.
	RevocationChannel = "aussie:revocations"
)

// Caches.
const (
	// JWKSCacheTTL bounds per-issuer JWKS caching.
	JWKSCacheTTL = 15 * time.Minute

	// TranslationCacheTTL bounds translation result caching.
	TranslationCacheTTL = 5 * time.Minute

	// TranslationCacheSize caps the number of cached translation results.
	TranslationCacheSize = 10000

	// ServiceCacheTTL bounds registry cache-through reads.
	ServiceCacheTTL = 1 * time.Minute

	// VerificationKeyRefreshInterval is the cadence at which the signing
	// key registry refreshes its hot verification cache.
	VerificationKeyRefreshInterval = 1 * time.Minute
)

// Key rotation.
const (
	// KeyRotationInterval is the cadence at which a fresh signing key is
	// promoted to ACTIVE.
	KeyRotationInterval = 24 * time.Hour

	// KeyRotationGracePeriod is how long a DEPRECATED key keeps verifying
	// tokens before it is retired.
	KeyRotationGracePeriod = 48 * time.Hour

	// SigningKeyBits is the RSA modulus size for generated signing keys.
	SigningKeyBits = 2048
)

// Storage resiliency.
const (
	// RedisOperationTimeout bounds every Redis-backed repository call.
	RedisOperationTimeout = 500 * time.Millisecond

	// CacheTTL is the default TTL for cache-layer writes.
	CacheTTL = 1 * time.Minute
)

// Proxy transport.
const (
	// ProxyConnectTimeout bounds upstream connection establishment.
	ProxyConnectTimeout = 5 * time.Second

	// ProxyReadTimeout bounds waiting for upstream response headers.
	ProxyReadTimeout = 30 * time.Second

	// ProxyDeadline is the overall per-request ceiling, covering the
	// entire pipeline including upstream streaming.
	ProxyDeadline = 60 * time.Second

	// ProxyIdleConnsPerHost bounds pooled upstream connections.
	ProxyIdleConnsPerHost = 32
)

// WebSocket path.
const (
	// WebsocketMessageRate is the per-connection message rate limit.
	WebsocketMessageRate = 100

	// WebsocketMessageBurst is the per-connection message burst.
	WebsocketMessageBurst = 50

	// WebsocketConnectionRate is the per-origin new-connection rate,
	// per minute.
	WebsocketConnectionRate = 10

	// WebsocketConnectionBurst is the per-origin connection burst.
	WebsocketConnectionBurst = 5

	// WebsocketCloseTimeout bounds the closing handshake.
	WebsocketCloseTimeout = 5 * time.Second
)

// Sessions and tokens.
const (
	// SessionTTL is the lifetime of a gateway-issued session.
	SessionTTL = 12 * time.Hour

	// GatewayTokenTTL is the lifetime of gateway-minted JWTs.
	GatewayTokenTTL = 1 * time.Hour

	// RemoteTranslationTimeout bounds calls to a remote translation
	// provider.
	RemoteTranslationTimeout = 2 * time.Second
)

// Transport returns a new http.Transport with sane defaults for talking to
// upstream services. Callers own the returned transport and may adjust
// timeouts before use.
func Transport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   ProxyConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   ProxyIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: ProxyReadTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

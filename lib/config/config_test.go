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

package config

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussieproj/aussie/lib/defaults"
)

const sampleConfig = `
log:
  level: debug
  format: json
gateway:
  listen_addr: 0.0.0.0:9080
  reserved_paths: [admin, gateway, q, internal]
admin:
  listen_addr: 0.0.0.0:9081
  issuer: https://gw.example.com
  session_ttl: 8h
auth:
  rate_limit:
    max_failed_attempts: 3
    window: 10m
    base_lockout: 45s
    multiplier: 2.0
token_providers:
  - name: corp
    issuer: https://idp.example.com
    jwks_uri: https://idp.example.com/jwks
    audiences: [aussie]
    claims_mapping:
      groups: roles
jwks:
  cache:
    ttl: 10m
revocation:
  check_threshold: 20s
  user_scope: true
  bloom:
    size: 2097152
    hashes: 5
    rebuild_interval: 5m
translation:
  cache:
    ttl: 2m
    max_size: 5000
  remote:
    url: https://translate.example.com/v1
    timeout: 1s
    fail_mode: allow_empty
storage:
  provider: redis
  cache:
    provider: redis
    ttl: 30s
  redis:
    addr: redis.internal:6379
    db: 2
resiliency:
  redis:
    operation_timeout: 250ms
keyrotation:
  enabled: true
  interval: 12h
  grace_period: 24h
proxy:
  connect_timeout: 2s
  read_timeout: 15s
  deadline: 30s
websocket:
  message_rate: 50
  burst: 25
  connection_rate: 5
  connection_burst: 2
`

func TestReadConfig(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(sampleConfig))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:9080", fc.Gateway.ListenAddr)
	require.Equal(t, []string{"admin", "gateway", "q", "internal"}, fc.Gateway.ReservedPaths)
	require.Equal(t, "https://gw.example.com", fc.Admin.Issuer)
	require.Equal(t, 8*time.Hour, fc.Admin.SessionTTL.Value(defaults.SessionTTL))

	require.Equal(t, 3, fc.Auth.RateLimit.MaxFailedAttempts)
	require.Equal(t, 10*time.Minute, time.Duration(fc.Auth.RateLimit.Window))
	require.Equal(t, 45*time.Second, time.Duration(fc.Auth.RateLimit.BaseLockout))
	require.Equal(t, 2.0, fc.Auth.RateLimit.Multiplier)

	require.Len(t, fc.TokenProviders, 1)
	require.Equal(t, "https://idp.example.com", fc.TokenProviders[0].Issuer)
	require.Equal(t, "roles", fc.TokenProviders[0].ClaimsMapping["groups"])

	require.True(t, fc.Revocation.UserScope)
	require.Equal(t, uint64(2097152), fc.Revocation.Bloom.Size)
	require.Equal(t, 5*time.Minute, time.Duration(fc.Revocation.Bloom.RebuildInterval))

	require.Equal(t, "allow_empty", fc.Translation.Remote.FailMode)
	require.Equal(t, "redis", fc.Storage.Provider)
	require.Equal(t, "redis.internal:6379", fc.Storage.Redis.Addr)
	require.Equal(t, 250*time.Millisecond, time.Duration(fc.Resiliency.Redis.OperationTimeout))

	require.True(t, fc.KeyRotation.Enabled)
	require.Equal(t, 12*time.Hour, time.Duration(fc.KeyRotation.Interval))
	require.Equal(t, 30*time.Second, time.Duration(fc.Proxy.Deadline))
	require.Equal(t, 50.0, fc.Websocket.MessageRate)
}

func TestReadConfigDefaults(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader(""))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8080", fc.Gateway.ListenAddr)
	require.Equal(t, "0.0.0.0:8081", fc.Admin.ListenAddr)
	require.Equal(t, defaults.ReservedPaths, fc.Gateway.ReservedPaths)
	require.NotEmpty(t, fc.Admin.Issuer)
	require.Nil(t, fc.EncryptionKey())

	// Unset durations defer to the caller-provided default.
	require.Equal(t, defaults.FailedAttemptWindow, fc.Auth.RateLimit.Window.Value(defaults.FailedAttemptWindow))
}

func TestReadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ReadConfig(strings.NewReader("gatway:\n  listen_addr: 0.0.0.0:8080\n"))
	require.Error(t, err)
}

func TestReadConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad listen addr", "gateway:\n  listen_addr: not-an-addr\n"},
		{"bad duration", "auth:\n  rate_limit:\n    window: soon\n"},
		{"bad fail mode", "translation:\n  remote:\n    url: http://x\n    fail_mode: maybe\n"},
		{"bad encryption key", "secrets:\n  encryption_key: '!!!'\n"},
		{"short encryption key", "secrets:\n  encryption_key: " + base64.StdEncoding.EncodeToString([]byte("short")) + "\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadConfig(strings.NewReader(tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	fc, err := ReadConfig(strings.NewReader("revocation:\n  check_threshold: 20\n"))
	require.NoError(t, err)
	require.Equal(t, 20*time.Second, time.Duration(fc.Revocation.CheckThreshold))
}

func TestEncryptionKeyRoundTrip(t *testing.T) {
	key := strings.Repeat("k", 32)
	fc, err := ReadConfig(strings.NewReader("secrets:\n  encryption_key: " + base64.StdEncoding.EncodeToString([]byte(key)) + "\n"))
	require.NoError(t, err)
	require.Equal(t, []byte(key), fc.EncryptionKey())
}

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

// Package config reads the gateway's YAML configuration file into a
// validated tree. Every knob has a default in lib/defaults; an empty
// file yields a runnable single-node gateway on the memory provider.
package config

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/types"
)

// Duration is a time.Duration that unmarshals from the YAML forms
// "30s", "1h30m" or a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return trace.Wrap(err)
	}
	if raw == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return trace.BadParameter("cannot parse duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Value returns the duration, or def when unset.
func (d Duration) Value(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

// FileConfig is the root of the YAML configuration tree.
type FileConfig struct {
	Log            Log             `yaml:"log,omitempty"`
	Gateway        Gateway         `yaml:"gateway,omitempty"`
	Admin          Admin           `yaml:"admin,omitempty"`
	Auth           Auth            `yaml:"auth,omitempty"`
	TokenProviders []types.TokenProviderConfig `yaml:"token_providers,omitempty"`
	JWKS           JWKS            `yaml:"jwks,omitempty"`
	Revocation     Revocation      `yaml:"revocation,omitempty"`
	Translation    Translation     `yaml:"translation,omitempty"`
	Storage        Storage         `yaml:"storage,omitempty"`
	Resiliency     Resiliency      `yaml:"resiliency,omitempty"`
	KeyRotation    KeyRotation     `yaml:"keyrotation,omitempty"`
	Proxy          Proxy           `yaml:"proxy,omitempty"`
	Websocket      Websocket       `yaml:"websocket,omitempty"`
	Secrets        Secrets         `yaml:"secrets,omitempty"`
}

// Log controls the process logger.
type Log struct {
	// Output is stderr, stdout or a file path.
	Output string `yaml:"output,omitempty"`
	// Level is debug, info, warn or error.
	Level string `yaml:"level,omitempty"`
	// Format is text or json.
	Format string `yaml:"format,omitempty"`
}

// Gateway configures the request-terminating listener.
type Gateway struct {
	// ListenAddr is the host:port the gateway binds to.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// ReservedPaths are first path segments never routed to services.
	ReservedPaths []string `yaml:"reserved_paths,omitempty"`
}

// Admin configures the management listener.
type Admin struct {
	// ListenAddr is the host:port the admin plane binds to.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// Issuer is the iss claim of gateway-minted tokens.
	Issuer string `yaml:"issuer,omitempty"`
	// SessionTTL bounds gateway-issued sessions.
	SessionTTL Duration `yaml:"session_ttl,omitempty"`
	// TokenTTL bounds gateway-minted JWTs.
	TokenTTL Duration `yaml:"token_ttl,omitempty"`
}

// Auth holds authentication tunables.
type Auth struct {
	RateLimit RateLimit `yaml:"rate_limit,omitempty"`
}

// RateLimit configures the progressive lockout engine.
type RateLimit struct {
	// MaxFailedAttempts triggers a lockout when reached within Window.
	MaxFailedAttempts int `yaml:"max_failed_attempts,omitempty"`
	// Window is the sliding failure window.
	Window Duration `yaml:"window,omitempty"`
	// BaseLockout is the first lockout duration.
	BaseLockout Duration `yaml:"base_lockout,omitempty"`
	// Multiplier grows the lockout per prior offense.
	Multiplier float64 `yaml:"multiplier,omitempty"`
}

// JWKS configures the external key-set cache.
type JWKS struct {
	Cache CacheTTL `yaml:"cache,omitempty"`
}

// CacheTTL is a single-knob cache section.
type CacheTTL struct {
	TTL Duration `yaml:"ttl,omitempty"`
}

// Revocation configures the token revocation engine.
type Revocation struct {
	// CheckThreshold skips the revocation check for tokens expiring
	// sooner than this.
	CheckThreshold Duration `yaml:"check_threshold,omitempty"`
	// UserScope enables user-cutoff revocations.
	UserScope bool  `yaml:"user_scope,omitempty"`
	Bloom     Bloom `yaml:"bloom,omitempty"`
}

// Bloom sizes the revocation bloom filter.
type Bloom struct {
	Size            uint64   `yaml:"size,omitempty"`
	Hashes          int      `yaml:"hashes,omitempty"`
	RebuildInterval Duration `yaml:"rebuild_interval,omitempty"`
}

// Translation configures claim translation.
type Translation struct {
	Cache TranslationCache `yaml:"cache,omitempty"`
	// File points at a YAML schema evaluated with hot reload; it takes
	// priority over the stored revisions when set.
	File string `yaml:"file,omitempty"`
	// Remote delegates translation to an external service.
	Remote RemoteTranslation `yaml:"remote,omitempty"`
	// DefaultClaim is the claim read by the fallback provider.
	DefaultClaim string `yaml:"default_claim,omitempty"`
}

// TranslationCache bounds the per-token translation cache.
type TranslationCache struct {
	TTL     Duration `yaml:"ttl,omitempty"`
	MaxSize int      `yaml:"max_size,omitempty"`
}

// RemoteTranslation configures the remote translation provider.
type RemoteTranslation struct {
	URL      string   `yaml:"url,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
	FailMode string   `yaml:"fail_mode,omitempty"`
}

// Storage selects and configures the storage providers.
type Storage struct {
	// Provider names the preferred provider for every port; empty picks
	// the highest-priority available one.
	Provider string `yaml:"provider,omitempty"`
	// Cache overrides the provider backing the shared cache port.
	Cache     StorageCache `yaml:"cache,omitempty"`
	Redis     Redis        `yaml:"redis,omitempty"`
	Cassandra Cassandra    `yaml:"cassandra,omitempty"`
}

// StorageCache configures the shared cache tier.
type StorageCache struct {
	Provider string   `yaml:"provider,omitempty"`
	TTL      Duration `yaml:"ttl,omitempty"`
}

// Redis configures the Redis provider; an empty Addr disables it.
type Redis struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// Cassandra configures the Cassandra provider; empty Hosts disable it.
type Cassandra struct {
	Hosts    []string `yaml:"hosts,omitempty"`
	Keyspace string   `yaml:"keyspace,omitempty"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// Resiliency holds store-call timeout policy.
type Resiliency struct {
	Redis RedisResiliency `yaml:"redis,omitempty"`
}

// RedisResiliency bounds Redis calls.
type RedisResiliency struct {
	OperationTimeout Duration `yaml:"operation_timeout,omitempty"`
}

// KeyRotation configures scheduled signing-key rotation.
type KeyRotation struct {
	// Enabled turns the rotation ticker on; manual rotation through the
	// admin plane works either way.
	Enabled     bool     `yaml:"enabled,omitempty"`
	Interval    Duration `yaml:"interval,omitempty"`
	GracePeriod Duration `yaml:"grace_period,omitempty"`
	KeyBits     int      `yaml:"key_bits,omitempty"`
}

// Proxy bounds upstream forwarding.
type Proxy struct {
	ConnectTimeout Duration `yaml:"connect_timeout,omitempty"`
	ReadTimeout    Duration `yaml:"read_timeout,omitempty"`
	Deadline       Duration `yaml:"deadline,omitempty"`
}

// Websocket bounds websocket proxying.
type Websocket struct {
	MessageRate     float64 `yaml:"message_rate,omitempty"`
	Burst           int     `yaml:"burst,omitempty"`
	ConnectionRate  float64 `yaml:"connection_rate,omitempty"`
	ConnectionBurst int     `yaml:"connection_burst,omitempty"`
}

// Secrets configures encryption at rest.
type Secrets struct {
	// EncryptionKey is a base64 32-byte key sealing stored private keys
	// and credentials; empty stores them with the PLAIN: prefix.
	EncryptionKey string `yaml:"encryption_key,omitempty"`
}

// ReadFromFile loads and validates the configuration file at path.
func ReadFromFile(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()
	fc, err := ReadConfig(f)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse %v", path)
	}
	return fc, nil
}

// ReadConfig parses and validates a YAML configuration stream.
func ReadConfig(r io.Reader) (*FileConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fc := &FileConfig{}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(fc); err != nil && err != io.EOF {
		return nil, trace.BadParameter("invalid configuration: %v", err)
	}
	if err := fc.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return fc, nil
}

// CheckAndSetDefaults validates the tree and fills in defaults.
func (fc *FileConfig) CheckAndSetDefaults() error {
	if fc.Gateway.ListenAddr == "" {
		fc.Gateway.ListenAddr = net.JoinHostPort(defaults.BindIP, strconv.Itoa(defaults.GatewayListenPort))
	}
	if fc.Admin.ListenAddr == "" {
		fc.Admin.ListenAddr = net.JoinHostPort(defaults.BindIP, strconv.Itoa(defaults.AdminListenPort))
	}
	if _, _, err := net.SplitHostPort(fc.Gateway.ListenAddr); err != nil {
		return trace.BadParameter("gateway.listen_addr %q: %v", fc.Gateway.ListenAddr, err)
	}
	if _, _, err := net.SplitHostPort(fc.Admin.ListenAddr); err != nil {
		return trace.BadParameter("admin.listen_addr %q: %v", fc.Admin.ListenAddr, err)
	}
	if len(fc.Gateway.ReservedPaths) == 0 {
		fc.Gateway.ReservedPaths = defaults.ReservedPaths
	}
	if fc.Admin.Issuer == "" {
		fc.Admin.Issuer = fmt.Sprintf("http://%v", fc.Gateway.ListenAddr)
	}
	if fc.Auth.RateLimit.Multiplier < 0 {
		return trace.BadParameter("auth.rate_limit.multiplier must not be negative")
	}
	for i := range fc.TokenProviders {
		if err := fc.TokenProviders[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	switch fc.Translation.Remote.FailMode {
	case "", "deny", "allow_empty":
	default:
		return trace.BadParameter("translation.remote.fail_mode must be deny or allow_empty, got %q",
			fc.Translation.Remote.FailMode)
	}
	if key := fc.Secrets.EncryptionKey; key != "" {
		decoded, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return trace.BadParameter("secrets.encryption_key is not valid base64")
		}
		if len(decoded) != 32 {
			return trace.BadParameter("secrets.encryption_key must decode to 32 bytes, got %d", len(decoded))
		}
	}
	return nil
}

// EncryptionKey returns the decoded at-rest key, or nil when unset.
func (fc *FileConfig) EncryptionKey() []byte {
	if fc.Secrets.EncryptionKey == "" {
		return nil
	}
	// Validated during CheckAndSetDefaults.
	key, _ := base64.StdEncoding.DecodeString(fc.Secrets.EncryptionKey)
	return key
}

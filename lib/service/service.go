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

// Package service is the composition root: it builds the storage
// providers, engines and HTTP surfaces from a file configuration and
// runs them until shutdown.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/config"
	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/gateway"
	"github.com/aussieproj/aussie/lib/identity"
	"github.com/aussieproj/aussie/lib/jwks"
	"github.com/aussieproj/aussie/lib/keystore"
	"github.com/aussieproj/aussie/lib/lockout"
	"github.com/aussieproj/aussie/lib/registry"
	"github.com/aussieproj/aussie/lib/revocation"
	"github.com/aussieproj/aussie/lib/secret"
	"github.com/aussieproj/aussie/lib/storage"
	"github.com/aussieproj/aussie/lib/storage/cassandra"
	"github.com/aussieproj/aussie/lib/storage/memory"
	"github.com/aussieproj/aussie/lib/storage/redisbk"
	"github.com/aussieproj/aussie/lib/translation"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
	"github.com/aussieproj/aussie/lib/web"
)

var log = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentService)

// drainTimeout bounds the graceful shutdown of both listeners.
const drainTimeout = 30 * time.Second

// Service owns every long-lived component of one gateway process.
type Service struct {
	fc    *config.FileConfig
	clock clockwork.Clock

	stores     *storage.Stores
	keystore   *keystore.Registry
	revocation *revocation.Engine
	translator *translation.Service

	gatewaySrv *http.Server
	adminSrv   *http.Server
}

// New builds a gateway process from the file configuration. Nothing is
// listening yet; call Run.
func New(ctx context.Context, fc *config.FileConfig) (*Service, error) {
	if fc == nil {
		return nil, trace.BadParameter("service: configuration missing")
	}
	clock := clockwork.NewRealClock()

	stores, err := buildStores(ctx, fc, clock)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	codec, err := secret.NewCodec(fc.EncryptionKey())
	if err != nil {
		stores.Close()
		return nil, trace.Wrap(err)
	}
	stores.ApiKeys = storage.NewSealedApiKeys(stores.ApiKeys, codec)
	stores.Roles = storage.NewSealedRoles(stores.Roles, codec)

	keys, err := keystore.NewRegistry(ctx, keystore.Config{
		Keys:             stores.SigningKeys,
		Codec:            codec,
		RotationInterval: fc.KeyRotation.Interval.Value(defaults.KeyRotationInterval),
		GracePeriod:      fc.KeyRotation.GracePeriod.Value(defaults.KeyRotationGracePeriod),
		KeyBits:          fc.KeyRotation.KeyBits,
		Clock:            clock,
	})
	if err != nil {
		stores.Close()
		return nil, trace.Wrap(err)
	}

	revEngine, err := revocation.NewEngine(ctx, revocation.Config{
		Repo:            stores.TokenRevocations,
		Bus:             stores.RevocationBus,
		BloomSize:       fc.Revocation.Bloom.Size,
		BloomHashes:     fc.Revocation.Bloom.Hashes,
		RebuildInterval: fc.Revocation.Bloom.RebuildInterval.Value(defaults.RevocationBloomRebuildInterval),
		CheckThreshold:  fc.Revocation.CheckThreshold.Value(defaults.RevocationCheckThreshold),
		UserScope:       fc.Revocation.UserScope,
		Clock:           clock,
	})
	if err != nil {
		stores.Close()
		return nil, trace.Wrap(err)
	}

	locks, err := lockout.NewEngine(lockout.Config{
		Repo:              stores.FailedAttempts,
		MaxFailedAttempts: fc.Auth.RateLimit.MaxFailedAttempts,
		Window:            fc.Auth.RateLimit.Window.Value(defaults.FailedAttemptWindow),
		BaseLockout:       fc.Auth.RateLimit.BaseLockout.Value(defaults.BaseLockoutDuration),
		Multiplier:        fc.Auth.RateLimit.Multiplier,
		Clock:             clock,
	})
	if err != nil {
		stores.Close()
		return nil, trace.Wrap(err)
	}

	reg, err := registry.New(registry.Config{
		Services: stores.Services,
		Cache:    stores.Cache,
		CacheTTL: fc.Storage.Cache.TTL.Value(defaults.ServiceCacheTTL),
		Clock:    clock,
	})
	if err != nil {
		stores.Close()
		return nil, trace.Wrap(err)
	}

	jwksCache, err := jwks.NewCache(jwks.CacheConfig{
		TTL:   fc.JWKS.Cache.TTL.Value(defaults.JWKSCacheTTL),
		Clock: clock,
	})
	if err != nil {
		stores.Close()
		return nil, trace.Wrap(err)
	}
	validator := jwks.NewValidator(jwksCache, clock)

	translator, err := buildTranslator(ctx, fc, stores)
	if err != nil {
		stores.Close()
		return nil, trace.Wrap(err)
	}

	resolver, err := identity.NewResolver(identity.ResolverConfig{
		ApiKeys:       stores.ApiKeys,
		Sessions:      stores.Sessions,
		Roles:         stores.Roles,
		Validator:     validator,
		Providers:     fc.TokenProviders,
		Keystore:      keys,
		GatewayIssuer: fc.Admin.Issuer,
		Translator:    translator,
		Revocation:    revEngine,
		Clock:         clock,
	})
	if err != nil {
		stores.Close()
		return nil, trace.Wrap(err)
	}

	proxy, err := gateway.NewProxy(gateway.ProxyConfig{
		Transport: buildTransport(fc),
		Deadline:  fc.Proxy.Deadline.Value(defaults.ProxyDeadline),
	})
	if err != nil {
		stores.Close()
		return nil, trace.Wrap(err)
	}

	pipeline, err := gateway.NewPipeline(gateway.Config{
		Services:      reg,
		Identity:      resolver,
		Lockout:       locks,
		Proxy:         proxy,
		ReservedPaths: fc.Gateway.ReservedPaths,
		Clock:         clock,
	})
	if err != nil {
		stores.Close()
		return nil, trace.Wrap(err)
	}

	wsProxy, err := gateway.NewWebsocketProxy(gateway.WebsocketConfig{
		Pipeline:             pipeline,
		MessageRate:          fc.Websocket.MessageRate,
		MessageBurst:         fc.Websocket.Burst,
		ConnectionsPerMinute: fc.Websocket.ConnectionRate,
		ConnectionBurst:      fc.Websocket.ConnectionBurst,
	})
	if err != nil {
		stores.Close()
		return nil, trace.Wrap(err)
	}

	gwHandler, err := gateway.NewHandler(gateway.HandlerConfig{
		Pipeline:         pipeline,
		Websocket:        wsProxy,
		RateLimitCeiling: fc.Auth.RateLimit.MaxFailedAttempts,
	})
	if err != nil {
		stores.Close()
		return nil, trace.Wrap(err)
	}

	adminHandler, err := web.NewHandler(web.Config{
		Registry:      reg,
		ApiKeys:       stores.ApiKeys,
		Sessions:      stores.Sessions,
		Roles:         stores.Roles,
		Groups:        stores.Groups,
		Translations:  stores.TranslationConfigs,
		Translator:    translator,
		Keystore:      keys,
		Revocation:    revEngine,
		Lockout:       locks,
		Identity:      resolver,
		GatewayIssuer: fc.Admin.Issuer,
		SessionTTL:    fc.Admin.SessionTTL.Value(defaults.SessionTTL),
		TokenTTL:      fc.Admin.TokenTTL.Value(defaults.GatewayTokenTTL),
		Clock:         clock,
	})
	if err != nil {
		stores.Close()
		return nil, trace.Wrap(err)
	}

	return &Service{
		fc:         fc,
		clock:      clock,
		stores:     stores,
		keystore:   keys,
		revocation: revEngine,
		translator: translator,
		gatewaySrv: &http.Server{Addr: fc.Gateway.ListenAddr, Handler: gwHandler},
		adminSrv:   &http.Server{Addr: fc.Admin.ListenAddr, Handler: adminHandler},
	}, nil
}

// buildStores registers every provider the configuration enables and
// binds one per storage port. The memory provider is always available.
func buildStores(ctx context.Context, fc *config.FileConfig, clock clockwork.Clock) (*storage.Stores, error) {
	providers := []storage.Provider{memory.New(memory.Config{Clock: clock})}

	opTimeout := fc.Resiliency.Redis.OperationTimeout.Value(defaults.RedisOperationTimeout)
	if fc.Storage.Redis.Addr != "" {
		p, err := redisbk.New(redisbk.Config{
			Addr:             fc.Storage.Redis.Addr,
			Password:         fc.Storage.Redis.Password,
			DB:               fc.Storage.Redis.DB,
			OperationTimeout: opTimeout,
			Clock:            clock,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		providers = append(providers, p)
	}
	if len(fc.Storage.Cassandra.Hosts) > 0 {
		p, err := cassandra.New(cassandra.Config{
			Hosts:    fc.Storage.Cassandra.Hosts,
			Keyspace: fc.Storage.Cassandra.Keyspace,
			Username: fc.Storage.Cassandra.Username,
			Password: fc.Storage.Cassandra.Password,
			Timeout:  time.Duration(fc.Storage.Cassandra.Timeout),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		providers = append(providers, p)
	}

	stores, err := storage.Select(ctx, storage.SelectConfig{
		Provider:      fc.Storage.Provider,
		CacheProvider: fc.Storage.Cache.Provider,
	}, providers)
	return stores, trace.Wrap(err)
}

// buildTranslator assembles the provider chain: remote when configured,
// then the schema file or the stored active revision, then the claim
// fallback.
func buildTranslator(ctx context.Context, fc *config.FileConfig, stores *storage.Stores) (*translation.Service, error) {
	providers := []translation.Provider{
		&translation.DefaultProvider{Claim: fc.Translation.DefaultClaim},
	}
	if fc.Translation.File != "" {
		p, err := translation.NewFileProvider(ctx, fc.Translation.File)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		providers = append(providers, p)
	} else {
		providers = append(providers, translation.NewStoredProvider(ctx, stores.TranslationConfigs))
	}
	if fc.Translation.Remote.URL != "" {
		p, err := translation.NewRemoteProvider(translation.RemoteProviderConfig{
			URL:      fc.Translation.Remote.URL,
			Timeout:  time.Duration(fc.Translation.Remote.Timeout),
			FailMode: translation.RemoteFailMode(fc.Translation.Remote.FailMode),
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		providers = append(providers, p)
	}
	svc, err := translation.NewService(translation.ServiceConfig{
		Providers: providers,
		CacheTTL:  fc.Translation.Cache.TTL.Value(defaults.TranslationCacheTTL),
		CacheSize: fc.Translation.Cache.MaxSize,
	})
	return svc, trace.Wrap(err)
}

// buildTransport derives the upstream transport from the shared default,
// applying the configured connect and read timeouts.
func buildTransport(fc *config.FileConfig) *http.Transport {
	t := defaults.Transport()
	connect := fc.Proxy.ConnectTimeout.Value(defaults.ProxyConnectTimeout)
	t.DialContext = (&net.Dialer{
		Timeout:   connect,
		KeepAlive: 30 * time.Second,
	}).DialContext
	t.ResponseHeaderTimeout = fc.Proxy.ReadTimeout.Value(defaults.ProxyReadTimeout)
	return t
}

// Run starts both listeners and the background loops, then blocks until
// ctx is canceled or a listener fails. Shutdown drains in-flight
// requests with a bounded deadline.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := s.revocation.Run(ctx); err != nil && ctx.Err() == nil {
			log.WarnContext(ctx, "Revocation subscriber stopped", "error", err)
		}
	}()
	if s.fc.KeyRotation.Enabled {
		go s.keystore.Run(ctx)
	} else {
		go s.refreshKeys(ctx)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- s.serve(ctx, s.gatewaySrv, "gateway") }()
	go func() { errCh <- s.serve(ctx, s.adminSrv, "admin") }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if err := s.gatewaySrv.Shutdown(drainCtx); err != nil {
		log.WarnContext(drainCtx, "Gateway listener drain incomplete", "error", err)
	}
	if err := s.adminSrv.Shutdown(drainCtx); err != nil {
		log.WarnContext(drainCtx, "Admin listener drain incomplete", "error", err)
	}
	if err := s.stores.Close(); err != nil {
		log.WarnContext(drainCtx, "Closing storage providers failed", "error", err)
	}
	return trace.Wrap(runErr)
}

func (s *Service) serve(ctx context.Context, srv *http.Server, name string) error {
	log.InfoContext(ctx, "Listener starting", "listener", name, "addr", srv.Addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return trace.Wrap(err, "%v listener failed", name)
}

// refreshKeys keeps the verification set warm when scheduled rotation is
// disabled, so keys rotated by another node are still picked up.
func (s *Service) refreshKeys(ctx context.Context) {
	ticker := s.clock.NewTicker(defaults.VerificationKeyRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := s.keystore.Refresh(ctx); err != nil {
				log.WarnContext(ctx, "Verification key refresh failed", "error", err)
			}
		}
	}
}

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

// Package keystore manages the gateway's RSA signing keys: generation,
// the PENDING -> ACTIVE -> DEPRECATED -> RETIRED lifecycle, scheduled
// rotation, and a lock-free verification cache for the hot path.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/secret"
	"github.com/aussieproj/aussie/lib/storage"
	"github.com/aussieproj/aussie/lib/types"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

var log = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentKeystore)

// Config holds parameters for the key registry.
type Config struct {
	// Keys is the signing key repository.
	Keys storage.SigningKeyRepository
	// Codec seals private keys before they reach the repository.
	Codec secret.Codec
	// RotationInterval is the cadence of scheduled rotation.
	RotationInterval time.Duration
	// GracePeriod is how long a DEPRECATED key keeps verifying.
	GracePeriod time.Duration
	// KeyBits is the RSA modulus size.
	KeyBits int
	// Clock is used for lifecycle timestamps and the rotation ticker.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Keys == nil {
		return trace.BadParameter("keystore: signing key repository missing")
	}
	if c.Codec == nil {
		codec, err := secret.NewCodec(nil)
		if err != nil {
			return trace.Wrap(err)
		}
		c.Codec = codec
	}
	if c.RotationInterval <= 0 {
		c.RotationInterval = defaults.KeyRotationInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaults.KeyRotationGracePeriod
	}
	if c.KeyBits <= 0 {
		c.KeyBits = defaults.SigningKeyBits
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// verifySet is the immutable snapshot behind the lock-free hot path.
type verifySet struct {
	// keys maps kid to public key for ACTIVE and DEPRECATED records.
	keys map[string]*rsa.PublicKey
	// signer is the ACTIVE private key; nil on verify-only replicas.
	signer    *rsa.PrivateKey
	signerKid string
	refreshed time.Time
}

// Registry drives the signing key lifecycle.
type Registry struct {
	cfg Config

	current atomic.Pointer[verifySet]
}

// NewRegistry creates a registry and loads the initial verification set.
// When no ACTIVE key exists one is generated and promoted, so a fresh
// deployment can mint tokens immediately.
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Registry{cfg: cfg}
	if err := r.bootstrap(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return r, nil
}

func (r *Registry) bootstrap(ctx context.Context) error {
	all, err := r.cfg.Keys.GetAll(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, k := range all {
		if k.Status == types.KeyStatusActive {
			return nil
		}
	}
	rec, err := r.GenerateKey(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	log.InfoContext(ctx, "No active signing key found, promoting a fresh one", "kid", rec.KeyID)
	return trace.Wrap(r.promote(ctx, rec))
}

// GenerateKey creates a PENDING key record.
func (r *Registry) GenerateKey(ctx context.Context) (*types.SigningKeyRecord, error) {
	priv, err := rsa.GenerateKey(rand.Reader, r.cfg.KeyBits)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	privPEM := string(pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}))
	sealed, err := r.cfg.Codec.Seal(privPEM)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rec := &types.SigningKeyRecord{
		KeyID: uuid.NewString(),
		PublicKeyPEM: string(pem.EncodeToMemory(&pem.Block{
			Type: "PUBLIC KEY", Bytes: pubDER,
		})),
		PrivateKeyPEM: sealed,
		Status:        types.KeyStatusPending,
		CreatedAt:     r.cfg.Clock.Now().UTC(),
	}
	if err := r.cfg.Keys.Create(ctx, rec); err != nil {
		return nil, trace.Wrap(err)
	}
	return rec, nil
}

// Rotate performs one rotation step: the prior ACTIVE key is deprecated
// first, then a PENDING key (generated on demand) is promoted, so there
// is never more than one ACTIVE record. It also retires DEPRECATED keys
// past grace and removes RETIRED ones past a further grace period.
func (r *Registry) Rotate(ctx context.Context) error {
	all, err := r.cfg.Keys.GetAll(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	var pending *types.SigningKeyRecord
	for _, k := range all {
		if k.Status == types.KeyStatusPending {
			pending = k
			break
		}
	}
	if pending == nil {
		if pending, err = r.GenerateKey(ctx); err != nil {
			return trace.Wrap(err)
		}
	}
	now := r.cfg.Clock.Now().UTC()
	for _, k := range all {
		switch k.Status {
		case types.KeyStatusActive:
			k.Status = types.KeyStatusDeprecated
			k.DeprecatedAt = now
			if err := r.cfg.Keys.Update(ctx, k); err != nil {
				return trace.Wrap(err)
			}
			log.InfoContext(ctx, "Deprecated signing key", "kid", k.KeyID)
		case types.KeyStatusDeprecated:
			if now.Sub(k.DeprecatedAt) >= r.cfg.GracePeriod {
				k.Status = types.KeyStatusRetired
				k.RetiredAt = now
				if err := r.cfg.Keys.Update(ctx, k); err != nil {
					return trace.Wrap(err)
				}
				log.InfoContext(ctx, "Retired signing key", "kid", k.KeyID)
			}
		case types.KeyStatusRetired:
			if now.Sub(k.RetiredAt) >= r.cfg.GracePeriod {
				if err := r.cfg.Keys.Delete(ctx, k.KeyID); err != nil {
					return trace.Wrap(err)
				}
				log.InfoContext(ctx, "Removed retired signing key", "kid", k.KeyID)
			}
		}
	}
	if err := r.promote(ctx, pending); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.Refresh(ctx))
}

func (r *Registry) promote(ctx context.Context, rec *types.SigningKeyRecord) error {
	if !rec.Status.CanTransitionTo(types.KeyStatusActive) {
		return trace.BadParameter("key %q in status %v cannot become active", rec.KeyID, rec.Status)
	}
	rec.Status = types.KeyStatusActive
	rec.ActivatedAt = r.cfg.Clock.Now().UTC()
	if err := r.cfg.Keys.Update(ctx, rec); err != nil {
		return trace.Wrap(err)
	}
	log.InfoContext(ctx, "Promoted signing key", "kid", rec.KeyID)
	return nil
}

// ForceDeprecate moves an ACTIVE key to DEPRECATED out of schedule. The
// gateway cannot mint until the next rotation promotes a replacement, so
// Rotate is invoked immediately after.
func (r *Registry) ForceDeprecate(ctx context.Context, keyID string) error {
	rec, err := r.cfg.Keys.Get(ctx, keyID)
	if err != nil {
		return trace.Wrap(err)
	}
	if !rec.Status.CanTransitionTo(types.KeyStatusDeprecated) {
		return trace.BadParameter("key %q in status %v cannot be deprecated", keyID, rec.Status)
	}
	rec.Status = types.KeyStatusDeprecated
	rec.DeprecatedAt = r.cfg.Clock.Now().UTC()
	if err := r.cfg.Keys.Update(ctx, rec); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.Rotate(ctx))
}

// ForceRetire removes a key from the verification set immediately,
// invalidating every token it signed.
func (r *Registry) ForceRetire(ctx context.Context, keyID string) error {
	rec, err := r.cfg.Keys.Get(ctx, keyID)
	if err != nil {
		return trace.Wrap(err)
	}
	now := r.cfg.Clock.Now().UTC()
	switch rec.Status {
	case types.KeyStatusActive:
		rec.DeprecatedAt = now
	case types.KeyStatusDeprecated:
	default:
		return trace.BadParameter("key %q in status %v cannot be retired", keyID, rec.Status)
	}
	wasActive := rec.Status == types.KeyStatusActive
	rec.Status = types.KeyStatusRetired
	rec.RetiredAt = now
	if err := r.cfg.Keys.Update(ctx, rec); err != nil {
		return trace.Wrap(err)
	}
	log.WarnContext(ctx, "Force-retired signing key, its tokens are now invalid", "kid", keyID)
	if wasActive {
		return trace.Wrap(r.Rotate(ctx))
	}
	return trace.Wrap(r.Refresh(ctx))
}

// FindAllForVerification returns the records whose tokens are still
// accepted: ACTIVE and DEPRECATED.
func (r *Registry) FindAllForVerification(ctx context.Context) ([]*types.SigningKeyRecord, error) {
	all, err := r.cfg.Keys.GetAll(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []*types.SigningKeyRecord
	for _, k := range all {
		if k.CanVerify() {
			out = append(out, k)
		}
	}
	return out, nil
}

// Refresh rebuilds the verification snapshot from the repository.
func (r *Registry) Refresh(ctx context.Context) error {
	all, err := r.cfg.Keys.GetAll(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	set := &verifySet{
		keys:      make(map[string]*rsa.PublicKey),
		refreshed: r.cfg.Clock.Now().UTC(),
	}
	for _, k := range all {
		if !k.CanVerify() {
			continue
		}
		pub, err := parsePublicPEM(k.PublicKeyPEM)
		if err != nil {
			return trace.Wrap(err, "parsing public key %q", k.KeyID)
		}
		set.keys[k.KeyID] = pub
		if k.Status == types.KeyStatusActive && k.PrivateKeyPEM != "" {
			opened, err := r.cfg.Codec.Open(k.PrivateKeyPEM)
			if err != nil {
				return trace.Wrap(err, "opening private key %q", k.KeyID)
			}
			priv, err := parsePrivatePEM(opened)
			if err != nil {
				return trace.Wrap(err, "parsing private key %q", k.KeyID)
			}
			set.signer = priv
			set.signerKid = k.KeyID
		}
	}
	r.current.Store(set)
	return nil
}

// VerificationKey returns the public key for kid from the hot snapshot.
func (r *Registry) VerificationKey(kid string) (*rsa.PublicKey, bool) {
	set := r.current.Load()
	if set == nil {
		return nil, false
	}
	pub, ok := set.keys[kid]
	return pub, ok
}

// LastRefresh reports when the snapshot was last rebuilt.
func (r *Registry) LastRefresh() time.Time {
	if set := r.current.Load(); set != nil {
		return set.refreshed
	}
	return time.Time{}
}

// Ready reports whether the registry can verify tokens.
func (r *Registry) Ready() bool {
	set := r.current.Load()
	return set != nil && len(set.keys) > 0
}

// Run drives scheduled rotation and periodic snapshot refresh until ctx
// is done. Refresh runs at a fraction of the rotation interval so
// verify-only replicas pick up keys rotated elsewhere.
func (r *Registry) Run(ctx context.Context) {
	rotate := r.cfg.Clock.NewTicker(r.cfg.RotationInterval)
	defer rotate.Stop()
	refresh := r.cfg.Clock.NewTicker(r.cfg.RotationInterval / 24)
	defer refresh.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rotate.Chan():
			if err := r.Rotate(ctx); err != nil {
				log.ErrorContext(ctx, "Scheduled key rotation failed", "error", err)
			}
		case <-refresh.Chan():
			if err := r.Refresh(ctx); err != nil {
				log.WarnContext(ctx, "Verification key refresh failed", "error", err)
			}
		}
	}
}

func parsePublicPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, trace.BadParameter("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, trace.BadParameter("not an RSA public key")
	}
	return rsaPub, nil
}

func parsePrivatePEM(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, trace.BadParameter("no PEM block found")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

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

// Package web implements the admin plane: the HTTP surface for managing
// services, credentials, signing keys, translation configs, revocations
// and lockouts. Every mutating route authenticates through the same
// identity resolver as the gateway and is permission-checked per
// operation.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/httplib"
	"github.com/aussieproj/aussie/lib/identity"
	"github.com/aussieproj/aussie/lib/keystore"
	"github.com/aussieproj/aussie/lib/lockout"
	"github.com/aussieproj/aussie/lib/registry"
	"github.com/aussieproj/aussie/lib/revocation"
	"github.com/aussieproj/aussie/lib/storage"
	"github.com/aussieproj/aussie/lib/translation"
	"github.com/aussieproj/aussie/lib/types"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

var log = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentWeb)

// IdentityResolver authenticates admin calls. *identity.Resolver
// implements it.
type IdentityResolver interface {
	Resolve(ctx context.Context, headers http.Header) (*types.Identity, *identity.Failure)
}

// Config holds the admin plane's collaborators.
type Config struct {
	// Registry manages service registrations.
	Registry *registry.Registry
	// ApiKeys stores API key records.
	ApiKeys storage.ApiKeyRepository
	// Sessions stores web sessions.
	Sessions storage.SessionRepository
	// Roles and Groups store permission bundles.
	Roles  storage.RoleRepository
	Groups storage.GroupRepository
	// Translations stores translation config revisions.
	Translations storage.TranslationConfigRepository
	// Translator is invalidated when a revision is activated.
	Translator *translation.Service
	// Keystore signs gateway tokens and serves the JWKS.
	Keystore *keystore.Registry
	// Revocation accepts jti and user revocations.
	Revocation *revocation.Engine
	// Lockout lists and clears brute-force lockouts.
	Lockout *lockout.Engine
	// Identity authenticates admin calls.
	Identity IdentityResolver
	// GatewayIssuer is the iss claim of minted tokens.
	GatewayIssuer string
	// SessionTTL bounds gateway-issued sessions.
	SessionTTL time.Duration
	// TokenTTL bounds gateway-minted JWTs.
	TokenTTL time.Duration
	// Clock supplies timestamps.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Registry == nil {
		return trace.BadParameter("web: registry missing")
	}
	if c.ApiKeys == nil {
		return trace.BadParameter("web: api key repository missing")
	}
	if c.Sessions == nil {
		return trace.BadParameter("web: session repository missing")
	}
	if c.Roles == nil || c.Groups == nil {
		return trace.BadParameter("web: role and group repositories missing")
	}
	if c.Translations == nil {
		return trace.BadParameter("web: translation repository missing")
	}
	if c.Keystore == nil {
		return trace.BadParameter("web: keystore missing")
	}
	if c.Revocation == nil {
		return trace.BadParameter("web: revocation engine missing")
	}
	if c.Lockout == nil {
		return trace.BadParameter("web: lockout engine missing")
	}
	if c.Identity == nil {
		return trace.BadParameter("web: identity resolver missing")
	}
	if c.GatewayIssuer == "" {
		return trace.BadParameter("web: gateway issuer missing")
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaults.SessionTTL
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = defaults.GatewayTokenTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Handler is the admin plane HTTP handler.
type Handler struct {
	httprouter.Router
	cfg Config
}

// NewHandler creates the admin plane handler and registers its routes.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}

	// Services.
	h.GET("/admin/services", h.withAuth(h.listServices))
	h.POST("/admin/services", h.withAuth(h.registerService))
	h.GET("/admin/services/:id", h.withAuth(h.getService))
	h.PUT("/admin/services/:id", h.withAuth(h.updateService))
	h.DELETE("/admin/services/:id", h.withAuth(h.deleteService))

	// API keys.
	h.GET("/admin/apikeys", h.withPermission(types.PermissionApiKeyRead, h.listApiKeys))
	h.POST("/admin/apikeys", h.withPermission(types.PermissionApiKeyCreate, h.createApiKey))
	h.POST("/admin/apikeys/:id/revoke", h.withPermission(types.PermissionApiKeyRevoke, h.revokeApiKey))

	// Roles and groups.
	h.GET("/admin/roles", h.withPermission(types.PermissionRoleRead, h.listRoles))
	h.POST("/admin/roles", h.withPermission(types.PermissionRoleWrite, h.upsertRole))
	h.DELETE("/admin/roles/:id", h.withPermission(types.PermissionRoleWrite, h.deleteRole))
	h.GET("/admin/groups", h.withPermission(types.PermissionRoleRead, h.listGroups))
	h.POST("/admin/groups", h.withPermission(types.PermissionRoleWrite, h.upsertGroup))
	h.DELETE("/admin/groups/:id", h.withPermission(types.PermissionRoleWrite, h.deleteGroup))

	// Signing keys.
	h.GET("/admin/keys", h.withPermission(types.PermissionKeysRead, h.listSigningKeys))
	h.POST("/admin/keys/rotate", h.withPermission(types.PermissionKeysRotate, h.rotateKeys))
	h.POST("/admin/keys/deprecate/:id", h.withPermission(types.PermissionKeysRotate, h.deprecateKey))
	h.POST("/admin/keys/retire/:id", h.withPermission(types.PermissionKeysRotate, h.retireKey))

	// Translation configs.
	h.GET("/admin/translation/configs", h.withPermission(types.PermissionTranslationRead, h.listTranslationConfigs))
	h.POST("/admin/translation/configs", h.withPermission(types.PermissionTranslationWrite, h.createTranslationConfig))
	h.POST("/admin/translation/configs/:id/activate", h.withPermission(types.PermissionTranslationActivate, h.activateTranslationConfig))
	h.DELETE("/admin/translation/configs/:id", h.withPermission(types.PermissionTranslationWrite, h.deleteTranslationConfig))

	// Revocations.
	h.POST("/admin/revocations/jti/:jti", h.withPermission(types.PermissionRevocationWrite, h.revokeJti))
	h.POST("/admin/revocations/users/:id", h.withPermission(types.PermissionRevocationWrite, h.revokeUser))

	// Lockouts.
	h.GET("/admin/lockouts", h.withPermission(types.PermissionLockoutRead, h.listLockouts))
	h.DELETE("/admin/lockouts/:key", h.withPermission(types.PermissionLockoutClear, h.clearLockout))

	// Sessions.
	h.POST("/admin/sessions", h.withAuth(h.createSession))
	h.DELETE("/admin/sessions", h.withAuth(h.deleteSession))
	h.DELETE("/admin/sessions/users/:id", h.withPermission(types.PermissionSessionDelete, h.deleteUserSessions))

	// Unauthenticated surfaces.
	h.GET("/gateway/.well-known/jwks.json", httplib.MakeHandler(h.jwks))
	h.GET("/healthz", httplib.MakeHandler(h.health))
	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	return h, nil
}

// authHandler is a handler running with a resolved, authenticated
// identity.
type authHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, id *types.Identity) (any, error)

// withAuth authenticates the caller; per-operation permission checks are
// the handler's business.
func (h *Handler) withAuth(fn authHandler) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		id, failure := h.cfg.Identity.Resolve(r.Context(), r.Header)
		if failure != nil {
			httplib.ReplyJSON(w, http.StatusUnauthorized, map[string]string{"message": failure.Reason})
			return httplib.Done, nil
		}
		if id.IsAnonymous() {
			httplib.ReplyJSON(w, http.StatusUnauthorized, map[string]string{"message": "Authentication required"})
			return httplib.Done, nil
		}
		return fn(w, r, p, id)
	})
}

// withPermission authenticates the caller and requires one permission.
func (h *Handler) withPermission(perm string, fn authHandler) httprouter.Handle {
	return h.withAuth(func(w http.ResponseWriter, r *http.Request, p httprouter.Params, id *types.Identity) (any, error) {
		if !types.HasPermission(id.Permissions, perm) {
			return nil, trace.AccessDenied("Missing permission %s", perm)
		}
		return fn(w, r, p, id)
	})
}

// healthResponse is the /healthz body.
type healthResponse struct {
	Status          string    `json:"status"`
	Version         string    `json:"version"`
	KeystoreReady   bool      `json:"keystoreReady"`
	KeysRefreshedAt time.Time `json:"keysRefreshedAt"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	resp := healthResponse{
		Status:          "ok",
		Version:         aussie.Version,
		KeystoreReady:   h.cfg.Keystore.Ready(),
		KeysRefreshedAt: h.cfg.Keystore.LastRefresh(),
	}
	if !resp.KeystoreReady {
		resp.Status = "degraded"
		httplib.ReplyJSON(w, http.StatusServiceUnavailable, resp)
		return httplib.Done, nil
	}
	return resp, nil
}

func (h *Handler) jwks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return h.cfg.Keystore.JWKS(), nil
}

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

package web

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/crypto/bcrypt"

	"github.com/aussieproj/aussie/lib/httplib"
	"github.com/aussieproj/aussie/lib/types"
)

// apiKeySummary is the list representation; the hash never leaves the
// repository.
type apiKeySummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Permissions []string  `json:"permissions"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
	Revoked     bool      `json:"revoked"`
}

func summarize(key *types.ApiKey) apiKeySummary {
	return apiKeySummary{
		ID:          key.ID,
		Name:        key.Name,
		Description: key.Description,
		Permissions: key.Permissions,
		CreatedBy:   key.CreatedBy,
		CreatedAt:   key.CreatedAt,
		ExpiresAt:   key.ExpiresAt,
		Revoked:     key.Revoked,
	}
}

func (h *Handler) listApiKeys(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *types.Identity) (any, error) {
	keys, err := h.cfg.ApiKeys.GetAll(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]apiKeySummary, 0, len(keys))
	for _, key := range keys {
		out = append(out, summarize(key))
	}
	return out, nil
}

// createApiKeyRequest is the creation body.
type createApiKeyRequest struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// createApiKeyResponse carries the plaintext credential, returned
// exactly once.
type createApiKeyResponse struct {
	Key        apiKeySummary `json:"key"`
	Credential string        `json:"credential"`
}

func (h *Handler) createApiKey(w http.ResponseWriter, r *http.Request, _ httprouter.Params, id *types.Identity) (any, error) {
	var req createApiKeyRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	secret, err := newApiKeySecret()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key := &types.ApiKey{
		ID:          uuid.NewString(),
		KeyHash:     string(hash),
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
		CreatedBy:   id.Subject,
		CreatedAt:   h.cfg.Clock.Now().UTC(),
		ExpiresAt:   req.ExpiresAt,
	}
	if err := key.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.ApiKeys.Create(r.Context(), key); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(r.Context(), "Created API key", "key", key.ID, "by", id.Subject)
	httplib.ReplyJSON(w, http.StatusCreated, createApiKeyResponse{
		Key:        summarize(key),
		Credential: types.FormatApiKeyCredential(key.ID, secret),
	})
	return httplib.Done, nil
}

func newApiKeySecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", trace.Wrap(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (h *Handler) revokeApiKey(w http.ResponseWriter, r *http.Request, p httprouter.Params, id *types.Identity) (any, error) {
	key, err := h.cfg.ApiKeys.Get(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if key.Revoked {
		return summarize(key), nil
	}
	key.Revoked = true
	if err := h.cfg.ApiKeys.Update(r.Context(), key); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(r.Context(), "Revoked API key", "key", key.ID, "by", id.Subject)
	return summarize(key), nil
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *types.Identity) (any, error) {
	return h.cfg.Roles.GetAll(r.Context())
}

func (h *Handler) upsertRole(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *types.Identity) (any, error) {
	var role types.Role
	if err := httplib.ReadJSON(r, &role); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := role.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := h.cfg.Clock.Now().UTC()
	if _, err := h.cfg.Roles.Get(r.Context(), role.ID); trace.IsNotFound(err) {
		role.CreatedAt = now
		return &role, trace.Wrap(h.cfg.Roles.Create(r.Context(), &role))
	}
	role.UpdatedAt = now
	return &role, trace.Wrap(h.cfg.Roles.Update(r.Context(), &role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *types.Identity) (any, error) {
	return nil, trace.Wrap(h.cfg.Roles.Delete(r.Context(), p.ByName("id")))
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *types.Identity) (any, error) {
	return h.cfg.Groups.GetAll(r.Context())
}

func (h *Handler) upsertGroup(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *types.Identity) (any, error) {
	var group types.Group
	if err := httplib.ReadJSON(r, &group); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := group.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := h.cfg.Clock.Now().UTC()
	if _, err := h.cfg.Groups.Get(r.Context(), group.ID); trace.IsNotFound(err) {
		group.CreatedAt = now
		return &group, trace.Wrap(h.cfg.Groups.Create(r.Context(), &group))
	}
	group.UpdatedAt = now
	return &group, trace.Wrap(h.cfg.Groups.Update(r.Context(), &group))
}

func (h *Handler) deleteGroup(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *types.Identity) (any, error) {
	return nil, trace.Wrap(h.cfg.Groups.Delete(r.Context(), p.ByName("id")))
}

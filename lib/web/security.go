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
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/aussieproj/aussie/lib/httplib"
	"github.com/aussieproj/aussie/lib/types"
)

// revokeJtiRequest carries the revoked token's expiry, bounding how long
// the revocation must be remembered.
type revokeJtiRequest struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

func (h *Handler) revokeJti(w http.ResponseWriter, r *http.Request, p httprouter.Params, id *types.Identity) (any, error) {
	var req revokeJtiRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.ExpiresAt.IsZero() || !req.ExpiresAt.After(h.cfg.Clock.Now()) {
		return nil, trace.BadParameter("expiresAt must be in the future")
	}
	jti := p.ByName("jti")
	if err := h.cfg.Revocation.RevokeJti(r.Context(), jti, req.ExpiresAt); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(r.Context(), "Revoked token", "jti", jti, "by", id.Subject)
	return map[string]string{"jti": jti}, nil
}

// revokeUserRequest revokes every token of a user issued at or before
// issuedBefore; a zero issuedBefore means "now".
type revokeUserRequest struct {
	IssuedBefore time.Time `json:"issuedBefore"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (h *Handler) revokeUser(w http.ResponseWriter, r *http.Request, p httprouter.Params, id *types.Identity) (any, error) {
	var req revokeUserRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	now := h.cfg.Clock.Now()
	if req.IssuedBefore.IsZero() {
		req.IssuedBefore = now
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = now.Add(h.cfg.TokenTTL)
	}
	userID := p.ByName("id")
	if err := h.cfg.Revocation.RevokeUser(r.Context(), userID, req.IssuedBefore, req.ExpiresAt); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(r.Context(), "Revoked user tokens", "user", userID, "by", id.Subject)
	return map[string]string{"user": userID}, nil
}

func (h *Handler) listLockouts(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *types.Identity) (any, error) {
	return h.cfg.Lockout.ListLockouts(r.Context())
}

func (h *Handler) clearLockout(w http.ResponseWriter, r *http.Request, p httprouter.Params, id *types.Identity) (any, error) {
	key := p.ByName("key")
	if err := h.cfg.Lockout.ClearLockout(r.Context(), key); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(r.Context(), "Cleared lockout", "key", key, "by", id.Subject)
	return nil, nil
}

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

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/aussieproj/aussie/lib/identity"
	"github.com/aussieproj/aussie/lib/types"
)

// createSessionResponse carries the opaque session id and a
// gateway-minted JWT the caller may present to upstreams.
type createSessionResponse struct {
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// createSession exchanges an already-authenticated identity for a
// gateway session: an opaque cookie plus a JWT signed by the ACTIVE key.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params, id *types.Identity) (any, error) {
	now := h.cfg.Clock.Now().UTC()
	session := &types.Session{
		ID:          uuid.NewString(),
		UserID:      id.Subject,
		Issuer:      id.Attributes["issuer"],
		Permissions: id.Permissions,
		CreatedAt:   now,
		ExpiresAt:   now.Add(h.cfg.SessionTTL),
	}
	if err := h.cfg.Sessions.Create(r.Context(), session); err != nil {
		return nil, trace.Wrap(err)
	}

	tokenExpiry := now.Add(h.cfg.TokenTTL)
	token, err := h.cfg.Keystore.SignToken(jwt.MapClaims{
		"iss":         h.cfg.GatewayIssuer,
		"sub":         id.Subject,
		"jti":         uuid.NewString(),
		"iat":         now.Unix(),
		"exp":         tokenExpiry.Unix(),
		"roles":       id.Roles,
		"permissions": id.Permissions,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     identity.SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	log.InfoContext(r.Context(), "Created session", "user", id.Subject, "session", session.ID)
	return createSessionResponse{
		SessionID: session.ID,
		Token:     token,
		ExpiresAt: tokenExpiry,
	}, nil
}

// deleteSession logs out the presented session cookie.
func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params, id *types.Identity) (any, error) {
	cookie, err := r.Cookie(identity.SessionCookieName)
	if err != nil {
		return nil, trace.BadParameter("no session cookie presented")
	}
	if err := h.cfg.Sessions.Delete(r.Context(), cookie.Value); err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:    identity.SessionCookieName,
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
	})
	log.InfoContext(r.Context(), "Deleted session", "user", id.Subject)
	return nil, nil
}

// deleteUserSessions force-logs-out every session of a user.
func (h *Handler) deleteUserSessions(w http.ResponseWriter, r *http.Request, p httprouter.Params, id *types.Identity) (any, error) {
	userID := p.ByName("id")
	if err := h.cfg.Sessions.DeleteForUser(r.Context(), userID); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(r.Context(), "Deleted user sessions", "user", userID, "by", id.Subject)
	return nil, nil
}

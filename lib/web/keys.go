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

	"github.com/aussieproj/aussie/lib/types"
)

// signingKeySummary is the admin view of a key record; private material
// never leaves the keystore.
type signingKeySummary struct {
	KeyID        string          `json:"keyId"`
	Status       types.KeyStatus `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	ActivatedAt  time.Time       `json:"activatedAt,omitempty"`
	DeprecatedAt time.Time       `json:"deprecatedAt,omitempty"`
	RetiredAt    time.Time       `json:"retiredAt,omitempty"`
}

func (h *Handler) listSigningKeys(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *types.Identity) (any, error) {
	records, err := h.cfg.Keystore.FindAllForVerification(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]signingKeySummary, 0, len(records))
	for _, rec := range records {
		out = append(out, signingKeySummary{
			KeyID:        rec.KeyID,
			Status:       rec.Status,
			CreatedAt:    rec.CreatedAt,
			ActivatedAt:  rec.ActivatedAt,
			DeprecatedAt: rec.DeprecatedAt,
			RetiredAt:    rec.RetiredAt,
		})
	}
	return out, nil
}

func (h *Handler) rotateKeys(w http.ResponseWriter, r *http.Request, _ httprouter.Params, id *types.Identity) (any, error) {
	if err := h.cfg.Keystore.Rotate(r.Context()); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(r.Context(), "Rotated signing keys", "by", id.Subject)
	return h.listSigningKeys(w, r, nil, id)
}

func (h *Handler) deprecateKey(w http.ResponseWriter, r *http.Request, p httprouter.Params, id *types.Identity) (any, error) {
	if err := h.cfg.Keystore.ForceDeprecate(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(r.Context(), "Deprecated signing key", "key", p.ByName("id"), "by", id.Subject)
	return h.listSigningKeys(w, r, nil, id)
}

func (h *Handler) retireKey(w http.ResponseWriter, r *http.Request, p httprouter.Params, id *types.Identity) (any, error) {
	if err := h.cfg.Keystore.ForceRetire(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(r.Context(), "Retired signing key", "key", p.ByName("id"), "by", id.Subject)
	return h.listSigningKeys(w, r, nil, id)
}

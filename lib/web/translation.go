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

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/aussieproj/aussie/lib/httplib"
	"github.com/aussieproj/aussie/lib/types"
)

func (h *Handler) listTranslationConfigs(w http.ResponseWriter, r *http.Request, _ httprouter.Params, _ *types.Identity) (any, error) {
	return h.cfg.Translations.GetAll(r.Context())
}

// createTranslationConfigRequest uploads a new revision.
type createTranslationConfigRequest struct {
	Schema  types.TranslationSchema `json:"schema"`
	Comment string                  `json:"comment"`
}

func (h *Handler) createTranslationConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params, id *types.Identity) (any, error) {
	var req createTranslationConfigRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := req.Schema.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	version := &types.TranslationConfigVersion{
		ID:        uuid.NewString(),
		Schema:    req.Schema,
		CreatedBy: id.Subject,
		CreatedAt: h.cfg.Clock.Now().UTC(),
		Comment:   req.Comment,
	}
	if err := h.cfg.Translations.Create(r.Context(), version); err != nil {
		return nil, trace.Wrap(err)
	}
	log.InfoContext(r.Context(), "Uploaded translation config",
		"id", version.ID, "version", version.Version, "by", id.Subject)
	httplib.ReplyJSON(w, http.StatusCreated, version)
	return httplib.Done, nil
}

// activateTranslationConfig flips the active revision pointer and
// invalidates the translation cache, so the next token sees the new
// mapping.
func (h *Handler) activateTranslationConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params, id *types.Identity) (any, error) {
	if err := h.cfg.Translations.SetActive(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	if h.cfg.Translator != nil {
		h.cfg.Translator.Invalidate()
	}
	log.InfoContext(r.Context(), "Activated translation config", "id", p.ByName("id"), "by", id.Subject)
	return h.cfg.Translations.Get(r.Context(), p.ByName("id"))
}

func (h *Handler) deleteTranslationConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params, _ *types.Identity) (any, error) {
	return nil, trace.Wrap(h.cfg.Translations.Delete(r.Context(), p.ByName("id")))
}

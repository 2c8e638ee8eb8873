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
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/aussieproj/aussie/lib/httplib"
	"github.com/aussieproj/aussie/lib/registry"
	"github.com/aussieproj/aussie/lib/router"
	"github.com/aussieproj/aussie/lib/types"
)

// replyRegistration writes a registry result: the stored registration
// with an ETag carrying its version, or the failure's status and reason.
func replyRegistration(w http.ResponseWriter, result registry.RegistrationResult, createdStatus int) (any, error) {
	switch res := result.(type) {
	case registry.Success:
		if res.Registration != nil {
			w.Header().Set("ETag", strconv.FormatInt(res.Registration.Version, 10))
			httplib.ReplyJSON(w, createdStatus, res.Registration)
		} else {
			w.WriteHeader(http.StatusNoContent)
		}
		return httplib.Done, nil
	case registry.Failure:
		httplib.ReplyJSON(w, res.StatusCode, map[string]string{"message": res.Reason})
		return httplib.Done, nil
	default:
		return nil, trace.BadParameter("unexpected registry result %T", result)
	}
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request, _ httprouter.Params, id *types.Identity) (any, error) {
	if !types.HasPermission(id.Permissions, types.PermissionServiceRead) {
		return nil, trace.AccessDenied("Missing permission %s", types.PermissionServiceRead)
	}
	return h.cfg.Registry.GetAllServices(r.Context())
}

func (h *Handler) getService(w http.ResponseWriter, r *http.Request, p httprouter.Params, id *types.Identity) (any, error) {
	result := h.cfg.Registry.GetServiceAuthorized(r.Context(), p.ByName("id"), id.Permissions)
	return replyRegistration(w, result, http.StatusOK)
}

func (h *Handler) registerService(w http.ResponseWriter, r *http.Request, _ httprouter.Params, id *types.Identity) (any, error) {
	var svc types.ServiceRegistration
	if err := httplib.ReadJSON(r, &svc); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := router.ValidateEndpoints(&svc); err != nil {
		return nil, trace.Wrap(err)
	}
	if svc.Owner == "" {
		svc.Owner = id.Subject
	}
	// New registrations answer 201; replacements 200.
	created := http.StatusOK
	if _, err := h.cfg.Registry.GetService(r.Context(), svc.ServiceID); trace.IsNotFound(err) {
		created = http.StatusCreated
	}
	result := h.cfg.Registry.Register(r.Context(), &svc, id.Permissions)
	return replyRegistration(w, result, created)
}

func (h *Handler) updateService(w http.ResponseWriter, r *http.Request, p httprouter.Params, id *types.Identity) (any, error) {
	if !types.HasPermission(id.Permissions, types.PermissionServiceUpdate) {
		return nil, trace.AccessDenied("Missing permission %s", types.PermissionServiceUpdate)
	}
	var svc types.ServiceRegistration
	if err := httplib.ReadJSON(r, &svc); err != nil {
		return nil, trace.Wrap(err)
	}
	svc.ServiceID = p.ByName("id")
	if err := router.ValidateEndpoints(&svc); err != nil {
		return nil, trace.Wrap(err)
	}

	// If-Match carries the version the client read; the write succeeds
	// only against exactly that version.
	match := strings.Trim(r.Header.Get("If-Match"), `"`)
	if match == "" {
		return nil, trace.BadParameter("If-Match header with the current version is required")
	}
	read, err := strconv.ParseInt(match, 10, 64)
	if err != nil {
		return nil, trace.BadParameter("If-Match %q is not a version number", match)
	}
	svc.Version = read + 1

	result := h.cfg.Registry.Update(r.Context(), &svc)
	return replyRegistration(w, result, http.StatusOK)
}

func (h *Handler) deleteService(w http.ResponseWriter, r *http.Request, p httprouter.Params, id *types.Identity) (any, error) {
	result := h.cfg.Registry.UnregisterAuthorized(r.Context(), p.ByName("id"), id.Permissions)
	return replyRegistration(w, result, http.StatusOK)
}

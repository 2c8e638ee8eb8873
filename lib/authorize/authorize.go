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

// Package authorize decides whether a resolved identity may call a
// matched route.
package authorize

import (
	"github.com/gravitational/trace"

	"github.com/aussieproj/aussie/lib/router"
	"github.com/aussieproj/aussie/lib/types"
)

// Check authorizes the identity against the matched route. PUBLIC
// endpoints always pass, including for anonymous callers. PROTECTED
// endpoints require any of the endpoint's required permissions or the
// service policy's permissions for the operation kind. INTERNAL
// endpoints require admin or the internal-service permission. A denial
// is an AccessDenied error whose message is safe to surface.
func Check(identity *types.Identity, match *router.RouteMatch) error {
	endpoint := match.Endpoint
	if endpoint.Visibility == types.VisibilityPublic {
		return nil
	}
	if identity == nil || identity.IsAnonymous() {
		return trace.AccessDenied("Authentication required")
	}
	switch endpoint.Visibility {
	case types.VisibilityProtected:
		allowed := append([]string{}, endpoint.RequiredPermissions...)
		allowed = append(allowed, match.Service.PermissionPolicy.AllowedPermissions(match.OperationKind())...)
		if len(allowed) == 0 {
			// No permission grants access to an unconfigured PROTECTED
			// endpoint; admin still passes through HasAnyPermission.
			if types.HasPermission(identity.Permissions, types.PermissionAdmin) {
				return nil
			}
			return trace.AccessDenied("Insufficient permissions")
		}
		if !types.HasAnyPermission(identity.Permissions, allowed) {
			return trace.AccessDenied("Insufficient permissions")
		}
		return nil
	case types.VisibilityInternal:
		if types.HasPermission(identity.Permissions, types.PermissionInternalService) {
			return nil
		}
		if types.HasPermission(identity.Permissions, types.PermissionAdmin) {
			return nil
		}
		return trace.AccessDenied("Internal endpoint")
	default:
		return trace.AccessDenied("Unknown endpoint visibility")
	}
}

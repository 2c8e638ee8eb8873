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

package types

// Permission strings form a single flat namespace of the shape
// "<resource>.<verb>". Role and group IDs are a separate namespace and are
// never treated as permissions; translation configs must map them
// explicitly.
const (
	// PermissionAdmin grants every operation.
	PermissionAdmin = "admin"

	// PermissionInternalService marks trusted internal services allowed
	// to call INTERNAL endpoints.
	PermissionInternalService = "internal.service"

	// Service registry.
	PermissionServiceCreate = "services.create"
	PermissionServiceRead   = "services.read"
	PermissionServiceUpdate = "services.update"
	PermissionServiceDelete = "services.delete"

	// API keys.
	PermissionApiKeyCreate = "apikeys.create"
	PermissionApiKeyRead   = "apikeys.read"
	PermissionApiKeyRevoke = "apikeys.revoke"

	// Signing keys.
	PermissionKeysRead   = "keys.read"
	PermissionKeysRotate = "keys.rotate"

	// Translation configs.
	PermissionTranslationRead     = "translation.read"
	PermissionTranslationWrite    = "translation.write"
	PermissionTranslationActivate = "translation.activate"

	// Revocations.
	PermissionRevocationWrite = "revocations.write"

	// Lockouts.
	PermissionLockoutRead  = "lockouts.read"
	PermissionLockoutClear = "lockouts.clear"

	// Roles and groups.
	PermissionRoleRead  = "roles.read"
	PermissionRoleWrite = "roles.write"

	// Sessions.
	PermissionSessionRead   = "sessions.read"
	PermissionSessionDelete = "sessions.delete"
)

// HasPermission reports whether the permission set grants perm, either
// directly or through the admin permission.
func HasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm || p == PermissionAdmin {
			return true
		}
	}
	return false
}

// HasAnyPermission reports whether the permission set grants at least one
// of the wanted permissions. Admin always passes; an empty want set never
// does.
func HasAnyPermission(perms []string, want []string) bool {
	for _, p := range perms {
		if p == PermissionAdmin {
			return true
		}
	}
	for _, w := range want {
		for _, p := range perms {
			if p == w {
				return true
			}
		}
	}
	return false
}

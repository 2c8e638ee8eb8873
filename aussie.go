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

// Package aussie defines process-wide constants shared by every subsystem
// of the gateway.
package aussie

import "strings"

// Version is the semantic version of the gateway, stamped at build time.
var Version = "0.0.0-dev"

const (
	// ComponentKey is the log attribute key under which the component
	// name of a package logger is recorded.
	ComponentKey = "component"

	// ComponentGateway is the request pipeline orchestrator.
	ComponentGateway = "gateway"

	// ComponentRegistry is the service registry.
	ComponentRegistry = "registry"

	// ComponentKeystore is the signing-key registry and rotation service.
	ComponentKeystore = "keystore"

	// ComponentJWKS is the JWKS cache and OIDC validator.
	ComponentJWKS = "jwks"

	// ComponentTranslation is the token translation service.
	ComponentTranslation = "translation"

	// ComponentRevocation is the token revocation engine.
	ComponentRevocation = "revocation"

	// ComponentLockout is the brute-force lockout engine.
	ComponentLockout = "lockout"

	// ComponentIdentity is the identity resolver.
	ComponentIdentity = "identity"

	// ComponentStorage is the storage provider loader.
	ComponentStorage = "storage"

	// ComponentWeb is the admin-plane HTTP surface.
	ComponentWeb = "web"

	// ComponentProxy is the upstream proxy transport.
	ComponentProxy = "proxy"

	// ComponentWebsocket is the websocket proxy path.
	ComponentWebsocket = "websocket"

	// ComponentService is the process composition root.
	ComponentService = "service"
)

// Component generates a component name joining all parts with a colon,
// e.g. Component("storage", "redis") == "storage:redis".
func Component(parts ...string) string {
	return strings.Join(parts, ":")
}

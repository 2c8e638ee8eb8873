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

import (
	"time"

	"github.com/gravitational/trace"
)

// SourceType describes how a claim value is split into raw role strings.
type SourceType string

const (
	// SourceTypeArray reads a JSON array of strings.
	SourceTypeArray SourceType = "ARRAY"
	// SourceTypeString reads a single string value.
	SourceTypeString SourceType = "STRING"
	// SourceTypeSpaceDelimited splits a string on spaces.
	SourceTypeSpaceDelimited SourceType = "SPACE_DELIMITED"
	// SourceTypeCommaDelimited splits a string on commas.
	SourceTypeCommaDelimited SourceType = "COMMA_DELIMITED"
)

// Check validates the source type.
func (t SourceType) Check() error {
	switch t {
	case SourceTypeArray, SourceTypeString, SourceTypeSpaceDelimited, SourceTypeCommaDelimited:
		return nil
	}
	return trace.BadParameter("unknown translation source type %q", string(t))
}

// TranslationSource extracts raw values from a claim.
type TranslationSource struct {
	// Name labels the source; transforms reference it.
	Name string `json:"name" yaml:"name"`
	// Claim is the dot-path address of the claim, e.g.
	// "realm_access.roles".
	Claim string `json:"claim" yaml:"claim"`
	// Type describes how the claim value is decoded.
	Type SourceType `json:"type" yaml:"type"`
}

// TransformOp is one operation in a source's transform chain, applied in
// declared order.
type TransformOp struct {
	// Op is one of strip-prefix, replace, lowercase, uppercase, regex.
	Op string `json:"op" yaml:"op"`
	// Value is the strip-prefix argument.
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
	// From/To are the replace arguments.
	From string `json:"from,omitempty" yaml:"from,omitempty"`
	To   string `json:"to,omitempty" yaml:"to,omitempty"`
	// Pattern/Replacement are the regex arguments.
	Pattern     string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty" yaml:"replacement,omitempty"`
}

// TranslationMappings map transformed raw values to roles and permissions.
type TranslationMappings struct {
	// RoleToPermissions expands a mapped role into permissions.
	RoleToPermissions map[string][]string `json:"roleToPermissions,omitempty" yaml:"role_to_permissions,omitempty"`
	// DirectPermissions maps a raw value straight to a permission.
	DirectPermissions map[string]string `json:"directPermissions,omitempty" yaml:"direct_permissions,omitempty"`
}

// TranslationDefaults control behavior for unmapped values.
type TranslationDefaults struct {
	// DenyIfNoMatch fails the translation when nothing mapped.
	DenyIfNoMatch bool `json:"denyIfNoMatch" yaml:"deny_if_no_match"`
	// IncludeUnmapped passes unmapped raw values through as roles
	// verbatim. They are never promoted to permissions.
	IncludeUnmapped bool `json:"includeUnmapped" yaml:"include_unmapped"`
}

// TranslationSchema is the full claim-to-permission mapping document.
type TranslationSchema struct {
	Sources    []TranslationSource      `json:"sources" yaml:"sources"`
	Transforms map[string][]TransformOp `json:"transforms,omitempty" yaml:"transforms,omitempty"`
	Mappings   TranslationMappings      `json:"mappings" yaml:"mappings"`
	Defaults   TranslationDefaults      `json:"defaults" yaml:"defaults"`
}

// CheckAndSetDefaults validates the schema.
func (s *TranslationSchema) CheckAndSetDefaults() error {
	if len(s.Sources) == 0 {
		return trace.BadParameter("translation schema has no sources")
	}
	seen := make(map[string]struct{}, len(s.Sources))
	for i := range s.Sources {
		src := &s.Sources[i]
		if src.Name == "" {
			return trace.BadParameter("translation source %d has no name", i)
		}
		if _, ok := seen[src.Name]; ok {
			return trace.BadParameter("duplicate translation source %q", src.Name)
		}
		seen[src.Name] = struct{}{}
		if src.Claim == "" {
			return trace.BadParameter("translation source %q has no claim", src.Name)
		}
		if src.Type == "" {
			src.Type = SourceTypeArray
		}
		if err := src.Type.Check(); err != nil {
			return trace.Wrap(err)
		}
	}
	for name := range s.Transforms {
		if _, ok := seen[name]; !ok {
			return trace.BadParameter("transforms reference unknown source %q", name)
		}
	}
	return nil
}

// TranslationConfigVersion is one uploaded revision of the translation
// schema. At most one version is active per installation.
type TranslationConfigVersion struct {
	// ID uniquely identifies the revision.
	ID string `json:"id"`
	// Version increments per upload.
	Version int `json:"version"`
	// Schema is the mapping document.
	Schema TranslationSchema `json:"schema"`
	// Active marks the single live revision.
	Active bool `json:"active"`
	// CreatedBy records the uploader.
	CreatedBy string `json:"createdBy"`
	// CreatedAt is the upload timestamp.
	CreatedAt time.Time `json:"createdAt"`
	// Comment is optional free text.
	Comment string `json:"comment,omitempty"`
}

// TranslationResult is the outcome of translating one token's claims.
type TranslationResult struct {
	// Roles is the mapped role set.
	Roles []string `json:"roles"`
	// Permissions is the mapped permission set.
	Permissions []string `json:"permissions"`
	// Attributes carries pass-through values for downstream use.
	Attributes map[string]string `json:"attributes,omitempty"`
}

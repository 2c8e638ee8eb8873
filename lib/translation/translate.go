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

// Package translation turns external token claims into gateway roles and
// permissions, driven by an uploaded schema or a remote service.
package translation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/gravitational/trace"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/types"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

var log = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentTranslation)

// Apply evaluates the schema against one token's claims. Raw values are
// extracted per source, run through that source's transform chain in
// declared order, then mapped. With DenyIfNoMatch set, an empty outcome
// is an AccessDenied error.
func Apply(schema *types.TranslationSchema, claims map[string]any) (*types.TranslationResult, error) {
	var raws []string
	for _, src := range schema.Sources {
		values, err := extractClaim(claims, src)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		transformed, err := applyTransforms(values, schema.Transforms[src.Name])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		raws = append(raws, transformed...)
	}

	roles := make(map[string]struct{})
	perms := make(map[string]struct{})
	for _, raw := range raws {
		mapped := false
		if perm, ok := schema.Mappings.DirectPermissions[raw]; ok {
			perms[perm] = struct{}{}
			mapped = true
		}
		if rolePerms, ok := schema.Mappings.RoleToPermissions[raw]; ok {
			roles[raw] = struct{}{}
			for _, p := range rolePerms {
				perms[p] = struct{}{}
			}
			mapped = true
		}
		if !mapped && schema.Defaults.IncludeUnmapped {
			// Unmapped values pass through as roles, never as
			// permissions.
			roles[raw] = struct{}{}
		}
	}

	if schema.Defaults.DenyIfNoMatch && len(roles) == 0 && len(perms) == 0 {
		return nil, trace.AccessDenied("no claims mapped to roles or permissions")
	}
	return &types.TranslationResult{
		Roles:       sortedKeys(roles),
		Permissions: sortedKeys(perms),
	}, nil
}

// extractClaim resolves the source's dot-path in the claim tree and
// decodes the value per the source type. A missing claim is not an
// error; it yields no values.
func extractClaim(claims map[string]any, src types.TranslationSource) ([]string, error) {
	node := any(claims)
	for _, part := range strings.Split(src.Claim, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, nil
		}
		if node, ok = m[part]; !ok {
			return nil, nil
		}
	}
	switch src.Type {
	case types.SourceTypeArray:
		arr, ok := node.([]any)
		if !ok {
			// Tolerate a []string produced by non-JSON claim sources.
			if strs, ok := node.([]string); ok {
				return strs, nil
			}
			return nil, trace.BadParameter("claim %q is not an array", src.Claim)
		}
		out := make([]string, 0, len(arr))
		for _, v := range arr {
			s, ok := v.(string)
			if !ok {
				return nil, trace.BadParameter("claim %q contains a non-string element", src.Claim)
			}
			out = append(out, s)
		}
		return out, nil
	case types.SourceTypeString:
		s, ok := node.(string)
		if !ok {
			return nil, trace.BadParameter("claim %q is not a string", src.Claim)
		}
		return []string{s}, nil
	case types.SourceTypeSpaceDelimited, types.SourceTypeCommaDelimited:
		s, ok := node.(string)
		if !ok {
			return nil, trace.BadParameter("claim %q is not a string", src.Claim)
		}
		sep := " "
		if src.Type == types.SourceTypeCommaDelimited {
			sep = ","
		}
		var out []string
		for _, part := range strings.Split(s, sep) {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
	return nil, trace.BadParameter("unknown source type %q", string(src.Type))
}

func applyTransforms(values []string, ops []types.TransformOp) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, op := range ops {
			var err error
			if v, err = applyTransform(v, op); err != nil {
				return nil, trace.Wrap(err)
			}
		}
		if v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

func applyTransform(v string, op types.TransformOp) (string, error) {
	switch op.Op {
	case "strip-prefix":
		return strings.TrimPrefix(v, op.Value), nil
	case "replace":
		return strings.ReplaceAll(v, op.From, op.To), nil
	case "lowercase":
		return strings.ToLower(v), nil
	case "uppercase":
		return strings.ToUpper(v), nil
	case "regex":
		re, err := compiledPattern(op.Pattern)
		if err != nil {
			return "", trace.BadParameter("invalid transform pattern %q: %v", op.Pattern, err)
		}
		return re.ReplaceAllString(v, op.Replacement), nil
	}
	return "", trace.BadParameter("unknown transform op %q", op.Op)
}

// patternCache memoizes compiled transform regexes; schemas are small
// and long-lived so it never evicts.
var patternCache sync.Map

func compiledPattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// digestClaims produces a stable fingerprint of the claim set for cache
// keys. json.Marshal sorts map keys, so equal claim sets digest equal.
func digestClaims(claims map[string]any) string {
	data, err := json.Marshal(claims)
	if err != nil {
		return fmt.Sprintf("unmarshalable:%d", len(claims))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

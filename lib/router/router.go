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

// Package router maps an incoming request path onto a registered
// service's endpoint table. Literal segments bind before {var} bindings,
// and a trailing ** catches the remainder.
package router

import (
	"slices"
	"strings"

	"github.com/gravitational/trace"

	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/types"
)

// RouteMatch is the result of resolving a request path against a
// service's endpoint table.
type RouteMatch struct {
	// Service is the registration the route belongs to.
	Service *types.ServiceRegistration
	// Endpoint is the matched endpoint.
	Endpoint *types.EndpointConfig
	// TargetPath is the path forwarded upstream, without the service id
	// segment.
	TargetPath string
	// PathVariables holds the {var} bindings captured from the path.
	PathVariables map[string]string
}

// OperationKind returns the first segment of the target path, the key
// used to look up the service's permission policy.
func (m *RouteMatch) OperationKind() string {
	trimmed := strings.TrimPrefix(m.TargetPath, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

// IsReservedPath reports whether the first path segment is claimed by
// the gateway's own surfaces and never resolves to a service.
func IsReservedPath(segment string) bool {
	return slices.Contains(defaults.ReservedPaths, segment)
}

// SplitServicePath splits a request path into the service id segment
// and the remainder forwarded upstream. The remainder always starts
// with "/".
func SplitServicePath(path string) (serviceID, rest string) {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		return trimmed[:i], trimmed[i:]
	}
	return trimmed, "/"
}

type segmentKind int

// Declared in precedence order: when two patterns diverge, the lower
// kind wins.
const (
	segmentLiteral segmentKind = iota
	segmentVariable
	segmentCatchAll
)

type patternSegment struct {
	kind    segmentKind
	literal string
	// variable is the binding name for segmentVariable.
	variable string
}

type compiledPattern struct {
	segments []patternSegment
	catchAll bool
}

func compilePattern(pattern string) (*compiledPattern, error) {
	raw := strings.Split(strings.Trim(pattern, "/"), "/")
	if len(raw) == 1 && raw[0] == "" {
		raw = nil
	}
	out := &compiledPattern{}
	for i, seg := range raw {
		switch {
		case seg == "**":
			if i != len(raw)-1 {
				return nil, trace.BadParameter("pattern %q: ** is only valid as the final segment", pattern)
			}
			out.catchAll = true
			out.segments = append(out.segments, patternSegment{kind: segmentCatchAll})
		case strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}"):
			name := seg[1 : len(seg)-1]
			if name == "" {
				return nil, trace.BadParameter("pattern %q: empty variable name", pattern)
			}
			out.segments = append(out.segments, patternSegment{kind: segmentVariable, variable: name})
		case seg == "":
			return nil, trace.BadParameter("pattern %q: empty segment", pattern)
		default:
			out.segments = append(out.segments, patternSegment{kind: segmentLiteral, literal: seg})
		}
	}
	return out, nil
}

// match binds path segments to the pattern, returning the captured
// variables, or false when the path does not fit.
func (p *compiledPattern) match(segments []string) (map[string]string, bool) {
	fixed := p.segments
	if p.catchAll {
		fixed = fixed[:len(fixed)-1]
		if len(segments) < len(fixed) {
			return nil, false
		}
	} else if len(segments) != len(fixed) {
		return nil, false
	}
	var vars map[string]string
	for i, ps := range fixed {
		switch ps.kind {
		case segmentLiteral:
			if segments[i] != ps.literal {
				return nil, false
			}
		case segmentVariable:
			if segments[i] == "" {
				return nil, false
			}
			if vars == nil {
				vars = map[string]string{}
			}
			vars[ps.variable] = segments[i]
		}
	}
	return vars, true
}

// moreSpecific reports whether p should be preferred over q when both
// match the same path: compare segment kinds left to right, literal
// before variable before catch-all, longer fixed prefix before shorter.
func (p *compiledPattern) moreSpecific(q *compiledPattern) bool {
	for i := 0; i < len(p.segments) && i < len(q.segments); i++ {
		if p.segments[i].kind != q.segments[i].kind {
			return p.segments[i].kind < q.segments[i].kind
		}
	}
	return len(p.segments) > len(q.segments)
}

// Match resolves the remainder path (after the service id segment)
// against the service's endpoint table. Endpoints whose method set does
// not admit the request method are skipped. When no endpoint matches,
// a NotFound error is returned.
func Match(svc *types.ServiceRegistration, rest, method string) (*RouteMatch, error) {
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 1 && segments[0] == "" {
		segments = nil
	}

	var best *RouteMatch
	var bestPattern *compiledPattern
	for i := range svc.Endpoints {
		ep := &svc.Endpoints[i]
		if !ep.MatchesMethod(method) {
			continue
		}
		compiled, err := compilePattern(ep.Pattern)
		if err != nil {
			// Malformed patterns are rejected at registration; one that
			// slipped through storage is unroutable, not fatal.
			continue
		}
		vars, ok := compiled.match(segments)
		if !ok {
			continue
		}
		if bestPattern == nil || compiled.moreSpecific(bestPattern) {
			best = &RouteMatch{
				Service:       svc,
				Endpoint:      ep,
				TargetPath:    rest,
				PathVariables: vars,
			}
			bestPattern = compiled
		}
	}
	if best == nil {
		return nil, trace.NotFound("no endpoint matches %s %s", method, rest)
	}
	return best, nil
}

// ValidateEndpoints compiles every endpoint pattern in the registration,
// so malformed patterns are rejected before the registration is stored.
func ValidateEndpoints(svc *types.ServiceRegistration) error {
	for i := range svc.Endpoints {
		if _, err := compilePattern(svc.Endpoints[i].Pattern); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

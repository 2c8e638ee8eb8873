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
	"io"
	"net/http"
	"net/url"
	"time"
)

// GatewayRequest is the parsed request envelope flowing through the
// pipeline.
type GatewayRequest struct {
	// Method is the HTTP method.
	Method string
	// Path is the URL path, including the service id segment.
	Path string
	// Headers are the incoming headers.
	Headers http.Header
	// Host is the incoming Host header, port included.
	Host string
	// URI is the full request URI including query.
	URI *url.URL
	// Body is the request body stream; may be nil.
	Body io.ReadCloser
	// ClientIP is the originating caller address.
	ClientIP string
	// TLS reports whether the client connection was TLS terminated.
	TLS bool
}

// GatewayResult is the closed sum of pipeline outcomes. Every request
// terminates in exactly one variant; the HTTP layer switches exhaustively
// on the concrete type.
type GatewayResult interface {
	gatewayResult()
}

// ResultSuccess carries a forwarded upstream response.
type ResultSuccess struct {
	// Status is the upstream status code, mirrored to the client.
	Status int
	// Headers are the upstream response headers minus hop-by-hop.
	Headers http.Header
	// Body streams the upstream response; the HTTP layer closes it.
	Body io.ReadCloser
}

// ResultRouteNotFound means the service exists but no endpoint matched.
type ResultRouteNotFound struct {
	// ServiceID is the resolved service.
	ServiceID string
	// Path is the unmatched remainder.
	Path string
}

// ResultServiceNotFound means the first path segment names no registered
// service.
type ResultServiceNotFound struct {
	// ServiceID is the unknown id.
	ServiceID string
}

// ResultReservedPath means the first path segment is reserved for the
// gateway's own surfaces.
type ResultReservedPath struct {
	// Segment is the reserved segment.
	Segment string
}

// ResultUnauthorized means no valid credential was presented.
type ResultUnauthorized struct {
	// Reason is safe to surface to the caller.
	Reason string
}

// ResultForbidden means the identity lacks permission, or the caller is
// rate limited.
type ResultForbidden struct {
	// Reason is safe to surface to the caller.
	Reason string
	// RetryAfter is non-zero when the denial is a rate limit or lockout;
	// it becomes the Retry-After header and switches the status to 429.
	RetryAfter time.Duration
}

// ResultBadRequest means the request failed validation before forwarding.
type ResultBadRequest struct {
	// Reason is safe to surface to the caller.
	Reason string
}

// ResultError means the upstream call failed.
type ResultError struct {
	// Message is a sanitized description; internals are logged, not
	// surfaced.
	Message string
	// Timeout distinguishes 504 from 502.
	Timeout bool
}

func (ResultSuccess) gatewayResult()         {}
func (ResultRouteNotFound) gatewayResult()   {}
func (ResultServiceNotFound) gatewayResult() {}
func (ResultReservedPath) gatewayResult()    {}
func (ResultUnauthorized) gatewayResult()    {}
func (ResultForbidden) gatewayResult()       {}
func (ResultBadRequest) gatewayResult()      {}
func (ResultError) gatewayResult()           {}

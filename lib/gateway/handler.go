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

package gateway

import (
	"io"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"

	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/router"
	"github.com/aussieproj/aussie/lib/types"
)

// HandlerConfig holds the HTTP front end's collaborators.
type HandlerConfig struct {
	// Pipeline runs the request stages.
	Pipeline *Pipeline
	// Websocket serves upgrade requests; nil disables websocket
	// proxying.
	Websocket *WebsocketProxy
	// RateLimitCeiling is advertised in X-RateLimit-Limit.
	RateLimitCeiling int
}

// Handler is the outward HTTP surface of the gateway.
type Handler struct {
	cfg HandlerConfig
}

// NewHandler creates the gateway HTTP handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Pipeline == nil {
		return nil, trace.BadParameter("gateway: pipeline missing")
	}
	if cfg.RateLimitCeiling <= 0 {
		cfg.RateLimitCeiling = defaults.MaxFailedAttempts
	}
	return &Handler{cfg: cfg}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := parseRequest(r)
	if h.cfg.Websocket != nil && websocket.IsWebSocketUpgrade(r) {
		h.cfg.Websocket.Serve(w, r, req)
		return
	}
	start := h.cfg.Pipeline.cfg.Clock.Now()
	result := h.cfg.Pipeline.Process(r.Context(), req)
	serviceID, _ := router.SplitServicePath(req.Path)
	requestsTotal.WithLabelValues(serviceID, labelFor(result)).Inc()
	requestDuration.WithLabelValues(serviceID).Observe(h.cfg.Pipeline.cfg.Clock.Since(start).Seconds())
	h.writeResult(w, r, result)
}

// parseRequest builds the pipeline envelope from the raw request.
func parseRequest(r *http.Request) *types.GatewayRequest {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return &types.GatewayRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		Headers:  r.Header,
		Host:     r.Host,
		URI:      r.URL,
		Body:     r.Body,
		ClientIP: ip,
		TLS:      r.TLS != nil,
	}
}

func labelFor(result types.GatewayResult) string {
	switch result.(type) {
	case types.ResultSuccess:
		return "success"
	case types.ResultRouteNotFound:
		return "route_not_found"
	case types.ResultServiceNotFound:
		return "service_not_found"
	case types.ResultReservedPath:
		return "reserved_path"
	case types.ResultUnauthorized:
		return "unauthorized"
	case types.ResultForbidden:
		return "forbidden"
	case types.ResultBadRequest:
		return "bad_request"
	case types.ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// writeResult maps the pipeline's closed result sum onto the wire.
func (h *Handler) writeResult(w http.ResponseWriter, r *http.Request, result types.GatewayResult) {
	switch res := result.(type) {
	case types.ResultSuccess:
		for name, values := range res.Headers {
			w.Header()[name] = values
		}
		w.WriteHeader(res.Status)
		if res.Body != nil {
			defer res.Body.Close()
			io.Copy(w, res.Body)
		}
	case types.ResultServiceNotFound:
		WriteProblem(w, http.StatusNotFound, "Unknown service "+strconv.Quote(res.ServiceID), r.URL.Path)
	case types.ResultRouteNotFound:
		WriteProblem(w, http.StatusNotFound, "No route matches the request", r.URL.Path)
	case types.ResultReservedPath:
		WriteProblem(w, http.StatusNotFound, "Path segment "+strconv.Quote(res.Segment)+" is reserved", r.URL.Path)
	case types.ResultUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="aussie"`)
		WriteProblem(w, http.StatusUnauthorized, res.Reason, r.URL.Path)
	case types.ResultForbidden:
		if res.RetryAfter > 0 {
			seconds := int(math.Ceil(res.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitCeiling))
			w.Header().Set("X-RateLimit-Remaining", "0")
			reset := h.cfg.Pipeline.cfg.Clock.Now().Add(res.RetryAfter).Unix()
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
			WriteProblem(w, http.StatusTooManyRequests, res.Reason, r.URL.Path)
			return
		}
		WriteProblem(w, http.StatusForbidden, res.Reason, r.URL.Path)
	case types.ResultBadRequest:
		WriteProblem(w, http.StatusBadRequest, res.Reason, r.URL.Path)
	case types.ResultError:
		status := http.StatusBadGateway
		if res.Timeout {
			status = http.StatusGatewayTimeout
		}
		WriteProblem(w, status, res.Message, r.URL.Path)
	default:
		WriteProblem(w, http.StatusInternalServerError, "Unhandled pipeline result", r.URL.Path)
	}
}

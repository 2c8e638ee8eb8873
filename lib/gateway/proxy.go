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
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/router"
	"github.com/aussieproj/aussie/lib/types"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

var proxyLog = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentProxy)

// hopByHopHeaders are connection-scoped and never forwarded, in either
// direction. Headers named by the Connection header are stripped too.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyConfig holds the upstream transport parameters.
type ProxyConfig struct {
	// Transport performs the upstream round trips.
	Transport http.RoundTripper
	// Deadline is the overall per-request ceiling.
	Deadline time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ProxyConfig) CheckAndSetDefaults() error {
	if c.Transport == nil {
		c.Transport = defaults.Transport()
	}
	if c.Deadline <= 0 {
		c.Deadline = defaults.ProxyDeadline
	}
	return nil
}

// Proxy forwards authorized requests to the matched service's base URL,
// streaming both bodies end-to-end.
type Proxy struct {
	cfg ProxyConfig
}

// NewProxy creates a proxy forwarder.
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Proxy{cfg: cfg}, nil
}

// Forward sends the request to service.baseUrl + targetPath, preserving
// the query string, and returns the upstream response as a streamed
// Success, or an Error on transport failure or timeout.
func (p *Proxy) Forward(ctx context.Context, match *router.RouteMatch, req *types.GatewayRequest) types.GatewayResult {
	target, err := url.Parse(match.Service.BaseURL)
	if err != nil {
		proxyLog.ErrorContext(ctx, "Registered base URL does not parse",
			"service", match.Service.ServiceID, "error", err)
		return types.ResultError{Message: "Upstream misconfigured"}
	}
	target.Path = joinPath(target.Path, match.TargetPath)
	if req.URI != nil {
		target.RawQuery = req.URI.RawQuery
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Deadline)
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return types.ResultError{Message: "Upstream request could not be built"}
	}
	out.Header = forwardedHeaders(req)

	resp, err := p.cfg.Transport.RoundTrip(out)
	if err != nil {
		if isTimeout(err) {
			proxyLog.WarnContext(ctx, "Upstream timed out",
				"service", match.Service.ServiceID, "target", target.String())
			return types.ResultError{Message: "Upstream timed out", Timeout: true}
		}
		proxyLog.WarnContext(ctx, "Upstream request failed",
			"service", match.Service.ServiceID, "target", target.String(), "error", err)
		return types.ResultError{Message: "Upstream unreachable"}
	}
	return types.ResultSuccess{
		Status:  resp.StatusCode,
		Headers: stripHopByHop(resp.Header),
		Body:    resp.Body,
	}
}

func joinPath(base, target string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return base + target
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// stripHopByHop returns a copy of h without connection-scoped headers.
func stripHopByHop(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range strings.Split(h.Get("Connection"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			out.Del(name)
		}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	return out
}

// forwardedHeaders builds the upstream header set: the incoming headers
// minus hop-by-hop, plus the X-Forwarded-* chain.
func forwardedHeaders(req *types.GatewayRequest) http.Header {
	out := stripHopByHop(req.Headers)

	// Append to an existing chain so the first IP survives.
	if prior := out.Get("X-Forwarded-For"); prior != "" {
		out.Set("X-Forwarded-For", prior+", "+req.ClientIP)
	} else {
		out.Set("X-Forwarded-For", req.ClientIP)
	}
	if req.Host != "" {
		out.Set("X-Forwarded-Host", req.Host)
	}
	if out.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if req.TLS {
			proto = "https"
		}
		out.Set("X-Forwarded-Proto", proto)
	}
	return out
}

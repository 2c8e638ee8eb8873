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
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"golang.org/x/time/rate"

	"github.com/aussieproj/aussie"
	"github.com/aussieproj/aussie/lib/defaults"
	"github.com/aussieproj/aussie/lib/router"
	"github.com/aussieproj/aussie/lib/types"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

var wsLog = logutils.NewPackageLogger(aussie.ComponentKey, aussie.ComponentWebsocket)

// Websocket close codes surfaced to clients.
const (
	// CloseUnauthorized is sent when the credential does not resolve.
	CloseUnauthorized = 4001
	// CloseForbidden is sent when the identity lacks permission.
	CloseForbidden = 4003
	// CloseRateLimited is sent when the per-connection message rate is
	// exceeded.
	CloseRateLimited = 4429
)

// WebsocketConfig holds the websocket proxy parameters.
type WebsocketConfig struct {
	// Pipeline authorizes upgrade requests before any handshake.
	Pipeline *Pipeline
	// MessageRate is the per-connection message rate per second.
	MessageRate float64
	// MessageBurst is the per-connection message burst.
	MessageBurst int
	// ConnectionsPerMinute is the per-origin new-connection rate.
	ConnectionsPerMinute float64
	// ConnectionBurst is the per-origin connection burst.
	ConnectionBurst int
	// Dialer connects to the upstream service.
	Dialer *websocket.Dialer
	// CloseTimeout bounds the closing handshake.
	CloseTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *WebsocketConfig) CheckAndSetDefaults() error {
	if c.Pipeline == nil {
		return trace.BadParameter("websocket: pipeline missing")
	}
	if c.MessageRate <= 0 {
		c.MessageRate = defaults.WebsocketMessageRate
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = defaults.WebsocketMessageBurst
	}
	if c.ConnectionsPerMinute <= 0 {
		c.ConnectionsPerMinute = defaults.WebsocketConnectionRate
	}
	if c.ConnectionBurst <= 0 {
		c.ConnectionBurst = defaults.WebsocketConnectionBurst
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			HandshakeTimeout: defaults.ProxyConnectTimeout,
		}
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = defaults.WebsocketCloseTimeout
	}
	return nil
}

// WebsocketProxy upgrades authorized requests and relays frames between
// the client and the upstream service.
type WebsocketProxy struct {
	cfg      WebsocketConfig
	upgrader websocket.Upgrader

	mu      sync.Mutex
	origins map[string]*rate.Limiter
}

// NewWebsocketProxy creates a websocket proxy.
func NewWebsocketProxy(cfg WebsocketConfig) (*WebsocketProxy, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &WebsocketProxy{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Cross-origin policy is enforced upstream; the gateway
			// forwards the Origin header as-is.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		origins: map[string]*rate.Limiter{},
	}, nil
}

// originLimiter returns the connection-rate limiter for an origin,
// falling back to the client IP when no Origin header is present.
func (p *WebsocketProxy) originLimiter(origin string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.origins[origin]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.ConnectionsPerMinute/60), p.cfg.ConnectionBurst)
		p.origins[origin] = limiter
	}
	return limiter
}

// Serve authorizes and proxies one websocket connection. Denials before
// the handshake are plain HTTP responses; after the upgrade, failures
// surface as close frames.
func (p *WebsocketProxy) Serve(w http.ResponseWriter, r *http.Request, req *types.GatewayRequest) {
	ctx := r.Context()
	match, _, result := p.cfg.Pipeline.Authorize(ctx, req)
	if result != nil {
		handler := &Handler{cfg: HandlerConfig{Pipeline: p.cfg.Pipeline, RateLimitCeiling: defaults.MaxFailedAttempts}}
		handler.writeResult(w, r, result)
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = req.ClientIP
	}
	if !p.originLimiter(origin).Allow() {
		w.Header().Set("Retry-After", "60")
		WriteProblem(w, http.StatusTooManyRequests, "Connection rate exceeded", r.URL.Path)
		return
	}

	upstream, subprotocol, err := p.dialUpstream(ctx, match, req, r)
	if err != nil {
		wsLog.WarnContext(ctx, "Upstream websocket dial failed",
			"service", match.Service.ServiceID, "error", err)
		WriteProblem(w, http.StatusBadGateway, "Upstream unreachable", r.URL.Path)
		return
	}

	var responseHeader http.Header
	if subprotocol != "" {
		responseHeader = http.Header{"Sec-Websocket-Protocol": []string{subprotocol}}
	}
	client, err := p.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		upstream.Close()
		return
	}

	websocketConnections.Inc()
	defer websocketConnections.Dec()
	p.relay(ctx, client, upstream)
}

// dialUpstream opens the upstream leg, translating the service base URL
// to the ws scheme and carrying over the client's subprotocol offer.
func (p *WebsocketProxy) dialUpstream(ctx context.Context, match *router.RouteMatch, req *types.GatewayRequest, r *http.Request) (*websocket.Conn, string, error) {
	target, err := url.Parse(match.Service.BaseURL)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	switch target.Scheme {
	case "https", "wss":
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}
	target.Path = joinPath(target.Path, match.TargetPath)
	target.RawQuery = r.URL.RawQuery

	headers := forwardedHeaders(req)
	// The dialer writes its own handshake headers.
	for _, name := range []string{
		"Sec-Websocket-Key", "Sec-Websocket-Version",
		"Sec-Websocket-Protocol", "Sec-Websocket-Extensions",
	} {
		headers.Del(name)
	}

	dialer := *p.cfg.Dialer
	dialer.Subprotocols = websocket.Subprotocols(r)
	conn, resp, err := dialer.DialContext(ctx, target.String(), headers)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	subprotocol := ""
	if resp != nil {
		subprotocol = resp.Header.Get("Sec-Websocket-Protocol")
	}
	return conn, subprotocol, nil
}

// relay pumps frames in both directions until either side closes. The
// client-to-upstream direction is message-rate limited.
func (p *WebsocketProxy) relay(ctx context.Context, client, upstream *websocket.Conn) {
	limiter := rate.NewLimiter(rate.Limit(p.cfg.MessageRate), p.cfg.MessageBurst)
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			kind, payload, err := client.ReadMessage()
			if err != nil {
				p.propagateClose(upstream, err)
				return
			}
			if !limiter.Allow() {
				wsLog.InfoContext(ctx, "Closing websocket, message rate exceeded")
				p.close(client, CloseRateLimited, "message rate exceeded")
				p.close(upstream, websocket.CloseNormalClosure, "")
				return
			}
			if err := upstream.WriteMessage(kind, payload); err != nil {
				p.close(client, websocket.CloseNormalClosure, "")
				return
			}
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			kind, payload, err := upstream.ReadMessage()
			if err != nil {
				p.propagateClose(client, err)
				return
			}
			if err := client.WriteMessage(kind, payload); err != nil {
				p.close(upstream, websocket.CloseNormalClosure, "")
				return
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	client.Close()
	upstream.Close()
	// Drain the second pump before returning.
	select {
	case <-done:
	case <-time.After(p.cfg.CloseTimeout):
	}
}

// propagateClose mirrors the peer's close code to the other leg.
func (p *WebsocketProxy) propagateClose(conn *websocket.Conn, err error) {
	code := websocket.CloseNormalClosure
	reason := ""
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code, reason = closeErr.Code, closeErr.Text
	}
	p.close(conn, code, reason)
}

func (p *WebsocketProxy) close(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(p.cfg.CloseTimeout)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// Package gateway implements the Gateway/Proxy (C8): it resolves the
// VM currently serving a preview session and forwards the client's
// request to it, injecting the provider's routing header and leaving
// WebSocket upgrades untouched (§4.8).
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/drape/core/internal/logging"
	"github.com/drape/core/internal/store"
)

const (
	cookieName       = "drape_vm_id"
	machineIDHeader  = "X-Drape-Machine-Id"
	prefixPattern    = "/@" // followed by <user>/<project>/...
)

// hopByHopHeaders are stripped before forwarding, per RFC 7230 §6.1 —
// these are connection-scoped and meaningless (or actively wrong) one
// hop further on. Connection and Upgrade are handled separately: they
// must survive on a WebSocket upgrade request or ReverseProxy's native
// hijack-based passthrough never triggers.
var hopByHopHeaders = []string{
	"Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding",
}

// RouteResolver is the narrow internal/store.SessionRegistry surface
// the gateway needs.
type RouteResolver interface {
	Lookup(ctx context.Context, machineID string) (*store.RouteEntry, error)
	LookupPrefix(ctx context.Context, user, project string) (*store.RouteEntry, error)
}

// Gateway resolves and forwards preview traffic.
type Gateway struct {
	routes        RouteResolver
	providerBase  *url.URL
	routingHeader string
	proxy         *httputil.ReverseProxy
}

// New builds a Gateway that forwards through providerBaseURL (the same
// provider edge the Agent client talks to — routing is entirely header
// driven, not per-machine DNS, so there is exactly one upstream target;
// §4.1, §4.2) using routingHeader (e.g. Fly-Force-Instance-Id) to steer
// each request to its bound VM.
func New(routes RouteResolver, providerBaseURL, routingHeader string) (*Gateway, error) {
	target, err := url.Parse(providerBaseURL)
	if err != nil {
		return nil, err
	}
	if routingHeader == "" {
		routingHeader = "Fly-Force-Instance-Id"
	}

	g := &Gateway{routes: routes, providerBase: target, routingHeader: routingHeader}
	g.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if pr.In.Header.Get("Upgrade") == "" {
				stripHopByHop(pr.Out.Header)
			}
			if machineID, ok := pr.In.Context().Value(machineIDCtxKey{}).(string); ok {
				pr.Out.Header.Set(routingHeader, machineID)
			}
		},
		ErrorLog: logging.StdLogAdapter("gateway-proxy"),
	}
	return g, nil
}

type machineIDCtxKey struct{}

// ServeHTTP implements the §4.8 resolution order: cookie, then header,
// then the /@user/project URL-prefix fallback via the session registry.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	machineID, entry, err := g.resolve(r)
	if err != nil {
		logging.Op().Warn("gateway: resolution lookup failed", "err", err)
		writeJSONError(w, http.StatusServiceUnavailable, map[string]any{"error": "no-session"})
		return
	}
	if machineID == "" || entry == nil {
		writeJSONError(w, http.StatusServiceUnavailable, map[string]any{"error": "no-session"})
		return
	}
	if !entry.Ready {
		writeJSONError(w, http.StatusServiceUnavailable, map[string]any{
			"error": "not-ready", "step": entry.Step, "percent": entry.Percent,
		})
		return
	}

	ctx := context.WithValue(r.Context(), machineIDCtxKey{}, machineID)
	g.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// resolve implements the three-step lookup order. It always returns the
// registry's RouteEntry for the resolved machine so the readiness gate
// can report step/percent even when resolution came from the cookie or
// header path rather than the prefix path.
func (g *Gateway) resolve(r *http.Request) (machineID string, entry *store.RouteEntry, err error) {
	if c, cerr := r.Cookie(cookieName); cerr == nil && c.Value != "" {
		e, lerr := g.routes.Lookup(r.Context(), c.Value)
		if lerr != nil {
			return "", nil, lerr
		}
		if e != nil {
			return c.Value, e, nil
		}
	}

	if h := r.Header.Get(machineIDHeader); h != "" {
		e, lerr := g.routes.Lookup(r.Context(), h)
		if lerr != nil {
			return "", nil, lerr
		}
		if e != nil {
			return h, e, nil
		}
	}

	if user, project, ok := parsePrefix(r.URL.Path); ok {
		e, lerr := g.routes.LookupPrefix(r.Context(), user, project)
		if lerr != nil {
			return "", nil, lerr
		}
		if e != nil {
			return e.MachineID, e, nil
		}
	}

	return "", nil, nil
}

// parsePrefix extracts <user>, <project> from a leading
// /@<user>/<project>/... path segment.
func parsePrefix(path string) (user, project string, ok bool) {
	if !strings.HasPrefix(path, prefixPattern) {
		return "", "", false
	}
	rest := strings.TrimPrefix(path, prefixPattern)
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func writeJSONError(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

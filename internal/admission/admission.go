// Package admission implements the Admission Pipeline (spec §4.8): the
// single request handler orchestrating extraction, rate limiting,
// validation, the pool decision, forwarding, and response-code feedback.
// It is pure wiring over the other packages; grounded on the teacher's
// gin route-handler shape (deleted internal/server/routes_*.go), rebuilt
// here around this spec's twelve-step pipeline instead of LLM-gateway
// routing.
package admission

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"commune/internal/apierr"
	"commune/internal/balancer"
	"commune/internal/config"
	"commune/internal/credential"
	"commune/internal/forwarder"
	"commune/internal/hotcache"
	"commune/internal/monitoring"
	"commune/internal/netutil"
	"commune/internal/respcache"
	"commune/internal/validator"
	log "github.com/sirupsen/logrus"
)

// Request is the inbound request shape the pipeline needs, transport-agnostic
// so it can be driven from gin or from tests without an HTTP server.
type Request struct {
	Method     string
	Path       string
	Query      url.Values
	Headers    http.Header
	Body       []byte
	RemoteAddr string // host:port or bare IP, socket fallback for subnet
}

// Result is what the pipeline hands back for the caller to relay.
type Result struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Pipeline wires every other component into the twelve-step admission flow.
type Pipeline struct {
	cfg       *config.Config
	credStore *credential.Store
	lifecycle *credential.LifecycleManager
	cache     *hotcache.Cache
	balancer  *balancer.Balancer
	forwarder *forwarder.Forwarder
	respCache *respcache.Cache
}

// New builds a Pipeline from its fully-constructed collaborators.
func New(cfg *config.Config, credStore *credential.Store, lifecycle *credential.LifecycleManager, cache *hotcache.Cache, lb *balancer.Balancer, fwd *forwarder.Forwarder, respCache *respcache.Cache) *Pipeline {
	return &Pipeline{cfg: cfg, credStore: credStore, lifecycle: lifecycle, cache: cache, balancer: lb, forwarder: fwd, respCache: respCache}
}

// Handle runs the twelve-step pipeline of spec §4.8.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Result, *apierr.Error) {
	// Step 1: resolve the single configured provider.
	provider, ok := p.cfg.SelectedProvider()
	if !ok {
		monitoring.AdmissionOutcomesTotal.WithLabelValues("provider_misconfigured").Inc()
		return nil, apierr.WithStatus(apierr.ProviderMisconfigured, "no provider configured", http.StatusNotFound)
	}

	// Step 2: trusted proxy-host header must resolve to the provider's host.
	if headerName := p.cfg.Server.TrustedProxyHostHeader; headerName != "" {
		if hostHeader := req.Headers.Get(headerName); hostHeader != "" {
			if !hostMatchesProvider(hostHeader, provider.BaseURL) {
				monitoring.AdmissionOutcomesTotal.WithLabelValues("rejected_validation").Inc()
				return nil, apierr.WithStatus(apierr.ProviderMisconfigured, "proxy host header does not match configured provider", http.StatusBadRequest)
			}
		}
	}

	// Step 3: cacheable GET delegation.
	if req.Method == http.MethodGet && p.respCache != nil {
		if rule, ok := matchCacheableRule(provider, req.Path); ok {
			return p.handleCacheableGet(ctx, provider, req, rule)
		}
	}

	// Step 4: extract presented credential.
	material, ok := extractCredential(req.Headers)
	if !ok {
		monitoring.AdmissionOutcomesTotal.WithLabelValues("rejected_validation").Inc()
		return nil, apierr.New(apierr.MissingCredential, "missing presented credential")
	}
	fingerprint := credential.Fingerprint(material)

	// Step 5: presenter rate limit.
	if allow, wait := p.lifecycle.CheckPresenterRateLimit(fingerprint); !allow {
		monitoring.PresenterRateLimitDenialsTotal.Inc()
		monitoring.AdmissionOutcomesTotal.WithLabelValues("rate_limited").Inc()
		return nil, apierr.RateLimited(wait)
	}

	// Step 6: length + content validation.
	if result := validator.ValidateLength(material); !result.OK {
		monitoring.AdmissionOutcomesTotal.WithLabelValues("rejected_validation").Inc()
		return nil, apierr.New(apierr.CredentialLengthInvalid, result.Reason)
	}
	if result := validator.ValidateRequest(provider, validator.Request{Body: req.Body, Path: req.Path, Query: req.Query}); !result.OK {
		monitoring.AdmissionOutcomesTotal.WithLabelValues("rejected_validation").Inc()
		return nil, apierr.New(apierr.ValidationFailed, result.Reason)
	}

	// Step 7: client subnet.
	subnet := credential.Subnet(clientIP(req.Headers, req.RemoteAddr))

	// Step 8: pool decision.
	selected, poolResident, apiErr := p.decideSelection(ctx, material, fingerprint)
	if apiErr != nil {
		monitoring.AdmissionOutcomesTotal.WithLabelValues("pool_empty").Inc()
		return nil, apiErr
	}

	// Step 9: increment today's call count for pool-resident selections.
	if poolResident {
		if err := p.credStore.IncrementCallCount(ctx, selected.ID, subnet); err != nil {
			log.WithError(err).Warn("failed to increment call count")
		}
	}

	// Step 10: forward.
	fwdReq := forwarder.Request{Method: req.Method, Path: req.Path, Query: req.Query, Headers: req.Headers, Body: req.Body}
	start := time.Now()
	resp, fwdErr := p.forwarder.Forward(ctx, provider, selected.Material, fwdReq)
	statusClass := "error"
	if resp != nil {
		statusClass = statusClassOf(resp.StatusCode)
	}
	monitoring.ForwarderRequestDuration.WithLabelValues(provider.Name, statusClass).Observe(time.Since(start).Seconds())
	if fwdErr != nil {
		var reason string
		if apiErr, ok := fwdErr.(*apierr.Error); ok {
			reason = string(apiErr.Kind)
		}
		monitoring.ForwarderErrorsTotal.WithLabelValues(provider.Name, reason).Inc()
		monitoring.AdmissionOutcomesTotal.WithLabelValues("forwarder_error").Inc()
		if apiErr, ok := fwdErr.(*apierr.Error); ok {
			return nil, apiErr
		}
		return nil, apierr.New(apierr.Internal, fwdErr.Error())
	}

	// Step 11: feed response code to the Lifecycle Manager.
	outcome, err := p.lifecycle.HandleResponse(ctx, selected, resp.StatusCode)
	if err != nil {
		log.WithError(err).Warn("lifecycle manager failed to process response outcome")
	} else {
		monitoring.LifecycleOutcomesTotal.WithLabelValues(string(outcome.Action)).Inc()
	}

	monitoring.AdmissionOutcomesTotal.WithLabelValues("forwarded").Inc()

	// Step 12: relay.
	return &Result{StatusCode: resp.StatusCode, Headers: resp.Headers, Body: resp.Body}, nil
}

// decideSelection implements step 8's three-way branch.
func (p *Pipeline) decideSelection(ctx context.Context, material, fingerprint string) (*credential.Credential, bool, *apierr.Error) {
	presenter, err := p.credStore.FindByFingerprint(ctx, fingerprint)
	if err != nil {
		// Not found in the store: transient, isolation-mode-by-default until
		// a success auto-enrolls it.
		return credential.Transient(material), false, nil
	}

	if presenter.IsBlocked(time.Now()) {
		// Isolation mode: use the presenter's own (blocked) record so that
		// only their own success can lift the block.
		return presenter, false, nil
	}

	available, err := p.cache.GetAvailableSnapshot(ctx)
	if err != nil {
		return nil, false, apierr.New(apierr.Internal, "hot cache refresh failed: "+err.Error())
	}
	if len(available) == 0 {
		return nil, false, apierr.New(apierr.PoolEmpty, "no available credentials")
	}
	stats, err := p.cache.GetStatsSnapshot(ctx)
	if err != nil {
		return nil, false, apierr.New(apierr.Internal, "hot cache stats refresh failed: "+err.Error())
	}

	selected, err := p.balancer.Select(available, stats, fingerprint)
	if err != nil {
		return nil, false, apierr.New(apierr.PoolEmpty, "no available credentials")
	}
	return selected, true, nil
}

func (p *Pipeline) handleCacheableGet(ctx context.Context, provider config.Provider, req Request, rule config.CacheableRule) (*Result, *apierr.Error) {
	fullURL := joinForKey(provider.BaseURL, req.Path, req.Query)
	key := respcache.Key(req.Method, fullURL)

	if entry, ok := p.respCache.Get(key); ok {
		monitoring.ResponseCacheHitsTotal.Inc()
		monitoring.AdmissionOutcomesTotal.WithLabelValues("cached").Inc()
		return &Result{StatusCode: entry.StatusCode, Headers: entry.Headers, Body: entry.Body}, nil
	}
	monitoring.ResponseCacheMissesTotal.Inc()

	fwdReq := forwarder.Request{Method: req.Method, Path: req.Path, Query: req.Query, Headers: req.Headers}
	resp, err := p.forwarder.ForwardAsIs(ctx, provider, fwdReq)
	if err != nil {
		if apiErr, ok := err.(*apierr.Error); ok {
			return nil, apiErr
		}
		return nil, apierr.New(apierr.Internal, err.Error())
	}

	if resp.StatusCode == http.StatusOK {
		ttl := time.Duration(rule.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = time.Minute
		}
		p.respCache.Set(key, respcache.Entry{StatusCode: resp.StatusCode, Headers: resp.Headers, Body: resp.Body}, ttl)
	}

	monitoring.AdmissionOutcomesTotal.WithLabelValues("forwarded").Inc()
	return &Result{StatusCode: resp.StatusCode, Headers: resp.Headers, Body: resp.Body}, nil
}

var bearerPrefix = regexp.MustCompile(`(?i)^bearer\s+`)

// extractCredential reads Authorization as "Bearer X" or raw.
func extractCredential(headers http.Header) (string, bool) {
	raw := headers.Get("Authorization")
	if raw == "" {
		return "", false
	}
	return bearerPrefix.ReplaceAllString(raw, ""), true
}

// clientIP implements step 7's source precedence (X-Forwarded-For leftmost,
// X-Real-IP, then the socket address) via internal/netutil's shared
// extraction logic.
func clientIP(headers http.Header, remoteAddr string) string {
	ip := netutil.ExtractIPFromRequest(&http.Request{Header: headers, RemoteAddr: remoteAddr})
	if ip == nil {
		return remoteAddr
	}
	return netutil.IPString(ip)
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "", nil
	}
	return addr[:idx], addr[idx+1:], nil
}

func hostMatchesProvider(hostHeader, baseURL string) bool {
	providerURL, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	host := hostHeader
	if h, _, err := splitHostPort(hostHeader); err == nil && h != "" {
		host = h
	}
	return strings.EqualFold(host, providerURL.Hostname())
}

func matchCacheableRule(provider config.Provider, path string) (config.CacheableRule, bool) {
	for _, rule := range provider.CacheablePaths {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			continue
		}
		if re.MatchString(path) {
			return rule, true
		}
	}
	return config.CacheableRule{}, false
}

func joinForKey(base, path string, query url.Values) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return base + path
	}
	rel, err := url.Parse(path)
	if err != nil {
		return base + path
	}
	joined := baseURL.ResolveReference(rel)
	if len(query) > 0 {
		joined.RawQuery = query.Encode()
	}
	return joined.String()
}

func statusClassOf(code int) string {
	if code <= 0 {
		return "error"
	}
	c := code / 100
	if c < 0 || c > 9 {
		return "xxx"
	}
	return string("0123456789"[c]) + "xx"
}

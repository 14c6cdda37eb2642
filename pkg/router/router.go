// Package router decides, per request, whether the origin response is passed
// through untouched or streamed through the image rewriter.
package router

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/andesco/imgladder/pkg/directive"
	"github.com/andesco/imgladder/pkg/rewriter"
)

var (
	// ErrMissingOriginTarget is returned for resize-proxy paths that carry no
	// usable origin URL.
	ErrMissingOriginTarget = errors.New("missing origin target")
	// ErrDomainNotAllowed is returned for resize-proxy targets outside the
	// allowed domains.
	ErrDomainNotAllowed = errors.New("domain not allowed")
)

// Routing outcomes reported to the Observer.
const (
	OutcomeProxyPassthrough    = "proxy_passthrough"
	OutcomeMalformedProxy      = "malformed_proxy"
	OutcomeDomainNotAllowed    = "domain_not_allowed"
	OutcomeOriginError         = "origin_error"
	OutcomeOriginStatus        = "origin_status"
	OutcomeAdminBypass         = "admin_bypass"
	OutcomeMissingContentType  = "missing_content_type"
	OutcomeUnsupportedContent  = "unsupported_content"
	OutcomeUnsupportedEncoding = "unsupported_encoding"
	OutcomeRewritten           = "rewritten"
)

// Observer is notified of the outcome of every routed request.
type Observer interface {
	ObserveOutcome(outcome string)
}

type Options struct {
	// Origin is the absolute base URL requests are forwarded to.
	Origin *url.URL
	// PreserveHost forwards the inbound Host header to the origin.
	PreserveHost bool
	// AdminPaths are path prefixes whose responses are never rewritten.
	AdminPaths []string
	// ProxyGuard enables the direct passthrough of resize-proxy paths.
	ProxyGuard bool
	// AllowedDomains restricts resize-proxy passthrough targets. Empty means
	// the origin host only; a "*" entry allows any host.
	AllowedDomains []string
	Timeout        time.Duration
	// Client overrides the HTTP client built from Timeout.
	Client   *http.Client
	Rewriter *rewriter.Rewriter
	Observer Observer
}

type Router struct {
	origin         *url.URL
	preserveHost   bool
	adminPaths     []string
	proxyGuard     bool
	allowedDomains []string
	anyDomain      bool
	client         *http.Client
	rewriter       *rewriter.Rewriter
	observer       Observer
}

func New(o Options) (*Router, error) {
	if o.Origin == nil || o.Origin.Host == "" {
		return nil, errors.New("router: absolute origin URL required")
	}
	if o.Rewriter == nil {
		return nil, errors.New("router: rewriter required")
	}

	client := o.Client
	if client == nil {
		client = &http.Client{
			Timeout: o.Timeout,
			// redirects are part of the origin response and go back to the client
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	allowed := o.AllowedDomains
	if len(allowed) == 0 {
		allowed = []string{o.Origin.Hostname()}
	}
	var (
		domains   []string
		anyDomain bool
	)
	for _, d := range allowed {
		if d == "*" {
			anyDomain = true
			continue
		}
		domains = append(domains, strings.ToLower(d))
	}

	return &Router{
		origin:         o.Origin,
		preserveHost:   o.PreserveHost,
		adminPaths:     append([]string(nil), o.AdminPaths...),
		proxyGuard:     o.ProxyGuard,
		allowedDomains: domains,
		anyDomain:      anyDomain,
		client:         client,
		rewriter:       o.Rewriter,
		observer:       o.Observer,
	}, nil
}

// Route serves one inbound request. The returned response either comes
// straight from the origin or has its body replaced by the rewriting stream;
// status and headers are the origin's. The caller must close the body.
func (rt *Router) Route(req *http.Request) (*http.Response, error) {
	logger := log.WithFields(log.Fields{"method": req.Method, "path": req.URL.Path})
	if id := req.Header.Get("X-Request-Id"); id != "" {
		logger = logger.WithField("request_id", id)
	}

	if rt.proxyGuard && strings.HasPrefix(req.URL.Path, directive.Root) {
		return rt.proxyPassthrough(req, logger)
	}

	resp, err := rt.fetchOrigin(req)
	if err != nil {
		rt.observe(OutcomeOriginError)
		return nil, fmt.Errorf("error fetching origin: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		logger.WithField("status", resp.StatusCode).Warn("invalid origin status, passing through")
		rt.observe(OutcomeOriginStatus)
		return resp, nil
	}

	if rt.isAdminPath(req.URL.Path) {
		logger.Info("bypassing admin path")
		rt.observe(OutcomeAdminBypass)
		return resp, nil
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		logger.Warn("missing content type, passing through")
		rt.observe(OutcomeMissingContentType)
		return resp, nil
	}
	if !isHTML(contentType) {
		logger.WithField("content_type", contentType).Info("non-HTML content type, passing through")
		rt.observe(OutcomeUnsupportedContent)
		return resp, nil
	}

	body, err := decodeBody(resp)
	if errors.Is(err, errUnsupportedEncoding) {
		logger.WithField("content_encoding", resp.Header.Get("Content-Encoding")).Warn("unsupported content encoding, passing through")
		rt.observe(OutcomeUnsupportedEncoding)
		return resp, nil
	}
	if err != nil {
		resp.Body.Close()
		rt.observe(OutcomeOriginError)
		return nil, fmt.Errorf("error decoding origin body: %w", err)
	}

	resp.Body = rt.rewriter.Transform(body)
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	rt.observe(OutcomeRewritten)
	return resp, nil
}

func (rt *Router) proxyPassthrough(req *http.Request, logger *log.Entry) (*http.Response, error) {
	target, err := ExtractProxyTarget(req.URL)
	if err != nil {
		logger.WithError(err).Warn("malformed resize proxy request")
		rt.observe(OutcomeMalformedProxy)
		return nil, err
	}

	if !rt.domainAllowed(target.Hostname()) {
		logger.WithField("target", target.Host).Warn("resize proxy target not allowed")
		rt.observe(OutcomeDomainNotAllowed)
		return nil, fmt.Errorf("%w: %s", ErrDomainNotAllowed, target.Host)
	}

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), requestBody(req))
	if err != nil {
		return nil, fmt.Errorf("error building proxy request: %w", err)
	}
	copyHeader(out.Header, req.Header)

	resp, err := rt.client.Do(out)
	if err != nil {
		rt.observe(OutcomeOriginError)
		return nil, fmt.Errorf("error fetching resize proxy target: %w", err)
	}

	logger.WithFields(log.Fields{"target": target.String(), "status": resp.StatusCode}).Info("resize proxy passthrough")
	rt.observe(OutcomeProxyPassthrough)
	return resp, nil
}

var collapsedScheme = regexp.MustCompile(`^(https?:)/([^/])`)

// ExtractProxyTarget recovers the origin URL embedded in a resize-proxy path:
// everything from the first "http" onward, percent-decoded, plus the query.
func ExtractProxyTarget(u *url.URL) (*url.URL, error) {
	p := u.EscapedPath()
	i := strings.Index(p, "http")
	if i < 0 {
		return nil, ErrMissingOriginTarget
	}

	raw, err := url.PathUnescape(p[i:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingOriginTarget, err)
	}
	raw = collapsedScheme.ReplaceAllString(raw, "$1//$2")
	if u.RawQuery != "" {
		raw += "?" + u.RawQuery
	}

	target, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingOriginTarget, err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("%w: '%s' is not an absolute http(s) URL", ErrMissingOriginTarget, raw)
	}
	return target, nil
}

func (rt *Router) isAdminPath(p string) bool {
	for _, prefix := range rt.adminPaths {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func (rt *Router) domainAllowed(host string) bool {
	if rt.anyDomain {
		return true
	}
	host = strings.ToLower(host)
	for _, d := range rt.allowedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func (rt *Router) observe(outcome string) {
	if rt.observer != nil {
		rt.observer.ObserveOutcome(outcome)
	}
}

func isHTML(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
}

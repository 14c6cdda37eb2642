package router

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andesco/imgladder/pkg/config"
	"github.com/andesco/imgladder/pkg/rewriter"
	"github.com/andesco/imgladder/pkg/ruleset"
)

const (
	productHTML = `<html><body><img width="100" height="50" src="https://shop.example.com/media/catalog/product/cache/a.jpg"></body></html>`
	rewrittenProductHTML = `<html><body><img width="100" height="50" src="https://shop.example.com/cdn-cgi/image/width=100,height=50,fit=crop,quality=90,format=auto,onerror=redirect,metadata=none/media/catalog/product/cache/a.jpg"></body></html>`
)

type outcomes struct {
	mu   sync.Mutex
	seen []string
}

func (o *outcomes) ObserveOutcome(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, outcome)
}

func (o *outcomes) last() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.seen) == 0 {
		return ""
	}
	return o.seen[len(o.seen)-1]
}

type originLog struct {
	mu       sync.Mutex
	requests []*http.Request
}

func (l *originLog) add(r *http.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, r.Clone(r.Context()))
}

func (l *originLog) paths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var p []string
	for _, r := range l.requests {
		p = append(p, r.URL.RequestURI())
	}
	return p
}

func (l *originLog) lastRequest() *http.Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests[len(l.requests)-1]
}

func newOrigin(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *originLog) {
	t.Helper()
	l := &originLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.add(r)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, l
}

func newRouter(t *testing.T, origin string, modify func(*Options)) (*Router, *outcomes) {
	t.Helper()

	u, err := url.Parse(origin)
	require.NoError(t, err)
	table, err := ruleset.NewTable(nil, []string{"shop.example.com"})
	require.NoError(t, err)

	obs := &outcomes{}
	o := Options{
		Origin:       u,
		PreserveHost: true,
		AdminPaths:   config.DefaultAdminPaths,
		ProxyGuard:   true,
		Rewriter:     rewriter.NewImageRewriter(config.RewriteConfig{Quality: 90, Theme: ruleset.DefaultLayout}, table, nil),
		Observer:     obs,
	}
	if modify != nil {
		modify(&o)
	}

	rt, err := New(o)
	require.NoError(t, err)
	return rt, obs
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func htmlHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=UTF-8")
		w.Header().Set("X-Magento-Tags", "store")
		io.WriteString(w, body)
	}
}

func TestRewritesHTML(t *testing.T) {
	origin, _ := newOrigin(t, htmlHandler(productHTML))
	rt, obs := newRouter(t, origin.URL, nil)

	resp, err := rt.Route(httptest.NewRequest(http.MethodGet, "/catalog/product/view/id/1", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "store", resp.Header.Get("X-Magento-Tags"))
	assert.Equal(t, "text/html; charset=UTF-8", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Content-Length"))
	assert.Equal(t, rewrittenProductHTML, readBody(t, resp))
	assert.Equal(t, OutcomeRewritten, obs.last())
}

func TestAdminPathIsNotRewritten(t *testing.T) {
	origin, _ := newOrigin(t, htmlHandler(productHTML))
	rt, obs := newRouter(t, origin.URL, nil)

	for _, p := range []string{"/admin/dashboard", "/admin_1x2/catalog", "/index.php/admin/sales"} {
		resp, err := rt.Route(httptest.NewRequest(http.MethodGet, p, nil))
		require.NoError(t, err)
		assert.Equal(t, productHTML, readBody(t, resp), p)
		assert.Equal(t, OutcomeAdminBypass, obs.last(), p)
	}
}

func TestNonHTMLIsByteIdentical(t *testing.T) {
	body := `{"image":"https://shop.example.com/media/catalog/product/cache/a.jpg"}`
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	})
	rt, obs := newRouter(t, origin.URL, nil)

	resp, err := rt.Route(httptest.NewRequest(http.MethodGet, "/rest/V1/products", nil))
	require.NoError(t, err)
	assert.Equal(t, body, readBody(t, resp))
	assert.Equal(t, OutcomeUnsupportedContent, obs.last())
}

func TestMissingContentTypeIsPassedThrough(t *testing.T) {
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		io.WriteString(w, productHTML)
	})
	rt, obs := newRouter(t, origin.URL, nil)

	resp, err := rt.Route(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, productHTML, readBody(t, resp))
	assert.Equal(t, OutcomeMissingContentType, obs.last())
}

func TestNon200IsPassedThrough(t *testing.T) {
	origin, log := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusMovedPermanently)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, productHTML)
	})
	rt, obs := newRouter(t, origin.URL, nil)

	resp, err := rt.Route(httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, productHTML, readBody(t, resp))
	assert.Equal(t, OutcomeOriginStatus, obs.last())

	resp, err = rt.Route(httptest.NewRequest(http.MethodGet, "/old", nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, "/new", resp.Header.Get("Location"))
	assert.Equal(t, []string{"/missing", "/old"}, log.paths())
}

func TestResizeProxyPassthrough(t *testing.T) {
	assets, assetLog := newOrigin(t, htmlHandler(productHTML))
	origin, originLog := newOrigin(t, htmlHandler("origin"))
	rt, obs := newRouter(t, origin.URL, nil)

	req := httptest.NewRequest(http.MethodGet, "/cdn-cgi/image/quality=90/"+assets.URL+"/media/a.jpg", nil)
	resp, err := rt.Route(req)
	require.NoError(t, err)

	assert.Equal(t, productHTML, readBody(t, resp))
	assert.Equal(t, []string{"/media/a.jpg"}, assetLog.paths())
	assert.Empty(t, originLog.paths())
	assert.Equal(t, OutcomeProxyPassthrough, obs.last())
}

func TestResizeProxyPercentEncodedTarget(t *testing.T) {
	assets, assetLog := newOrigin(t, htmlHandler("ok"))
	origin, _ := newOrigin(t, htmlHandler("origin"))
	rt, _ := newRouter(t, origin.URL, nil)

	req := httptest.NewRequest(http.MethodGet, "/cdn-cgi/image/width=10/"+url.PathEscape(assets.URL+"/media/a b.jpg")+"?v=2", nil)
	resp, err := rt.Route(req)
	require.NoError(t, err)
	assert.Equal(t, "ok", readBody(t, resp))
	assert.Equal(t, []string{"/media/a%20b.jpg?v=2"}, assetLog.paths())
}

func TestResizeProxyMissingTarget(t *testing.T) {
	origin, originLog := newOrigin(t, htmlHandler("origin"))
	rt, obs := newRouter(t, origin.URL, nil)

	for _, p := range []string{"/cdn-cgi/image/quality=90/media/a.jpg", "/cdn-cgi/image/quality=90/httpfoo/a.jpg"} {
		_, err := rt.Route(httptest.NewRequest(http.MethodGet, p, nil))
		assert.ErrorIs(t, err, ErrMissingOriginTarget, p)
		assert.Equal(t, OutcomeMalformedProxy, obs.last())
	}
	assert.Empty(t, originLog.paths())
}

func TestResizeProxyAllowedDomains(t *testing.T) {
	assets, assetLog := newOrigin(t, htmlHandler("ok"))
	origin, _ := newOrigin(t, htmlHandler("origin"))
	rt, obs := newRouter(t, origin.URL, func(o *Options) {
		o.AllowedDomains = []string{"shop.example.com"}
	})

	_, err := rt.Route(httptest.NewRequest(http.MethodGet, "/cdn-cgi/image/quality=90/"+assets.URL+"/media/a.jpg", nil))
	assert.ErrorIs(t, err, ErrDomainNotAllowed)
	assert.Equal(t, OutcomeDomainNotAllowed, obs.last())
	assert.Empty(t, assetLog.paths())
}

func TestResizeProxyDefaultsToOriginHost(t *testing.T) {
	origin, originLog := newOrigin(t, htmlHandler("origin"))
	rt, obs := newRouter(t, origin.URL, nil)

	for _, target := range []string{
		"http://169.254.169.254/latest/meta-data/iam/a.jpg",
		"https://cdn.thirdparty.com/media/a.jpg",
	} {
		_, err := rt.Route(httptest.NewRequest(http.MethodGet, "/cdn-cgi/image/quality=90/"+target, nil))
		assert.ErrorIs(t, err, ErrDomainNotAllowed, target)
		assert.Equal(t, OutcomeDomainNotAllowed, obs.last())
	}
	assert.Empty(t, originLog.paths())

	assert.True(t, rt.domainAllowed("127.0.0.1"))
	assert.False(t, rt.domainAllowed("169.254.169.254"))
}

func TestResizeProxyAnyDomain(t *testing.T) {
	origin, _ := newOrigin(t, htmlHandler("origin"))
	rt, _ := newRouter(t, origin.URL, func(o *Options) {
		o.AllowedDomains = []string{"shop.example.com", "*"}
	})

	assert.True(t, rt.domainAllowed("169.254.169.254"))
	assert.True(t, rt.domainAllowed("shop.example.com"))
}

func TestResizeProxyGuardDisabled(t *testing.T) {
	origin, originLog := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		io.WriteString(w, "jpeg")
	})
	rt, _ := newRouter(t, origin.URL, func(o *Options) { o.ProxyGuard = false })

	resp, err := rt.Route(httptest.NewRequest(http.MethodGet, "/cdn-cgi/image/quality=90/media/a.jpg", nil))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", readBody(t, resp))
	assert.Equal(t, []string{"/cdn-cgi/image/quality=90/media/a.jpg"}, originLog.paths())
}

func TestExtractProxyTarget(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/cdn-cgi/image/quality=90/https://shop.example.com/media/a.jpg", "https://shop.example.com/media/a.jpg"},
		{"/cdn-cgi/image/quality=90/https:/shop.example.com/media/a.jpg", "https://shop.example.com/media/a.jpg"},
		{"/cdn-cgi/image/q=1/https%3A%2F%2Fshop.example.com%2Fmedia%2Fa.jpg", "https://shop.example.com/media/a.jpg"},
		{"/cdn-cgi/image/q=1/http://shop.example.com:8080/a.png?x=1", "http://shop.example.com:8080/a.png?x=1"},
	}

	for _, tt := range tests {
		u, err := url.ParseRequestURI(tt.in)
		require.NoError(t, err)

		got, err := ExtractProxyTarget(u)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got.String())
	}
}

func TestForwardsRequestToOrigin(t *testing.T) {
	origin, log := newOrigin(t, htmlHandler("<p>hi</p>"))
	base, err := url.Parse(origin.URL + "/store/")
	require.NoError(t, err)
	rt, _ := newRouter(t, origin.URL, func(o *Options) { o.Origin = base })

	req := httptest.NewRequest(http.MethodPost, "/checkout/cart/add?product=1", strings.NewReader("qty=2"))
	req.Host = "shop.example.com"
	req.Header.Set("Cookie", "PHPSESSID=abc")
	req.Header.Set("Connection", "keep-alive, X-Secret")
	req.Header.Set("X-Secret", "drop me")
	req.RemoteAddr = "203.0.113.7:5555"

	resp, err := rt.Route(req)
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", readBody(t, resp))

	got := log.lastRequest()
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/store/checkout/cart/add?product=1", got.URL.RequestURI())
	assert.Equal(t, "shop.example.com", got.Host)
	assert.Equal(t, "PHPSESSID=abc", got.Header.Get("Cookie"))
	assert.Empty(t, got.Header.Get("X-Secret"))
	assert.Equal(t, "203.0.113.7", got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "shop.example.com", got.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "http", got.Header.Get("X-Forwarded-Proto"))
}

func TestDecodesCompressedHTML(t *testing.T) {
	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := io.WriteString(gw, productHTML)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	var br bytes.Buffer
	bw := brotli.NewWriter(&br)
	_, err = io.WriteString(bw, productHTML)
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	bodies := map[string][]byte{"gzip": gz.Bytes(), "br": br.Bytes()}
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		enc := strings.TrimPrefix(r.URL.Path, "/")
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", enc)
		w.Write(bodies[enc])
	})
	rt, _ := newRouter(t, origin.URL, nil)

	for enc := range bodies {
		req := httptest.NewRequest(http.MethodGet, "/"+enc, nil)
		req.Header.Set("Accept-Encoding", enc)

		resp, err := rt.Route(req)
		require.NoError(t, err, enc)
		assert.Empty(t, resp.Header.Get("Content-Encoding"), enc)
		assert.Equal(t, rewrittenProductHTML, readBody(t, resp), enc)
	}
}

func TestUnsupportedEncodingIsPassedThrough(t *testing.T) {
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "compress")
		io.WriteString(w, "opaque")
	})
	rt, obs := newRouter(t, origin.URL, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "compress")
	resp, err := rt.Route(req)
	require.NoError(t, err)
	assert.Equal(t, "compress", resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "opaque", readBody(t, resp))
	assert.Equal(t, OutcomeUnsupportedEncoding, obs.last())
}

func TestOriginUnreachable(t *testing.T) {
	origin, _ := newOrigin(t, htmlHandler(""))
	rt, obs := newRouter(t, origin.URL, nil)
	origin.Close()

	_, err := rt.Route(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Error(t, err)
	assert.Equal(t, OutcomeOriginError, obs.last())
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Origin: &url.URL{Scheme: "http", Host: "origin"}})
	assert.Error(t, err)
}

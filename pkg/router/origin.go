package router

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Hop-by-hop headers, never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// fetchOrigin forwards req to the origin. The response is not inspected.
func (rt *Router) fetchOrigin(req *http.Request) (*http.Response, error) {
	u := *rt.origin
	u.Path = strings.TrimSuffix(rt.origin.Path, "/") + req.URL.Path
	u.RawPath = ""
	if req.URL.RawPath != "" {
		u.RawPath = strings.TrimSuffix(rt.origin.EscapedPath(), "/") + req.URL.RawPath
	}
	u.RawQuery = req.URL.RawQuery
	u.Fragment = ""

	out, err := http.NewRequestWithContext(req.Context(), req.Method, u.String(), requestBody(req))
	if err != nil {
		return nil, fmt.Errorf("error building origin request: %w", err)
	}
	out.ContentLength = req.ContentLength
	copyHeader(out.Header, req.Header)

	if rt.preserveHost && req.Host != "" {
		out.Host = req.Host
	}
	if out.Header.Get("X-Forwarded-Host") == "" && req.Host != "" {
		out.Header.Set("X-Forwarded-Host", req.Host)
	}
	if out.Header.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if req.TLS != nil {
			proto = "https"
		}
		out.Header.Set("X-Forwarded-Proto", proto)
	}
	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}

	return rt.client.Do(out)
}

func requestBody(req *http.Request) io.Reader {
	if req.Body == nil || req.ContentLength == 0 {
		return http.NoBody
	}
	return req.Body
}

// copyHeader copies src into dst, leaving out hop-by-hop headers and the
// headers named in Connection.
func copyHeader(dst, src http.Header) {
	skip := map[string]bool{}
	for _, h := range hopHeaders {
		skip[h] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				skip[http.CanonicalHeaderKey(name)] = true
			}
		}
	}

	for k, vv := range src {
		if skip[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

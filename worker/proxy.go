//go:build js && wasm

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall/js"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/andesco/imgladder/pkg/config"
	"github.com/andesco/imgladder/pkg/rewriter"
	"github.com/andesco/imgladder/pkg/router"
	"github.com/andesco/imgladder/pkg/ruleset"
)

type worker struct {
	router *router.Router
	rules  ruleset.RuleSet
	expose bool
	prefix string
}

var (
	mu       sync.Mutex
	instance *worker
)

func initWorker(env js.Value) (*worker, error) {
	mu.Lock()
	defer mu.Unlock()
	if instance != nil {
		return instance, nil
	}

	settings, err := config.FromEnv(func(key string) (string, bool) {
		return getEnvVar(env, key)
	})
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if lvl, err := log.ParseLevel(settings.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if settings.Ruleset != "" {
		log.WithField("ruleset", settings.Ruleset).Warn("ruleset files cannot be read by the worker, using built-in rules")
	}

	origin, _ := settings.OriginURL()
	cfg, _ := settings.RewriteConfig()
	table, err := ruleset.NewTable(nil, settings.AssetDomains())
	if err != nil {
		return nil, err
	}

	rt, err := router.New(router.Options{
		Origin:         origin,
		PreserveHost:   settings.PreserveHost,
		AdminPaths:     settings.AdminPaths,
		ProxyGuard:     settings.ProxyGuard,
		AllowedDomains: settings.AllowedDomains,
		Client: &http.Client{
			Timeout:   time.Duration(settings.Timeout) * time.Second,
			Transport: fetchTransport{},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Rewriter: rewriter.NewImageRewriter(cfg, table, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize router: %w", err)
	}

	instance = &worker{
		router: rt,
		rules:  table.Rules(),
		expose: settings.ExposeRuleset,
		prefix: settings.InternalPrefix,
	}
	return instance, nil
}

// fetchTransport runs requests through the runtime's fetch. Redirects are
// returned instead of followed, and fetch has already decoded the body.
type fetchTransport struct{}

func (fetchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("js.fetch:redirect", "manual")

	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.Header.Get("Content-Encoding") != "" {
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
		resp.Uncompressed = true
	}
	return resp, nil
}

func proxyHandler(w *worker, request js.Value) js.Value {
	req, err := toRequest(request)
	if err != nil {
		log.WithError(err).Error("could not convert request")
		return createErrorResponse(400, err.Error())
	}
	if req.Header.Get("X-Request-Id") == "" {
		req.Header.Set("X-Request-Id", uuid.NewString())
	}

	resp, err := w.router.Route(req)
	switch {
	case errors.Is(err, router.ErrMissingOriginTarget):
		return createErrorResponse(400, err.Error())
	case errors.Is(err, router.ErrDomainNotAllowed):
		return createErrorResponse(403, err.Error())
	case err != nil:
		log.WithError(err).WithField("path", req.URL.Path).Error("failed to route request")
		return createErrorResponse(502, "Bad Gateway")
	}

	return toResponse(resp)
}

func toRequest(request js.Value) (*http.Request, error) {
	method := request.Get("method").String()

	var body io.Reader = http.NoBody
	if method != http.MethodGet && method != http.MethodHead {
		buf, err := await(request.Call("arrayBuffer"))
		if err != nil {
			return nil, fmt.Errorf("error reading request body: %w", err)
		}
		data := make([]byte, buf.Get("byteLength").Int())
		js.CopyBytesToGo(data, js.Global().Get("Uint8Array").New(buf))
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, request.Get("url").String(), body)
	if err != nil {
		return nil, err
	}

	forEach := js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		req.Header.Add(args[1].String(), args[0].String())
		return nil
	})
	defer forEach.Release()
	request.Get("headers").Call("forEach", forEach)

	if ip := req.Header.Get("Cf-Connecting-Ip"); ip != "" {
		req.RemoteAddr = net.JoinHostPort(ip, "0")
	}
	if req.Header.Get("X-Forwarded-Proto") == "" {
		req.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	}
	return req, nil
}

var skipResponseHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
}

// toResponse wraps the routed response in a JavaScript Response whose body is
// pulled from resp.Body as the client reads it.
func toResponse(resp *http.Response) js.Value {
	headers := js.Global().Get("Headers").New()
	for key, values := range resp.Header {
		if skipResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, value := range values {
			headers.Call("append", key, value)
		}
	}

	responseInit := js.Global().Get("Object").New()
	responseInit.Set("status", resp.StatusCode)
	responseInit.Set("headers", headers)

	jsBody := js.Null()
	if nullBodyStatus(resp.StatusCode) {
		resp.Body.Close()
	} else {
		jsBody = readableStream(resp.Body)
	}
	return js.Global().Get("Response").New(jsBody, responseInit)
}

const streamChunkSize = 32 << 10

// readableStream exposes body as a pull-based ReadableStream. Each pull reads
// one chunk; body is closed at EOF, on error or when the client cancels.
func readableStream(body io.ReadCloser) js.Value {
	var (
		pull, cancel js.Func
		once         sync.Once
	)
	finish := func() {
		once.Do(func() {
			body.Close()
			pull.Release()
			cancel.Release()
		})
	}

	buf := make([]byte, streamChunkSize)
	pull = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		controller := args[0]

		var executor js.Func
		executor = js.FuncOf(func(this js.Value, promiseArgs []js.Value) interface{} {
			resolve := promiseArgs[0]

			// Read blocks on the origin fetch, which needs the event loop
			go func() {
				n, err := body.Read(buf)
				if n > 0 {
					chunk := js.Global().Get("Uint8Array").New(n)
					js.CopyBytesToJS(chunk, buf[:n])
					controller.Call("enqueue", chunk)
				}
				switch {
				case err == io.EOF:
					finish()
					controller.Call("close")
				case err != nil:
					log.WithError(err).Error("error streaming routed response")
					finish()
					controller.Call("error", js.Global().Get("Error").New(err.Error()))
				}
				resolve.Invoke()
			}()
			return nil
		})
		defer executor.Release()

		return js.Global().Get("Promise").New(executor)
	})
	cancel = js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		finish()
		return nil
	})

	source := js.Global().Get("Object").New()
	source.Set("pull", pull)
	source.Set("cancel", cancel)
	return js.Global().Get("ReadableStream").New(source)
}

func nullBodyStatus(status int) bool {
	switch status {
	case http.StatusSwitchingProtocols, http.StatusNoContent, http.StatusResetContent, http.StatusNotModified:
		return true
	}
	return false
}

// await blocks the calling goroutine until promise settles.
func await(promise js.Value) (js.Value, error) {
	var (
		result js.Value
		err    error
	)
	done := make(chan struct{})

	onResolve := js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		result = args[0]
		close(done)
		return nil
	})
	defer onResolve.Release()
	onReject := js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		err = errors.New(args[0].Call("toString").String())
		close(done)
		return nil
	})
	defer onReject.Release()

	promise.Call("then", onResolve, onReject)
	<-done
	return result, err
}

//go:build js && wasm

// Command worker runs imgladder inside Cloudflare Workers. The JavaScript shim
// calls goFetch(request, env) for every fetch event.
package main

import (
	"fmt"
	"syscall/js"

	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	js.Global().Set("goFetch", js.FuncOf(fetchHandler))

	log.Info("imgladder worker loaded")

	// Keep the program running
	select {}
}

func fetchHandler(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return js.Global().Get("Promise").Call("reject", js.ValueOf("Expected 2 arguments: request, env"))
	}

	request := args[0]
	env := args[1]

	return js.Global().Get("Promise").New(js.FuncOf(func(this js.Value, promiseArgs []js.Value) interface{} {
		resolve := promiseArgs[0]
		reject := promiseArgs[1]

		// blocking calls (fetch, body reads) must not run on the event loop
		go func() {
			defer func() {
				if r := recover(); r != nil {
					reject.Invoke(js.ValueOf(fmt.Sprintf("Panic: %v", r)))
				}
			}()
			resolve.Invoke(handleRequest(request, env))
		}()

		return nil
	}))
}

func handleRequest(request, env js.Value) js.Value {
	w, err := initWorker(env)
	if err != nil {
		log.WithError(err).Error("could not initialize worker")
		return createErrorResponse(500, "Could not initialize imgladder")
	}

	path := js.Global().Get("URL").New(request.Get("url")).Get("pathname").String()
	switch path {
	case w.prefix + "healthz":
		return createTextResponse(200, "ok")
	case w.prefix + "ruleset":
		return rulesetHandler(w)
	}
	return proxyHandler(w, request)
}

func createTextResponse(status int, message string) js.Value {
	headers := js.Global().Get("Object").New()
	headers.Set("Content-Type", "text/plain")

	responseInit := js.Global().Get("Object").New()
	responseInit.Set("status", status)
	responseInit.Set("headers", headers)

	return js.Global().Get("Response").New(message, responseInit)
}

func createErrorResponse(status int, message string) js.Value {
	headers := js.Global().Get("Object").New()
	headers.Set("Content-Type", "text/plain")

	responseInit := js.Global().Get("Object").New()
	responseInit.Set("status", status)
	responseInit.Set("statusText", message)
	responseInit.Set("headers", headers)

	return js.Global().Get("Response").New(message, responseInit)
}

func getEnvVar(env js.Value, key string) (string, bool) {
	if env.IsUndefined() || env.IsNull() {
		return "", false
	}
	v := env.Get(key)
	if v.IsUndefined() || v.IsNull() {
		return "", false
	}
	return v.String(), true
}

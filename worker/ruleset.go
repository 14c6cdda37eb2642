//go:build js && wasm

package main

import (
	"syscall/js"

	"gopkg.in/yaml.v3"
)

func rulesetHandler(w *worker) js.Value {
	if !w.expose {
		return createErrorResponse(403, "Ruleset Disabled")
	}

	body, err := yaml.Marshal(w.rules)
	if err != nil {
		return createErrorResponse(500, err.Error())
	}

	headers := js.Global().Get("Object").New()
	headers.Set("Content-Type", "application/x-yaml")

	responseInit := js.Global().Get("Object").New()
	responseInit.Set("status", 200)
	responseInit.Set("headers", headers)

	return js.Global().Get("Response").New(string(body), responseInit)
}

package handlers

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/andesco/imgladder/pkg/router"
	"github.com/andesco/imgladder/pkg/ruleset"
)

type AppOptions struct {
	// Context becomes the context of every request; cancelling it aborts
	// in-flight origin fetches. Nil leaves fiber's background context.
	Context        context.Context
	Router         *router.Router
	Rules          ruleset.RuleSet
	ExposeRuleset  bool
	InternalPrefix string
	// Gatherer backs the metrics endpoint; nil disables it.
	Gatherer       prometheus.Gatherer
}

// NewApp returns the fiber app: the internal endpoints under InternalPrefix,
// everything else through RewriteSite.
func NewApp(o AppOptions) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage:     true,
		DisableDefaultDate:        true,
		DisableDefaultContentType: true,
	})

	if o.Context != nil {
		app.Use(func(c *fiber.Ctx) error {
			c.SetUserContext(o.Context)
			return c.Next()
		})
	}

	internal := app.Group(strings.TrimSuffix(o.InternalPrefix, "/"))
	internal.Get("/healthz", Health)
	internal.Get("/ruleset", Ruleset(o.Rules, o.ExposeRuleset))
	if o.Gatherer != nil {
		internal.Get("/metrics", Metrics(o.Gatherer))
	}

	app.All("/*", RewriteSite(o.Router))
	return app
}

package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/andesco/imgladder/pkg/ruleset"
)

// Ruleset serves the effective rule table as YAML.
func Ruleset(rules ruleset.RuleSet, expose bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !expose {
			return c.Status(fiber.StatusForbidden).SendString("Ruleset Disabled")
		}

		body, err := yaml.Marshal(rules)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).SendString(err.Error())
		}

		c.Set(fiber.HeaderContentType, "application/x-yaml")
		return c.Send(body)
	}
}

func Metrics(g prometheus.Gatherer) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}

func Health(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlain)
	return c.SendString("ok")
}

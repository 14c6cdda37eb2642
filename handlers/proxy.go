package handlers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/andesco/imgladder/pkg/router"
)

// Response headers owned by the fiber server.
var skipResponseHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// RewriteSite is a Fiber handler that routes every request through the image
// rewriting router and streams the result back.
func RewriteSite(rt *router.Router) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req, err := convertRequest(c)
		if err != nil {
			log.WithError(err).Error("could not convert request")
			return c.Status(fiber.StatusBadRequest).SendString("Could not read request")
		}

		resp, err := rt.Route(req)
		switch {
		case errors.Is(err, router.ErrMissingOriginTarget):
			return c.Status(fiber.StatusBadRequest).SendString(err.Error())
		case errors.Is(err, router.ErrDomainNotAllowed):
			return c.Status(fiber.StatusForbidden).SendString(err.Error())
		case err != nil:
			log.WithError(err).WithFields(log.Fields{
				"path":       req.URL.Path,
				"request_id": req.Header.Get("X-Request-Id"),
			}).Error("failed to route request")
			return c.Status(fiber.StatusBadGateway).SendString("Bad Gateway")
		}

		return sendResponse(c, resp)
	}
}

// convertRequest builds a net/http request from the raw request URI, so that
// resize-proxy paths keep their "//" and percent-encoding.
func convertRequest(c *fiber.Ctx) (*http.Request, error) {
	req := new(http.Request)
	if err := fasthttpadaptor.ConvertRequest(c.Context(), req, true); err != nil {
		return nil, err
	}
	if req.Header.Get("X-Request-Id") == "" {
		req.Header.Set("X-Request-Id", uuid.NewString())
	}
	return req.WithContext(c.UserContext()), nil
}

// sendResponse copies status and headers and hands the body to fasthttp,
// which streams it and closes it once written.
func sendResponse(c *fiber.Ctx, resp *http.Response) error {
	c.Status(resp.StatusCode)
	for key, values := range resp.Header {
		if skipResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}

	if c.Method() == fiber.MethodHead {
		if resp.ContentLength >= 0 {
			c.Response().Header.SetContentLength(int(resp.ContentLength))
		}
		return resp.Body.Close()
	}

	c.Context().SetBodyStream(resp.Body, int(resp.ContentLength))
	return nil
}

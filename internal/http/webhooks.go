package http

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jmehdipour/shop-events/internal/http/middleware"
	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmehdipour/shop-events/internal/registry"
	"github.com/jmehdipour/shop-events/internal/service/queue"
	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

const (
	headerTopic     = "X-Shop-Topic"
	headerWebhookID = "X-Webhook-Id"
	headerSessionID = "X-Session-Id"
	headerScopes    = "X-Access-Scopes"
)

// webhookHandler acknowledges as soon as the event is admitted; the work runs
// on the queue or the fallback executor.
func webhookHandler(svc *queue.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		topic := model.ParseTopic(c.Request().Header.Get(headerTopic))
		tenant := strings.ToLower(strings.TrimSpace(c.Request().Header.Get(middleware.TenantHeader)))
		if topic == "" || tenant == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing topic or shop domain"})
		}

		payload, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		err = svc.Submit(c.Request().Context(), topic, tenant, payload, model.Meta{
			CorrelationID: strings.TrimSpace(c.Request().Header.Get(headerWebhookID)),
			SessionID:     strings.TrimSpace(c.Request().Header.Get(headerSessionID)),
			Scopes:        splitScopes(c.Request().Header.Get(headerScopes)),
		})
		switch {
		case err == nil:
			return c.JSON(http.StatusOK, map[string]any{"accepted": true})
		case errors.Is(err, registry.ErrUnknownTopic):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unsupported topic", "topic": topic.String()})
		case errors.Is(err, queue.ErrInvalidEvent):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		default:
			log.Errorf("submit %s for %s: %v", topic, tenant, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
	}
}

func splitScopes(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

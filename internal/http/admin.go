package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/jmehdipour/shop-events/internal/model"
	jobqueue "github.com/jmehdipour/shop-events/internal/queue"
	"github.com/jmehdipour/shop-events/internal/repository"
	"github.com/jmehdipour/shop-events/internal/retention"
	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// QueueInspector is nil when the process runs without the shared store.
type QueueInspector interface {
	DeadLetters(ctx context.Context, limit int) ([]jobqueue.DeadLetter, error)
	Completed(ctx context.Context, limit int) ([]jobqueue.CompletedEntry, error)
	Stats(ctx context.Context) (jobqueue.Stats, error)
}

type Policies interface {
	GetPolicy(ctx context.Context, tenantID string, category model.DataCategory) (int, error)
	SetPolicy(ctx context.Context, tenantID string, category model.DataCategory, days int) error
}

type policyReq struct {
	RetentionDays int `json:"retention_days"`
}

func getPolicyHandler(p Policies) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant, category := c.Param("tenant"), model.DataCategory(c.Param("category"))
		days, err := p.GetPolicy(c.Request().Context(), tenant, category)
		if err != nil {
			return policyError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"tenant_id":      tenant,
			"category":       category,
			"retention_days": days,
		})
	}
}

func putPolicyHandler(p Policies) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req policyReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		tenant, category := c.Param("tenant"), model.DataCategory(c.Param("category"))
		if err := p.SetPolicy(c.Request().Context(), tenant, category, req.RetentionDays); err != nil {
			return policyError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"tenant_id":      tenant,
			"category":       category,
			"retention_days": req.RetentionDays,
		})
	}
}

func policyError(c echo.Context, err error) error {
	if errors.Is(err, retention.ErrInvalidPolicy) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	log.Errorf("retention policy: %v", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
}

func deadLettersHandler(q QueueInspector) echo.HandlerFunc {
	return func(c echo.Context) error {
		if q == nil {
			return queueDisabled(c)
		}
		limit, _ := pageParams(c, 100)
		items, err := q.DeadLetters(c.Request().Context(), limit)
		if err != nil {
			log.Errorf("dead letters: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "store error"})
		}
		return c.JSON(http.StatusOK, map[string]any{"items": items, "count": len(items)})
	}
}

func completedHandler(q QueueInspector) echo.HandlerFunc {
	return func(c echo.Context) error {
		if q == nil {
			return queueDisabled(c)
		}
		limit, _ := pageParams(c, 100)
		items, err := q.Completed(c.Request().Context(), limit)
		if err != nil {
			log.Errorf("completed jobs: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "store error"})
		}
		return c.JSON(http.StatusOK, map[string]any{"items": items, "count": len(items)})
	}
}

func queueStatsHandler(q QueueInspector) echo.HandlerFunc {
	return func(c echo.Context) error {
		if q == nil {
			return queueDisabled(c)
		}
		st, err := q.Stats(c.Request().Context())
		if err != nil {
			log.Errorf("queue stats: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "store error"})
		}
		return c.JSON(http.StatusOK, st)
	}
}

func queueDisabled(c echo.Context) error {
	return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "queue disabled, running in fallback mode"})
}

func listAuditHandler(audit repository.AuditRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := pageParams(c, 50)
		items, err := audit.ListByTenant(c.Request().Context(), c.Param("tenant"), limit, offset)
		if err != nil {
			log.Errorf("list audit: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if items == nil {
			items = []model.ComplianceAuditRecord{}
		}
		return c.JSON(http.StatusOK, map[string]any{
			"items":  items,
			"limit":  limit,
			"offset": offset,
		})
	}
}

func pageParams(c echo.Context, def int) (limit, offset int) {
	limit = def
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

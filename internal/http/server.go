package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmehdipour/shop-events/internal/http/middleware"
	"github.com/jmehdipour/shop-events/internal/metrics"
	"github.com/jmehdipour/shop-events/internal/ratelimit"
	"github.com/jmehdipour/shop-events/internal/repository"
	"github.com/jmehdipour/shop-events/internal/service/queue"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Deps struct {
	Service    *queue.Service
	Limiter    middleware.Checker
	RateLimit  ratelimit.Config
	Policies   Policies
	Queue      QueueInspector // nil in fallback mode
	Audit      repository.AuditRepository
	AdminToken string
	LogLevel   string
	Log        *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLevel(d.LogLevel))
	log.SetLevel(echoLevel(d.LogLevel))
	e.Use(echoMid.Recover(), echoMid.BodyLimit("1M"))

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "queued": d.Service.Queued()})
	})

	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Limiter:        d.Limiter,
		Limit:          d.RateLimit,
		RetryAfterHint: true,
	})

	v1 := e.Group("/v1")
	v1.POST("/webhooks", webhookHandler(d.Service), rlMW)

	admin := v1.Group("/admin", middleware.AdminTokenMiddleware(d.AdminToken))
	admin.GET("/retention/:tenant/:category", getPolicyHandler(d.Policies))
	admin.PUT("/retention/:tenant/:category", putPolicyHandler(d.Policies))
	admin.GET("/dead-letters", deadLettersHandler(d.Queue))
	admin.GET("/completed", completedHandler(d.Queue))
	admin.GET("/queue/stats", queueStatsHandler(d.Queue))
	admin.GET("/audit/:tenant", listAuditHandler(d.Audit))

	return &Server{e: e, log: d.Log}
}

func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func echoLevel(level string) log.Lvl {
	switch strings.ToLower(level) {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}

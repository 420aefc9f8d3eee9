package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/config"
	"github.com/jmehdipour/campaign-gateway/internal/http/middleware"
	"github.com/jmehdipour/campaign-gateway/internal/metrics"
	"github.com/jmehdipour/campaign-gateway/internal/notify"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/service/campaign"
	"github.com/jmehdipour/campaign-gateway/internal/service/queue"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

// Deps are the collaborators the API needs from the serve process.
type Deps struct {
	MySQL      *sqlx.DB
	ClickHouse *sqlx.DB
	Redis      *redis.Client
	// Emit receives campaign.created/updated; serve passes the Redis bus so
	// every serve replica relays them to its own websocket clients.
	Emit notify.Emitter
	// WS is mounted at /v1/ws.
	WS  http.Handler
	Log *zap.Logger
}

func NewServer(cfg config.Config, d Deps) *Server {
	// repos (MySQL)
	campaignsRepo := repository.NewCampaignsRepository(d.MySQL)
	outboxRepo := repository.NewOutboxRepository(d.MySQL)
	usersRepo := repository.NewUsersRepository(d.MySQL)

	// repos (ClickHouse)
	historyRepo := repository.NewHistoryRepository(d.ClickHouse)

	// services
	queueSvc := queue.New(d.MySQL, outboxRepo, cfg.Queue.Topic)
	campaignSvc := campaign.New(campaignsRepo, queueSvc, d.Emit, cfg.SMS.DefaultCountryCode, d.Log)

	e := newEcho(cfg.Log.Level)

	authMW := middleware.APIKeyMiddleware(usersRepo)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		DefaultRPS:     cfg.RateLimit.RPS,
		Window:         time.Second,
		RetryAfterHint: true,
	})

	v1 := e.Group("/v1", authMW, rlMW)
	registerCampaignRoutes(v1, campaignSvc, historyRepo)
	if d.WS != nil {
		v1.GET("/ws", echo.WrapHandler(d.WS))
	}

	return &Server{e: e, log: d.Log.Named("http")}
}

func newEcho(level string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(echoLevel(level))
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return e
}

// NewMetricsServer serves only /metrics and /healthz; worker processes use it.
func NewMetricsServer(level string, log *zap.Logger) *Server {
	return &Server{e: newEcho(level), log: log.Named("metrics")}
}

func echoLevel(level string) log.Lvl {
	switch level {
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

func (s *Server) Start(addr string) error {
	s.log.Info("listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/paymaster/internal/config"
	idempotencydomain "github.com/smallbiznis/paymaster/internal/idempotency/domain"
	ledgerdomain "github.com/smallbiznis/paymaster/internal/ledger/domain"
	"github.com/smallbiznis/paymaster/internal/observability"
	obsmiddleware "github.com/smallbiznis/paymaster/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/paymaster/internal/observability/metrics"
	obstracing "github.com/smallbiznis/paymaster/internal/observability/tracing"
	paymasterdomain "github.com/smallbiznis/paymaster/internal/paymaster/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module serves the paymaster and credit account APIs. The domain modules it
// depends on are composed by each binary.
var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(RunHTTP),
)

const maxBodyBytes = 64 << 10

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	paymasterSvc   paymasterdomain.Service
	ledgerSvc      ledgerdomain.Service
	idempotencySvc idempotencydomain.Service
	obsMetrics     *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	PaymasterSvc   paymasterdomain.Service
	LedgerSvc      ledgerdomain.Service
	IdempotencySvc idempotencydomain.Service
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http"),
		paymasterSvc:   p.PaymasterSvc,
		ledgerSvc:      p.LedgerSvc,
		idempotencySvc: p.IdempotencySvc,
		obsMetrics:     p.ObsMetrics,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// RegisterRoutes mounts every public route on the engine.
func RegisterRoutes(s *Server) {
	s.RegisterPaymasterRoutes()
	s.RegisterCreditRoutes()
	s.RegisterFallback()
}

func (s *Server) RegisterPaymasterRoutes() {
	pm := s.engine.Group("/paymaster", limitBody(maxBodyBytes))
	{
		pm.POST("/preauth", s.Preauth)
		pm.POST("/settle", s.Settle)
		pm.POST("/release", s.Release)
	}
}

func (s *Server) RegisterCreditRoutes() {
	accounts := s.engine.Group("/credits/accounts/:orgId", limitBody(maxBodyBytes))
	{
		accounts.GET("", s.GetAccount)
		accounts.POST("/topup", s.TopUp)
		accounts.GET("/transactions", s.ListTransactions)
	}
}

func (s *Server) RegisterFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, paymasterdomain.NotFound())
	})
}

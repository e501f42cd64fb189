package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/meterkit/creditledger/internal/config"
	creditdomain "github.com/meterkit/creditledger/internal/credit/domain"
	"github.com/meterkit/creditledger/internal/scheduler"
	"github.com/meterkit/creditledger/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(metrics *telemetry.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
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
	engine       *gin.Engine
	log          *zap.Logger
	grantSvc     creditdomain.Grants
	deductionSvc creditdomain.Deductions
	balanceSvc   creditdomain.Balances
	scheduler    *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Log          *zap.Logger
	GrantSvc     creditdomain.Grants
	DeductionSvc creditdomain.Deductions
	BalanceSvc   creditdomain.Balances
	Scheduler    *scheduler.Scheduler `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		log:          p.Log.Named("http"),
		grantSvc:     p.GrantSvc,
		deductionSvc: p.DeductionSvc,
		balanceSvc:   p.BalanceSvc,
		scheduler:    p.Scheduler,
	}

	svc.registerRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Grants --------
	v1.POST("/grants", s.CreateGrant)
	v1.POST("/grants/:id/revoke", s.RevokeGrant)
	v1.DELETE("/grants/:id", s.DeactivateGrant)

	// -------- Credits --------
	v1.POST("/credits/deduct", s.DeductCredits)
	v1.POST("/credits/hold", s.HoldCredits)
	v1.POST("/credits/confirm", s.ConfirmHold)
	v1.POST("/credits/release", s.ReleaseCredits)
	v1.POST("/credits/refund", s.RefundCredits)

	// -------- Per-user reads --------
	users := v1.Group("/users/:user_id")
	users.GET("/grants", s.ListGrants)
	users.GET("/balance", s.GetBalance)
	users.GET("/balance/total", s.GetTotalBalance)
	users.GET("/spent", s.GetSpentThisPeriod)
	users.GET("/expiring", s.GetExpiringCredits)
	users.GET("/logs", s.GetTransactionLogs)

	// -------- Jobs --------
	v1.POST("/jobs/monthly-grants", s.RunMonthlyGrants)
}

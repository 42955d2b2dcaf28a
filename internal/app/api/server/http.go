package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/promptcraft/billing/docs"
	"github.com/promptcraft/billing/internal/app/api/handlers"
	mw "github.com/promptcraft/billing/internal/app/api/middleware"
	"github.com/promptcraft/billing/internal/app/service/billing_profile"
	"github.com/promptcraft/billing/internal/app/service/confirmation"
	"github.com/promptcraft/billing/internal/app/service/ledger"
	nh "github.com/promptcraft/billing/internal/app/service/notification_handler"
	"github.com/promptcraft/billing/internal/app/service/recurring"
	"github.com/promptcraft/billing/internal/app/service/statistics"
	subsvc "github.com/promptcraft/billing/internal/app/service/subscription"
	cfgpkg "github.com/promptcraft/billing/pkg/config"
	metrics "github.com/promptcraft/billing/pkg/metrics"
)

func newEngine(cfg *cfgpkg.Config) *gin.Engine {
	if cfg.Env == cfgpkg.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	// Add request tracing middleware only; request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

// Routes groups everything the HTTP surface is built from.
type Routes struct {
	fx.In

	Config        *cfgpkg.Config
	Logger        *zap.SugaredLogger
	Confirmation  *confirmation.Service
	Profiles      *billing_profile.Service
	Subscriptions *subsvc.Service
	Ledger        *ledger.Service
	Webhook       *nh.NotificationHandler
	Recurring     *recurring.Service
	Statistics    *statistics.Service
}

func registerMetrics(r *gin.Engine, cfg *cfgpkg.Config, log *zap.SugaredLogger) {
	if cfg == nil || cfg.MetricsAddr == "" {
		return
	}
	p := metrics.NewPrometheus(metrics.NewPrometheusOptions{
		ReqCntURLLabelMappingFn: func(c *gin.Context) string {
			if fp := c.FullPath(); fp != "" {
				return fp
			}
			return "unmatched"
		},
		Logger: log,
	})
	p.SetListenAddress(cfg.MetricsAddr)
	p.Use(r)

	log.Infow("metrics started", "addr", cfg.MetricsAddr)
}

func registerRoutes(r *gin.Engine, rt Routes) {
	log, cfg := rt.Logger, rt.Config
	registerMetrics(r, cfg, log)

	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())
	handlers.RegisterHealthRoutes(pub)
	// Swagger UI
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := r.Group("/api")
	api.Use(mw.RequestLoggerMiddleware(log), mw.AccessLogMiddleware())

	// provider and scheduler callers carry no session
	handlers.RegisterWebhookRoutes(api.Group("/payments"), rt.Webhook, log)
	handlers.RegisterCronRoutes(api.Group("/cron", mw.CronAuthMiddleware(cfg, log)), rt.Recurring)

	user := api.Group("", mw.AuthMiddleware(cfg, log))
	handlers.RegisterBillingRoutes(user.Group("/billing"), rt.Confirmation, rt.Profiles)
	handlers.RegisterPaymentRoutes(user.Group("/payments"), rt.Confirmation, rt.Ledger)
	handlers.RegisterSubscriptionRoutes(user, rt.Confirmation, rt.Subscriptions)

	admin := user.Group("/admin", mw.AdminMiddleware(cfg))
	handlers.RegisterAdminRoutes(admin, rt.Statistics, rt.Ledger)
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting HTTP server", "addr", addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorf("server error: %v", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping HTTP server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
)

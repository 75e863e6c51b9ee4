package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/sita-guidance-api/api/swagger"
	"github.com/noah-isme/sita-guidance-api/internal/handler"
	"github.com/noah-isme/sita-guidance-api/internal/middleware"
	"github.com/noah-isme/sita-guidance-api/internal/models"
	"github.com/noah-isme/sita-guidance-api/internal/repository"
	"github.com/noah-isme/sita-guidance-api/internal/service"
	"github.com/noah-isme/sita-guidance-api/pkg/cache"
	"github.com/noah-isme/sita-guidance-api/pkg/config"
	"github.com/noah-isme/sita-guidance-api/pkg/database"
	"github.com/noah-isme/sita-guidance-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sita-guidance-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sita-guidance-api/pkg/middleware/requestid"
	"github.com/noah-isme/sita-guidance-api/pkg/storage"
)

// @title SITA Guidance API
// @version 0.1.0
// @description Thesis guidance session and approval chain workflow engine
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	rdb, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repositories.
	userRepo := repository.NewUserRepository(db)
	guidanceRepo := repository.NewGuidanceRepository(db)
	chainRepo := repository.NewChainRepository(db)
	thesisRepo := repository.NewThesisRepository(db)
	milestoneRepo := repository.NewMilestoneRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	changeRequestRepo := repository.NewChangeRequestRepository(db)
	cacheRepo := repository.NewCacheRepository(rdb, logr)

	// Services.
	metricsSvc := service.NewMetricsService()

	authSvc := service.NewAuthService(userRepo, validator.New(), logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "sita-guidance-api",
	})

	dispatcher := service.NewNotificationDispatcher(notificationRepo, cacheRepo, service.DispatcherConfig{
		ChannelPrefix:     cfg.Notifications.ChannelPrefix,
		DedupTTL:          cfg.Notifications.DedupTTL,
		WorkerConcurrency: cfg.Notifications.WorkerConcurrency,
		WorkerRetries:     cfg.Notifications.WorkerRetries,
		RetryDelay:        cfg.Notifications.RetryDelay,
	}, logr, service.WithDispatchMetrics(metricsSvc))
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	guidanceSvc := service.NewGuidanceService(guidanceRepo, milestoneRepo, thesisRepo, dispatcher, userRepo,
		service.GuidanceConfig{MinLeadTime: cfg.Guidance.MinLeadTime}, logr)
	chainSvc := service.NewChainService(chainRepo, changeRequestRepo, thesisRepo, dispatcher, userRepo, logr,
		service.WithChainViewCache(cacheRepo, cfg.Guidance.SessionViewTTL))
	readinessSvc := service.NewReadinessService(chainRepo, thesisRepo, dispatcher, userRepo, logr,
		service.WithReadinessViewCache(cacheRepo, cfg.Guidance.SessionViewTTL))
	milestoneSvc := service.NewMilestoneService(milestoneRepo, thesisRepo, logr)

	signer := storage.NewSignedURLSigner(cfg.Documents.SignedURLSecret, cfg.Documents.SignedURLTTL)
	documentSvc := service.NewDocumentService(thesisRepo, signer, cfg.APIPrefix, logr)

	// Router.
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	authHandler := handler.NewAuthHandler(authSvc)
	api.POST("/auth/login", authHandler.Login)
	api.POST("/auth/refresh", authHandler.Refresh)

	protected := api.Group("")
	protected.Use(middleware.JWT(authSvc))
	protected.POST("/auth/logout", authHandler.Logout)
	protected.POST("/auth/change-password", authHandler.ChangePassword)

	studentOnly := middleware.RequireRoles(models.RoleStudent, models.RoleAdmin)
	supervisorOnly := middleware.RequireRoles(models.RoleLecturer, models.RoleAdmin)
	approverOnly := middleware.RequireRoles(models.RoleLecturer, models.RoleKadep, models.RoleAdmin)

	guidanceHandler := handler.NewGuidanceHandler(guidanceSvc)
	protected.POST("/guidance", studentOnly, guidanceHandler.Request)
	protected.GET("/guidance", guidanceHandler.List)
	protected.GET("/guidance/:id", guidanceHandler.Get)
	protected.POST("/guidance/:id/accept", supervisorOnly, guidanceHandler.Accept)
	protected.POST("/guidance/:id/reject", supervisorOnly, guidanceHandler.Reject)
	protected.POST("/guidance/:id/reschedule", studentOnly, guidanceHandler.Reschedule)
	protected.POST("/guidance/:id/cancel", studentOnly, guidanceHandler.Cancel)
	protected.POST("/guidance/:id/summary", studentOnly, guidanceHandler.SubmitSummary)
	protected.POST("/guidance/:id/summary/approve", supervisorOnly, guidanceHandler.ApproveSummary)

	changeRequestHandler := handler.NewChangeRequestHandler(chainSvc)
	protected.POST("/change-requests", studentOnly, changeRequestHandler.Submit)
	protected.GET("/theses/:thesisId/change-requests", changeRequestHandler.ListByThesis)
	protected.POST("/theses/:thesisId/supervisor2", studentOnly, changeRequestHandler.RequestSupervisor2)
	protected.GET("/chains/:id", changeRequestHandler.GetChain)
	protected.POST("/chains/:id/review", approverOnly, changeRequestHandler.Review)

	readinessHandler := handler.NewReadinessHandler(readinessSvc)
	protected.POST("/readiness/:gate", studentOnly, readinessHandler.Request)
	protected.GET("/readiness/:gate/:thesisId", readinessHandler.Status)
	protected.POST("/chains/:id/revoke", supervisorOnly, readinessHandler.Revoke)

	notificationHandler := handler.NewNotificationHandler(dispatcher)
	protected.GET("/notifications", notificationHandler.List)
	protected.POST("/notifications/:id/read", notificationHandler.MarkRead)
	protected.POST("/notifications/read-all", notificationHandler.MarkAllRead)

	milestoneHandler := handler.NewMilestoneHandler(milestoneSvc)
	protected.POST("/milestones", studentOnly, milestoneHandler.Create)
	protected.GET("/milestones", milestoneHandler.List)
	protected.POST("/milestones/:id/complete", studentOnly, milestoneHandler.Complete)

	documentHandler := handler.NewDocumentHandler(documentSvc, guidanceSvc)
	protected.POST("/documents/final", studentOnly, documentHandler.AttachFinal)
	protected.GET("/theses/:thesisId/final-document", documentHandler.FinalLink)
	protected.GET("/guidance/:id/document", documentHandler.SessionLink)

	if cfg.Exports.Enabled {
		files, err := storage.NewLocalStorage(cfg.Documents.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init export storage", "error", err)
		}
		exportSvc := service.NewExportService(guidanceRepo, thesisRepo, files, signer,
			service.ExportConfig{APIPrefix: cfg.APIPrefix, ResultTTL: cfg.Documents.SignedURLTTL}, logr)
		exportHandler := handler.NewExportHandler(exportSvc)
		protected.POST("/exports", exportHandler.Generate)
		// Download is authenticated by the signed token itself.
		api.GET("/exports/download/:token", exportHandler.Download)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("forced shutdown", "error", err)
	}
}

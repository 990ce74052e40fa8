package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"civicportal/report-intake-service/config"
	"civicportal/report-intake-service/middleware"
	"civicportal/report-intake-service/service"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	EndPointHealth   = "/health"
	EndPointMetrics  = "/metrics"
	EndPointDrafts   = "/api/v1/drafts"
	EndPointDraft    = "/:id"
	EndPointImage    = "/:id/image"
	EndPointCategory = "/:id/categories"
	EndPointLocation = "/:id/location"
	EndPointFix      = "/:id/location/fix"
	EndPointSubmit   = "/:id/submit"
	EndPointEvents   = "/:id/events"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn(".env file not found, using system environment variables")
	}

	// Load configuration
	cfg := config.Load()
	setupLogging(cfg)

	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	svc, err := service.NewService(cfg)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	if err := svc.Start(); err != nil {
		log.Fatalf("Failed to start service: %v", err)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: setupRouter(svc, cfg),
	}

	go func() {
		log.Infof("Starting HTTP server on port %s", cfg.Port)
		log.Infof("Backend: %s", cfg.BackendURL)
		log.Infof("Rate limit: %d requests per minute", cfg.RateLimitPerMinute)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop taking requests before the drafts go away
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	if err := svc.Stop(); err != nil {
		log.WithError(err).Error("Error stopping service")
	}

	log.Info("Server exited")
}

func setupLogging(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		log.SetHandler(json.New(os.Stderr))
	} else {
		log.SetHandler(text.New(os.Stderr))
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.SetLevel(log.InfoLevel)
		log.Warnf("Unknown LOG_LEVEL %q, using info", cfg.LogLevel)
		return
	}
	log.SetLevel(level)
}

func setupRouter(svc *service.Service, cfg *config.Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.AccessLog())

	// Previews are data URLs, worth compressing
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{EndPointMetrics})))

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	router.Use(cors.New(corsConfig))

	h := svc.GetHandlers()

	router.GET(EndPointHealth, h.HealthCheck)
	router.GET(EndPointMetrics, gin.WrapH(promhttp.Handler()))

	api := router.Group(EndPointDrafts)
	api.Use(middleware.RateLimitMiddleware(svc.RateLimiter()))
	{
		api.POST("", h.CreateDraft)
		api.GET(EndPointDraft, h.GetDraft)
		api.PATCH(EndPointDraft, h.UpdateDraft)
		api.DELETE(EndPointDraft, h.DeleteDraft)

		api.PUT(EndPointImage, h.AttachImage)
		api.DELETE(EndPointImage, h.RemoveImage)

		api.PUT(EndPointCategory, h.SelectCategories)

		api.POST(EndPointLocation, h.RequestLocation)
		api.POST(EndPointFix, h.LocationFix)

		api.POST(EndPointSubmit, h.SubmitDraft)
	}

	// Event streams stay open for long; keep them out of the rate limit
	router.GET(EndPointDrafts+EndPointEvents, h.ListenDraft)

	return router
}

// Package api provides HTTP routing for the OCM CA service.
// It wires handlers, middleware and services into the endpoints the dashboard
// proxy forwards to.
package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/api/handlers"
	"github.com/robcowart/ocm-ca/internal/api/middleware"
	"github.com/robcowart/ocm-ca/internal/api/response"
	"github.com/robcowart/ocm-ca/internal/config"
	"github.com/robcowart/ocm-ca/internal/service"
)

// Services are the dependencies the router hands to its handlers
type Services struct {
	DB           handlers.Pinger
	Sessions     *service.SessionManager
	Root         *service.RootStore
	Issuer       *service.Issuer
	Certificates *service.CertificateService
	Revocations  *service.RevocationManager
	Audit        *service.AuditLog
	Version      string
}

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *config.Config, svc *Services, logger *zap.Logger) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.CORSMiddleware(cfg))

	healthHandler := handlers.NewHealthHandler(svc.DB, svc.Version, logger)
	setupHandler := handlers.NewSetupHandler(svc.Sessions, svc.Audit, logger)
	authHandler := handlers.NewAuthHandler(svc.Sessions, svc.Audit, cfg.Session, logger)
	caHandler := handlers.NewCAHandler(svc.Root, svc.Revocations, svc.Audit, logger)
	certHandler := handlers.NewCertificateHandler(svc.Issuer, svc.Certificates, svc.Revocations, svc.Audit, logger)
	auditHandler := handlers.NewAuditHandler(svc.Audit, logger)

	requestTimeout := middleware.TimeoutMiddleware(cfg.Server.RequestTimeout)
	uploadTimeout := middleware.TimeoutMiddleware(cfg.Server.UploadTimeout)

	loginChain := []gin.HandlerFunc{requestTimeout}
	if cfg.Security.RateLimitEnabled {
		limiter := middleware.NewRateLimiter(cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindow)
		loginChain = append(loginChain, middleware.RateLimitMiddleware(limiter, logger))
	}
	loginChain = append(loginChain, authHandler.Login)

	// Public routes
	public := router.Group("/api")
	{
		public.GET("/health", requestTimeout, healthHandler.Health)
		public.GET("/setup", requestTimeout, setupHandler.GetStatus)
		public.POST("/setup", requestTimeout, setupHandler.PerformSetup)
		public.POST("/login", loginChain...)
		public.POST("/logout", requestTimeout, authHandler.Logout)

		// ca and crl are public trust material
		public.GET("/download/:name", requestTimeout, caHandler.DownloadPublic)
	}

	// Protected routes (require a session)
	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(svc.Sessions, cfg.Session.CookieName, logger))
	{
		// Issuance may carry a multipart form and RSA key generation
		protected.POST("/certificates", uploadTimeout, certHandler.CreateCertificate)

		bounded := protected.Group("", requestTimeout)
		bounded.GET("/session", authHandler.GetSession)

		bounded.GET("/ca-info", caHandler.GetInfo)
		bounded.GET("/crl-info", caHandler.GetCRLInfo)
		bounded.POST("/ca/regenerate", middleware.RequireRole("admin"), caHandler.Regenerate)

		bounded.GET("/certificates", certHandler.ListCertificates)
		bounded.GET("/certificates/:serial", certHandler.GetCertificate)
		bounded.POST("/revoke", certHandler.RevokeCertificate)
		bounded.POST("/renew", certHandler.RenewCertificate)
		bounded.POST("/delete", certHandler.DeleteCertificate)
		bounded.GET("/statistics", certHandler.GetStatistics)
		bounded.GET("/download/:name/:format", certHandler.Export)

		bounded.GET("/audit-logs", middleware.RequireRole("admin"), auditHandler.ListAuditLogs)
	}

	router.NoRoute(func(c *gin.Context) {
		response.Fail(c, service.KindNotFound, "Not found")
	})

	return router
}

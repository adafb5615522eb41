package api

import (
	"fmt"

	"accession/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// multipartOverhead is headroom for form boundaries and headers on top of
// the largest permitted file.
const multipartOverhead = 1 << 20

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())

	// Rate limiter on session creation and upload only
	limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	bodyLimit := middleware.BodyLimit(fmt.Sprintf("%dK", (cfg.Limits.MaxFileSize+multipartOverhead)/1024+1))
	jsonLimit := middleware.BodyLimit("64K")

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)

	// Sessions
	e.POST("/api/sessions", handler.HandleCreateSession, limiter.Middleware(), jsonLimit)
	e.GET("/api/sessions/:token", handler.HandleGetSession)

	// Files
	e.POST("/api/sessions/:token/files", handler.HandleUpload, limiter.Middleware(), bodyLimit)
	e.GET("/api/sessions/:token/files", handler.HandleListFiles)
	e.DELETE("/api/sessions/:token/files/:name", handler.HandleDeleteFile)

	// Submission
	e.POST("/api/sessions/:token/submit", handler.HandleSubmit, jsonLimit)
	e.GET("/api/jobs/:id", handler.HandleGetJob)

	// Admin
	admin := e.Group("/api/admin", AdminAuth(cfg.AdminToken))
	admin.GET("/sessions/expiring", handler.HandleExpiring)
	admin.POST("/sweep", handler.HandleSweep)
	admin.GET("/packages/:id", handler.HandleGetPackage)
	admin.GET("/packages/:id/export", handler.HandleExportPackage)

	return e
}

package server

import (
	"github.com/veska-bio/loom/internal/server/middleware"
	"github.com/veska-bio/loom/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Case routes
	apiRoutes.POST("/cases", routes.SubmitCaseHandler)
	apiRoutes.GET("/cases/:id", routes.GetCaseStatusHandler)
}

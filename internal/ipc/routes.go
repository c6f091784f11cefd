package ipc

import (
	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo, manager *Manager) {
	e.GET("/status", statusHandler(manager))
	e.GET("/outputs", outputsHandler(manager))
	e.POST("/stop", stopHandler(manager))
	e.POST("/screenshot", screenshotHandler(manager))
	e.POST("/clock/advance", clockAdvanceHandler(manager))
	e.POST("/damage", damageHandler(manager))
}

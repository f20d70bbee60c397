package app

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"corebank.io/platform/internal/api/handlers"
	"corebank.io/platform/internal/api/middleware"
)

const serviceName = "corebank-platform"

func newRouter(server *handlers.Server) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(serviceName),
		middleware.RequestID(),
		middleware.ErrorHandler(),
	)
	server.Register(router)
	return router
}

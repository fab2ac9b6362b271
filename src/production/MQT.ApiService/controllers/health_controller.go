package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	facade "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Facade"
	logger "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Logger"
	"gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.ApiService/middleware"
)

// HealthController serves health, gateway status and metrics
type HealthController struct {
	facade         *facade.Facade
	gatherer       prometheus.Gatherer
	logger         *logger.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHealthController creates a new health controller
func NewHealthController(f *facade.Facade, gatherer prometheus.Gatherer, logger *logger.Logger, authMiddleware *middleware.AuthMiddleware) *HealthController {
	return &HealthController{
		facade:         f,
		gatherer:       gatherer,
		logger:         logger,
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers the health routes with Gin
func (c *HealthController) RegisterRoutes(router *gin.Engine) {
	// Public endpoints
	router.GET("/health", c.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})))

	router.GET("/api/status", c.authMiddleware.Authenticate(), c.Status)
}

func (c *HealthController) Health(ctx *gin.Context) {
	report := c.facade.Health(ctx.Request.Context())

	code := http.StatusOK
	if report.Status != facade.HealthOK {
		code = http.StatusServiceUnavailable
		c.logger.Logger.Warn().Interface("checks", report.Checks).Msg("Health check degraded")
	}
	ctx.JSON(code, report)
}

func (c *HealthController) Status(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, c.facade.Status())
}

package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	facade "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Facade"
	logger "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Logger"
	"gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.ApiService/middleware"
)

// ReadingController serves scale discovery, reading history and the dashboard
type ReadingController struct {
	facade         *facade.Facade
	logger         *logger.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewReadingController creates a new reading controller
func NewReadingController(f *facade.Facade, logger *logger.Logger, authMiddleware *middleware.AuthMiddleware) *ReadingController {
	return &ReadingController{
		facade:         f,
		logger:         logger,
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers the reading routes with Gin
func (c *ReadingController) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api", c.authMiddleware.Authenticate())
	{
		api.GET("/scales", c.GetScales)
		api.GET("/scales/:scaleId/readings", c.GetReadings)
		api.GET("/dashboard", c.GetDashboard)
	}
}

func (c *ReadingController) GetScales(ctx *gin.Context) {
	scales, err := c.facade.Scales(ctx.Request.Context())
	if err != nil {
		c.logger.Logger.Error().Err(err).Msg("Failed to list scales")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, scales)
}

func (c *ReadingController) GetReadings(ctx *gin.Context) {
	scaleID := ctx.Param("scaleId")

	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "100"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}

	readings, err := c.facade.Readings(ctx.Request.Context(), scaleID, limit)
	if err != nil {
		c.logger.Logger.Error().Err(err).Str("scale_id", scaleID).Msg("Failed to list readings")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, readings)
}

func (c *ReadingController) GetDashboard(ctx *gin.Context) {
	latest, err := c.facade.Dashboard(ctx.Request.Context())
	if err != nil {
		c.logger.Logger.Error().Err(err).Msg("Failed to build dashboard")
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, latest)
}

package apiservice

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.ApiService/controllers"
	jwt "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.ApiService/implementation/jwt"
	"gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.ApiService/middleware"
	config "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Config"
	facade "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Facade"
	logger "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Logger"
	api_models "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Models/api"
)

// NewJWTService returns nil when no secret is configured, which leaves the
// read API open
func NewJWTService(cfg *config.Config) *jwt.Service {
	if cfg.Auth.JWTSecretKey == "" {
		return nil
	}
	return jwt.NewService(api_models.Config{
		SecretKey:     cfg.Auth.JWTSecretKey,
		Issuer:        cfg.Auth.JWTIssuer,
		TokenDuration: cfg.Auth.TokenDuration,
	})
}

// NewRouter builds the gin engine over the facade
func NewRouter(cfg *config.Config, f *facade.Facade, gatherer prometheus.Gatherer, jwtService *jwt.Service, log *logger.Logger) *gin.Engine {
	log = log.WithComponent("http")

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(log))

	origins := cfg.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	authMiddleware := middleware.NewAuthMiddleware(jwtService, middleware.DefaultConfig())
	if authMiddleware.Enabled() {
		log.Info("Bearer token required for /api routes")
	} else {
		log.Warn("API_JWT_SECRET not set, /api routes are unauthenticated")
	}

	controllers.NewHealthController(f, gatherer, log, authMiddleware).RegisterRoutes(router)
	controllers.NewReadingController(f, log, authMiddleware).RegisterRoutes(router)

	return router
}

// NewServer wraps the router in an http.Server with the configured timeouts
func NewServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

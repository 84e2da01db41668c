package httpapi

import (
	"net/http"

	"ticketteller/pkg/auth"
	"ticketteller/pkg/config"
	"ticketteller/pkg/health"
	"ticketteller/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewEngine,
		Handler,
		fx.Annotate(NewAPIGroup, fx.ResultTags(`name:"api"`)),
	),
	fx.Invoke(registerOperationalEndpoints),
)

func NewEngine(cfg *config.Config) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Logger(),
		gin.Recovery(),
		middleware.Error(),
	)
	return r
}

// NewAPIGroup is the router group every authenticated route hangs off.
func NewAPIGroup(r *gin.Engine, a *auth.Authorizer, cfg *config.Config) *gin.RouterGroup {
	return r.Group("/", middleware.Auth(a, cfg.Auth.Header))
}

func registerOperationalEndpoints(r *gin.Engine, h health.HealthService) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Handler exposes the engine as the plain http.Handler the server wraps.
func Handler(r *gin.Engine) http.Handler {
	return r
}

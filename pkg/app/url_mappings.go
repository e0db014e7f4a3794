package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apihub-kr/apihub/pkg/domain"
)

func SetupMappings(app *Application) {
	app.Engine.GET("/healthz", app.handleHealth)
	app.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := app.Engine.Group("/v1/hub")
	{
		v1.GET("/status", app.handleStatus)
		v1.GET("/queues", app.handleQueues)
		v1.GET("/tokens/:provider", app.handleTokenStatus)
		v1.POST("/circuit/reset", app.handleCircuitReset)
	}
}

func (app *Application) handleHealth(c *gin.Context) {
	if err := app.Redis.Ping(c.Request.Context()).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (app *Application) handleStatus(c *gin.Context) {
	prio, normal, err := app.Queue.Lengths(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"worker_id": app.Config.WorkerID,
		"env":       app.Config.Env,
		"mock_mode": app.Config.MockMode,
		"providers": domain.AllProviders(),
		"circuit":   app.Breaker.Snapshot(),
		"queues": gin.H{
			"priority": prio,
			"normal":   normal,
		},
	})
}

func (app *Application) handleQueues(c *gin.Context) {
	prio, normal, err := app.Queue.Lengths(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"priority": prio, "normal": normal})
}

func (app *Application) handleTokenStatus(c *gin.Context) {
	provider := domain.Provider(c.Param("provider"))
	if !provider.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return
	}
	rec, err := app.Tokens.Status(c.Request.Context(), provider)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no token issued"})
		return
	}
	// The access token itself never leaves the store through this surface.
	c.JSON(http.StatusOK, gin.H{
		"provider":      provider,
		"expires_at":    rec.ExpiresAt,
		"refreshed_at":  rec.RefreshedAt,
		"refresh_count": rec.RefreshCount,
	})
}

func (app *Application) handleCircuitReset(c *gin.Context) {
	app.Breaker.Reset()
	c.JSON(http.StatusOK, gin.H{"circuit": app.Breaker.Snapshot()})
}

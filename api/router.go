package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter gatherer 为 nil 时不暴露 /metrics
func SetupRouter(handler *Handler, gatherer prometheus.Gatherer, isDebug bool) *gin.Engine {
	if isDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	// TraceID 中间件必须在其他中间件之前
	r.Use(TraceIDMiddleware())
	r.Use(AccessLogMiddleware())

	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Trace-ID"},
		ExposeHeaders:    []string{"Content-Length", "X-Trace-ID"},
		AllowCredentials: false,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1")
	{
		api.GET("/status", handler.Status)
		api.GET("/browser/status", handler.BrowserStatus)
		api.POST("/workflows/abort", handler.Abort)
		api.GET("/fallback/pending", handler.PendingFallback)

		notebooks := api.Group("/notebooks")
		{
			notebooks.GET("", handler.ListNotebooks)
			notebooks.POST("", handler.CreateNotebook)
			notebooks.POST("/open", handler.OpenNotebook)
		}

		sources := api.Group("/sources")
		{
			sources.GET("", handler.ListSources)
			sources.POST("/text", handler.AddTextSource)
			sources.POST("/url", handler.AddURLSource)
			sources.POST("/select", handler.SelectSource)
		}

		materials := api.Group("/materials")
		{
			materials.GET("", handler.ListMaterials)
			materials.POST("/generate", handler.GenerateMaterial)
			materials.POST("/wait", handler.WaitForMaterial)
			materials.POST("/download", handler.DownloadMaterial)
		}

		api.POST("/chat", handler.Chat)

		api.GET("/runs", handler.ListRuns)
		api.GET("/runs/:id", handler.GetRun)
		api.GET("/snapshots", handler.ListSnapshots)
		api.GET("/pipeline/items", handler.ListPipelineItems)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

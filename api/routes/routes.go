package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/ocr-batch/api/handlers"
	"github.com/feichai0017/ocr-batch/api/middleware"
	"github.com/feichai0017/ocr-batch/pkg/logger"
)

type Options struct {
	AllowedOrigins []string
	Metrics        http.Handler
	Logger         logger.Logger
}

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, opts Options) {
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(opts.AllowedOrigins))
	if opts.Logger != nil {
		r.Use(middleware.RequestLogger(opts.Logger.Named("access")))
	}

	r.GET("/healthz", h.Health.Healthz)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	v1 := r.Group("/api/v1")
	batches := v1.Group("/batches")
	{
		batches.POST("", h.Batch.StartBatch)
		batches.GET("/:jobId", h.Batch.GetBatch)
		batches.GET("/:jobId/result", h.Batch.DownloadResult)
		batches.DELETE("/:jobId", h.Batch.CancelBatch)
	}
	v1.GET("/engines", h.Batch.ListEngines)
}

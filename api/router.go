package api

import (
	"vidnet/cache"
	"vidnet/config"
	"vidnet/files"
	"vidnet/task"

	"github.com/gin-gonic/gin"
)

func SetupRouter(cfg *config.Config, tm *task.Manager, mf MetadataFetcher, store *cache.Store, fm *files.Manager) *gin.Engine {
	r := gin.Default()
	r.Use(RequestIDMiddleware(), CORSMiddleware())
	h := NewHandler(cfg, tm, mf, store, fm)

	r.GET("/health", h.handleHealth)

	// Download links are handed out by the status endpoint; serving them
	// stays outside the auth wall so they work in a plain browser tab.
	r.GET("/downloads/:filename", h.handleServeFile)

	v1 := r.Group("/api/v1")
	v1.Use(RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst))
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/metadata", h.handleMetadata)
		v1.POST("/download", h.handleDownload)
		v1.POST("/extract-audio", h.handleExtractAudio)
		v1.GET("/status/:taskId", h.handleStatus)
		v1.DELETE("/cancel/:taskId", h.handleCancel)
	}
	return r
}

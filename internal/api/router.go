package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter wires the three read-only endpoints (search, library-asset
// listing, clip redirect), plus a static file server over the data
// directory so the media URLs the search/listing handlers emit actually
// resolve.
func NewRouter(h *Handler, dataDir string) *gin.Engine {
	r := gin.Default()

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	})

	r.Static("/media", dataDir)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/search", h.Search)
		v1.GET("/libraries/:slug/assets", h.LibraryAssets)
		v1.GET("/assets/:id/clip", h.Clip)
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

package api

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Version is overridable at build time via -ldflags "-X ...Version=...".
var Version = "dev"

var startTime = time.Now()

// ServerInfo handles GET /api/info.
func (h *Handler) ServerInfo(c *gin.Context) {
	c.JSON(200, gin.H{
		"name":    "vibetunnel-server",
		"version": Version,
		"uptime":  time.Since(startTime).Seconds(),
	})
}

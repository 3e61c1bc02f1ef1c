package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "crm-inbox-sandbox",
		"time":    time.Now().Unix(),
	})
}

// Ready reports the number of realtime subscribers next to the status.
func Ready(clients func() int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready", "realtimeClients": clients()})
	}
}

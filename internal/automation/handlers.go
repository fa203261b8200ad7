package automation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type enabledBody struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// RegisterAdminRoutes mounts the automation admin endpoints.
func RegisterAdminRoutes(r gin.IRouter, svc *Service) {
	r.POST("/automation/run", handleRun(svc))
	r.PUT("/automation/enabled", handleSetEnabled(svc))
	r.GET("/automation/status", handleStatus(svc))
}

func handleRun(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		dryRun := c.Query("dry_run") == "true"
		result, err := svc.RunAutoApprove(c.Request.Context(), dryRun)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "auto-approval run failed"})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func handleSetEnabled(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body enabledBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		svc.SetEnabled(*body.Enabled)
		c.JSON(http.StatusOK, gin.H{"enabled": svc.Enabled()})
	}
}

func handleStatus(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"enabled": svc.Enabled()})
	}
}

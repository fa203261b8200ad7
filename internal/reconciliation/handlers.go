package reconciliation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jfenske/marketledger/internal/balance"
)

// RegisterAdminRoutes mounts the reconciliation admin endpoints.
func RegisterAdminRoutes(r gin.IRouter, svc *Service) {
	r.POST("/reconciliation/run", handleRunSystemWide(svc))
	r.GET("/reconciliation/:balanceId", handleReconcileOne(svc))
}

func handleRunSystemWide(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := svc.RunSystemWide(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation sweep failed"})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func handleReconcileOne(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := svc.ReconcileBalance(c.Request.Context(), c.Param("balanceId"))
		if err != nil {
			if errors.Is(err, balance.ErrBalanceNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "balance not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
			return
		}
		status := http.StatusOK
		if report.Status == StatusMismatch {
			status = http.StatusConflict
		}
		c.JSON(status, report)
	}
}

package balance

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the balance read endpoints.
func RegisterRoutes(r gin.IRouter, svc *Service) {
	r.GET("/balances", handleList(svc))
	r.GET("/sellers/:userId/balance", handleByUser(svc))
	r.GET("/sellers/:userId/balance/verify", handleVerifyByUser(svc))
}

func handleList(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		balances, err := svc.ListBalances(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list balances"})
			return
		}
		if balances == nil {
			balances = []*SellerBalance{}
		}
		c.JSON(http.StatusOK, gin.H{"balances": balances})
	}
}

// handleByUser returns (creating if absent) the seller's balance.
func handleByUser(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := svc.GetOrCreateBalance(c.Request.Context(), c.Param("userId"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load balance"})
			return
		}
		c.JSON(http.StatusOK, b)
	}
}

func handleVerifyByUser(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := svc.BalanceByUser(c.Request.Context(), c.Param("userId"))
		if err != nil {
			if errors.Is(err, ErrBalanceNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "balance not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load balance"})
			return
		}

		v, err := svc.VerifyBalance(c.Request.Context(), b.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
			return
		}
		status := http.StatusOK
		if !v.Match {
			status = http.StatusConflict
		}
		c.JSON(status, v)
	}
}

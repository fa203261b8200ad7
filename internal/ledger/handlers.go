package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the ledger read endpoints.
func RegisterRoutes(r gin.IRouter, svc *Service) {
	r.GET("/balances/:id/ledger", handleHistory(svc))
	r.GET("/balances/:id/ledger/verify", handleVerify(svc))
}

// handleHistory returns ledger entries for a balance, newest first.
// Query params: limit (default 50, max 200), before (sequence cursor).
func handleHistory(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		balanceID := c.Param("id")

		limit := 50
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			if n > 200 {
				n = 200
			}
			limit = n
		}

		var beforeSeq int64
		if v := c.Query("before"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
				return
			}
			beforeSeq = n
		}

		entries, err := svc.History(c.Request.Context(), balanceID, limit, beforeSeq)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load ledger history"})
			return
		}
		if entries == nil {
			entries = []*Entry{}
		}

		var nextBefore int64
		if len(entries) == limit {
			nextBefore = entries[len(entries)-1].Sequence
		}

		c.JSON(http.StatusOK, gin.H{
			"entries":    entries,
			"nextBefore": nextBefore,
		})
	}
}

// handleVerify replays the hash chain and reports the first break, if any.
func handleVerify(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := svc.VerifyChainIntegrity(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, ErrLedgerCorrupted) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

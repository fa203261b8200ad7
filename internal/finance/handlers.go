package finance

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/jfenske/marketledger/internal/audit"
	"github.com/jfenske/marketledger/internal/commission"
	"github.com/jfenske/marketledger/internal/ledger"
	"github.com/jfenske/marketledger/internal/money"
)

type refundBody struct {
	TransactionID      string `json:"transactionId" binding:"required"`
	Amount             string `json:"amount"` // empty = full refund
	Reason             string `json:"reason" binding:"required"`
	ReversePlatformFee bool   `json:"reversePlatformFee"`
}

type transactionBody struct {
	ID              string `json:"id"`
	BuyerID         string `json:"buyerId" binding:"required"`
	SellerID        string `json:"sellerId" binding:"required"`
	Amount          string `json:"amount" binding:"required"`
	Currency        string `json:"currency"`
	TransactionType string `json:"transactionType" binding:"required"`
}

// RegisterRoutes mounts the orchestration endpoints.
func RegisterRoutes(r gin.IRouter, svc *Service) {
	r.POST("/escrow/:transactionId/release", handleReleaseEscrow(svc))
	r.POST("/refunds", handleProcessRefund(svc))
	r.GET("/transactions/:transactionId", handleGetTransaction(svc))
}

// RegisterAdminRoutes mounts the transaction intake endpoint. In
// production the marketplace records transactions here once the buyer's
// payment lands in escrow.
func RegisterAdminRoutes(r gin.IRouter, svc *Service) {
	r.POST("/transactions", handleRecordTransaction(svc))
}

func handleReleaseEscrow(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		result, err := svc.ReleaseEscrow(ctx, c.Param("transactionId"), audit.ActorFromContext(ctx))
		if err != nil {
			respondFinanceErr(c, err)
			return
		}
		status := http.StatusOK
		if !result.AlreadyReleased {
			status = http.StatusCreated
		}
		c.JSON(status, result)
	}
}

func handleProcessRefund(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body refundBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		amount := decimal.Zero
		if body.Amount != "" {
			parsed, err := money.ParsePositive(body.Amount)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
				return
			}
			amount = parsed
		}

		ctx := c.Request.Context()
		result, err := svc.ProcessRefund(ctx, RefundParams{
			TransactionID:      body.TransactionID,
			Amount:             amount,
			Reason:             body.Reason,
			ReversePlatformFee: body.ReversePlatformFee,
			PerformedBy:        audit.ActorFromContext(ctx),
		})
		if err != nil {
			respondFinanceErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	}
}

func handleRecordTransaction(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body transactionBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := money.ParsePositive(body.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}

		tx, err := svc.RecordEscrowedTransaction(c.Request.Context(), TransactionParams{
			ID:              body.ID,
			BuyerID:         body.BuyerID,
			SellerID:        body.SellerID,
			Amount:          amount,
			Currency:        body.Currency,
			TransactionType: body.TransactionType,
		})
		if err != nil {
			if errors.Is(err, ErrInvalidTransaction) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record transaction"})
			return
		}
		c.JSON(http.StatusCreated, tx)
	}
}

func handleGetTransaction(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tx, err := svc.Transaction(c.Request.Context(), c.Param("transactionId"))
		if err != nil {
			respondFinanceErr(c, err)
			return
		}
		refunds, err := svc.Refunds(c.Request.Context(), tx.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load refunds"})
			return
		}
		if refunds == nil {
			refunds = []*RefundRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"transaction": tx, "refunds": refunds})
	}
}

func respondFinanceErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
	case errors.Is(err, ErrNotEscrowed), errors.Is(err, ErrInvalidRefund),
		errors.Is(err, commission.ErrDuplicateRecord):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInconsistentState), errors.Is(err, ledger.ErrLedgerCorrupted):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "operation failed"})
	}
}

package payout

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jfenske/marketledger/internal/balance"
	"github.com/jfenske/marketledger/internal/money"
)

// requestPayoutBody is the POST /payouts payload.
type requestPayoutBody struct {
	UserID         string            `json:"userId" binding:"required"`
	Amount         string            `json:"amount" binding:"required"`
	Currency       string            `json:"currency"`
	PaymentMethod  string            `json:"paymentMethod" binding:"required"`
	PaymentDetails map[string]string `json:"paymentDetails"`
}

type approveBody struct {
	AdminID string `json:"adminId" binding:"required"`
}

type rejectBody struct {
	AdminID string `json:"adminId" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

// RegisterRoutes mounts the seller-facing payout endpoints. Admin
// transitions are mounted separately under the admin group.
func RegisterRoutes(r gin.IRouter, svc *Service) {
	r.POST("/payouts", handleRequest(svc))
	r.GET("/payouts", handleList(svc))
	r.GET("/payouts/:id", handleGet(svc))
	r.GET("/balances/:id/payouts", handleListByBalance(svc))
}

// RegisterAdminRoutes mounts the approval/processing transitions.
func RegisterAdminRoutes(r gin.IRouter, svc *Service) {
	r.POST("/payouts/:id/approve", handleApprove(svc))
	r.POST("/payouts/:id/reject", handleReject(svc))
	r.POST("/payouts/:id/process", handleProcess(svc))
}

func handleRequest(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body requestPayoutBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := money.ParsePositive(body.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}

		req, err := svc.Request(c.Request.Context(), RequestParams{
			UserID:         body.UserID,
			Amount:         amount,
			Currency:       body.Currency,
			PaymentMethod:  body.PaymentMethod,
			PaymentDetails: body.PaymentDetails,
		})
		if err != nil {
			if errors.Is(err, balance.ErrInsufficientFunds) {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create payout request"})
			return
		}
		c.JSON(http.StatusCreated, req)
	}
}

func handleList(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := Status(c.DefaultQuery("status", string(StatusPending)))
		reqs, err := svc.ListByStatus(c.Request.Context(), status, 100)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list payouts"})
			return
		}
		if reqs == nil {
			reqs = []*Request{}
		}
		c.JSON(http.StatusOK, gin.H{"payouts": reqs})
	}
}

func handleGet(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondPayoutErr(c, err)
			return
		}
		c.JSON(http.StatusOK, req)
	}
}

func handleListByBalance(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqs, err := svc.ListByBalance(c.Request.Context(), c.Param("id"), 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list payouts"})
			return
		}
		if reqs == nil {
			reqs = []*Request{}
		}
		c.JSON(http.StatusOK, gin.H{"payouts": reqs})
	}
}

func handleApprove(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body approveBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req, err := svc.Approve(c.Request.Context(), c.Param("id"), body.AdminID)
		if err != nil {
			respondPayoutErr(c, err)
			return
		}
		c.JSON(http.StatusOK, req)
	}
}

func handleReject(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body rejectBody
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		req, err := svc.Reject(c.Request.Context(), c.Param("id"), body.AdminID, body.Reason)
		if err != nil {
			respondPayoutErr(c, err)
			return
		}
		c.JSON(http.StatusOK, req)
	}
}

func handleProcess(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := svc.Process(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondPayoutErr(c, err)
			return
		}
		c.JSON(http.StatusOK, req)
	}
}

func respondPayoutErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPayoutNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "payout request not found"})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrAlreadyDecided):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, balance.ErrInconsistentHold):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payout operation failed"})
	}
}

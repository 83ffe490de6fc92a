package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"relieffund-core/pkg/errutil"
	"relieffund-core/services/spending"
)

type spendRequest struct {
	AccountID  string `json:"account_id" binding:"required"`
	MerchantID string `json:"merchant_id" binding:"required"`
	Category   string `json:"category"`
	Amount     int64  `json:"amount" binding:"required"`
	OrderID    string `json:"order_id"`
}

func (h *Handler) requestSpend(c *gin.Context) {
	var req spendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("invalid spend payload", err))
		return
	}

	result, err := h.spending.RequestSpend(c.Request.Context(), spending.SpendParams{
		AccountID:  req.AccountID,
		MerchantID: req.MerchantID,
		Category:   req.Category,
		Amount:     req.Amount,
		OrderID:    req.OrderID,
	})
	if err != nil {
		c.Error(err)
		return
	}

	status := http.StatusCreated
	if result.Request.Status == spending.StatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{
		"request":     result.Request,
		"transaction": result.Entry,
	})
}

func (h *Handler) getSpendRequest(c *gin.Context) {
	request, err := h.spending.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, request)
}

func (h *Handler) approveSpendRequest(c *gin.Context) {
	result, err := h.spending.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request":     result.Request,
		"transaction": result.Entry,
	})
}

type rejectSpendRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) rejectSpendRequest(c *gin.Context) {
	var req rejectSpendRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.Error(errutil.ValidationFailed("invalid reject payload", err))
		return
	}

	request, err := h.spending.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, request)
}

package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"relieffund-core/pkg/errutil"
	"relieffund-core/services/allocation"
)

func (h *Handler) getAccount(c *gin.Context) {
	account, budgets, err := h.ledger.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":   account,
		"available": account.Available(),
		"budgets":   budgets,
	})
}

func (h *Handler) listTransactions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.Error(errutil.BadRequest("limit must be a non-negative integer", err))
			return
		}
		limit = parsed
	}

	entries, err := h.entries.List(c.Request.Context(), c.Param("id"), c.Query("kind"), limit)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": entries})
}

type topUpRequest struct {
	Amount         int64            `json:"amount" binding:"required"`
	Source         string           `json:"source"`
	CategoryLimits map[string]int64 `json:"category_limits"`
}

func (h *Handler) topUpAccount(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("invalid top-up payload", err))
		return
	}

	account, err := h.ledger.TopUp(c.Request.Context(), allocation.TopUpParams{
		AccountID:      c.Param("id"),
		Amount:         req.Amount,
		Source:         req.Source,
		CategoryLimits: req.CategoryLimits,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, account)
}

func (h *Handler) closeAccount(c *gin.Context) {
	account, err := h.ledger.Close(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, account)
}

func (h *Handler) reconcileAccount(c *gin.Context) {
	consistent, err := h.ledger.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"consistent": consistent})
}

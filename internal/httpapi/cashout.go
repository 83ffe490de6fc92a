package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"relieffund-core/pkg/errutil"
	"relieffund-core/services/cashout"
)

type cashoutRequest struct {
	AccountID   string          `json:"account_id" binding:"required"`
	Amount      int64           `json:"amount" binding:"required"`
	Destination json.RawMessage `json:"destination" binding:"required"`
}

func (h *Handler) requestCashout(c *gin.Context) {
	var req cashoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("invalid cashout payload", err))
		return
	}

	request, err := h.cashouts.Request(c.Request.Context(), cashout.RequestParams{
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Destination: req.Destination,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, request)
}

func (h *Handler) getCashout(c *gin.Context) {
	request, err := h.cashouts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, request)
}

type confirmCashoutRequest struct {
	Result *struct {
		Success       bool   `json:"success"`
		CorrelationID string `json:"correlation_id"`
		Reason        string `json:"reason"`
	} `json:"result"`
}

// confirmCashout settles a cashout. Callers relaying the partner's
// webhook pass the result inline; an empty body triggers a direct call
// to the settlement collaborator.
func (h *Handler) confirmCashout(c *gin.Context) {
	var req confirmCashoutRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.Error(errutil.ValidationFailed("invalid confirm payload", err))
		return
	}

	var result *cashout.SettleResult
	if req.Result != nil {
		result = &cashout.SettleResult{
			Success:       req.Result.Success,
			CorrelationID: req.Result.CorrelationID,
			Reason:        req.Result.Reason,
		}
	}

	request, err := h.cashouts.Confirm(c.Request.Context(), c.Param("id"), result)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, request)
}

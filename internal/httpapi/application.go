package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relieffund-core/pkg/errutil"
	"relieffund-core/services/allocation"
	"relieffund-core/services/application"
)

type submitApplicationRequest struct {
	WalletAddress string   `json:"wallet_address" binding:"required"`
	CampaignID    string   `json:"campaign_id" binding:"required"`
	Justification string   `json:"justification"`
	Documents     []string `json:"documents"`
	SpendingMode  string   `json:"spending_mode"`
}

func (h *Handler) submitApplication(c *gin.Context) {
	var req submitApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("invalid application payload", err))
		return
	}

	app, err := h.applications.Submit(c.Request.Context(), application.SubmitParams{
		WalletAddress: req.WalletAddress,
		CampaignID:    req.CampaignID,
		Justification: req.Justification,
		Documents:     req.Documents,
		SpendingMode:  allocation.SpendingMode(req.SpendingMode),
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, app)
}

func (h *Handler) listApplications(c *gin.Context) {
	apps, err := h.applications.List(c.Request.Context(), c.Query("wallet"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"applications": apps})
}

func (h *Handler) getApplication(c *gin.Context) {
	app, err := h.applications.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, app)
}

type reviewApplicationRequest struct {
	Decision   string `json:"decision" binding:"required"`
	Reason     string `json:"reason"`
	ReviewerID string `json:"reviewer_id"`
}

func (h *Handler) reviewApplication(c *gin.Context) {
	var req reviewApplicationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.ValidationFailed("invalid review payload", err))
		return
	}

	app, err := h.applications.Review(c.Request.Context(), application.ReviewParams{
		ApplicationID: c.Param("id"),
		Decision:      application.Decision(req.Decision),
		Reason:        req.Reason,
		ReviewerID:    req.ReviewerID,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, app)
}

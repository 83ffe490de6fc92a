package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"relieffund-core/pkg/config"
	"relieffund-core/pkg/health"
	"relieffund-core/pkg/middleware"
	"relieffund-core/services/allocation"
	"relieffund-core/services/application"
	"relieffund-core/services/cashout"
	"relieffund-core/services/spending"
	"relieffund-core/services/transaction"
)

var Module = fx.Module("httpapi",
	fx.Provide(ProvideRouter),
)

type Handler struct {
	applications *application.Service
	ledger       *allocation.Service
	spending     *spending.Service
	cashouts     *cashout.Service
	entries      *transaction.Store
}

type RouterParams struct {
	fx.In
	Config       *config.Config
	Health       health.HealthService
	Applications *application.Service
	Ledger       *allocation.Service
	Spending     *spending.Service
	Cashouts     *cashout.Service
	Entries      *transaction.Store
}

// ProvideRouter builds the REST surface of the fund core.
func ProvideRouter(p RouterParams) http.Handler {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	h := &Handler{
		applications: p.Applications,
		ledger:       p.Ledger,
		spending:     p.Spending,
		cashouts:     p.Cashouts,
		entries:      p.Entries,
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.Error())

	router.GET("/healthz", p.Health.Liveness)
	router.GET("/readyz", p.Health.Readiness)

	api := router.Group("/api/v1")
	{
		api.POST("/applications", h.submitApplication)
		api.GET("/applications", h.listApplications)
		api.GET("/applications/:id", h.getApplication)
		api.POST("/applications/:id/review", h.reviewApplication)

		api.GET("/accounts/:id", h.getAccount)
		api.GET("/accounts/:id/transactions", h.listTransactions)
		api.POST("/accounts/:id/topup", h.topUpAccount)
		api.POST("/accounts/:id/close", h.closeAccount)
		api.POST("/accounts/:id/reconcile", h.reconcileAccount)

		api.POST("/spend", h.requestSpend)
		api.GET("/spend-requests/:id", h.getSpendRequest)
		api.POST("/spend-requests/:id/approve", h.approveSpendRequest)
		api.POST("/spend-requests/:id/reject", h.rejectSpendRequest)

		api.POST("/cashouts", h.requestCashout)
		api.GET("/cashouts/:id", h.getCashout)
		api.POST("/cashouts/:id/confirm", h.confirmCashout)
	}

	return router
}

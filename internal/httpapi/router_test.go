package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relieffund-core/pkg/config"
	"relieffund-core/pkg/health"
	"relieffund-core/services/allocation"
	"relieffund-core/services/application"
	"relieffund-core/services/cashout"
	"relieffund-core/services/spending"
	"relieffund-core/services/testutil"
	"relieffund-core/services/transaction"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	db := testutil.NewTestDB(t,
		&application.Application{},
		&allocation.Account{}, &allocation.CategoryBudget{}, &allocation.Reservation{},
		&spending.Request{}, &cashout.Request{},
		&transaction.Entry{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := transaction.NewStore(transaction.StoreParams{DB: db})
	ledger := allocation.NewService(allocation.ServiceParams{DB: db, Node: node, Store: store})

	return ProvideRouter(RouterParams{
		Config:       &config.Config{},
		Health:       health.ProvideHealth(health.HealthParams{DB: db}),
		Applications: application.NewService(application.ServiceParams{DB: db, Node: node, Ledger: ledger}),
		Ledger:       ledger,
		Spending:     spending.NewService(spending.ServiceParams{DB: db, Node: node, Ledger: ledger}),
		Cashouts:     cashout.NewService(cashout.ServiceParams{DB: db, Node: node, Ledger: ledger}),
		Entries:      store,
	})
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestApplicationToSpendFlow(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/v1/applications",
		`{"wallet_address":"0xABC","campaign_id":"campaign-1","justification":"flood relief"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	appID := decode(t, rec)["ID"]
	require.NotEmpty(t, appID)

	rec = do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/applications/%v/review", appID),
		`{"decision":"approve","reviewer_id":"reviewer-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	accountID := decode(t, rec)["AccountID"]
	require.NotEmpty(t, accountID)

	rec = do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%v/topup", accountID),
		`{"amount":100,"source":"ngo-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/v1/spend",
		fmt.Sprintf(`{"account_id":"%v","merchant_id":"merchant-1","amount":40,"order_id":"order-1"}`, accountID))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, router, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%v", accountID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(60), decode(t, rec)["available"])

	rec = do(t, router, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%v/transactions", accountID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode(t, rec)["transactions"].([]any)
	require.Len(t, entries, 2)

	rec = do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%v/reconcile", accountID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode(t, rec)["consistent"])
}

func TestSpendAndCashoutCoexist(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/v1/applications",
		`{"wallet_address":"0xDEF","campaign_id":"campaign-2"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	appID := decode(t, rec)["ID"]

	rec = do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/applications/%v/review", appID),
		`{"decision":"approve","reviewer_id":"reviewer-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	accountID := decode(t, rec)["AccountID"]

	rec = do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/accounts/%v/topup", accountID),
		`{"amount":100,"source":"ngo-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/v1/spend",
		fmt.Sprintf(`{"account_id":"%v","merchant_id":"merchant-1","amount":40,"order_id":"order-1"}`, accountID))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/v1/cashouts",
		fmt.Sprintf(`{"account_id":"%v","amount":30,"destination":{"bank":"b1"}}`, accountID))
	require.Equal(t, http.StatusCreated, rec.Code)
	cashoutID := decode(t, rec)["ID"]
	require.NotEmpty(t, cashoutID)

	rec = do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/cashouts/%v/confirm", cashoutID),
		`{"result":{"success":true,"correlation_id":"partner-1"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%v", accountID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(30), decode(t, rec)["available"])

	rec = do(t, router, http.MethodGet,
		fmt.Sprintf("/api/v1/accounts/%v/transactions?kind=cashout", accountID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode(t, rec)["transactions"].([]any)
	require.Len(t, entries, 1)
}

func TestErrorMapping(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodGet, "/api/v1/applications/999", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/v1/applications", `{"campaign_id":"campaign-1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/v1/spend", `{"account_id":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReviewConflictMapsTo409(t *testing.T) {
	router := newTestRouter(t)

	rec := do(t, router, http.MethodPost, "/api/v1/applications",
		`{"wallet_address":"0xabc","campaign_id":"campaign-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	appID := decode(t, rec)["ID"]

	rec = do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/applications/%v/review", appID),
		`{"decision":"reject","reason":"incomplete"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, fmt.Sprintf("/api/v1/applications/%v/review", appID),
		`{"decision":"approve"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

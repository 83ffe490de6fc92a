package cashout

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relieffund-core/pkg/config"
	"relieffund-core/services/allocation"
	"relieffund-core/services/testutil"
	"relieffund-core/services/transaction"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type settlerStub struct {
	fn func(ctx context.Context, referenceCode string, destination json.RawMessage, amount int64) (*SettleResult, error)
}

func (s *settlerStub) Settle(ctx context.Context, referenceCode string, destination json.RawMessage, amount int64) (*SettleResult, error) {
	return s.fn(ctx, referenceCode, destination, amount)
}

func newTestService(t *testing.T, settler Settler) (*Service, *allocation.Service) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&Request{},
		&allocation.Account{}, &allocation.CategoryBudget{}, &allocation.Reservation{},
		&transaction.Entry{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	ledger := allocation.NewService(allocation.ServiceParams{
		DB:    db,
		Node:  node,
		Store: transaction.NewStore(transaction.StoreParams{DB: db}),
	})

	cfg := &config.Config{}
	cfg.Cashout.SettleTimeout = 100 * time.Millisecond

	svc := NewService(ServiceParams{DB: db, Node: node, Ledger: ledger, Settler: settler, Config: cfg})
	return svc, ledger
}

func fundedAccount(t *testing.T, svc *Service, ledger *allocation.Service, amount int64) *allocation.Account {
	t.Helper()
	ctx := context.Background()

	account, err := ledger.Open(ctx, svc.db, "0xwallet", "campaign-1", allocation.ModeDirect)
	require.NoError(t, err)

	_, err = ledger.TopUp(ctx, allocation.TopUpParams{AccountID: account.ID, Amount: amount})
	require.NoError(t, err)

	return account
}

func accountState(t *testing.T, ledger *allocation.Service, accountID string) *allocation.Account {
	t.Helper()
	account, _, err := ledger.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return account
}

var destination = json.RawMessage(`{"bank":"BCA","number":"12345"}`)

func TestRequestReservesFunds(t *testing.T) {
	svc, ledger := newTestService(t, nil)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, 100)

	request, err := svc.Request(ctx, RequestParams{AccountID: account.ID, Amount: 60, Destination: destination})
	require.NoError(t, err)
	require.Equal(t, StatusPending, request.Status)
	require.True(t, strings.HasPrefix(request.ReferenceCode, "CSH-"))
	require.NotEmpty(t, request.ReservationID)

	state := accountState(t, ledger, account.ID)
	require.Equal(t, int64(60), state.ReservedTotal)
	require.Zero(t, state.CashedOutTotal)
}

func TestRequestInsufficientBalance(t *testing.T) {
	svc, ledger := newTestService(t, nil)
	account := fundedAccount(t, svc, ledger, 50)

	_, err := svc.Request(context.Background(), RequestParams{AccountID: account.ID, Amount: 60, Destination: destination})
	require.ErrorIs(t, err, allocation.ErrInsufficientBalance)
}

func TestReferenceCodesAreUnique(t *testing.T) {
	svc, ledger := newTestService(t, nil)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, 100)

	first, err := svc.Request(ctx, RequestParams{AccountID: account.ID, Amount: 30, Destination: destination})
	require.NoError(t, err)
	second, err := svc.Request(ctx, RequestParams{AccountID: account.ID, Amount: 30, Destination: destination})
	require.NoError(t, err)

	require.NotEqual(t, first.ReferenceCode, second.ReferenceCode)
}

func TestConfirmSuccessCommitsFunds(t *testing.T) {
	settler := &settlerStub{fn: func(ctx context.Context, referenceCode string, destination json.RawMessage, amount int64) (*SettleResult, error) {
		return &SettleResult{Success: true, CorrelationID: "partner-tx-1"}, nil
	}}
	svc, ledger := newTestService(t, settler)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, 100)

	request, err := svc.Request(ctx, RequestParams{AccountID: account.ID, Amount: 60, Destination: destination})
	require.NoError(t, err)

	confirmed, err := svc.Confirm(ctx, request.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, confirmed.Status)
	require.Equal(t, "partner-tx-1", confirmed.CorrelationID)
	require.NotEmpty(t, confirmed.TransactionID)

	state := accountState(t, ledger, account.ID)
	require.Equal(t, int64(60), state.CashedOutTotal)
	require.Zero(t, state.ReservedTotal)

	reservation, err := ledger.GetReservation(ctx, request.ReservationID)
	require.NoError(t, err)
	require.Equal(t, allocation.ReservationCommitted, reservation.Status)
}

func TestConfirmFailureRestoresBalance(t *testing.T) {
	settler := &settlerStub{fn: func(ctx context.Context, referenceCode string, destination json.RawMessage, amount int64) (*SettleResult, error) {
		return &SettleResult{Success: false, Reason: "destination account closed"}, nil
	}}
	svc, ledger := newTestService(t, settler)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, 100)

	request, err := svc.Request(ctx, RequestParams{AccountID: account.ID, Amount: 100, Destination: destination})
	require.NoError(t, err)

	failed, err := svc.Confirm(ctx, request.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
	require.Equal(t, "destination account closed", failed.FailureReason)

	state := accountState(t, ledger, account.ID)
	require.Zero(t, state.CashedOutTotal)
	require.Zero(t, state.ReservedTotal)
	require.Equal(t, int64(100), state.Available())
}

func TestConfirmSettlerTimeoutCountsAsFailure(t *testing.T) {
	settler := &settlerStub{fn: func(ctx context.Context, referenceCode string, destination json.RawMessage, amount int64) (*SettleResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	svc, ledger := newTestService(t, settler)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, 100)

	request, err := svc.Request(ctx, RequestParams{AccountID: account.ID, Amount: 60, Destination: destination})
	require.NoError(t, err)

	failed, err := svc.Confirm(ctx, request.ID, nil)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
	require.NotEmpty(t, failed.FailureReason)

	require.Equal(t, int64(100), accountState(t, ledger, account.ID).Available())
}

func TestConfirmWithExternalResult(t *testing.T) {
	svc, ledger := newTestService(t, nil)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, 100)

	request, err := svc.Request(ctx, RequestParams{AccountID: account.ID, Amount: 60, Destination: destination})
	require.NoError(t, err)

	confirmed, err := svc.Confirm(ctx, request.ID, &SettleResult{Success: true, CorrelationID: "webhook-1"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, confirmed.Status)
	require.Equal(t, "webhook-1", confirmed.CorrelationID)
}

func TestConfirmIsExactlyOnce(t *testing.T) {
	svc, ledger := newTestService(t, nil)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, 100)

	request, err := svc.Request(ctx, RequestParams{AccountID: account.ID, Amount: 60, Destination: destination})
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, request.ID, &SettleResult{Success: true, CorrelationID: "webhook-1"})
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, request.ID, &SettleResult{Success: true, CorrelationID: "webhook-2"})
	require.ErrorIs(t, err, allocation.ErrInvalidTransition)

	require.Equal(t, int64(60), accountState(t, ledger, account.ID).CashedOutTotal)
}

func TestConfirmWithoutSettlerOrResult(t *testing.T) {
	svc, ledger := newTestService(t, nil)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, 100)

	request, err := svc.Request(ctx, RequestParams{AccountID: account.ID, Amount: 60, Destination: destination})
	require.NoError(t, err)

	_, err = svc.Confirm(ctx, request.ID, nil)
	require.Error(t, err)
}

func TestRequestRequiresDestination(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.Request(context.Background(), RequestParams{AccountID: "acc", Amount: 10})
	require.Error(t, err)
}

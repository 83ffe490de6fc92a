package spending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"relieffund-core/pkg/db/option"
	"relieffund-core/pkg/repository"
	"relieffund-core/services/allocation"
	"relieffund-core/services/testutil"
	"relieffund-core/services/transaction"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type repoMock[T any] struct {
	findOneFn func(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	createFn  func(ctx context.Context, resource *T) error
}

func (m *repoMock[T]) WithTrx(tx *gorm.DB) repository.Repository[T] { return m }

func (m *repoMock[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	return nil, nil
}

func (m *repoMock[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	if m.findOneFn != nil {
		return m.findOneFn(ctx, query, opts...)
	}
	return nil, nil
}

func (m *repoMock[T]) Create(ctx context.Context, resource *T) error {
	if m.createFn != nil {
		return m.createFn(ctx, resource)
	}
	return nil
}

func (m *repoMock[T]) Update(ctx context.Context, resourceID string, resource any) error {
	return nil
}

func (m *repoMock[T]) BatchCreate(ctx context.Context, resources []*T) error { return nil }
func (m *repoMock[T]) BatchUpdate(ctx context.Context, resources []*T) error { return nil }
func (m *repoMock[T]) Count(ctx context.Context, query *T) (int64, error)   { return 0, nil }

func newTestService(t *testing.T) (*Service, *allocation.Service) {
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

	svc := NewService(ServiceParams{DB: db, Node: node, Ledger: ledger})
	return svc, ledger
}

func fundedAccount(t *testing.T, svc *Service, ledger *allocation.Service, mode allocation.SpendingMode, amount int64, limits map[string]int64) *allocation.Account {
	t.Helper()
	ctx := context.Background()

	account, err := ledger.Open(ctx, svc.db, "0xwallet", "campaign-1", mode)
	require.NoError(t, err)

	_, err = ledger.TopUp(ctx, allocation.TopUpParams{
		AccountID:      account.ID,
		Amount:         amount,
		CategoryLimits: limits,
	})
	require.NoError(t, err)

	return account
}

func accountState(t *testing.T, ledger *allocation.Service, accountID string) *allocation.Account {
	t.Helper()
	account, _, err := ledger.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return account
}

func TestDirectSpendCommitsImmediately(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, allocation.ModeDirect, 100, nil)

	result, err := svc.RequestSpend(ctx, SpendParams{
		AccountID:  account.ID,
		MerchantID: "merchant-1",
		Amount:     40,
		OrderID:    "order-1",
	})
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, result.Request.Status)
	require.NotNil(t, result.Entry)
	require.Equal(t, result.Entry.ID, result.Request.TransactionID)
	require.Equal(t, "merchant-1", result.Entry.CounterpartyID)

	state := accountState(t, ledger, account.ID)
	require.Equal(t, int64(40), state.SpentTotal)
	require.Zero(t, state.ReservedTotal)
}

func TestDirectSpendInsufficientBalance(t *testing.T) {
	svc, ledger := newTestService(t)
	account := fundedAccount(t, svc, ledger, allocation.ModeDirect, 30, nil)

	_, err := svc.RequestSpend(context.Background(), SpendParams{
		AccountID:  account.ID,
		MerchantID: "merchant-1",
		Amount:     40,
	})
	require.ErrorIs(t, err, allocation.ErrInsufficientBalance)

	require.Zero(t, accountState(t, ledger, account.ID).ReservedTotal)
}

func TestControlledSpendHoldsThenApprove(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, allocation.ModeControlled, 100, map[string]int64{"food": 60})

	result, err := svc.RequestSpend(ctx, SpendParams{
		AccountID:  account.ID,
		MerchantID: "merchant-1",
		Category:   "food",
		Amount:     50,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, result.Request.Status)
	require.Nil(t, result.Entry)
	require.Equal(t, int64(50), accountState(t, ledger, account.ID).ReservedTotal)

	approved, err := svc.Approve(ctx, result.Request.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, approved.Request.Status)
	require.NotNil(t, approved.Entry)

	state := accountState(t, ledger, account.ID)
	require.Equal(t, int64(50), state.SpentTotal)
	require.Zero(t, state.ReservedTotal)
}

func TestRejectRestoresCapacity(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, allocation.ModeControlled, 100, map[string]int64{"food": 100})

	result, err := svc.RequestSpend(ctx, SpendParams{
		AccountID:  account.ID,
		MerchantID: "merchant-1",
		Category:   "food",
		Amount:     100,
	})
	require.NoError(t, err)

	// The hold consumes the full balance until the request settles.
	_, err = svc.RequestSpend(ctx, SpendParams{
		AccountID:  account.ID,
		MerchantID: "merchant-2",
		Category:   "food",
		Amount:     100,
	})
	require.ErrorIs(t, err, allocation.ErrInsufficientBalance)

	rejected, err := svc.Reject(ctx, result.Request.ID, "not an eligible purchase")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.Equal(t, "not an eligible purchase", rejected.Reason)

	_, err = svc.RequestSpend(ctx, SpendParams{
		AccountID:  account.ID,
		MerchantID: "merchant-2",
		Category:   "food",
		Amount:     100,
	})
	require.NoError(t, err)
}

func TestApproveIsExactlyOnce(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, allocation.ModeControlled, 100, map[string]int64{"food": 100})

	result, err := svc.RequestSpend(ctx, SpendParams{
		AccountID:  account.ID,
		MerchantID: "merchant-1",
		Category:   "food",
		Amount:     40,
	})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, result.Request.ID)
	require.NoError(t, err)

	_, err = svc.Approve(ctx, result.Request.ID)
	require.ErrorIs(t, err, allocation.ErrInvalidTransition)

	_, err = svc.Reject(ctx, result.Request.ID, "late")
	require.ErrorIs(t, err, allocation.ErrInvalidTransition)

	require.Equal(t, int64(40), accountState(t, ledger, account.ID).SpentTotal)
}

func TestExpireReleasesHold(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, allocation.ModeControlled, 100, map[string]int64{"food": 100})

	result, err := svc.RequestSpend(ctx, SpendParams{
		AccountID:  account.ID,
		MerchantID: "merchant-1",
		Category:   "food",
		Amount:     60,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Expire(ctx, result.Request.ID))

	expired, err := svc.Get(ctx, result.Request.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, expired.Status)
	require.Zero(t, accountState(t, ledger, account.ID).ReservedTotal)

	// Approving an expired request must fail.
	_, err = svc.Approve(ctx, result.Request.ID)
	require.ErrorIs(t, err, allocation.ErrInvalidTransition)
}

func TestExpireRepairsCommittedRequest(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, allocation.ModeControlled, 100, map[string]int64{"food": 100})

	result, err := svc.RequestSpend(ctx, SpendParams{
		AccountID:  account.ID,
		MerchantID: "merchant-1",
		Category:   "food",
		Amount:     50,
	})
	require.NoError(t, err)

	// An approval that crashed after the ledger write leaves the request
	// row pending while its reservation is already committed.
	_, err = ledger.Commit(ctx, allocation.CommitParams{
		ReservationID:  result.Request.ReservationID,
		CounterpartyID: "merchant-1",
	})
	require.NoError(t, err)

	require.NoError(t, svc.Expire(ctx, result.Request.ID))

	repaired, err := svc.Get(ctx, result.Request.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCommitted, repaired.Status)

	// The committed funds stay spent; nothing is released back.
	state := accountState(t, ledger, account.ID)
	require.Equal(t, int64(50), state.SpentTotal)
	require.Zero(t, state.ReservedTotal)
}

func TestSweepExpiredBackstop(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, allocation.ModeControlled, 100, map[string]int64{"food": 100})

	result, err := svc.RequestSpend(ctx, SpendParams{
		AccountID:  account.ID,
		MerchantID: "merchant-1",
		Category:   "food",
		Amount:     60,
	})
	require.NoError(t, err)

	stale := time.Now().Add(-svc.requestTTL - time.Hour)
	require.NoError(t, svc.db.Model(&Request{}).
		Where("id = ?", result.Request.ID).
		Update("created_at", stale).Error)

	expired, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	swept, err := svc.Get(ctx, result.Request.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, swept.Status)
	require.Zero(t, accountState(t, ledger, account.ID).ReservedTotal)
}

func TestSweepLeavesFreshRequestsAlone(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, allocation.ModeControlled, 100, map[string]int64{"food": 100})

	result, err := svc.RequestSpend(ctx, SpendParams{
		AccountID:  account.ID,
		MerchantID: "merchant-1",
		Category:   "food",
		Amount:     60,
	})
	require.NoError(t, err)

	expired, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, expired)

	fresh, err := svc.Get(ctx, result.Request.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, fresh.Status)
}

func TestPersistFailureReleasesHold(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()
	account := fundedAccount(t, svc, ledger, allocation.ModeControlled, 100, map[string]int64{"food": 100})

	svc.requests = &repoMock[Request]{
		createFn: func(ctx context.Context, resource *Request) error {
			return errors.New("disk full")
		},
	}

	_, err := svc.RequestSpend(ctx, SpendParams{
		AccountID:  account.ID,
		MerchantID: "merchant-1",
		Category:   "food",
		Amount:     60,
	})
	require.Error(t, err)

	// The reservation must not leak when the request row fails to land.
	require.Zero(t, accountState(t, ledger, account.ID).ReservedTotal)
}

func TestRequestSpendRequiresMerchant(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RequestSpend(context.Background(), SpendParams{AccountID: "acc", Amount: 10})
	require.Error(t, err)
}

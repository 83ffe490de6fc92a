package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relieffund-core/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := testutil.NewTestDB(t, &Entry{})
	return NewStore(StoreParams{DB: db})
}

func record(t *testing.T, store *Store, id, accountID, kind string, amount int64) *Entry {
	t.Helper()
	entry, err := store.Record(context.Background(), &Entry{
		ID:        id,
		AccountID: accountID,
		Kind:      kind,
		Amount:    amount,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	// Record lookups order by created_at; keep entries strictly apart.
	time.Sleep(2 * time.Millisecond)
	return entry
}

func TestRecordChainsHashes(t *testing.T) {
	store := newTestStore(t)

	first := record(t, store, "e1", "acc", KindTopUp, 100)
	second := record(t, store, "e2", "acc", KindSpend, 40)

	require.Equal(t, "GENESIS", first.PreviousHash)
	require.Equal(t, first.Hash, second.PreviousHash)
	require.Equal(t, second.GenerateHash(), second.Hash)

	ok, err := store.VerifyChain(context.Background(), "acc")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestChainsAreIndependentPerAccount(t *testing.T) {
	store := newTestStore(t)

	a := record(t, store, "e1", "acc-a", KindTopUp, 100)
	b := record(t, store, "e2", "acc-b", KindTopUp, 50)

	require.Equal(t, "GENESIS", a.PreviousHash)
	require.Equal(t, "GENESIS", b.PreviousHash)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record(t, store, "e1", "acc", KindTopUp, 100)
	record(t, store, "e2", "acc", KindSpend, 40)

	require.NoError(t, store.db.Model(&Entry{}).
		Where("id = ?", "e2").
		Update("amount", 4).Error)

	ok, err := store.VerifyChain(ctx, "acc")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBalanceOfFoldsByKind(t *testing.T) {
	store := newTestStore(t)

	record(t, store, "e1", "acc", KindTopUp, 100)
	record(t, store, "e2", "acc", KindSpend, 30)
	record(t, store, "e3", "acc", KindCashout, 20)
	record(t, store, "e4", "other", KindTopUp, 999)

	balance, err := store.BalanceOf(context.Background(), "acc")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance.Allocated)
	require.Equal(t, int64(30), balance.Spent)
	require.Equal(t, int64(20), balance.CashedOut)
}

func TestReconcile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record(t, store, "e1", "acc", KindTopUp, 100)
	record(t, store, "e2", "acc", KindSpend, 30)

	ok, err := store.Reconcile(ctx, "acc", Balance{Allocated: 100, Spent: 30})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Reconcile(ctx, "acc", Balance{Allocated: 100, Spent: 31})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record(t, store, "e1", "acc", KindTopUp, 100)
	record(t, store, "e2", "acc", KindSpend, 10)
	record(t, store, "e3", "acc", KindSpend, 20)

	entries, err := store.List(ctx, "acc", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "e1", entries[0].ID)
	require.Equal(t, "e3", entries[2].ID)

	limited, err := store.List(ctx, "acc", "", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
}

func TestListFiltersByKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record(t, store, "e1", "acc", KindTopUp, 100)
	record(t, store, "e2", "acc", KindSpend, 10)
	record(t, store, "e3", "acc", KindCashout, 20)
	record(t, store, "e4", "acc", KindSpend, 5)

	spends, err := store.List(ctx, "acc", KindSpend, 0)
	require.NoError(t, err)
	require.Len(t, spends, 2)
	for _, e := range spends {
		require.Equal(t, KindSpend, e.Kind)
	}

	none, err := store.List(ctx, "acc", "unknown", 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

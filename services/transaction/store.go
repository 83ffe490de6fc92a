package transaction

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"relieffund-core/pkg/db/option"
	"relieffund-core/pkg/errutil"
	"relieffund-core/pkg/repository"
)

// Store is the append-only transaction ledger. It is the source of truth:
// the allocation ledger's cached totals must always equal the fold of the
// entries recorded here.
type Store struct {
	db      *gorm.DB
	entries repository.Repository[Entry]
}

type StoreParams struct {
	fx.In
	DB *gorm.DB
}

func NewStore(p StoreParams) *Store {
	return &Store{
		db:      p.DB,
		entries: repository.ProvideStore[Entry](p.DB),
	}
}

// WithTrx returns a Store bound to an open database transaction so entries
// land atomically with the ledger mutation that produced them.
func (s *Store) WithTrx(tx *gorm.DB) *Store {
	if tx == nil {
		return s
	}
	return &Store{
		db:      tx,
		entries: s.entries.WithTrx(tx),
	}
}

// Record appends an entry, chaining its hash to the account's latest entry.
// The entry's ID, amount and timestamps must already be set by the caller.
func (s *Store) Record(ctx context.Context, entry *Entry) (*Entry, error) {
	last, err := s.entries.FindOne(ctx, &Entry{AccountID: entry.AccountID}, option.WithSortBy(
		option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow: map[string]bool{
				"created_at": true,
			},
		},
	))
	if err != nil {
		return nil, errutil.Internal("failed to read last ledger entry", err)
	}

	entry.PreviousHash = "GENESIS"
	if last != nil {
		entry.PreviousHash = last.Hash
	}
	entry.Hash = entry.GenerateHash()

	if err := s.entries.Create(ctx, entry); err != nil {
		return nil, errutil.Internal("failed to append ledger entry", err)
	}

	return entry, nil
}

// List returns an account's entries in commit order, oldest first. An
// empty kind returns every entry; otherwise only entries of that kind.
func (s *Store) List(ctx context.Context, accountID, kind string, limit int) ([]*Entry, error) {
	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow: map[string]bool{
				"created_at": true,
			},
		}),
	}
	if limit > 0 {
		opts = append(opts, option.WithLimit(limit))
	}

	entries, err := s.entries.Find(ctx, &Entry{AccountID: accountID, Kind: kind}, opts...)
	if err != nil {
		return nil, errutil.Internal("failed to list ledger entries", err)
	}
	return entries, nil
}

// BalanceOf recomputes the account totals by folding its entries.
func (s *Store) BalanceOf(ctx context.Context, accountID string) (*Balance, error) {
	entries, err := s.List(ctx, accountID, "", 0)
	if err != nil {
		return nil, err
	}

	balance := &Balance{}
	for _, e := range entries {
		switch e.Kind {
		case KindTopUp:
			balance.Allocated += e.Amount
		case KindSpend:
			balance.Spent += e.Amount
		case KindCashout:
			balance.CashedOut += e.Amount
		default:
			return nil, errutil.Internal("unknown entry kind", fmt.Errorf("entry %s has kind %q", e.ID, e.Kind))
		}
	}

	return balance, nil
}

// Reconcile compares the fold of the entries against the cached totals held
// by the allocation ledger. Divergence is a data-integrity fault: it is
// logged and reported, never silently corrected.
func (s *Store) Reconcile(ctx context.Context, accountID string, cached Balance) (bool, error) {
	folded, err := s.BalanceOf(ctx, accountID)
	if err != nil {
		return false, err
	}

	if *folded == cached {
		return true, nil
	}

	zap.L().Error("ledger divergence detected",
		zap.String("account_id", accountID),
		zap.Int64("folded_allocated", folded.Allocated),
		zap.Int64("folded_spent", folded.Spent),
		zap.Int64("folded_cashed_out", folded.CashedOut),
		zap.Int64("cached_allocated", cached.Allocated),
		zap.Int64("cached_spent", cached.Spent),
		zap.Int64("cached_cashed_out", cached.CashedOut),
	)

	return false, nil
}

// VerifyChain walks the account's entries in order and checks every hash
// link. A false result means the history was tampered with or reordered.
func (s *Store) VerifyChain(ctx context.Context, accountID string) (bool, error) {
	entries, err := s.List(ctx, accountID, "", 0)
	if err != nil {
		return false, err
	}

	lastHash := "GENESIS"
	for _, entry := range entries {
		if entry.PreviousHash != lastHash || entry.Hash != entry.GenerateHash() {
			return false, nil
		}
		lastHash = entry.Hash
	}

	return true, nil
}

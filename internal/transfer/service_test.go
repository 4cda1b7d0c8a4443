package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/gapeva/gapeva-core/internal/fees"
	"github.com/gapeva/gapeva-core/internal/ledger"
	"github.com/gapeva/gapeva-core/pkg/models"
)

func newTestService(t *testing.T) (*Service, *ledger.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	store := ledger.NewStore(db, zap.NewNop(), 10)
	require.NoError(t, store.AutoMigrate())
	return NewService(store, fees.DefaultPolicy(), zap.NewNop()), store
}

func seedWallet(t *testing.T, store *ledger.Store, userID uuid.UUID, amount string) {
	t.Helper()
	amt, err := decimal.NewFromString(amount)
	require.NoError(t, err)
	_, _, err = store.AppendEntryAtomic(context.Background(), userID, func(acc *models.Account) (*models.LedgerEntry, error) {
		acc.WalletBalance = acc.WalletBalance.Add(amt)
		return &models.LedgerEntry{
			Kind:        models.KindDeposit,
			GrossAmount: amt,
			NetAmount:   amt,
			Status:      models.StatusSettled,
		}, nil
	})
	require.NoError(t, err)
}

func TestWithdrawDebitsFullAmount(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedWallet(t, store, userID, "100.00")

	account, entry, err := svc.Withdraw(ctx, userID, decimal.NewFromInt(100))
	require.NoError(t, err)

	// The full requested amount leaves the wallet at acceptance.
	assert.True(t, account.WalletBalance.IsZero(), "wallet = %s", account.WalletBalance)
	assert.Equal(t, models.StatusPending, entry.Status)
	assert.True(t, entry.GrossAmount.Equal(decimal.NewFromInt(100)))
	assert.True(t, entry.FeeAmount.Equal(decimal.NewFromInt(35)))
	assert.True(t, entry.NetAmount.Equal(decimal.NewFromInt(65)))
	assert.Nil(t, entry.SettledAt)
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedWallet(t, store, userID, "50.00")

	_, _, err := svc.Withdraw(ctx, userID, decimal.NewFromInt(51))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var insufficient *ledger.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "wallet", insufficient.Source)
	assert.True(t, insufficient.Balance.Equal(decimal.NewFromInt(50)))

	// The failed request must leave no trace.
	account, err := store.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.True(t, account.WalletBalance.Equal(decimal.NewFromInt(50)))
}

func TestWithdrawRejectsNonPositive(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Withdraw(ctx, uuid.New(), decimal.Zero)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, _, err = svc.Withdraw(ctx, uuid.New(), decimal.NewFromInt(-5))
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// Sub-cent amounts must never reach the ledger: numeric(18,2) columns would
// round gross, fee, net and the live balance independently, desyncing the
// account row from the entry fold.
func TestSubCentAmountsRejected(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedWallet(t, store, userID, "50.00")

	for _, amount := range []string{"10.005", "0.001", "9.999"} {
		amt := decimal.RequireFromString(amount)
		_, _, err := svc.Withdraw(ctx, userID, amt)
		assert.ErrorIs(t, err, ledger.ErrValidation, "withdraw %s", amount)
		_, _, err = svc.Allocate(ctx, userID, amt)
		assert.ErrorIs(t, err, ledger.ErrValidation, "allocate %s", amount)
		_, _, err = svc.Deallocate(ctx, userID, amt)
		assert.ErrorIs(t, err, ledger.ErrValidation, "deallocate %s", amount)
	}

	// Trailing zeros beyond two places are still a cent amount.
	_, _, err := svc.Withdraw(ctx, userID, decimal.RequireFromString("10.500"))
	require.NoError(t, err)

	account, err := store.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.True(t, account.WalletBalance.Equal(decimal.RequireFromString("39.50")))
}

func TestAllocateDeallocateRoundTrip(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedWallet(t, store, userID, "100.00")

	account, entry, err := svc.Allocate(ctx, userID, decimal.NewFromInt(60))
	require.NoError(t, err)
	assert.True(t, account.WalletBalance.Equal(decimal.NewFromInt(40)))
	assert.True(t, account.TradingBalance.Equal(decimal.NewFromInt(60)))
	assert.Equal(t, models.StatusSettled, entry.Status)
	assert.True(t, entry.FeeAmount.IsZero(), "internal transfers carry no fee")

	account, _, err = svc.Deallocate(ctx, userID, decimal.NewFromInt(60))
	require.NoError(t, err)
	assert.True(t, account.WalletBalance.Equal(decimal.NewFromInt(100)))
	assert.True(t, account.TradingBalance.IsZero())
}

func TestAllocateInsufficientWallet(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedWallet(t, store, userID, "10.00")

	_, _, err := svc.Allocate(ctx, userID, decimal.NewFromInt(11))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var insufficient *ledger.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "wallet", insufficient.Source)
}

func TestDeallocateInsufficientTrading(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedWallet(t, store, userID, "100.00")

	_, _, err := svc.Deallocate(ctx, userID, decimal.NewFromInt(1))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var insufficient *ledger.InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "trading", insufficient.Source)
}

// Two racing withdrawals for the full balance: at most one may succeed and
// the balance may never go negative.
func TestConcurrentWithdrawalsNoDoubleSpend(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedWallet(t, store, userID, "100.00")

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.Withdraw(ctx, userID, decimal.NewFromInt(100))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		if !errors.Is(err, ledger.ErrInsufficientFunds) && !errors.Is(err, ledger.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.LessOrEqual(t, successes, 1, "both withdrawals spent the same funds")

	account, err := store.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.False(t, account.WalletBalance.IsNegative())
	expected := decimal.NewFromInt(100).Sub(decimal.NewFromInt(int64(successes * 100)))
	assert.True(t, account.WalletBalance.Equal(expected), "wallet = %s, successes = %d", account.WalletBalance, successes)
}

func TestConcurrentAllocationsConverge(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedWallet(t, store, userID, "100.00")

	n := 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.Allocate(ctx, userID, decimal.NewFromInt(10))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ledger.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	account, err := store.GetAccount(ctx, userID)
	require.NoError(t, err)
	moved := decimal.NewFromInt(int64(succeeded * 10))
	assert.True(t, account.TradingBalance.Equal(moved))
	assert.True(t, account.WalletBalance.Equal(decimal.NewFromInt(100).Sub(moved)))
	assert.True(t, account.WalletBalance.Add(account.TradingBalance).Equal(decimal.NewFromInt(100)),
		"internal transfers must conserve total funds")
}

func TestSettleAndRejectHooks(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	seedWallet(t, store, userID, "100.00")

	_, entry, err := svc.Withdraw(ctx, userID, decimal.NewFromInt(40))
	require.NoError(t, err)

	settled, err := svc.SettleWithdrawal(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSettled, settled.Status)

	_, entry2, err := svc.Withdraw(ctx, userID, decimal.NewFromInt(30))
	require.NoError(t, err)
	rejected, err := svc.RejectWithdrawal(ctx, entry2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, rejected.Status)

	account, err := store.GetAccount(ctx, userID)
	require.NoError(t, err)
	// 100 - 40 (settled) - 30 (rejected, refunded) + 30 = 60
	assert.True(t, account.WalletBalance.Equal(decimal.NewFromInt(60)))
}

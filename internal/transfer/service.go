// Package transfer executes balance-to-balance moves and external
// withdrawals on top of the ledger store's atomic commit primitive.
package transfer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gapeva/gapeva-core/internal/fees"
	"github.com/gapeva/gapeva-core/internal/ledger"
	"github.com/gapeva/gapeva-core/pkg/metrics"
	"github.com/gapeva/gapeva-core/pkg/models"
)

// Service moves money between the wallet and trading balances and out of
// the platform. All preconditions are re-checked inside the atomic retry
// loop, so two racing requests can never both spend the same funds.
type Service struct {
	store  *ledger.Store
	policy fees.Policy
	logger *zap.Logger
}

// NewService creates a transfer engine.
func NewService(store *ledger.Store, policy fees.Policy, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, policy: policy, logger: logger}
}

// requirePositive rejects non-positive and sub-cent amounts. Balances live
// in numeric(18,2) columns; an amount finer than a cent would be rounded by
// the database and desync the live row from the audit trail.
func requirePositive(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return &ledger.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !amount.Equal(amount.Truncate(2)) {
		return &ledger.ValidationError{Field: "amount", Reason: "must have at most two decimal places"}
	}
	return nil
}

// Allocate moves amount from the wallet balance to the trading balance.
// No fee applies.
func (s *Service) Allocate(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Account, *models.LedgerEntry, error) {
	if err := requirePositive(amount); err != nil {
		return nil, nil, err
	}
	defer observe("allocate", time.Now())

	return s.store.AppendEntryAtomic(ctx, userID, func(acc *models.Account) (*models.LedgerEntry, error) {
		if acc.WalletBalance.LessThan(amount) {
			return nil, &ledger.InsufficientFundsError{Source: "wallet", Balance: acc.WalletBalance, Requested: amount}
		}
		acc.WalletBalance = acc.WalletBalance.Sub(amount)
		acc.TradingBalance = acc.TradingBalance.Add(amount)
		return &models.LedgerEntry{
			Kind:        models.KindAllocate,
			GrossAmount: amount,
			FeeAmount:   decimal.Zero,
			NetAmount:   amount,
			Status:      models.StatusSettled,
		}, nil
	})
}

// Deallocate moves amount from the trading balance back to the wallet
// balance. No fee applies.
func (s *Service) Deallocate(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Account, *models.LedgerEntry, error) {
	if err := requirePositive(amount); err != nil {
		return nil, nil, err
	}
	defer observe("deallocate", time.Now())

	return s.store.AppendEntryAtomic(ctx, userID, func(acc *models.Account) (*models.LedgerEntry, error) {
		if acc.TradingBalance.LessThan(amount) {
			return nil, &ledger.InsufficientFundsError{Source: "trading", Balance: acc.TradingBalance, Requested: amount}
		}
		acc.TradingBalance = acc.TradingBalance.Sub(amount)
		acc.WalletBalance = acc.WalletBalance.Add(amount)
		return &models.LedgerEntry{
			Kind:        models.KindDeallocate,
			GrossAmount: amount,
			FeeAmount:   decimal.Zero,
			NetAmount:   amount,
			Status:      models.StatusSettled,
		}, nil
	})
}

// Withdraw debits the wallet balance by the full requested amount and
// records a pending withdrawal entry. The fee is retained by the platform;
// the net amount is what the payout processor pays out, within the 24-hour
// payout window. The entry stays pending until the processor settles or
// rejects it.
func (s *Service) Withdraw(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Account, *models.LedgerEntry, error) {
	if err := requirePositive(amount); err != nil {
		return nil, nil, err
	}
	defer observe("withdraw", time.Now())

	fee, net := s.policy.Compute(models.KindWithdrawal, amount)
	account, entry, err := s.store.AppendEntryAtomic(ctx, userID, func(acc *models.Account) (*models.LedgerEntry, error) {
		if acc.WalletBalance.LessThan(amount) {
			return nil, &ledger.InsufficientFundsError{Source: "wallet", Balance: acc.WalletBalance, Requested: amount}
		}
		acc.WalletBalance = acc.WalletBalance.Sub(amount)
		return &models.LedgerEntry{
			Kind:        models.KindWithdrawal,
			GrossAmount: amount,
			FeeAmount:   fee,
			NetAmount:   net,
			Status:      models.StatusPending,
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.WithdrawalsTotal.WithLabelValues(models.StatusPending).Inc()
	s.logger.Info("withdrawal accepted",
		zap.String("user_id", userID.String()),
		zap.String("entry_id", entry.ID.String()),
		zap.String("gross", amount.String()),
		zap.String("net", net.String()))
	return account, entry, nil
}

// SettleWithdrawal is the payout processor hook confirming the external
// payout completed.
func (s *Service) SettleWithdrawal(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error) {
	entry, err := s.store.SettleWithdrawal(ctx, entryID)
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues(models.StatusSettled).Inc()
	return entry, nil
}

// RejectWithdrawal is the payout processor hook for a failed payout; the
// debited amount returns to the wallet balance.
func (s *Service) RejectWithdrawal(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error) {
	entry, err := s.store.RejectWithdrawal(ctx, entryID)
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues(models.StatusRejected).Inc()
	return entry, nil
}

func observe(operation string, start time.Time) {
	metrics.OperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Package wallet orchestrates the ledger core behind the dashboard API:
// it wires the fee policy, transfer engine and payment reconciler together
// and owns the account-snapshot cache and the settled-entry event stream.
// No money rule lives here beyond request validation.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gapeva/gapeva-core/internal/ledger"
	"github.com/gapeva/gapeva-core/internal/messaging"
	"github.com/gapeva/gapeva-core/internal/reconciler"
	"github.com/gapeva/gapeva-core/internal/transfer"
	"github.com/gapeva/gapeva-core/pkg/models"
)

// WalletService defines the operations the dashboard API consumes.
type WalletService interface {
	Start() error
	Stop() error
	GetWallet(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	ValidateDeposit(ctx context.Context, amount decimal.Decimal) error
	VerifyDeposit(ctx context.Context, userID uuid.UUID, reference string, expectedAmount decimal.Decimal) (*reconciler.SettlementResult, error)
	Withdraw(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Account, *models.LedgerEntry, error)
	Allocate(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Account, *models.LedgerEntry, error)
	Deallocate(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Account, *models.LedgerEntry, error)
	GetHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, int64, error)
	DeactivateAccount(ctx context.Context, userID uuid.UUID) error
	ReconcileAccount(ctx context.Context, userID uuid.UUID) (*ReconcileReport, error)
	ListPendingPayouts(ctx context.Context) ([]*models.LedgerEntry, error)
	SettlePayout(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error)
	RejectPayout(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error)
}

// ReconcileReport compares the live account row against balances recomputed
// from the ledger entries. Consistent is the invariant the audit trail
// exists to prove.
type ReconcileReport struct {
	Account           *models.Account `json:"account"`
	RecomputedWallet  decimal.Decimal `json:"recomputed_wallet"`
	RecomputedTrading decimal.Decimal `json:"recomputed_trading"`
	Consistent        bool            `json:"consistent"`
}

// Service implements WalletService.
type Service struct {
	logger       *zap.Logger
	store        *ledger.Store
	reconcilerSv *reconciler.Service
	transfers    *transfer.Service
	cache        *redis.Client
	cacheTTL     time.Duration
	publisher    messaging.Publisher
	payoutWindow time.Duration
}

// NewService creates a wallet service. cache may be nil (caching disabled);
// publisher may be nil (events disabled).
func NewService(
	logger *zap.Logger,
	store *ledger.Store,
	reconcilerSvc *reconciler.Service,
	transfers *transfer.Service,
	cache *redis.Client,
	cacheTTL time.Duration,
	publisher messaging.Publisher,
	payoutWindow time.Duration,
) (WalletService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = messaging.NopPublisher{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	if payoutWindow <= 0 {
		payoutWindow = 24 * time.Hour
	}
	return &Service{
		logger:       logger,
		store:        store,
		reconcilerSv: reconcilerSvc,
		transfers:    transfers,
		cache:        cache,
		cacheTTL:     cacheTTL,
		publisher:    publisher,
		payoutWindow: payoutWindow,
	}, nil
}

// Start starts the wallet service
func (s *Service) Start() error {
	s.logger.Info("Wallet service started")
	return nil
}

// Stop stops the wallet service
func (s *Service) Stop() error {
	if err := s.publisher.Close(); err != nil {
		s.logger.Warn("failed to close event publisher", zap.Error(err))
	}
	s.logger.Info("Wallet service stopped")
	return nil
}

func cacheKey(userID uuid.UUID) string {
	return "wallet:account:" + userID.String()
}

// GetWallet returns the account snapshot, creating the account on first
// authenticated access. Reads go through the snapshot cache when enabled.
func (s *Service) GetWallet(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, cacheKey(userID)).Bytes(); err == nil {
			var account models.Account
			if err := json.Unmarshal(data, &account); err == nil {
				return &account, nil
			}
		}
	}

	account, err := s.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, account)
	return account, nil
}

func (s *Service) cacheSet(ctx context.Context, account *models.Account) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(account)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(account.UserID), data, s.cacheTTL).Err(); err != nil {
		s.logger.Debug("cache set failed", zap.Error(err))
	}
}

func (s *Service) cacheInvalidate(ctx context.Context, userID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, cacheKey(userID)).Err(); err != nil {
		s.logger.Debug("cache invalidation failed", zap.Error(err))
	}
}

// ValidateDeposit pre-checks an intended deposit against the minimum floor.
func (s *Service) ValidateDeposit(ctx context.Context, amount decimal.Decimal) error {
	return s.reconcilerSv.ValidateDeposit(amount)
}

// VerifyDeposit settles a gateway reference into the wallet balance.
func (s *Service) VerifyDeposit(ctx context.Context, userID uuid.UUID, reference string, expectedAmount decimal.Decimal) (*reconciler.SettlementResult, error) {
	result, err := s.reconcilerSv.SettleDeposit(ctx, userID, reference, expectedAmount)
	if err != nil {
		return nil, err
	}
	s.cacheInvalidate(ctx, userID)
	if !result.Replayed {
		s.publishEntry(ctx, userID, result.Entry)
	}
	return result, nil
}

// Withdraw accepts a withdrawal request; the entry stays pending until the
// payout processor confirms the external payout.
func (s *Service) Withdraw(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Account, *models.LedgerEntry, error) {
	account, entry, err := s.transfers.Withdraw(ctx, userID, amount)
	if err != nil {
		return nil, nil, err
	}
	s.cacheInvalidate(ctx, userID)
	return account, entry, nil
}

// Allocate moves wallet funds into the trading balance.
func (s *Service) Allocate(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Account, *models.LedgerEntry, error) {
	account, entry, err := s.transfers.Allocate(ctx, userID, amount)
	if err != nil {
		return nil, nil, err
	}
	s.cacheInvalidate(ctx, userID)
	s.publishEntry(ctx, userID, entry)
	return account, entry, nil
}

// Deallocate moves trading funds back into the wallet balance.
func (s *Service) Deallocate(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Account, *models.LedgerEntry, error) {
	account, entry, err := s.transfers.Deallocate(ctx, userID, amount)
	if err != nil {
		return nil, nil, err
	}
	s.cacheInvalidate(ctx, userID)
	s.publishEntry(ctx, userID, entry)
	return account, entry, nil
}

// GetHistory returns the account's ledger entries newest-first.
func (s *Service) GetHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, int64, error) {
	account, err := s.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListEntries(ctx, account.ID, limit, offset)
}

// DeactivateAccount flags the account so further mutations are rejected.
// Accounts are never deleted; the audit trail stays intact.
func (s *Service) DeactivateAccount(ctx context.Context, userID uuid.UUID) error {
	if err := s.store.DeactivateAccount(ctx, userID); err != nil {
		return err
	}
	s.cacheInvalidate(ctx, userID)
	return nil
}

// ReconcileAccount recomputes balances from the audit trail and compares
// them to the live row.
func (s *Service) ReconcileAccount(ctx context.Context, userID uuid.UUID) (*ReconcileReport, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	wallet, trading, err := s.store.RecomputeBalances(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{
		Account:           account,
		RecomputedWallet:  wallet,
		RecomputedTrading: trading,
		Consistent:        wallet.Equal(account.WalletBalance) && trading.Equal(account.TradingBalance),
	}
	if !report.Consistent {
		s.logger.Error("ledger/account balance divergence",
			zap.String("user_id", userID.String()),
			zap.String("wallet_live", account.WalletBalance.String()),
			zap.String("wallet_recomputed", wallet.String()),
			zap.String("trading_live", account.TradingBalance.String()),
			zap.String("trading_recomputed", trading.String()))
	}
	return report, nil
}

// ListPendingPayouts returns withdrawals that outlived the payout window.
func (s *Service) ListPendingPayouts(ctx context.Context) ([]*models.LedgerEntry, error) {
	return s.store.ListPendingWithdrawals(ctx, s.payoutWindow)
}

// SettlePayout confirms an external payout completed.
func (s *Service) SettlePayout(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error) {
	entry, err := s.transfers.SettleWithdrawal(ctx, entryID)
	if err != nil {
		return nil, err
	}
	s.publishEntryByAccount(ctx, entry)
	return entry, nil
}

// RejectPayout reverses a failed payout back into the wallet balance.
func (s *Service) RejectPayout(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error) {
	entry, err := s.transfers.RejectWithdrawal(ctx, entryID)
	if err != nil {
		return nil, err
	}
	// The refund changed the account row; drop any stale snapshot.
	if account, lookupErr := s.accountByID(ctx, entry.AccountID); lookupErr == nil {
		s.cacheInvalidate(ctx, account.UserID)
	}
	return entry, nil
}

func (s *Service) accountByID(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := s.store.DB().WithContext(ctx).Where("id = ?", accountID).First(&account).Error; err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &account, nil
}

func (s *Service) publishEntry(ctx context.Context, userID uuid.UUID, entry *models.LedgerEntry) {
	event := messaging.EntrySettledEvent{
		EntryID:     entry.ID,
		AccountID:   entry.AccountID,
		UserID:      userID,
		Kind:        entry.Kind,
		GrossAmount: entry.GrossAmount,
		FeeAmount:   entry.FeeAmount,
		NetAmount:   entry.NetAmount,
		OccurredAt:  entry.CreatedAt,
	}
	if entry.ExternalReference != nil {
		event.ExternalReference = *entry.ExternalReference
	}
	if err := s.publisher.PublishEntrySettled(ctx, event); err != nil {
		s.logger.Warn("failed to publish ledger event",
			zap.String("entry_id", entry.ID.String()), zap.Error(err))
	}
}

func (s *Service) publishEntryByAccount(ctx context.Context, entry *models.LedgerEntry) {
	account, err := s.accountByID(ctx, entry.AccountID)
	if err != nil {
		s.logger.Warn("failed to resolve account for event", zap.Error(err))
		return
	}
	s.cacheInvalidate(ctx, account.UserID)
	s.publishEntry(ctx, account.UserID, entry)
}

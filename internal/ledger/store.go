package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gapeva/gapeva-core/pkg/metrics"
	"github.com/gapeva/gapeva-core/pkg/models"
)

// DefaultMaxRetries bounds the optimistic-concurrency retry loop.
const DefaultMaxRetries = 3

// Mutation computes the proposed balance change for one ledger operation.
// It receives a copy of the current account, adjusts WalletBalance and
// TradingBalance in place, and returns the entry describing the event
// (kind, gross/fee/net, status, optional external reference). Returning an
// error aborts the operation without any ledger effect; mutation errors are
// never retried.
type Mutation func(acc *models.Account) (*models.LedgerEntry, error)

// Store is the single source of truth for accounts and ledger entries.
// Every balance mutation in the system funnels through AppendEntryAtomic,
// which guarantees no lost updates under concurrent requests via the
// account version counter.
type Store struct {
	db         *gorm.DB
	logger     *zap.Logger
	maxRetries int
}

// NewStore creates a ledger store. maxRetries <= 0 selects the default.
func NewStore(db *gorm.DB, logger *zap.Logger, maxRetries int) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Store{db: db, logger: logger, maxRetries: maxRetries}
}

// AutoMigrate creates the ledger tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&models.Account{}, &models.LedgerEntry{}, &models.PaymentReference{})
}

// DB exposes the underlying handle for pool metrics collection.
func (s *Store) DB() *gorm.DB { return s.db }

// GetAccount returns the account for a user.
func (s *Store) GetAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &account, nil
}

// GetOrCreateAccount returns the account for a user, creating an empty one
// on first touch. Accounts come into existence when a user first
// authenticates; the unique index on user_id makes concurrent first touches
// converge on a single row.
func (s *Store) GetOrCreateAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	account, err := s.GetAccount(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	now := time.Now()
	account = &models.Account{
		ID:             uuid.New(),
		UserID:         userID,
		WalletBalance:  decimal.Zero,
		TradingBalance: decimal.Zero,
		Version:        1,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the creation race; the winner's row is authoritative.
			return s.GetAccount(ctx, userID)
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// DeactivateAccount flags an account so further mutations are rejected.
// Accounts are never deleted.
func (s *Store) DeactivateAccount(ctx context.Context, userID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{"active": false, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("failed to deactivate account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// AppendEntryAtomic applies one balance mutation and records its ledger
// entry in a single commit. The commit only succeeds if the account version
// is unchanged since the read; a losing writer retries with fresh state up
// to the retry bound and then fails with ErrConflict. If the entry carries
// an external reference, the reference reservation rides in the same
// transaction, so a duplicate reference leaves the balances untouched.
func (s *Store) AppendEntryAtomic(ctx context.Context, userID uuid.UUID, mutate Mutation) (*models.Account, *models.LedgerEntry, error) {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		account, err := s.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return nil, nil, err
		}
		if !account.Active {
			return nil, nil, ErrAccountInactive
		}

		proposed := *account
		entry, err := mutate(&proposed)
		if err != nil {
			return nil, nil, err
		}

		// Mutations validate their own preconditions; this guard closes the
		// door on any arithmetic path to a negative balance.
		if proposed.WalletBalance.IsNegative() || proposed.TradingBalance.IsNegative() {
			return nil, nil, &InsufficientFundsError{
				Source:    "wallet",
				Balance:   account.WalletBalance,
				Requested: entry.GrossAmount,
			}
		}

		now := time.Now()
		entry.ID = uuid.New()
		entry.AccountID = account.ID
		entry.BalanceAfterWallet = proposed.WalletBalance
		entry.BalanceAfterTrade = proposed.TradingBalance
		entry.CreatedAt = now
		if entry.Status == models.StatusSettled {
			settledAt := now
			entry.SettledAt = &settledAt
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.Account{}).
				Where("id = ? AND version = ?", account.ID, account.Version).
				Updates(map[string]interface{}{
					"wallet_balance":  proposed.WalletBalance,
					"trading_balance": proposed.TradingBalance,
					"version":         account.Version + 1,
					"updated_at":      now,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to update account: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrConflict
			}

			if entry.ExternalReference != nil {
				ref := models.PaymentReference{
					Reference: *entry.ExternalReference,
					EntryID:   entry.ID,
					CreatedAt: now,
				}
				if err := tx.Create(&ref).Error; err != nil {
					if errors.Is(err, gorm.ErrDuplicatedKey) {
						return ErrDuplicateReference
					}
					return fmt.Errorf("failed to reserve reference: %w", err)
				}
			}

			if err := tx.Create(entry).Error; err != nil {
				return fmt.Errorf("failed to create ledger entry: %w", err)
			}
			return nil
		})
		if errors.Is(err, ErrConflict) {
			metrics.VersionConflicts.Inc()
			s.logger.Debug("version conflict, retrying",
				zap.String("user_id", userID.String()),
				zap.Int64("version", account.Version),
				zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		proposed.Version = account.Version + 1
		proposed.UpdatedAt = now
		return &proposed, entry, nil
	}
	return nil, nil, ErrConflict
}

// GetEntry returns one ledger entry by id.
func (s *Store) GetEntry(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	if err := s.db.WithContext(ctx).Where("id = ?", entryID).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to find entry: %w", err)
	}
	return &entry, nil
}

// EntryByReference returns the entry a payment reference settled, if any.
func (s *Store) EntryByReference(ctx context.Context, reference string) (*models.LedgerEntry, error) {
	var ref models.PaymentReference
	if err := s.db.WithContext(ctx).Where("reference = ?", reference).First(&ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to find reference: %w", err)
	}
	return s.GetEntry(ctx, ref.EntryID)
}

// ListEntries returns an account's ledger entries newest-first with the
// total count, for the history endpoint.
func (s *Store) ListEntries(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).Where("account_id = ?", accountID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count entries: %w", err)
	}

	var entries []*models.LedgerEntry
	if err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, total, nil
}

// ListPendingWithdrawals returns withdrawal entries still pending after the
// given age, oldest first. The payout processor works this list; entries
// older than the payout window indicate a stuck payout.
func (s *Store) ListPendingWithdrawals(ctx context.Context, olderThan time.Duration) ([]*models.LedgerEntry, error) {
	cutoff := time.Now().Add(-olderThan)
	var entries []*models.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND created_at <= ?", models.KindWithdrawal, models.StatusPending, cutoff).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending withdrawals: %w", err)
	}
	return entries, nil
}

// SettleWithdrawal marks a pending withdrawal entry settled once the payout
// processor confirms the external payout. The balance was already debited
// when the withdrawal was accepted, so only the entry status changes.
// Settling an already-settled entry is a no-op.
func (s *Store) SettleWithdrawal(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error) {
	entry, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Kind != models.KindWithdrawal {
		return nil, &ValidationError{Field: "entry", Reason: "is not a withdrawal"}
	}
	if entry.Status == models.StatusSettled {
		return entry, nil
	}
	if entry.Status == models.StatusRejected {
		return nil, &ValidationError{Field: "entry", Reason: "already rejected"}
	}

	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("id = ? AND status = ?", entryID, models.StatusPending).
		Updates(map[string]interface{}{"status": models.StatusSettled, "settled_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to settle withdrawal: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Raced with another transition; report the current state.
		return s.GetEntry(ctx, entryID)
	}
	entry.Status = models.StatusSettled
	entry.SettledAt = &now
	return entry, nil
}

// RejectWithdrawal marks a pending withdrawal rejected and returns the
// debited amount to the wallet balance. The refund and the status change
// commit together under the account version check.
func (s *Store) RejectWithdrawal(ctx context.Context, entryID uuid.UUID) (*models.LedgerEntry, error) {
	entry, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Kind != models.KindWithdrawal {
		return nil, &ValidationError{Field: "entry", Reason: "is not a withdrawal"}
	}
	if entry.Status == models.StatusRejected {
		return entry, nil
	}
	if entry.Status == models.StatusSettled {
		return nil, &ValidationError{Field: "entry", Reason: "already settled"}
	}

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		var account models.Account
		if err := s.db.WithContext(ctx).Where("id = ?", entry.AccountID).First(&account).Error; err != nil {
			return nil, fmt.Errorf("failed to find account: %w", err)
		}

		now := time.Now()
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&models.LedgerEntry{}).
				Where("id = ? AND status = ?", entryID, models.StatusPending).
				Update("status", models.StatusRejected)
			if res.Error != nil {
				return fmt.Errorf("failed to reject entry: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				// Already transitioned by a concurrent call; no refund.
				return ErrEntryNotFound
			}

			res = tx.Model(&models.Account{}).
				Where("id = ? AND version = ?", account.ID, account.Version).
				Updates(map[string]interface{}{
					"wallet_balance": account.WalletBalance.Add(entry.GrossAmount),
					"version":        account.Version + 1,
					"updated_at":     now,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to refund account: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrConflict
			}
			return nil
		})
		switch {
		case errors.Is(err, ErrConflict):
			metrics.VersionConflicts.Inc()
			continue
		case errors.Is(err, ErrEntryNotFound):
			return s.GetEntry(ctx, entryID)
		case err != nil:
			return nil, err
		}
		entry.Status = models.StatusRejected
		return entry, nil
	}
	return nil, ErrConflict
}

// RecomputeBalances folds the audit trail back into balances, independently
// of the live Account row. Pending withdrawals count because their debit has
// already been applied; rejected entries contribute nothing because their
// effect was reversed (withdrawals) or never applied.
func (s *Store) RecomputeBalances(ctx context.Context, accountID uuid.UUID) (wallet, trading decimal.Decimal, err error) {
	var entries []*models.LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to load entries: %w", err)
	}

	wallet, trading = decimal.Zero, decimal.Zero
	for _, e := range entries {
		switch e.Kind {
		case models.KindDeposit:
			if e.Status == models.StatusSettled {
				wallet = wallet.Add(e.NetAmount)
			}
		case models.KindWithdrawal:
			if e.Status == models.StatusPending || e.Status == models.StatusSettled {
				wallet = wallet.Sub(e.GrossAmount)
			}
		case models.KindAllocate:
			if e.Status == models.StatusSettled {
				wallet = wallet.Sub(e.GrossAmount)
				trading = trading.Add(e.GrossAmount)
			}
		case models.KindDeallocate:
			if e.Status == models.StatusSettled {
				wallet = wallet.Add(e.GrossAmount)
				trading = trading.Sub(e.GrossAmount)
			}
		}
	}
	return wallet, trading, nil
}

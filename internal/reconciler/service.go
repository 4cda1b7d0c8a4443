// Package reconciler settles external payment-gateway confirmations into
// the ledger exactly once.
package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gapeva/gapeva-core/internal/fees"
	"github.com/gapeva/gapeva-core/internal/ledger"
	"github.com/gapeva/gapeva-core/pkg/metrics"
	"github.com/gapeva/gapeva-core/pkg/models"
)

// SettlementResult is the outcome of a deposit settlement. Replayed marks
// an idempotent replay: the entry is the original settlement and no new
// credit was applied.
type SettlementResult struct {
	Account  *models.Account
	Entry    *models.LedgerEntry
	Replayed bool
}

// Service verifies gateway references and posts deposit entries. The
// at-most-once guarantee lives in the ledger store's reference reservation;
// this service turns a duplicate reservation into an idempotent success.
type Service struct {
	store   *ledger.Store
	gateway GatewayClient
	policy  fees.Policy
	logger  *zap.Logger
}

// NewService creates a payment reconciler.
func NewService(store *ledger.Store, gateway GatewayClient, policy fees.Policy, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, gateway: gateway, policy: policy, logger: logger}
}

// ValidateDeposit pre-checks an intended deposit amount against the minimum
// floor, before the client is sent to the gateway's checkout.
func (s *Service) ValidateDeposit(amount decimal.Decimal) error {
	if amount.LessThan(s.policy.MinDeposit) {
		return &ledger.ValidationError{
			Field:  "amount",
			Reason: fmt.Sprintf("below minimum deposit of %s USD", s.policy.MinDeposit),
		}
	}
	return nil
}

// SettleDeposit verifies a gateway reference and credits the wallet balance
// with the net amount, exactly once per reference. The gateway-confirmed
// amount is authoritative: a mismatch with the client's expectation is
// logged and the gateway amount used, which closes client-side amount
// tampering. Replays of an already-claimed reference return the original
// entry with no new ledger effect.
func (s *Service) SettleDeposit(ctx context.Context, userID uuid.UUID, reference string, expectedAmount decimal.Decimal) (*SettlementResult, error) {
	if reference == "" {
		return nil, &ledger.ValidationError{Field: "reference", Reason: "is required"}
	}

	verification, err := s.gateway.VerifyTransaction(ctx, reference)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("gateway verification failed: %w", err)
	}
	if !verification.Confirmed {
		metrics.SettlementsTotal.WithLabelValues("unconfirmed").Inc()
		s.logger.Info("deposit reference not confirmed",
			zap.String("reference", reference),
			zap.String("gateway_status", verification.Status))
		return nil, ledger.ErrPaymentNotConfirmed
	}

	amount := verification.Amount
	if !expectedAmount.IsZero() && !expectedAmount.Equal(amount) {
		s.logger.Warn("deposit amount mismatch, using gateway amount",
			zap.String("reference", reference),
			zap.String("client_amount", expectedAmount.String()),
			zap.String("gateway_amount", amount.String()))
	}

	if amount.LessThan(s.policy.MinDeposit) {
		metrics.SettlementsTotal.WithLabelValues("below_floor").Inc()
		return nil, &ledger.ValidationError{
			Field:  "amount",
			Reason: fmt.Sprintf("confirmed amount %s below minimum deposit of %s USD", amount, s.policy.MinDeposit),
		}
	}

	fee, net := s.policy.Compute(models.KindDeposit, amount)
	ref := reference
	account, entry, err := s.store.AppendEntryAtomic(ctx, userID, func(acc *models.Account) (*models.LedgerEntry, error) {
		acc.WalletBalance = acc.WalletBalance.Add(net)
		return &models.LedgerEntry{
			Kind:              models.KindDeposit,
			GrossAmount:       amount,
			FeeAmount:         fee,
			NetAmount:         net,
			ExternalReference: &ref,
			Status:            models.StatusSettled,
		}, nil
	})
	if errors.Is(err, ledger.ErrDuplicateReference) {
		// Caller retried after a timeout, or replayed the reference. The
		// original settlement stands; report it as the outcome.
		prior, lookupErr := s.store.EntryByReference(ctx, reference)
		if lookupErr != nil {
			return nil, fmt.Errorf("duplicate reference lookup failed: %w", lookupErr)
		}
		current, lookupErr := s.store.GetOrCreateAccount(ctx, userID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		metrics.SettlementsTotal.WithLabelValues("duplicate").Inc()
		s.logger.Info("duplicate deposit reference resolved idempotently",
			zap.String("reference", reference),
			zap.String("entry_id", prior.ID.String()))
		return &SettlementResult{Account: current, Entry: prior, Replayed: true}, nil
	}
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("settled").Inc()
	s.logger.Info("deposit settled",
		zap.String("user_id", userID.String()),
		zap.String("reference", reference),
		zap.String("gross", amount.String()),
		zap.String("net", net.String()))
	return &SettlementResult{Account: account, Entry: entry}, nil
}

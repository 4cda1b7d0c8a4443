package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gapeva/gapeva-core/internal/ledger"
	"github.com/gapeva/gapeva-core/pkg/models"
)

type amountRequest struct {
	Amount string `json:"amount" validate:"required"`
}

type verifyDepositRequest struct {
	Reference string `json:"reference" validate:"required"`
	Amount    string `json:"amount" validate:"required"`
}

// parsePositiveAmount parses a decimal amount string and rejects
// non-positive or sub-cent values before the request reaches the ledger.
// Balances are stored at cent precision; a finer amount would be rounded
// by the database and desync the live row from the audit trail.
func parsePositiveAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &ledger.ValidationError{Field: "amount", Reason: "must be a decimal number"}
	}
	if !amount.IsPositive() {
		return decimal.Zero, &ledger.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if !amount.Equal(amount.Truncate(2)) {
		return decimal.Zero, &ledger.ValidationError{Field: "amount", Reason: "must have at most two decimal places"}
	}
	return amount, nil
}

// writeError maps ledger errors to HTTP responses.
func (s *Server) writeError(c *gin.Context, err error) {
	var insufficient *ledger.InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "insufficient funds",
			"source":    insufficient.Source,
			"balance":   insufficient.Balance.StringFixed(2),
			"requested": insufficient.Requested.StringFixed(2),
		})
	case errors.Is(err, ledger.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrAccountInactive):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent update, please retry"})
	case errors.Is(err, ledger.ErrPaymentNotConfirmed):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	default:
		s.logger.Error("handler error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// getWallet returns the caller's account, creating it on first access.
func (s *Server) getWallet(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	account, err := s.wallets.GetWallet(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": account})
}

// validateDeposit pre-checks a deposit amount against the minimum floor
// before the client is sent to the payment gateway.
func (s *Server) validateDeposit(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := parsePositiveAmount(req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.wallets.ValidateDeposit(c.Request.Context(), amount); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "amount": amount.StringFixed(2)})
}

// verifyDeposit settles a paid gateway reference into the wallet balance.
// Replays of an already-settled reference return the original entry.
func (s *Server) verifyDeposit(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	var req verifyDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := parsePositiveAmount(req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	result, err := s.wallets.VerifyDeposit(c.Request.Context(), userID, req.Reference, amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet":   result.Account,
		"entry":    result.Entry,
		"replayed": result.Replayed,
	})
}

// withdraw debits the wallet balance and records a pending payout.
func (s *Server) withdraw(c *gin.Context) {
	s.transferHandler(c, s.wallets.Withdraw)
}

// allocate moves wallet funds into the trading balance.
func (s *Server) allocate(c *gin.Context) {
	s.transferHandler(c, s.wallets.Allocate)
}

// deallocate moves trading funds back into the wallet balance.
func (s *Server) deallocate(c *gin.Context) {
	s.transferHandler(c, s.wallets.Deallocate)
}

// transferHandler is the shared request flow for withdraw, allocate and
// deallocate: parse amount, run the operation, return wallet plus entry.
func (s *Server) transferHandler(c *gin.Context, op func(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Account, *models.LedgerEntry, error)) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := parsePositiveAmount(req.Amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	account, entry, err := op(c.Request.Context(), userID, amount)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": account, "entry": entry})
}

// getHistory returns the caller's ledger entries newest-first.
func (s *Server) getHistory(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	entries, total, err := s.wallets.GetHistory(c.Request.Context(), userID, limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": total})
}

// reconcileWallet recomputes the caller's balances from the audit trail.
func (s *Server) reconcileWallet(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	report, err := s.wallets.ReconcileAccount(c.Request.Context(), userID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// listPendingPayouts returns withdrawals past the payout window.
func (s *Server) listPendingPayouts(c *gin.Context) {
	entries, err := s.wallets.ListPendingPayouts(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": entries})
}

// settlePayout marks a pending withdrawal as paid out.
func (s *Server) settlePayout(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payout id"})
		return
	}
	entry, err := s.wallets.SettlePayout(c.Request.Context(), entryID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

// deactivateAccount flags an account so further mutations are rejected.
func (s *Server) deactivateAccount(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	if err := s.wallets.DeactivateAccount(c.Request.Context(), userID); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}

// rejectPayout refunds a failed withdrawal back to the wallet balance.
func (s *Server) rejectPayout(c *gin.Context) {
	entryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payout id"})
		return
	}
	entry, err := s.wallets.RejectPayout(c.Request.Context(), entryID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}

package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Entry kinds. Every balance-affecting event is one of these.
const (
	KindDeposit    = "deposit"
	KindWithdrawal = "withdrawal"
	KindAllocate   = "allocate"
	KindDeallocate = "deallocate"
)

// Entry statuses.
const (
	StatusPending  = "pending"
	StatusSettled  = "settled"
	StatusRejected = "rejected"
)

// Account is a user's dual-balance custodial account. WalletBalance holds
// funds not exposed to trading; TradingBalance is capital the user has
// allocated to the trading engine. Both are fixed-point USD with two decimal
// places and must never go negative. Version is the optimistic-concurrency
// counter: every committed mutation increments it, and writers only commit
// against the version they read.
type Account struct {
	ID             uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID         uuid.UUID       `json:"user_id" gorm:"type:uuid;uniqueIndex" validate:"required,uuid"`
	WalletBalance  decimal.Decimal `json:"wallet_balance" gorm:"type:numeric(18,2)"`
	TradingBalance decimal.Decimal `json:"trading_balance" gorm:"type:numeric(18,2)"`
	Version        int64           `json:"version"`
	Active         bool            `json:"active" gorm:"default:true"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// LedgerEntry is an immutable, append-only record of one balance-affecting
// event. Entries are the audit trail: folding them per kind reconstructs the
// account balances independently of the live Account row. An entry's status
// may only move pending -> settled or pending -> rejected; settled and
// rejected entries are never mutated and never deleted.
type LedgerEntry struct {
	ID                 uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	AccountID          uuid.UUID       `json:"account_id" gorm:"type:uuid;index"`
	Kind               string          `json:"kind" validate:"required,oneof=deposit withdrawal allocate deallocate"`
	GrossAmount        decimal.Decimal `json:"gross_amount" gorm:"type:numeric(18,2)"`
	FeeAmount          decimal.Decimal `json:"fee_amount" gorm:"type:numeric(18,2)"`
	NetAmount          decimal.Decimal `json:"net_amount" gorm:"type:numeric(18,2)"`
	BalanceAfterWallet decimal.Decimal `json:"balance_after_wallet" gorm:"type:numeric(18,2)"`
	BalanceAfterTrade  decimal.Decimal `json:"balance_after_trading" gorm:"column:balance_after_trading;type:numeric(18,2)"`
	ExternalReference  *string         `json:"external_reference,omitempty"`
	Status             string          `json:"status" validate:"required,oneof=pending settled rejected"`
	CreatedAt          time.Time       `json:"created_at"`
	SettledAt          *time.Time      `json:"settled_at,omitempty"`
}

// PaymentReference reserves a payment-gateway reference for exactly one
// ledger entry. The primary key is the uniqueness constraint that makes
// deposit settlement at-most-once: a replayed reference fails the insert at
// the storage layer, with no application-level check-then-insert window.
type PaymentReference struct {
	Reference string    `json:"reference" gorm:"primaryKey"`
	EntryID   uuid.UUID `json:"entry_id" gorm:"type:uuid"`
	CreatedAt time.Time `json:"created_at"`
}

package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxTypeExternalTransfer TransactionType = "EXTERNAL_TRANSFER"
	TxTypeDeposit          TransactionType = "DEPOSIT"
	TxTypeTransfer         TransactionType = "TRANSFER"
)

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusProcessing TransactionStatus = "PROCESSING"
	StatusCompleted  TransactionStatus = "COMPLETED"
	StatusFailed     TransactionStatus = "FAILED"
	StatusCancelled  TransactionStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AllowedFrom lists the statuses a transaction may move to s from.
// Transitions only move forward: PENDING, PROCESSING, {COMPLETED|FAILED}
// or PENDING, CANCELLED.
func (s TransactionStatus) AllowedFrom() []TransactionStatus {
	switch s {
	case StatusProcessing, StatusCancelled:
		return []TransactionStatus{StatusPending}
	case StatusCompleted, StatusFailed:
		return []TransactionStatus{StatusProcessing}
	}
	return nil
}

// Outcome reports whether s ends an in-flight transfer. A PENDING row must
// pass through PROCESSING before reaching one.
func (s TransactionStatus) Outcome() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus validates a status name.
func ParseStatus(s string) (TransactionStatus, bool) {
	switch st := TransactionStatus(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return st, true
	}
	return "", false
}

// SettlementMode tells operators whether the intermediary really moved funds.
type SettlementMode string

const (
	SettlementReal     SettlementMode = "REAL"
	SettlementFallback SettlementMode = "FALLBACK"
)

// Metadata keys written by the orchestrator.
const (
	MetaCrossPlatform         = "crossPlatform"
	MetaProtocol              = "protocol"
	MetaFromProvider          = "fromProvider"
	MetaToProvider            = "toProvider"
	MetaFromWalletRef         = "fromWalletRef"
	MetaToWalletRef           = "toWalletRef"
	MetaDescription           = "description"
	MetaOriginalTransactionID = "originalTransactionId"
	MetaFallbackMode          = "fallbackMode"
	MetaUserReceived          = "userReceived"
	MetaAdminFee              = "adminFee"
	MetaFeeDescription        = "feeDescription"
	MetaResolvedBy            = "resolvedBy"
	MetaLastWebhookEvent      = "lastWebhookEvent"
)

// Metadata is the opaque JSON bag persisted with a transaction.
type Metadata map[string]interface{}

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported type %T", src)
	}
	out := Metadata{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*m = out
	return nil
}

// String returns the value stored under key when it is a string.
func (m Metadata) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Transaction is one money movement attempt.
type Transaction struct {
	ID                    uint64            `gorm:"primaryKey" json:"id"`
	UserID                string            `gorm:"size:64;not null;index" json:"user_id"`
	SourceWalletID        *uint64           `gorm:"index" json:"source_wallet_id,omitempty"`
	Amount                decimal.Decimal   `gorm:"type:numeric(20,8);not null" json:"amount"`
	Currency              string            `gorm:"size:3;not null" json:"currency"`
	Provider              Provider          `gorm:"size:16;not null;index" json:"provider"`
	Type                  TransactionType   `gorm:"size:32;not null" json:"type"`
	Status                TransactionStatus `gorm:"size:16;not null;index" json:"status"`
	Fee                   decimal.Decimal   `gorm:"type:numeric(20,8);not null;default:'0'" json:"fee"`
	ProviderPaymentID     *string           `gorm:"size:128;index" json:"provider_payment_id,omitempty"`
	IntermediaryPaymentID *string           `gorm:"size:128;index" json:"intermediary_payment_id,omitempty"`
	IntermediaryPayoutID  *string           `gorm:"size:128" json:"intermediary_payout_id,omitempty"`
	SettlementMode        *SettlementMode   `gorm:"size:16" json:"settlement_mode,omitempty"`
	ParentTransactionID   *uint64           `gorm:"index" json:"parent_transaction_id,omitempty"`
	FailureReason         *string           `gorm:"size:512" json:"failure_reason,omitempty"`
	EstimatedCompletionAt *time.Time        `json:"estimated_completion_at,omitempty"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
	Metadata              Metadata          `gorm:"type:jsonb" json:"metadata"`
	CreatedAt             time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time         `gorm:"autoUpdateTime" json:"updated_at"`

	Recipient *TransactionRecipient `gorm:"foreignKey:TransactionID" json:"recipient,omitempty"`
}

func (Transaction) TableName() string { return "transaction" }

// TransactionRecipient annotates the destination side of a transaction.
type TransactionRecipient struct {
	ID                 uint64    `gorm:"primaryKey" json:"-"`
	TransactionID      uint64    `gorm:"not null;uniqueIndex" json:"transaction_id"`
	RecipientWalletRef string    `gorm:"size:255;not null" json:"recipient_wallet_ref"`
	RecipientName      string    `gorm:"size:255" json:"recipient_name,omitempty"`
	RecipientEmail     string    `gorm:"size:255" json:"recipient_email,omitempty"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"-"`
}

func (TransactionRecipient) TableName() string { return "transaction_recipient" }

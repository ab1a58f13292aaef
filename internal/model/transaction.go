package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxCredit TransactionType = "credit"
	TxDebit  TransactionType = "debit"
)

// Opposite returns the compensating type for a reversal row.
func (t TransactionType) Opposite() TransactionType {
	if t == TxCredit {
		return TxDebit
	}
	return TxCredit
}

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxReversed  TransactionStatus = "reversed"
)

// Transaction is one immutable ledger row. A transfer produces two rows
// sharing one reference: a debit on the sender and a credit on the
// recipient. Global reference uniqueness is owned by ReferenceClaim;
// the (reference, type) index additionally pins the pair shape to at
// most one row per type.
type Transaction struct {
	ID          uint64            `gorm:"primaryKey" json:"id"`
	AccountID   uint64            `gorm:"not null;index:idx_tx_account_created,priority:1" json:"account_id"`
	Account     *Account          `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE" json:"-"`
	Reference   string            `gorm:"size:64;not null;uniqueIndex:ux_tx_reference_type,priority:1" json:"reference"`
	Type        TransactionType   `gorm:"size:8;not null;uniqueIndex:ux_tx_reference_type,priority:2" json:"type"`
	Amount      decimal.Decimal   `gorm:"type:numeric(20,2);not null" json:"amount"`
	RecipientID *uint64           `json:"recipient_id,omitempty"`
	Status      TransactionStatus `gorm:"size:16;not null" json:"status"`
	Description string            `gorm:"size:255" json:"description"`
	Metadata    string            `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt   time.Time         `gorm:"autoCreateTime;index:idx_tx_account_created,priority:2" json:"created_at"`
}

func (Transaction) TableName() string { return "transactions" }

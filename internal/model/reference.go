package model

import "time"

// ReferenceClaim reserves a transaction reference. A claim is inserted
// in the same storage transaction as the ledger rows that consume the
// reference, so the plain unique index here makes references globally
// unique even though a transfer's debit and credit rows share one.
type ReferenceClaim struct {
	ID        uint64    `gorm:"primaryKey"`
	Reference string    `gorm:"size:64;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (ReferenceClaim) TableName() string { return "transaction_references" }

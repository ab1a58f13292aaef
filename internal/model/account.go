package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountInactive  AccountStatus = "inactive"
	AccountSuspended AccountStatus = "suspended"
)

// Account is a user's single cash account. Balance is mutated only by
// the wallet engine under a row lock; the Version column guards against
// lost updates on top of the lock.
type Account struct {
	ID            uint64          `gorm:"primaryKey" json:"id"`
	UserID        uint64          `gorm:"not null;uniqueIndex" json:"user_id"`
	AccountNumber string          `gorm:"size:10;not null;uniqueIndex" json:"account_number"`
	Balance       decimal.Decimal `gorm:"type:numeric(20,2);not null;default:'0'" json:"balance"`
	Status        AccountStatus   `gorm:"size:16;not null;default:'active'" json:"status"`
	Version       uint64          `gorm:"not null;default:0" json:"-"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// CanTransact reports whether the account may be debited or credited.
func (a *Account) CanTransact() bool { return a.Status == AccountActive }

package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/model"
)

var (
	// ErrDuplicateReference is returned when a reference claim or a
	// ledger insert collides with an already-used reference. The
	// engine's retry loop reacts by generating a fresh candidate.
	ErrDuplicateReference = errors.New("transaction reference already exists")

	// ErrDuplicateAccountNumber is returned when an account insert
	// collides with an existing account number.
	ErrDuplicateAccountNumber = errors.New("account number already exists")

	// ErrStaleAccount is returned when a version-guarded balance update
	// matched no row. The whole operation is safe to retry.
	ErrStaleAccount = errors.New("account row was modified concurrently")
)

// AccountSummary aggregates the ledger rows whose effect is applied to
// the balance.
type AccountSummary struct {
	TotalCredits decimal.Decimal
	TotalDebits  decimal.Decimal
	Count        int64
}

// BalanceSnapshot is the cached read-side view of an account.
type BalanceSnapshot struct {
	AccountNumber string          `json:"account_number"`
	Balance       decimal.Decimal `json:"balance"`
}

// RepositoryInterface restricts Repo methods so services can be tested
// against fakes. Methods taking a *gorm.DB run inside the caller's
// storage transaction; the rest are read-only against committed state.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error
	LockAccount(ctx context.Context, tx *gorm.DB, accountID uint64) (*model.Account, error)
	FindAccountIDByNumber(ctx context.Context, tx *gorm.DB, number string) (uint64, error)
	GetAccount(ctx context.Context, accountID uint64) (*model.Account, error)
	UpdateBalance(ctx context.Context, tx *gorm.DB, accountID uint64, newBalance decimal.Decimal, oldVersion uint64) error

	ClaimReference(ctx context.Context, tx *gorm.DB, reference string) error
	CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	FindTransactionsByAccount(ctx context.Context, accountID uint64, page, pageSize int) ([]model.Transaction, int64, error)
	FindByReference(ctx context.Context, accountID uint64, reference string) (*model.Transaction, error)
	FindTransactionsForReference(ctx context.Context, tx *gorm.DB, reference string) ([]model.Transaction, error)
	MarkReversed(ctx context.Context, tx *gorm.DB, reference string) (int64, error)
	Summarize(ctx context.Context, accountID uint64) (*AccountSummary, error)

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, aggregateID uint64, eventType string, payload any) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	CacheBalance(ctx context.Context, accountID uint64, snap BalanceSnapshot) error
	GetCachedBalance(ctx context.Context, accountID uint64) (*BalanceSnapshot, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB.
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateAccount inserts an account row.
func (r *Repository) CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error {
	if err := tx.WithContext(ctx).Create(a).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateAccountNumber
		}
		return err
	}
	return nil
}

// LockAccount reads the account row with an exclusive row lock held for
// the remainder of the enclosing storage transaction.
func (r *Repository) LockAccount(ctx context.Context, tx *gorm.DB, accountID uint64) (*model.Account, error) {
	var a model.Account
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", accountID).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// FindAccountIDByNumber resolves a public account number to its internal
// id without locking; used to establish a deterministic lock order.
func (r *Repository) FindAccountIDByNumber(ctx context.Context, tx *gorm.DB, number string) (uint64, error) {
	var a model.Account
	if err := tx.WithContext(ctx).Select("id").Where("account_number = ?", number).First(&a).Error; err != nil {
		return 0, err
	}
	return a.ID, nil
}

// GetAccount reads committed account state without locking.
func (r *Repository) GetAccount(ctx context.Context, accountID uint64) (*model.Account, error) {
	var a model.Account
	if err := r.db.WithContext(ctx).Where("id = ?", accountID).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateBalance writes the new balance with a version guard. Must only
// be called while the row lock from LockAccount* is held.
func (r *Repository) UpdateBalance(ctx context.Context, tx *gorm.DB, accountID uint64, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", accountID, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleAccount
	}
	return nil
}

// ClaimReference reserves a reference for the enclosing storage
// transaction. A collision with any earlier claim is reported as
// ErrDuplicateReference regardless of which row types consume it.
func (r *Repository) ClaimReference(ctx context.Context, tx *gorm.DB, reference string) error {
	if err := tx.WithContext(ctx).Create(&model.ReferenceClaim{Reference: reference}).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

// CreateTransaction inserts one ledger row.
func (r *Repository) CreateTransaction(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	if err := tx.WithContext(ctx).Create(t).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

// FindTransactionsByAccount returns one history page, newest first. The
// (created_at, id) ordering keeps pages stable under concurrent inserts.
func (r *Repository) FindTransactionsByAccount(ctx context.Context, accountID uint64, page, pageSize int) ([]model.Transaction, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("account_id = ?", accountID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&txs).Error
	return txs, total, err
}

// FindByReference looks up a single ledger row owned by the account.
func (r *Repository) FindByReference(ctx context.Context, accountID uint64, reference string) (*model.Transaction, error) {
	var t model.Transaction
	if err := r.db.WithContext(ctx).
		Where("account_id = ? AND reference = ?", accountID, reference).
		Order("id").First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// FindTransactionsForReference returns every row sharing a reference
// (one for fund/withdraw, the debit/credit pair for transfers).
func (r *Repository) FindTransactionsForReference(ctx context.Context, tx *gorm.DB, reference string) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := tx.WithContext(ctx).Where("reference = ?", reference).Order("id").Find(&txs).Error
	return txs, err
}

// MarkReversed transitions every completed row of a reference to
// reversed and reports how many rows moved.
func (r *Repository) MarkReversed(ctx context.Context, tx *gorm.DB, reference string) (int64, error) {
	res := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("reference = ? AND status = ?", reference, model.TxCompleted).
		Update("status", model.TxReversed)
	return res.RowsAffected, res.Error
}

// Summarize aggregates the rows whose effect is applied to the balance:
// completed rows plus reversed ones, whose effect is cancelled by their
// compensating completed rows rather than un-applied.
func (r *Repository) Summarize(ctx context.Context, accountID uint64) (*AccountSummary, error) {
	var row struct {
		Credits decimal.Decimal
		Debits  decimal.Decimal
		Total   int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Select(
			"COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS credits, "+
				"COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS debits, "+
				"COUNT(*) AS total",
			model.TxCredit, model.TxDebit).
		Where("account_id = ? AND status IN ?", accountID,
			[]model.TransactionStatus{model.TxCompleted, model.TxReversed}).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &AccountSummary{TotalCredits: row.Credits, TotalDebits: row.Debits, Count: row.Total}, nil
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, aggregateID uint64, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	evt := &model.OutboxEvent{
		Aggregate:   "Account",
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     string(body),
	}
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%d", evt.EventType, evt.AggregateID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheBalance writes the read-side balance snapshot to Redis.
func (r *Repository) CacheBalance(ctx context.Context, accountID uint64, snap BalanceSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, balanceKey(accountID), body, 5*time.Minute).Err()
}

// GetCachedBalance reads the snapshot back; any miss or decode failure
// is reported as an error and callers fall through to the database.
func (r *Repository) GetCachedBalance(ctx context.Context, accountID uint64) (*BalanceSnapshot, error) {
	body, err := r.rdb.Get(ctx, balanceKey(accountID)).Result()
	if err != nil {
		return nil, err
	}
	var snap BalanceSnapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func balanceKey(accountID uint64) string { return fmt.Sprintf("balance:%d", accountID) }

package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/config"
	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/model"
	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/money"
	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/refgen"
	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/repo"
)

func testLimits() Limits {
	return Limits{
		MinFunding:               money.MustParse("1.00"),
		MaxFunding:               money.MustParse("10000.00"),
		MinWithdrawal:            money.MustParse("1.00"),
		MaxWithdrawal:            money.MustParse("10000.00"),
		MinTransfer:              money.MustParse("1.00"),
		MaxTransfer:              money.MustParse("10000.00"),
		ReferenceMaxAttempts:     5,
		AccountNumberMaxAttempts: 5,
		OperationTimeout:         5 * time.Second,
	}
}

func newTestRepo(t *testing.T) *repo.Repository {
	// one in-memory sqlite DB per test; busy timeout covers the
	// concurrent-writer tests
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	// sqlite serializes writers anyway; a single connection keeps
	// concurrent storage transactions strictly ordered like the row
	// locks would on postgres
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&model.Account{}, &model.Transaction{}, &model.ReferenceClaim{}, &model.OutboxEvent{}))

	rdb, _ := redismock.NewClientMock() // unexpected commands degrade to cache misses
	return repo.NewRepository(db, rdb, &kafka.Writer{}, zap.NewNop().Sugar())
}

func newTestService(t *testing.T, refs ReferenceSource) (*WalletService, *repo.Repository, context.Context) {
	repository := newTestRepo(t)
	if refs == nil {
		refs = refgen.New()
	}
	svc := NewWalletService(repository, refs, testLimits(), zap.NewNop().Sugar())
	return svc, repository, context.Background()
}

// scripted hands out the listed candidates in order, repeating the last
// one forever.
type scripted struct {
	mu   sync.Mutex
	refs []string
	nums []string
	ri   int
	ni   int
}

func (s *scripted) NewReference() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nextCandidate(s.refs, &s.ri)
}

func (s *scripted) NewAccountNumber() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nextCandidate(s.nums, &s.ni)
}

func nextCandidate(list []string, i *int) string {
	v := list[*i]
	if *i < len(list)-1 {
		*i++
	}
	return v
}

func TestOpenAccount(t *testing.T) {
	svc, repository, ctx := newTestService(t, nil)

	acct, err := svc.OpenAccount(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, acct.AccountNumber, 10)
	assert.Equal(t, model.AccountActive, acct.Status)
	assert.True(t, acct.Balance.IsZero())

	var evt model.OutboxEvent
	require.NoError(t, repository.DB(ctx).Where("event_type = ?", "wallet.opened").First(&evt).Error)
	assert.Equal(t, acct.ID, evt.AggregateID)
}

func TestOpenAccount_NumberCollisionRetries(t *testing.T) {
	refs := &scripted{
		refs: []string{"TXN-1-A"},
		nums: []string{"1111111111", "1111111111", "2222222222"},
	}
	svc, _, ctx := newTestService(t, refs)

	first, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "1111111111", first.AccountNumber)

	second, err := svc.OpenAccount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "2222222222", second.AccountNumber)
}

func TestFund(t *testing.T) {
	svc, repository, ctx := newTestService(t, nil)
	acct, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)

	res, err := svc.Fund(ctx, acct.ID, money.MustParse("5000.00"), "initial funding")
	require.NoError(t, err)
	assert.Equal(t, "5000.00", res.NewBalance.StringFixed(2))
	assert.Equal(t, model.TxCredit, res.Transaction.Type)
	assert.Equal(t, model.TxCompleted, res.Transaction.Status)
	assert.NotEmpty(t, res.Transaction.Reference)

	var rows []model.Transaction
	require.NoError(t, repository.DB(ctx).Where("account_id = ?", acct.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "5000.00", rows[0].Amount.StringFixed(2))

	var reloaded model.Account
	require.NoError(t, repository.DB(ctx).First(&reloaded, acct.ID).Error)
	assert.Equal(t, "5000.00", reloaded.Balance.StringFixed(2))
}

func TestFund_AmountBounds(t *testing.T) {
	svc, repository, ctx := newTestService(t, nil)
	acct, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)

	_, err = svc.Fund(ctx, acct.ID, money.MustParse("2000000.00"), "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Fund(ctx, acct.ID, money.MustParse("0.50"), "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	// bounds are inclusive
	res, err := svc.Fund(ctx, acct.ID, money.MustParse("10000.00"), "")
	require.NoError(t, err)
	assert.Equal(t, "10000.00", res.NewBalance.StringFixed(2))

	var count int64
	require.NoError(t, repository.DB(ctx).Model(&model.Transaction{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "rejected operations must leave no rows")
}

func TestFund_AccountNotActive(t *testing.T) {
	svc, repository, ctx := newTestService(t, nil)
	acct, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, repository.DB(ctx).Model(&model.Account{}).
		Where("id = ?", acct.ID).Update("status", model.AccountSuspended).Error)

	_, err = svc.Fund(ctx, acct.ID, money.MustParse("100.00"), "")
	assert.ErrorIs(t, err, ErrAccountNotActive)
}

func TestWithdraw(t *testing.T) {
	svc, _, ctx := newTestService(t, nil)
	acct, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, acct.ID, money.MustParse("1000.00"), "")
	require.NoError(t, err)

	res, err := svc.Withdraw(ctx, acct.ID, money.MustParse("250.50"), "atm")
	require.NoError(t, err)
	assert.Equal(t, "749.50", res.NewBalance.StringFixed(2))
	assert.Equal(t, model.TxDebit, res.Transaction.Type)
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	svc, repository, ctx := newTestService(t, nil)
	acct, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, acct.ID, money.MustParse("1000.00"), "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	var reloaded model.Account
	require.NoError(t, repository.DB(ctx).First(&reloaded, acct.ID).Error)
	assert.True(t, reloaded.Balance.IsZero())

	var count int64
	require.NoError(t, repository.DB(ctx).Model(&model.Transaction{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestTransfer(t *testing.T) {
	svc, repository, ctx := newTestService(t, nil)
	sender, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)
	recipient, err := svc.OpenAccount(ctx, 2)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, sender.ID, money.MustParse("5000.00"), "")
	require.NoError(t, err)

	res, err := svc.Transfer(ctx, sender.ID, recipient.AccountNumber, money.MustParse("1500.00"), "rent")
	require.NoError(t, err)
	assert.Equal(t, "3500.00", res.NewBalance.StringFixed(2))
	assert.Equal(t, model.TxDebit, res.Transaction.Type)
	require.NotNil(t, res.Transaction.RecipientID)
	assert.Equal(t, recipient.ID, *res.Transaction.RecipientID)

	// exactly two rows share the reference, amount-equal, cross-linked
	var pair []model.Transaction
	require.NoError(t, repository.DB(ctx).
		Where("reference = ?", res.Transaction.Reference).Order("id").Find(&pair).Error)
	require.Len(t, pair, 2)
	assert.Equal(t, pair[0].Amount.StringFixed(2), pair[1].Amount.StringFixed(2))
	for _, row := range pair {
		assert.Equal(t, model.TxCompleted, row.Status)
	}

	var reloadedRecipient model.Account
	require.NoError(t, repository.DB(ctx).First(&reloadedRecipient, recipient.ID).Error)
	assert.Equal(t, "1500.00", reloadedRecipient.Balance.StringFixed(2))
}

func TestTransfer_SelfTransfer(t *testing.T) {
	svc, _, ctx := newTestService(t, nil)
	acct, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, acct.ID, money.MustParse("100.00"), "")
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, acct.ID, acct.AccountNumber, money.MustParse("10.00"), "")
	assert.ErrorIs(t, err, ErrSelfTransfer)
}

func TestTransfer_RecipientNotFound(t *testing.T) {
	svc, _, ctx := newTestService(t, nil)
	acct, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, acct.ID, "0000000000", money.MustParse("10.00"), "")
	assert.ErrorIs(t, err, ErrRecipientNotFound)

	_, err = svc.Transfer(ctx, acct.ID, "12-34", money.MustParse("10.00"), "")
	assert.ErrorIs(t, err, ErrInvalidAccountNumber)
}

func TestTransfer_InactiveRecipient(t *testing.T) {
	svc, repository, ctx := newTestService(t, nil)
	sender, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)
	recipient, err := svc.OpenAccount(ctx, 2)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, sender.ID, money.MustParse("100.00"), "")
	require.NoError(t, err)
	require.NoError(t, repository.DB(ctx).Model(&model.Account{}).
		Where("id = ?", recipient.ID).Update("status", model.AccountInactive).Error)

	_, err = svc.Transfer(ctx, sender.ID, recipient.AccountNumber, money.MustParse("10.00"), "")
	assert.ErrorIs(t, err, ErrAccountNotActive)
}

func TestFund_ReferenceCollisionRetries(t *testing.T) {
	refs := &scripted{
		refs: []string{"TXN-1-AAAAAA", "TXN-1-AAAAAA", "TXN-2-BBBBBB"},
		nums: []string{"1111111111"},
	}
	svc, _, ctx := newTestService(t, refs)
	acct, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)

	first, err := svc.Fund(ctx, acct.ID, money.MustParse("10.00"), "")
	require.NoError(t, err)
	assert.Equal(t, "TXN-1-AAAAAA", first.Transaction.Reference)

	second, err := svc.Fund(ctx, acct.ID, money.MustParse("10.00"), "")
	require.NoError(t, err)
	assert.Equal(t, "TXN-2-BBBBBB", second.Transaction.Reference)
}

func TestWithdraw_CrossAccountReferenceCollision(t *testing.T) {
	// a credit on one account and a debit on another must never share a
	// reference, even though they occupy different (reference, type) tuples
	refs := &scripted{
		refs: []string{"TXN-0-FUNDB1", "TXN-1-SAME01", "TXN-1-SAME01", "TXN-9-FRESH1"},
		nums: []string{"1111111111", "2222222222"},
	}
	svc, repository, ctx := newTestService(t, refs)
	a, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)
	b, err := svc.OpenAccount(ctx, 2)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, b.ID, money.MustParse("100.00"), "")
	require.NoError(t, err)
	fundA, err := svc.Fund(ctx, a.ID, money.MustParse("100.00"), "")
	require.NoError(t, err)
	require.Equal(t, "TXN-1-SAME01", fundA.Transaction.Reference)

	withdrawal, err := svc.Withdraw(ctx, b.ID, money.MustParse("40.00"), "")
	require.NoError(t, err)
	assert.Equal(t, "TXN-9-FRESH1", withdrawal.Transaction.Reference, "colliding candidate must be retried")

	var count int64
	require.NoError(t, repository.DB(ctx).Model(&model.Transaction{}).
		Where("reference = ?", "TXN-1-SAME01").Count(&count).Error)
	assert.EqualValues(t, 1, count, "the reference stays bound to one operation")

	// the non-owner cannot reverse through the shared candidate either
	_, err = svc.Reverse(ctx, b.ID, "TXN-1-SAME01", "")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	var reloadedA model.Account
	require.NoError(t, repository.DB(ctx).First(&reloadedA, a.ID).Error)
	assert.Equal(t, "100.00", reloadedA.Balance.StringFixed(2))
}

func TestFund_ReferenceExhaustion(t *testing.T) {
	refs := &scripted{
		refs: []string{"TXN-1-AAAAAA"}, // every candidate collides after the first
		nums: []string{"1111111111"},
	}
	svc, repository, ctx := newTestService(t, refs)
	acct, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, acct.ID, money.MustParse("10.00"), "")
	require.NoError(t, err)

	_, err = svc.Fund(ctx, acct.ID, money.MustParse("10.00"), "")
	assert.ErrorIs(t, err, ErrReferenceExhausted)
	assert.True(t, IsRetryable(err))

	// the failed attempt rolled back wholesale
	var reloaded model.Account
	require.NoError(t, repository.DB(ctx).First(&reloaded, acct.ID).Error)
	assert.Equal(t, "10.00", reloaded.Balance.StringFixed(2))
	var count int64
	require.NoError(t, repository.DB(ctx).Model(&model.Transaction{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestConcurrentWithdrawals(t *testing.T) {
	svc, repository, ctx := newTestService(t, nil)
	acct, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, acct.ID, money.MustParse("1000.00"), "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Withdraw(ctx, acct.ID, money.MustParse("600.00"), "race")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientFunds)
		}
	}
	assert.Equal(t, 1, successes, "exactly one withdrawal may win")

	var reloaded model.Account
	require.NoError(t, repository.DB(ctx).First(&reloaded, acct.ID).Error)
	assert.Equal(t, "400.00", reloaded.Balance.StringFixed(2), "no lost update, no negative balance")

	var debits int64
	require.NoError(t, repository.DB(ctx).Model(&model.Transaction{}).
		Where("type = ?", model.TxDebit).Count(&debits).Error)
	assert.EqualValues(t, 1, debits)
}

func TestReverse_Transfer(t *testing.T) {
	svc, repository, ctx := newTestService(t, nil)
	sender, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)
	recipient, err := svc.OpenAccount(ctx, 2)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, sender.ID, money.MustParse("5000.00"), "")
	require.NoError(t, err)
	transfer, err := svc.Transfer(ctx, sender.ID, recipient.AccountNumber, money.MustParse("1500.00"), "")
	require.NoError(t, err)

	res, err := svc.Reverse(ctx, sender.ID, transfer.Transaction.Reference, "dispute")
	require.NoError(t, err)
	assert.Equal(t, "5000.00", res.NewBalance.StringFixed(2))
	assert.Equal(t, model.TxCredit, res.Transaction.Type)
	assert.NotEqual(t, transfer.Transaction.Reference, res.Transaction.Reference)

	// originals moved to reversed, compensating pair is completed
	var originals []model.Transaction
	require.NoError(t, repository.DB(ctx).
		Where("reference = ?", transfer.Transaction.Reference).Find(&originals).Error)
	require.Len(t, originals, 2)
	for _, row := range originals {
		assert.Equal(t, model.TxReversed, row.Status)
	}
	var comps []model.Transaction
	require.NoError(t, repository.DB(ctx).
		Where("reference = ?", res.Transaction.Reference).Find(&comps).Error)
	require.Len(t, comps, 2)
	for _, row := range comps {
		assert.Equal(t, model.TxCompleted, row.Status)
		assert.Equal(t, "1500.00", row.Amount.StringFixed(2))
	}

	var reloadedRecipient model.Account
	require.NoError(t, repository.DB(ctx).First(&reloadedRecipient, recipient.ID).Error)
	assert.True(t, reloadedRecipient.Balance.IsZero())

	// a second reversal finds no completed rows
	_, err = svc.Reverse(ctx, sender.ID, transfer.Transaction.Reference, "again")
	assert.ErrorIs(t, err, ErrTransactionNotReversible)
}

func TestReverse_FundNeedsFunds(t *testing.T) {
	svc, _, ctx := newTestService(t, nil)
	acct, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)
	funded, err := svc.Fund(ctx, acct.ID, money.MustParse("100.00"), "")
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, acct.ID, money.MustParse("50.00"), "")
	require.NoError(t, err)

	// compensating debit of 100.00 against a 50.00 balance
	_, err = svc.Reverse(ctx, acct.ID, funded.Transaction.Reference, "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestReverse_OwnershipAndMissing(t *testing.T) {
	svc, _, ctx := newTestService(t, nil)
	sender, err := svc.OpenAccount(ctx, 1)
	require.NoError(t, err)
	recipient, err := svc.OpenAccount(ctx, 2)
	require.NoError(t, err)
	_, err = svc.Fund(ctx, sender.ID, money.MustParse("100.00"), "")
	require.NoError(t, err)
	transfer, err := svc.Transfer(ctx, sender.ID, recipient.AccountNumber, money.MustParse("40.00"), "")
	require.NoError(t, err)

	// only the originating side may reverse
	_, err = svc.Reverse(ctx, recipient.ID, transfer.Transaction.Reference, "")
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	_, err = svc.Reverse(ctx, sender.ID, "TXN-0-NOSUCH", "")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestLimitsFromConfig(t *testing.T) {
	cfg := config.WalletConfig{
		Funding:    config.AmountBounds{Min: "1.00", Max: "10000.00"},
		Withdrawal: config.AmountBounds{Min: "1.00", Max: "10000.00"},
		Transfer:   config.AmountBounds{Min: "1.00", Max: "10000.00"},
	}
	limits, err := LimitsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxAttempts, limits.ReferenceMaxAttempts)
	assert.Equal(t, defaultMaxAttempts, limits.AccountNumberMaxAttempts)
	assert.Equal(t, defaultOpTimeout, limits.OperationTimeout)

	cfg.Transfer.Max = "not-a-number"
	_, err = LimitsFromConfig(cfg)
	assert.Error(t, err)
}

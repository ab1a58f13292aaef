package service

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/config"
	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/model"
	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/money"
	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/repo"
)

var accountNumberPattern = regexp.MustCompile(`^\d{10}$`)

// ReferenceSource supplies candidate identifiers. Uniqueness is owned
// by the store's constraints, not the source.
type ReferenceSource interface {
	NewReference() string
	NewAccountNumber() string
}

// Limits holds the operational bounds for the engine. All bounds are
// inclusive.
type Limits struct {
	MinFunding    money.Money
	MaxFunding    money.Money
	MinWithdrawal money.Money
	MaxWithdrawal money.Money
	MinTransfer   money.Money
	MaxTransfer   money.Money

	ReferenceMaxAttempts     int
	AccountNumberMaxAttempts int
	OperationTimeout         time.Duration
}

const (
	defaultMaxAttempts = 5
	defaultOpTimeout   = 5 * time.Second
)

// LimitsFromConfig parses the wallet section of the config file.
func LimitsFromConfig(cfg config.WalletConfig) (Limits, error) {
	l := Limits{
		ReferenceMaxAttempts:     cfg.ReferenceMaxAttempts,
		AccountNumberMaxAttempts: cfg.AccountNumberMaxAttempts,
		OperationTimeout:         time.Duration(cfg.OpTimeoutSeconds) * time.Second,
	}
	if l.ReferenceMaxAttempts <= 0 {
		l.ReferenceMaxAttempts = defaultMaxAttempts
	}
	if l.AccountNumberMaxAttempts <= 0 {
		l.AccountNumberMaxAttempts = defaultMaxAttempts
	}
	if l.OperationTimeout <= 0 {
		l.OperationTimeout = defaultOpTimeout
	}
	var err error
	if l.MinFunding, err = money.Parse(cfg.Funding.Min); err != nil {
		return Limits{}, err
	}
	if l.MaxFunding, err = money.Parse(cfg.Funding.Max); err != nil {
		return Limits{}, err
	}
	if l.MinWithdrawal, err = money.Parse(cfg.Withdrawal.Min); err != nil {
		return Limits{}, err
	}
	if l.MaxWithdrawal, err = money.Parse(cfg.Withdrawal.Max); err != nil {
		return Limits{}, err
	}
	if l.MinTransfer, err = money.Parse(cfg.Transfer.Min); err != nil {
		return Limits{}, err
	}
	if l.MaxTransfer, err = money.Parse(cfg.Transfer.Max); err != nil {
		return Limits{}, err
	}
	return l, nil
}

// OperationResult is what every mutating operation hands back: the
// caller's new balance and the ledger row written on their side.
type OperationResult struct {
	NewBalance  decimal.Decimal    `json:"new_balance"`
	Transaction *model.Transaction `json:"transaction"`
}

// WalletService is the transaction engine. Every operation runs as one
// storage transaction: balance and ledger move together or not at all.
type WalletService struct {
	repo   repo.RepositoryInterface
	refs   ReferenceSource
	limits Limits
	log    *zap.SugaredLogger
}

// NewWalletService returns WalletService.
func NewWalletService(r repo.RepositoryInterface, refs ReferenceSource, limits Limits, logger *zap.SugaredLogger) *WalletService {
	return &WalletService{repo: r, refs: refs, limits: limits, log: logger}
}

// OpenAccount creates the user's account with a zero balance and a
// freshly generated unique account number.
func (s *WalletService) OpenAccount(ctx context.Context, userID uint64) (*model.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.limits.OperationTimeout)
	defer cancel()

	var acct *model.Account
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		for attempt := 1; attempt <= s.limits.AccountNumberMaxAttempts; attempt++ {
			a := &model.Account{
				UserID:        userID,
				AccountNumber: s.refs.NewAccountNumber(),
				Balance:       decimal.Zero,
				Status:        model.AccountActive,
			}
			err := tx.Transaction(func(sp *gorm.DB) error {
				return s.repo.CreateAccount(ctx, sp, a)
			})
			if err == nil {
				acct = a
				return s.repo.CreateOutboxEvent(ctx, tx, a.ID, "wallet.opened", map[string]interface{}{
					"account_id":     a.ID,
					"account_number": a.AccountNumber,
					"user_id":        userID,
				})
			}
			if errors.Is(err, repo.ErrDuplicateAccountNumber) {
				s.log.Warnw("account number collision", "attempt", attempt)
				continue
			}
			return err
		}
		return ErrAccountNumberExhausted
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Fund credits the account.
func (s *WalletService) Fund(ctx context.Context, accountID uint64, amount money.Money, description string) (*OperationResult, error) {
	if err := checkBounds(amount, s.limits.MinFunding, s.limits.MaxFunding); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.limits.OperationTimeout)
	defer cancel()

	var res *OperationResult
	var acct *model.Account
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		acct, err = s.lockActiveAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		balance, err := money.FromDecimal(acct.Balance)
		if err != nil {
			return err
		}
		newBalance := balance.Add(amount)
		row := &model.Transaction{
			AccountID:   acct.ID,
			Type:        model.TxCredit,
			Amount:      amount.Decimal(),
			Status:      model.TxCompleted,
			Description: description,
		}
		if _, err := s.insertWithFreshReference(ctx, tx, row); err != nil {
			return err
		}
		if err := s.repo.UpdateBalance(ctx, tx, acct.ID, newBalance.Decimal(), acct.Version); err != nil {
			return err
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, acct.ID, "wallet.funded", map[string]interface{}{
			"account_id": acct.ID, "amount": amount, "balance": newBalance, "reference": row.Reference,
		}); err != nil {
			return err
		}
		res = &OperationResult{NewBalance: newBalance.Decimal(), Transaction: row}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refreshBalanceCache(ctx, acct.ID, acct.AccountNumber, res.NewBalance)
	return res, nil
}

// Withdraw debits the account. The sufficiency check uses the balance
// re-read under the row lock, never a value read before it.
func (s *WalletService) Withdraw(ctx context.Context, accountID uint64, amount money.Money, description string) (*OperationResult, error) {
	if err := checkBounds(amount, s.limits.MinWithdrawal, s.limits.MaxWithdrawal); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.limits.OperationTimeout)
	defer cancel()

	var res *OperationResult
	var acct *model.Account
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		acct, err = s.lockActiveAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		balance, err := money.FromDecimal(acct.Balance)
		if err != nil {
			return err
		}
		newBalance, err := balance.Sub(amount)
		if err != nil {
			return ErrInsufficientFunds
		}
		row := &model.Transaction{
			AccountID:   acct.ID,
			Type:        model.TxDebit,
			Amount:      amount.Decimal(),
			Status:      model.TxCompleted,
			Description: description,
		}
		if _, err := s.insertWithFreshReference(ctx, tx, row); err != nil {
			return err
		}
		if err := s.repo.UpdateBalance(ctx, tx, acct.ID, newBalance.Decimal(), acct.Version); err != nil {
			return err
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, acct.ID, "wallet.withdrawn", map[string]interface{}{
			"account_id": acct.ID, "amount": amount, "balance": newBalance, "reference": row.Reference,
		}); err != nil {
			return err
		}
		res = &OperationResult{NewBalance: newBalance.Decimal(), Transaction: row}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refreshBalanceCache(ctx, acct.ID, acct.AccountNumber, res.NewBalance)
	return res, nil
}

// Transfer moves money to another account's public account number. Both
// ledger rows share one reference and both balances move in the same
// storage transaction.
func (s *WalletService) Transfer(ctx context.Context, senderID uint64, recipientNumber string, amount money.Money, description string) (*OperationResult, error) {
	if !accountNumberPattern.MatchString(recipientNumber) {
		return nil, ErrInvalidAccountNumber
	}
	if err := checkBounds(amount, s.limits.MinTransfer, s.limits.MaxTransfer); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.limits.OperationTimeout)
	defer cancel()

	var res *OperationResult
	var sender, recipient *model.Account
	var newRecipientBalance money.Money
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		recipientID, err := s.repo.FindAccountIDByNumber(ctx, tx, recipientNumber)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecipientNotFound
			}
			return err
		}
		if recipientID == senderID {
			return ErrSelfTransfer
		}

		// lock both rows in ascending id order so opposing transfers
		// between the same pair cannot deadlock
		firstID, secondID := senderID, recipientID
		if secondID < firstID {
			firstID, secondID = secondID, firstID
		}
		first, err := s.lockAccount(ctx, tx, firstID, senderID)
		if err != nil {
			return err
		}
		second, err := s.lockAccount(ctx, tx, secondID, senderID)
		if err != nil {
			return err
		}
		if firstID == senderID {
			sender, recipient = first, second
		} else {
			sender, recipient = second, first
		}
		if !sender.CanTransact() || !recipient.CanTransact() {
			return ErrAccountNotActive
		}

		senderBalance, err := money.FromDecimal(sender.Balance)
		if err != nil {
			return err
		}
		recipientBalance, err := money.FromDecimal(recipient.Balance)
		if err != nil {
			return err
		}
		newSenderBalance, err := senderBalance.Sub(amount)
		if err != nil {
			return ErrInsufficientFunds
		}
		newRecipientBalance = recipientBalance.Add(amount)

		debit := &model.Transaction{
			AccountID:   sender.ID,
			Type:        model.TxDebit,
			Amount:      amount.Decimal(),
			RecipientID: &recipient.ID,
			Status:      model.TxCompleted,
			Description: description,
		}
		credit := &model.Transaction{
			AccountID:   recipient.ID,
			Type:        model.TxCredit,
			Amount:      amount.Decimal(),
			RecipientID: &sender.ID,
			Status:      model.TxCompleted,
			Description: description,
		}
		if _, err := s.insertWithFreshReference(ctx, tx, debit, credit); err != nil {
			return err
		}
		if err := s.repo.UpdateBalance(ctx, tx, sender.ID, newSenderBalance.Decimal(), sender.Version); err != nil {
			return err
		}
		if err := s.repo.UpdateBalance(ctx, tx, recipient.ID, newRecipientBalance.Decimal(), recipient.Version); err != nil {
			return err
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, sender.ID, "wallet.transferred", map[string]interface{}{
			"from": sender.ID, "to": recipient.ID, "amount": amount, "reference": debit.Reference,
		}); err != nil {
			return err
		}
		res = &OperationResult{NewBalance: newSenderBalance.Decimal(), Transaction: debit}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refreshBalanceCache(ctx, sender.ID, sender.AccountNumber, res.NewBalance)
	s.refreshBalanceCache(ctx, recipient.ID, recipient.AccountNumber, newRecipientBalance.Decimal())
	return res, nil
}

// Reverse compensates a completed transaction. History is never
// rewritten: the original rows move to reversed and new opposite-type
// rows under a fresh shared reference undo their effect.
func (s *WalletService) Reverse(ctx context.Context, accountID uint64, reference, description string) (*OperationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.limits.OperationTimeout)
	defer cancel()

	var res *OperationResult
	accounts := make(map[uint64]*model.Account)
	balances := make(map[uint64]money.Money)
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.FindTransactionsForReference(ctx, tx, reference)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return ErrTransactionNotFound
		}
		// the originator is the debit side of a pair, or the only row
		origin := rows[0]
		for _, r := range rows {
			if r.Type == model.TxDebit {
				origin = r
			}
		}
		if origin.AccountID != accountID {
			return ErrTransactionNotFound
		}

		ids := accountIDsAscending(rows)
		for _, id := range ids {
			a, err := s.repo.LockAccount(ctx, tx, id)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrAccountNotFound
				}
				return err
			}
			accounts[id] = a
			if balances[id], err = money.FromDecimal(a.Balance); err != nil {
				return err
			}
		}

		// re-read under lock: a concurrent reversal may have won
		rows, err = s.repo.FindTransactionsForReference(ctx, tx, reference)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if r.Status != model.TxCompleted {
				return ErrTransactionNotReversible
			}
		}

		comps := make([]*model.Transaction, 0, len(rows))
		for _, orig := range rows {
			amt, err := money.FromDecimal(orig.Amount)
			if err != nil {
				return err
			}
			comp := &model.Transaction{
				AccountID:   orig.AccountID,
				Type:        orig.Type.Opposite(),
				Amount:      orig.Amount,
				RecipientID: orig.RecipientID,
				Status:      model.TxCompleted,
				Description: description,
			}
			if comp.Type == model.TxCredit {
				balances[orig.AccountID] = balances[orig.AccountID].Add(amt)
			} else {
				nb, err := balances[orig.AccountID].Sub(amt)
				if err != nil {
					return ErrInsufficientFunds
				}
				balances[orig.AccountID] = nb
			}
			comps = append(comps, comp)
		}
		if _, err := s.insertWithFreshReference(ctx, tx, comps...); err != nil {
			return err
		}
		moved, err := s.repo.MarkReversed(ctx, tx, reference)
		if err != nil {
			return err
		}
		if moved != int64(len(rows)) {
			return ErrTransactionNotReversible
		}
		for _, id := range ids {
			if err := s.repo.UpdateBalance(ctx, tx, id, balances[id].Decimal(), accounts[id].Version); err != nil {
				return err
			}
		}
		if err := s.repo.CreateOutboxEvent(ctx, tx, accountID, "wallet.reversed", map[string]interface{}{
			"account_id": accountID, "reference": reference,
		}); err != nil {
			return err
		}
		for _, c := range comps {
			if c.AccountID == accountID {
				res = &OperationResult{NewBalance: balances[accountID].Decimal(), Transaction: c}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for id, a := range accounts {
		s.refreshBalanceCache(ctx, id, a.AccountNumber, balances[id].Decimal())
	}
	return res, nil
}

// lockActiveAccount locks the row and enforces the status gate.
func (s *WalletService) lockActiveAccount(ctx context.Context, tx *gorm.DB, accountID uint64) (*model.Account, error) {
	a, err := s.repo.LockAccount(ctx, tx, accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if !a.CanTransact() {
		return nil, ErrAccountNotActive
	}
	return a, nil
}

// lockAccount distinguishes a missing sender from a recipient that
// vanished between the unlocked id read and the lock.
func (s *WalletService) lockAccount(ctx context.Context, tx *gorm.DB, accountID, senderID uint64) (*model.Account, error) {
	a, err := s.repo.LockAccount(ctx, tx, accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if accountID == senderID {
				return nil, ErrAccountNotFound
			}
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}
	return a, nil
}

// insertWithFreshReference inserts the rows under one shared candidate
// reference, retrying the whole batch in a savepoint on collision. The
// claim reserves the reference against every other operation, not just
// same-typed rows, and is written atomically with the rows that consume
// it, so a rolled-back attempt leaks nothing.
func (s *WalletService) insertWithFreshReference(ctx context.Context, tx *gorm.DB, rows ...*model.Transaction) (string, error) {
	for attempt := 1; attempt <= s.limits.ReferenceMaxAttempts; attempt++ {
		ref := s.refs.NewReference()
		for _, row := range rows {
			row.ID = 0
			row.Reference = ref
		}
		err := tx.Transaction(func(sp *gorm.DB) error {
			if err := s.repo.ClaimReference(ctx, sp, ref); err != nil {
				return err
			}
			for _, row := range rows {
				if err := s.repo.CreateTransaction(ctx, sp, row); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			return ref, nil
		}
		if errors.Is(err, repo.ErrDuplicateReference) {
			s.log.Warnw("reference collision", "reference", ref, "attempt", attempt)
			continue
		}
		return "", err
	}
	return "", ErrReferenceExhausted
}

func (s *WalletService) refreshBalanceCache(ctx context.Context, accountID uint64, accountNumber string, balance decimal.Decimal) {
	snap := repo.BalanceSnapshot{AccountNumber: accountNumber, Balance: balance}
	if err := s.repo.CacheBalance(ctx, accountID, snap); err != nil {
		s.log.Warnw("balance cache write failed", "account_id", accountID, "err", err)
	}
}

func checkBounds(amount, min, max money.Money) error {
	if !amount.IsPositive() || amount.LessThan(min) || amount.GreaterThan(max) {
		return ErrInvalidAmount
	}
	return nil
}

func accountIDsAscending(rows []model.Transaction) []uint64 {
	seen := make(map[uint64]struct{}, len(rows))
	ids := make([]uint64, 0, len(rows))
	for _, r := range rows {
		if _, ok := seen[r.AccountID]; ok {
			continue
		}
		seen[r.AccountID] = struct{}{}
		ids = append(ids, r.AccountID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

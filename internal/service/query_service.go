package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/model"
	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/repo"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// QueryService is the read side. It never takes row locks and only
// observes committed state.
type QueryService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewQueryService returns QueryService.
func NewQueryService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *QueryService {
	return &QueryService{repo: r, log: logger}
}

type BalanceView struct {
	AccountNumber string          `json:"account_number"`
	Balance       decimal.Decimal `json:"balance"`
}

type HistoryPage struct {
	Transactions []model.Transaction `json:"transactions"`
	TotalCount   int64               `json:"total_count"`
	Page         int                 `json:"page"`
	PageSize     int                 `json:"page_size"`
}

type SummaryView struct {
	AccountNumber    string          `json:"account_number"`
	Balance          decimal.Decimal `json:"balance"`
	TotalCredits     decimal.Decimal `json:"total_credits"`
	TotalDebits      decimal.Decimal `json:"total_debits"`
	TransactionCount int64           `json:"transaction_count"`
}

// Balance returns the account's balance, serving the cached snapshot
// when present and falling back to the committed row.
func (q *QueryService) Balance(ctx context.Context, accountID uint64) (*BalanceView, error) {
	if snap, err := q.repo.GetCachedBalance(ctx, accountID); err == nil {
		return &BalanceView{AccountNumber: snap.AccountNumber, Balance: snap.Balance}, nil
	}
	a, err := q.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	snap := repo.BalanceSnapshot{AccountNumber: a.AccountNumber, Balance: a.Balance}
	if err := q.repo.CacheBalance(ctx, accountID, snap); err != nil {
		q.log.Warnw("balance cache write failed", "account_id", accountID, "err", err)
	}
	return &BalanceView{AccountNumber: a.AccountNumber, Balance: a.Balance}, nil
}

// History returns one page of the account's ledger, newest first.
func (q *QueryService) History(ctx context.Context, accountID uint64, page, pageSize int) (*HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if _, err := q.getAccount(ctx, accountID); err != nil {
		return nil, err
	}
	txs, total, err := q.repo.FindTransactionsByAccount(ctx, accountID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{Transactions: txs, TotalCount: total, Page: page, PageSize: pageSize}, nil
}

// Summary aggregates the account's applied ledger rows.
func (q *QueryService) Summary(ctx context.Context, accountID uint64) (*SummaryView, error) {
	a, err := q.getAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	agg, err := q.repo.Summarize(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &SummaryView{
		AccountNumber:    a.AccountNumber,
		Balance:          a.Balance,
		TotalCredits:     agg.TotalCredits,
		TotalDebits:      agg.TotalDebits,
		TransactionCount: agg.Count,
	}, nil
}

// TransactionByReference looks up one of the account's own ledger rows.
// Rows owned by other accounts are reported as not found.
func (q *QueryService) TransactionByReference(ctx context.Context, accountID uint64, reference string) (*model.Transaction, error) {
	t, err := q.repo.FindByReference(ctx, accountID, reference)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return t, nil
}

func (q *QueryService) getAccount(ctx context.Context, accountID uint64) (*model.Account, error) {
	a, err := q.repo.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return a, nil
}

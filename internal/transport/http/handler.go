package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/money"
	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/service"
)

func RegisterHandlers(r *gin.Engine, svc *service.WalletService, qsvc *service.QueryService) {
	v1 := r.Group("/v1")
	{
		v1.POST("/accounts", openAccountHandler(svc))
		v1.POST("/accounts/:id/fund", fundHandler(svc))
		v1.POST("/accounts/:id/withdraw", withdrawHandler(svc))
		v1.POST("/accounts/:id/transfer", transferHandler(svc))
		v1.POST("/accounts/:id/transactions/:reference/reverse", reverseHandler(svc))
		v1.GET("/accounts/:id/balance", balanceHandler(qsvc))
		v1.GET("/accounts/:id/transactions", historyHandler(qsvc))
		v1.GET("/accounts/:id/transactions/:reference", transactionHandler(qsvc))
		v1.GET("/accounts/:id/summary", summaryHandler(qsvc))
	}
}

// statusForError maps typed engine errors to response codes so the
// boundary never re-derives intent from message text.
func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidAccountNumber),
		errors.Is(err, service.ErrSelfTransfer),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, money.ErrNegativeAmount),
		errors.Is(err, money.ErrTooPrecise):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrAccountNotFound),
		errors.Is(err, service.ErrRecipientNotFound),
		errors.Is(err, service.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInsufficientFunds),
		errors.Is(err, service.ErrAccountNotActive),
		errors.Is(err, service.ErrTransactionNotReversible):
		return http.StatusUnprocessableEntity
	case service.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

func accountIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return 0, false
	}
	return id, true
}

type openAccountReq struct {
	UserID uint64 `json:"user_id" binding:"required"`
}

func openAccountHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req openAccountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		acct, err := svc.OpenAccount(c, req.UserID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, acct)
	}
}

type amountReq struct {
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

func fundHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := accountIDParam(c)
		if !ok {
			return
		}
		var req amountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := money.Parse(req.Amount)
		if err != nil {
			abortWithError(c, err)
			return
		}
		res, err := svc.Fund(c, id, amt, req.Description)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func withdrawHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := accountIDParam(c)
		if !ok {
			return
		}
		var req amountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := money.Parse(req.Amount)
		if err != nil {
			abortWithError(c, err)
			return
		}
		res, err := svc.Withdraw(c, id, amt, req.Description)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type transferReq struct {
	RecipientAccountNumber string `json:"recipient_account_number" binding:"required"`
	Amount                 string `json:"amount" binding:"required"`
	Description            string `json:"description"`
}

func transferHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := accountIDParam(c)
		if !ok {
			return
		}
		var req transferReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := money.Parse(req.Amount)
		if err != nil {
			abortWithError(c, err)
			return
		}
		res, err := svc.Transfer(c, id, req.RecipientAccountNumber, amt, req.Description)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type reverseReq struct {
	Description string `json:"description"`
}

func reverseHandler(svc *service.WalletService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := accountIDParam(c)
		if !ok {
			return
		}
		var req reverseReq
		// body is optional for reversals
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := svc.Reverse(c, id, c.Param("reference"), req.Description)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func balanceHandler(qsvc *service.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := accountIDParam(c)
		if !ok {
			return
		}
		view, err := qsvc.Balance(c, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

func historyHandler(qsvc *service.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := accountIDParam(c)
		if !ok {
			return
		}
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
		pageView, err := qsvc.History(c, id, page, pageSize)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"transactions": pageView.Transactions,
			"pagination": gin.H{
				"total_count": pageView.TotalCount,
				"page":        pageView.Page,
				"page_size":   pageView.PageSize,
			},
		})
	}
}

func transactionHandler(qsvc *service.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := accountIDParam(c)
		if !ok {
			return
		}
		t, err := qsvc.TransactionByReference(c, id, c.Param("reference"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func summaryHandler(qsvc *service.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := accountIDParam(c)
		if !ok {
			return
		}
		view, err := qsvc.Summary(c, id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

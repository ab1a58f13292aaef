package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/config"
	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/service"
)

func NewRouter(svc *service.WalletService, qsvc *service.QueryService, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl, log))
	RegisterHandlers(r, svc, qsvc)
	return r
}

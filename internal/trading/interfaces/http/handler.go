package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/papertrading/internal/trading/application"
	"github.com/wyfcoding/papertrading/internal/trading/domain"
	"github.com/wyfcoding/papertrading/pkg/middleware"
	"github.com/wyfcoding/papertrading/pkg/utils"
)

type TradeHandler struct {
	cmd    *application.TradeCommandService
	query  *application.PortfolioQueryService
	logger *slog.Logger
}

func NewTradeHandler(cmd *application.TradeCommandService, query *application.PortfolioQueryService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{cmd: cmd, query: query, logger: logger}
}

// RegisterRoutes 注册交易路由，调用方负责挂载鉴权与限流中间件
func (h *TradeHandler) RegisterRoutes(r *gin.RouterGroup) {
	v1 := r.Group("/v1/trade")
	{
		v1.POST("/buy", h.Buy)
		v1.POST("/sell", h.Sell)
		v1.GET("/portfolio", h.GetPortfolio)
		v1.GET("/portfolio/summary", h.GetSummary)
		v1.GET("/transactions", h.ListTransactions)
		v1.GET("/leaderboard", h.Leaderboard)
	}
}

type tradeRequest struct {
	Symbol string          `json:"coinSymbol" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	// Price 省略时按市价成交
	Price *decimal.Decimal `json:"price"`
}

func (h *TradeHandler) Buy(c *gin.Context) {
	h.trade(c, domain.SideBuy)
}

func (h *TradeHandler) Sell(c *gin.Context) {
	h.trade(c, domain.SideSell)
}

func (h *TradeHandler) trade(c *gin.Context, side domain.Side) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "INVALID_REQUEST"})
		return
	}

	result, err := h.cmd.Execute(c.Request.Context(), application.TradeCommand{
		UserID: userID,
		Symbol: req.Symbol,
		Side:   side,
		Amount: req.Amount,
		Price:  req.Price,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *TradeHandler) GetPortfolio(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	dto, err := h.query.GetPortfolio(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto)
}

func (h *TradeHandler) GetSummary(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	summary, err := h.query.Summary(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *TradeHandler) ListTransactions(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	page := utils.ParsePagination(c.Query("limit"), c.Query("offset"), 50, 500)
	txs, err := h.query.ListTransactions(c.Request.Context(), userID, page)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "limit": page.Limit, "offset": page.Offset})
}

func (h *TradeHandler) Leaderboard(c *gin.Context) {
	limit := 10
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}

	entries, err := h.query.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}

// 错误到 HTTP 状态码与错误码的映射
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT"},
	{domain.ErrInvalidPrice, http.StatusBadRequest, "INVALID_PRICE"},
	{domain.ErrInvalidSide, http.StatusBadRequest, "INVALID_SIDE"},
	{domain.ErrUnknownSymbol, http.StatusBadRequest, "UNKNOWN_SYMBOL"},
	{domain.ErrInsufficientBalance, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"},
	{domain.ErrNoPosition, http.StatusUnprocessableEntity, "NO_POSITION"},
	{domain.ErrInsufficientHoldings, http.StatusUnprocessableEntity, "INSUFFICIENT_HOLDINGS"},
	{domain.ErrPriceUnavailable, http.StatusUnprocessableEntity, "PRICE_UNAVAILABLE"},
	{domain.ErrTransient, http.StatusConflict, "CONFLICT"},
}

func (h *TradeHandler) writeError(c *gin.Context, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			c.JSON(e.status, gin.H{"error": err.Error(), "code": e.code})
			return
		}
	}
	h.logger.ErrorContext(c.Request.Context(), "trade request failed", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error", "code": "INTERNAL"})
}

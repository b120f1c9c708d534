package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order 一次买卖请求，价格已确定
type Order struct {
	Symbol string
	Side   Side
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// Execution 记账结果：新组合、待写入的成交记录、本次已实现盈亏
type Execution struct {
	Portfolio   *Portfolio
	Transaction Transaction
	RealizedPnL decimal.Decimal
}

// Execute 在组合副本上执行订单，不修改入参。
// 任何拒绝都返回哨兵错误，入参组合保持原样
func Execute(p *Portfolio, o Order, now time.Time) (*Execution, error) {
	if o.Symbol == "" {
		return nil, ErrUnknownSymbol
	}
	if !o.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !o.Price.IsPositive() {
		return nil, ErrInvalidPrice
	}

	next := p.Clone()
	var pnl decimal.Decimal
	var err error
	switch o.Side {
	case SideBuy:
		err = applyBuy(next, o)
	case SideSell:
		pnl, err = applySell(next, o)
	default:
		err = fmt.Errorf("%w: %q", ErrInvalidSide, o.Side)
	}
	if err != nil {
		return nil, err
	}

	next.TotalTrades++
	if pnl.IsPositive() {
		next.ProfitableTrades++
	}
	next.RealizedPnL = next.RealizedPnL.Add(pnl)
	next.UpdatedAt = now

	return &Execution{
		Portfolio: next,
		Transaction: Transaction{
			UserID:      p.UserID,
			Symbol:      o.Symbol,
			Side:        o.Side,
			Amount:      o.Amount,
			Price:       o.Price,
			Total:       o.Amount.Mul(o.Price),
			RealizedPnL: pnl,
			ExecutedAt:  now,
		},
		RealizedPnL: pnl,
	}, nil
}

func applyBuy(p *Portfolio, o Order) error {
	cost := o.Amount.Mul(o.Price)
	if p.Balance.LessThan(cost) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientBalance, cost, p.Balance)
	}

	if i := p.holdingIndex(o.Symbol); i >= 0 {
		h := &p.Holdings[i]
		h.AveragePrice = weightedAverage(h.Amount, h.AveragePrice, o.Amount, o.Price)
		h.Amount = h.Amount.Add(o.Amount)
	} else {
		p.Holdings = append(p.Holdings, Holding{
			Symbol:       o.Symbol,
			Amount:       o.Amount,
			AveragePrice: o.Price,
		})
	}
	p.Balance = p.Balance.Sub(cost)
	return nil
}

func applySell(p *Portfolio, o Order) (decimal.Decimal, error) {
	i := p.holdingIndex(o.Symbol)
	if i < 0 {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPosition, o.Symbol)
	}
	h := &p.Holdings[i]
	if h.Amount.LessThan(o.Amount) {
		return decimal.Zero, fmt.Errorf("%w: hold %s, selling %s", ErrInsufficientHoldings, h.Amount, o.Amount)
	}

	pnl := RealizedPnL(o.Price, h.AveragePrice, o.Amount)
	h.Amount = h.Amount.Sub(o.Amount)
	if h.Amount.IsZero() {
		p.Holdings = append(p.Holdings[:i], p.Holdings[i+1:]...)
	}
	p.Balance = p.Balance.Add(o.Amount.Mul(o.Price))
	return pnl, nil
}

// weightedAverage 加权平均成本
func weightedAverage(qty, avg, addQty, addPrice decimal.Decimal) decimal.Decimal {
	total := qty.Add(addQty)
	if total.IsZero() {
		return decimal.Zero
	}
	return qty.Mul(avg).Add(addQty.Mul(addPrice)).Div(total)
}

// RealizedPnL 卖出的已实现盈亏 = (成交价 - 均价) * 数量
func RealizedPnL(price, avg, qty decimal.Decimal) decimal.Decimal {
	return price.Sub(avg).Mul(qty)
}

// UnrealizedPnL 按市价估算的未实现盈亏
func UnrealizedPnL(h Holding, marketPrice decimal.Decimal) decimal.Decimal {
	return marketPrice.Sub(h.AveragePrice).Mul(h.Amount)
}

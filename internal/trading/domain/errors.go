package domain

import "errors"

// 交易被拒绝时返回的错误，组合状态保持不变
var (
	ErrInvalidAmount        = errors.New("amount must be greater than zero")
	ErrInvalidPrice         = errors.New("price must be greater than zero")
	ErrInvalidSide          = errors.New("side must be buy or sell")
	ErrUnknownSymbol        = errors.New("symbol is not tracked")
	ErrPriceUnavailable     = errors.New("no market price available for symbol")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrNoPosition           = errors.New("no position in symbol")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
)

var (
	// ErrConcurrentUpdate 提交时版本不一致
	ErrConcurrentUpdate = errors.New("portfolio was modified concurrently")
	// ErrTransient 冲突重试耗尽，调用方可稍后重试
	ErrTransient = errors.New("trade could not be applied, please retry")
)

// IsRejection 是否为业务拒绝（而非基础设施错误）
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount, ErrInvalidPrice, ErrInvalidSide, ErrUnknownSymbol,
		ErrPriceUnavailable, ErrInsufficientBalance, ErrNoPosition, ErrInsufficientHoldings,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

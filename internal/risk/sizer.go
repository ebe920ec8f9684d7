package risk

import (
	"fmt"

	"sigtra/internal/pkg/rounding"
	"sigtra/internal/signal"
)

// 中文说明：
// 仓位风控：把方向信号换算成有界仓位与绝对止损/止盈价。
// 纯函数、确定性、无副作用。所有开仓路径必须经过这里，
// 这是系统里唯一的风险边界。

const (
	// riskFraction 单笔风险占账户余额的固定比例。
	riskFraction = 0.02
	// marginSafetyFactor 杠杆上限的安全折扣。
	marginSafetyFactor = 0.95

	minMarginBuffer = 0.01
	maxMarginBuffer = 0.40
)

// AccountState 计算仓位所需的账户快照。
type AccountState struct {
	Balance   float64
	LastPrice float64
	Leverage  float64
}

// TradeParameters 通过风控后的下单参数。
type TradeParameters struct {
	SizeUnits       float64 `json:"size_units"`
	StopLossPrice   float64 `json:"stop_loss_price"`
	TakeProfitPrice float64 `json:"take_profit_price"`
}

// Params 风控配置。RiskFraction 与安全系数为固定常量，不在此处开放。
type Params struct {
	MarginBufferPct float64 // 保证金附加缓冲，约束在 [0.01, 0.40]
	MinTradeSize    float64
	QtyPrecision    int
	PricePrecision  int
}

// RejectError 表示信号被风控拒绝。属于校验类错误，调用方不应重试。
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return "风控拒绝: " + e.Reason
}

func reject(format string, v ...any) error {
	return &RejectError{Reason: fmt.Sprintf(format, v...)}
}

// IsReject 判断错误是否为风控拒绝。
func IsReject(err error) bool {
	_, ok := err.(*RejectError)
	return ok
}

// Sizer 仓位计算器。
type Sizer struct {
	p Params
}

// NewSizer 构造 Sizer 并把缓冲比例钳制到合法区间。
func NewSizer(p Params) *Sizer {
	if p.MarginBufferPct < minMarginBuffer {
		p.MarginBufferPct = minMarginBuffer
	}
	if p.MarginBufferPct > maxMarginBuffer {
		p.MarginBufferPct = maxMarginBuffer
	}
	if p.QtyPrecision < 0 {
		p.QtyPrecision = 0
	}
	if p.PricePrecision < 0 {
		p.PricePrecision = 0
	}
	return &Sizer{p: p}
}

// Size 把信号换算成下单参数，不满足约束时返回 RejectError。
func (s *Sizer) Size(acct AccountState, sig signal.Signal) (*TradeParameters, error) {
	if acct.Balance <= 0 {
		return nil, reject("账户余额必须为正, balance=%.4f", acct.Balance)
	}
	if sig.StopLossDistance <= 0 {
		return nil, reject("止损距离必须为正, sl=%.4f", sig.StopLossDistance)
	}
	if sig.TakeProfitDistance <= 0 {
		return nil, reject("止盈距离必须为正, tp=%.4f", sig.TakeProfitDistance)
	}
	if acct.LastPrice <= 0 {
		return nil, reject("最新价必须为正, last=%.4f", acct.LastPrice)
	}
	leverage := acct.Leverage
	if leverage <= 0 {
		leverage = 1
	}

	riskCapital := acct.Balance * riskFraction
	rawSize := riskCapital / sig.StopLossDistance
	marginCapSize := (acct.Balance * leverage / acct.LastPrice) * marginSafetyFactor

	size := rawSize
	if marginCapSize < size {
		size = marginCapSize
	}
	// 向下取整，保证取整后的仓位永远不超过风险推导值。
	size = rounding.FloorTo(size, s.p.QtyPrecision)

	if size <= 0 {
		return nil, reject("取整后仓位为零, raw=%.8f", rawSize)
	}
	if size < s.p.MinTradeSize {
		return nil, reject("仓位 %.8f 低于最小可交易数量 %.8f", size, s.p.MinTradeSize)
	}

	requiredMargin := (size * acct.LastPrice / leverage) * (1 + s.p.MarginBufferPct)
	if requiredMargin > acct.Balance {
		return nil, reject("含缓冲保证金 %.4f 超过余额 %.4f", requiredMargin, acct.Balance)
	}

	entryRef := acct.LastPrice
	var stop, target float64
	switch sig.Direction {
	case signal.DirectionLong:
		stop = entryRef - sig.StopLossDistance
		target = entryRef + sig.TakeProfitDistance
	case signal.DirectionShort:
		stop = entryRef + sig.StopLossDistance
		target = entryRef - sig.TakeProfitDistance
	default:
		return nil, reject("方向不可下单: %s", sig.Direction)
	}

	return &TradeParameters{
		SizeUnits:       size,
		StopLossPrice:   rounding.RoundTo(stop, s.p.PricePrecision),
		TakeProfitPrice: rounding.RoundTo(target, s.p.PricePrecision),
	}, nil
}

// Package venue defines the trading venue abstraction the executor runs
// against. Implementations wrap a concrete exchange SDK; the executor and
// recovery logic only see this interface.
package venue

import (
	"context"

	"sigtra/internal/fills"
)

// OrderType 下单类型。
type OrderType string

const (
	OrderTypeLimit           OrderType = "limit"
	OrderTypeMarket          OrderType = "market"
	OrderTypeStopLimit       OrderType = "stop_limit"
	OrderTypeTakeProfitLimit OrderType = "take_profit_limit"
)

// OrderSpec 单笔委托。价格字段按品种精度四舍五入后传入。
type OrderSpec struct {
	ClientOrderID string
	Side          fills.Side
	Type          OrderType
	Quantity      float64
	Price         float64 // limit 价；market 单为 0
	StopPrice     float64 // 触发价；仅条件单使用
	ReduceOnly    bool
}

// OrderAck 交易所对单笔委托的回执。
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        string
}

// BatchAck 止损/止盈成对委托的回执。
type BatchAck struct {
	Stop   OrderAck
	Target OrderAck
}

// Position 交易所侧持仓快照。
type Position struct {
	Symbol        string
	Side          fills.Side // buy=多头
	Size          float64
	EntryPrice    float64
	Leverage      float64
	UnrealizedPnl float64
}

// OpenOrder 交易所侧挂单快照，用于恢复时判断保护单是否在位。
type OpenOrder struct {
	OrderID       string
	ClientOrderID string
	Side          fills.Side
	Type          OrderType
	Quantity      float64
	Price         float64
	StopPrice     float64
	ReduceOnly    bool
}

// Venue 把执行器需要的交易所操作收敛成一个小接口。
// 约定：适配器绑定单一品种；委托提交失败由调用方决定善后，适配器绝不自动重发。
type Venue interface {
	Name() string

	SubmitEntryOrder(ctx context.Context, spec OrderSpec) (OrderAck, error)

	// PollRecentFills 返回 since（Unix 毫秒，<=0 不限）之后的成交，顺序不保证。
	PollRecentFills(ctx context.Context, since int64) ([]fills.Fill, error)

	// SubmitExitBatch 把 [止损, 止盈] 作为一次批量请求提交。
	// 任一腿被拒即返回错误，已被接受的腿通过回执暴露给调用方。
	SubmitExitBatch(ctx context.Context, specs [2]OrderSpec) (BatchAck, error)

	GetOpenPositions(ctx context.Context) ([]Position, error)

	OpenExitOrders(ctx context.Context) ([]OpenOrder, error)

	GetBalance(ctx context.Context) (float64, error)

	GetPrice(ctx context.Context) (float64, error)
}

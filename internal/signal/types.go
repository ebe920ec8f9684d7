package signal

import (
	"context"

	"sigtra/internal/fills"
	"sigtra/internal/market"
)

// 中文说明：
// 信号源相关的通用数据结构。信号由外部模型产生，
// 核心只负责校验与兜底，不做任何预测。

// Direction 信号方向。
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionHold  Direction = "hold"
)

// Signal 单次方向性信号（每个周期最多一条）。
type Signal struct {
	Direction          Direction `json:"direction"`
	Confidence         int       `json:"confidence"` // 0~100
	StopLossDistance   float64   `json:"stop_loss_distance"`
	TakeProfitDistance float64   `json:"take_profit_distance"`
	Reason             string    `json:"reason,omitempty"`
}

// Hold 返回兜底信号：方向 hold、置信度为零。
func Hold(reason string) Signal {
	return Signal{Direction: DirectionHold, Confidence: 0, Reason: reason}
}

// IsHold 判断信号是否为观望。
func (s Signal) IsHold() bool {
	return s.Direction == DirectionHold
}

// Request 喂给信号源的上下文：滚动K线窗口 + 近期已平仓交易。
type Request struct {
	Symbol       string
	Timeframe    string
	Candles      []market.Candle
	RecentTrades []fills.ClosedTrade
	Hint         string // 来自 profile 的提示词补充
}

// Result 保留原始输出用于审计与排障。
type Result struct {
	Signal    Signal
	RawOutput string // 模型完整输出
	RawJSON   string // 提取到的 JSON 对象文本
	Fallback  bool   // 是否触发了兜底 hold
}

// Source 信号源接口：由外部模型实现，延迟为秒级，可能失败或输出脏数据。
type Source interface {
	Propose(ctx context.Context, req Request) (Result, error)
}

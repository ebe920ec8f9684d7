package fills

import (
	"sort"
)

// 中文说明：
// FIFO 成交配对：把交易所原始成交流还原成按时间排序的已平仓交易。
// 同向成交入队成为持仓批次（lot），反向成交从最老的批次开始消耗，
// 剩余部分翻转方向成为新批次。纯内存计算，无副作用。

// Side 表示成交方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Fill 是交易所上报的单笔成交。时间戳为 Unix 毫秒。
type Fill struct {
	Side      Side    `json:"side"`
	Size      float64 `json:"size"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"timestamp"`
}

// OpenLot 是等待反向成交配对的持仓批次。
type OpenLot struct {
	Side          Side    `json:"side"`
	RemainingSize float64 `json:"remaining_size"`
	Price         float64 `json:"price"`
	Timestamp     int64   `json:"timestamp"`
}

// ClosedTrade 是一次完整的开平往返。Side 为开仓方向（buy=做多）。
type ClosedTrade struct {
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	EntryTime  int64   `json:"entry_time"`
	ExitPrice  float64 `json:"exit_price"`
	ExitTime   int64   `json:"exit_time"`
	Size       float64 `json:"size"`
	Pnl        float64 `json:"pnl"`
}

// MatchResult 暴露完整配对结果与剩余未平仓批次。
type MatchResult struct {
	Trades []ClosedTrade
	Open   []OpenLot
}

// Match 把原始成交流按时间归一后做 FIFO 配对。
// 交易所可能按最新在前上报，这里统一稳定排序为时间升序（同刻保持原序）。
// since > 0 时丢弃 Timestamp 早于 since 的成交。
func Match(raw []Fill, since int64) MatchResult {
	ordered := normalize(raw, since)

	var queue []OpenLot
	var trades []ClosedTrade

	for _, f := range ordered {
		remaining := f.Size

		// 先消耗反向队列。
		for remaining > 0 && len(queue) > 0 && queue[0].Side == f.Side.Opposite() {
			lot := &queue[0]
			matched := remaining
			if lot.RemainingSize < matched {
				matched = lot.RemainingSize
			}
			dir := 1.0
			if lot.Side == SideSell {
				dir = -1.0
			}
			trades = append(trades, ClosedTrade{
				Side:       lot.Side,
				EntryPrice: lot.Price,
				EntryTime:  lot.Timestamp,
				ExitPrice:  f.Price,
				ExitTime:   f.Timestamp,
				Size:       matched,
				Pnl:        (f.Price - lot.Price) * matched * dir,
			})
			lot.RemainingSize -= matched
			remaining -= matched
			if lot.RemainingSize <= 0 {
				queue = queue[1:]
			}
		}

		// 剩余部分成为同向批次（含整段翻转的情况）。
		if remaining > 0 {
			queue = append(queue, OpenLot{
				Side:          f.Side,
				RemainingSize: remaining,
				Price:         f.Price,
				Timestamp:     f.Timestamp,
			})
		}
	}

	return MatchResult{Trades: trades, Open: queue}
}

// normalize 过滤无效成交并稳定排序为时间升序。
func normalize(raw []Fill, since int64) []Fill {
	out := make([]Fill, 0, len(raw))
	for _, f := range raw {
		if f.Size <= 0 {
			continue
		}
		if f.Side != SideBuy && f.Side != SideSell {
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	if since > 0 {
		cut := 0
		for cut < len(out) && out[cut].Timestamp < since {
			cut++
		}
		out = out[cut:]
	}
	return out
}

// Last 返回最近 n 条已平仓交易（时间升序），供摘要展示。
func (r MatchResult) Last(n int) []ClosedTrade {
	if n <= 0 || len(r.Trades) == 0 {
		return nil
	}
	if n >= len(r.Trades) {
		n = len(r.Trades)
	}
	out := make([]ClosedTrade, n)
	copy(out, r.Trades[len(r.Trades)-n:])
	return out
}

// TotalPnl 返回全部已平仓交易的合计盈亏。
func (r MatchResult) TotalPnl() float64 {
	var sum float64
	for _, t := range r.Trades {
		sum += t.Pnl
	}
	return sum
}

// MatchedVolume 返回已配对的总量。
func (r MatchResult) MatchedVolume() float64 {
	var sum float64
	for _, t := range r.Trades {
		sum += t.Size
	}
	return sum
}

package backtest

import (
	"sigtra/internal/fills"
)

// ComputeStats 按平仓顺序在已实现资金曲线上推导结果指标，
// 并为每笔平仓生成一个资金曲线采样点。startTS 大于 0 时
// 会在曲线头部补一个初始资金锚点，方便画图。
func ComputeStats(runID string, trades []fills.ClosedTrade, initialBalance float64, startTS int64) (RunStats, []EquityPoint) {
	stats := RunStats{
		Trades:    len(trades),
		EquityEnd: initialBalance,
	}
	var points []EquityPoint
	seq := 0
	if startTS > 0 {
		points = append(points, EquityPoint{RunID: runID, Seq: seq, TS: startTS, Equity: initialBalance})
		seq++
	}

	equity := initialBalance
	peak := initialBalance
	winStreak, lossStreak := 0, 0
	for _, tr := range trades {
		equity += tr.Pnl
		stats.TotalPnl += tr.Pnl
		switch {
		case tr.Pnl > 0:
			stats.Wins++
			stats.GrossProfit += tr.Pnl
			winStreak++
			lossStreak = 0
			if winStreak > stats.MaxWinStreak {
				stats.MaxWinStreak = winStreak
			}
		case tr.Pnl < 0:
			stats.Losses++
			stats.GrossLoss += -tr.Pnl
			lossStreak++
			winStreak = 0
			if lossStreak > stats.MaxLossStreak {
				stats.MaxLossStreak = lossStreak
			}
		default:
			// 零盈亏既不算赢也不算输，连胜连败都被打断
			winStreak, lossStreak = 0, 0
		}
		if equity > peak {
			peak = equity
		}
		dd := peak - equity
		if dd > stats.MaxDrawdown {
			stats.MaxDrawdown = dd
		}
		if peak > 0 {
			if pct := dd / peak; pct > stats.MaxDrawdownPct {
				stats.MaxDrawdownPct = pct
			}
		}
		points = append(points, EquityPoint{
			RunID:    runID,
			Seq:      seq,
			TS:       tr.ExitTime,
			Equity:   equity,
			Drawdown: stats.MaxDrawdownPct,
		})
		seq++
	}

	stats.EquityEnd = equity
	stats.EquityPeak = peak
	if stats.Trades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Trades)
	}
	// 无亏损时不给 Inf，毛利毛损字段各自可查
	if stats.GrossLoss > 0 {
		stats.ProfitFactor = stats.GrossProfit / stats.GrossLoss
	}
	return stats, points
}

package market

import (
	"fmt"
	"math"
	"strings"

	talib "github.com/markcheno/go-talib"
)

// 中文说明：
// 基于滚动窗口计算一组常用指标快照，渲染成文本块附在信号源提示词里。
// 指标只是给模型的上下文，核心决策逻辑不依赖它们。

const (
	emaFastPeriod = 20
	emaSlowPeriod = 50
	rsiPeriod     = 14
	atrPeriod     = 14
)

// Snapshot 指标快照（取各序列最新值）。
type Snapshot struct {
	Symbol    string  `json:"symbol"`
	Interval  string  `json:"interval"`
	LastPrice float64 `json:"last_price"`
	EMAFast   float64 `json:"ema_fast"`
	EMASlow   float64 `json:"ema_slow"`
	RSI       float64 `json:"rsi"`
	ATR       float64 `json:"atr"`
	MACDDif   float64 `json:"macd_dif"`
	MACDDea   float64 `json:"macd_dea"`
}

// BuildSnapshot 计算窗口内指标。数据不足以覆盖最慢周期时返回错误。
func BuildSnapshot(symbol, interval string, candles []Candle) (Snapshot, error) {
	if len(candles) < emaSlowPeriod+1 {
		return Snapshot{}, fmt.Errorf("指标窗口不足: 需要 %d 根，实际 %d 根", emaSlowPeriod+1, len(candles))
	}
	closes := Closes(candles)
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
	}

	snap := Snapshot{
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Interval:  strings.ToLower(strings.TrimSpace(interval)),
		LastPrice: roundFloat(closes[len(closes)-1], 4),
	}
	snap.EMAFast = lastValid(talib.Ema(closes, emaFastPeriod))
	snap.EMASlow = lastValid(talib.Ema(closes, emaSlowPeriod))
	snap.RSI = lastValid(talib.Rsi(closes, rsiPeriod))
	snap.ATR = lastValid(talib.Atr(highs, lows, closes, atrPeriod))
	dif, dea, _ := talib.Macd(closes, 12, 26, 9)
	snap.MACDDif = lastValid(dif)
	snap.MACDDea = lastValid(dea)
	return snap, nil
}

// Render 输出给提示词用的紧凑文本块。
func (s Snapshot) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "symbol=%s interval=%s last=%.4f\n", s.Symbol, s.Interval, s.LastPrice)
	fmt.Fprintf(&b, "ema%d=%.4f ema%d=%.4f rsi%d=%.2f\n", emaFastPeriod, s.EMAFast, emaSlowPeriod, s.EMASlow, rsiPeriod, s.RSI)
	fmt.Fprintf(&b, "atr%d=%.4f macd_dif=%.4f macd_dea=%.4f", atrPeriod, s.ATR, s.MACDDif, s.MACDDea)
	return b.String()
}

// lastValid 取序列末尾最后一个非 NaN/Inf 值并保留四位小数。
func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		v := series[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		return roundFloat(v, 4)
	}
	return 0
}

func roundFloat(v float64, digits int) float64 {
	if digits <= 0 {
		return math.Round(v)
	}
	factor := math.Pow10(digits)
	return math.Round(v*factor) / factor
}

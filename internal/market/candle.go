package market

// Candle 单根K线，时间戳为 Unix 毫秒。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// LastClose 返回序列末根收盘价，序列为空时返回 0。
func LastClose(candles []Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	return candles[len(candles)-1].Close
}

// Window 返回以 end（含）结尾、长度不超过 size 的切片视图。
func Window(candles []Candle, end, size int) []Candle {
	if size <= 0 || end < 0 || end >= len(candles) {
		return nil
	}
	start := end - size + 1
	if start < 0 {
		start = 0
	}
	return candles[start : end+1]
}

// Closes 抽取收盘价序列，供指标计算使用。
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

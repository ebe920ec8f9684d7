package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe 标准化后的K线周期。所有时间戳运算以 Unix 毫秒为单位。
type Timeframe struct {
	Key      string
	Duration time.Duration
}

// 与币安合约 interval 对齐；月线时长不固定，不支持。
var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  72 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// ParseTimeframe 把用户输入归一化成周期定义，大小写和首尾空白不敏感。
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	dur, ok := intervalDurations[key]
	if !ok {
		return Timeframe{}, fmt.Errorf("无法识别的周期: %s", input)
	}
	return Timeframe{Key: key, Duration: dur}, nil
}

// SupportedTimeframes 返回所有支持的 key（按时长升序）。
func SupportedTimeframes() []string {
	keys := make([]string, 0, len(intervalDurations))
	for k := range intervalDurations {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return intervalDurations[keys[i]] < intervalDurations[keys[j]]
	})
	return keys
}

// Millis 周期毫秒数。
func (tf Timeframe) Millis() int64 {
	return tf.Duration.Milliseconds()
}

// AlignDown 把时间戳对齐到周期网格的开盘时刻。
func (tf Timeframe) AlignDown(ts int64) int64 {
	step := tf.Millis()
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// AlignRange 把毫秒区间两端对齐到周期网格，保证 start<=end。
func (tf Timeframe) AlignRange(start, end int64) (int64, int64) {
	if end < start {
		start, end = end, start
	}
	alStart := tf.AlignDown(start)
	alEnd := tf.AlignDown(end)
	if alEnd < alStart {
		alEnd = alStart
	}
	return alStart, alEnd
}

// ExpectedCandles 计算对齐区间 start~end（含两端）应有的K线数量。
func (tf Timeframe) ExpectedCandles(start, end int64) int64 {
	if end < start {
		return 0
	}
	step := tf.Millis()
	if step <= 0 {
		return 0
	}
	return ((end - start) / step) + 1
}

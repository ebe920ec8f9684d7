package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sigtra/internal/market"
)

func TestParseIntervalDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"15m", 15 * time.Minute, true},
		{"1h", time.Hour, true},
		{"4H", 4 * time.Hour, true},
		{"1d", 24 * time.Hour, true},
		{"1w", 7 * 24 * time.Hour, true},
		{"", 0, false},
		{"m", 0, false},
		{"0h", 0, false},
		{"-1h", 0, false},
		{"1x", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseIntervalDuration(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestDropUnclosedKline(t *testing.T) {
	interval := time.Hour
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	closed := market.Candle{OpenTime: base.Add(-2 * time.Hour).UnixMilli()}
	inProgress := market.Candle{OpenTime: base.Add(-30 * time.Minute).UnixMilli()}

	// 尾根还差半小时收盘：裁掉。
	got := dropUnclosedKlineAt([]market.Candle{closed, inProgress}, interval, base, 0)
	assert.Len(t, got, 1)
	assert.Equal(t, closed.OpenTime, got[0].OpenTime)

	// 尾根早已收盘：保留。
	got = dropUnclosedKlineAt([]market.Candle{closed}, interval, base, 0)
	assert.Len(t, got, 1)

	// 刚过收盘但在宽限期内：仍然裁掉。
	justClosed := market.Candle{OpenTime: base.Add(-time.Hour - 5*time.Second).UnixMilli()}
	got = dropUnclosedKlineAt([]market.Candle{closed, justClosed}, interval, base, 10*time.Second)
	assert.Len(t, got, 1)

	assert.Empty(t, dropUnclosedKlineAt(nil, interval, base, 0))
}

func TestAlignedScheduler_NextTimes(t *testing.T) {
	s := &AlignedScheduler{Interval: time.Hour, Offset: 30 * time.Second}
	now := time.Date(2025, 6, 1, 10, 15, 0, 0, time.UTC)

	nextClose, wakeAt, untilClose, wait := s.nextTimes(now)
	assert.Equal(t, time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC), nextClose)
	assert.Equal(t, time.Date(2025, 6, 1, 11, 0, 30, 0, time.UTC), wakeAt)
	assert.Equal(t, 45*time.Minute, untilClose)
	assert.Equal(t, 45*time.Minute+30*time.Second, wait)
}

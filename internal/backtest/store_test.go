package backtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sigtra/internal/market"
)

const hourMs = int64(3_600_000)

// 网格必须对齐到周期整点，完整性检查才有意义
func hourOpen(h int64) int64 {
	return (500_000 + h) * hourMs
}

func hourCandle(h int64, close float64) market.Candle {
	open := hourOpen(h)
	return market.Candle{
		OpenTime:  open,
		CloseTime: open + hourMs - 1,
		Open:      close - 1,
		High:      close + 2,
		Low:       close - 2,
		Close:     close,
		Volume:    100,
		Trades:    42,
	}
}

func newTestStore(t *testing.T) *CandleStore {
	t.Helper()
	store, err := NewCandleStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCandleStore_InsertAndRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var batch []market.Candle
	for h := int64(0); h < 5; h++ {
		batch = append(batch, hourCandle(h, 100+float64(h)))
	}
	n, err := store.InsertCandles(ctx, "btcusdt", "1h", batch)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got, err := store.RangeCandles(ctx, "BTCUSDT", "1h", hourOpen(0), hourOpen(4))
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].OpenTime, got[i-1].OpenTime)
	}
	assert.InDelta(t, 104, got[4].Close, 1e-9)

	// 同一 open_time 重复写入应覆盖
	updated := hourCandle(2, 999)
	_, err = store.InsertCandles(ctx, "BTCUSDT", "1h", []market.Candle{updated})
	require.NoError(t, err)
	got, err = store.RangeCandles(ctx, "BTCUSDT", "1h", hourOpen(2), hourOpen(2))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 999, got[0].Close, 1e-9)
}

func TestCandleStore_Manifest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var batch []market.Candle
	for h := int64(0); h < 3; h++ {
		batch = append(batch, hourCandle(h, 100))
	}
	_, err := store.InsertCandles(ctx, "ETHUSDT", "1h", batch)
	require.NoError(t, err)

	m, err := store.Manifest(ctx, "ETHUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", m.Symbol)
	assert.Equal(t, "1h", m.Timeframe)
	assert.Equal(t, int64(3), m.Rows)
	assert.Equal(t, hourOpen(0), m.MinTime)
	assert.Equal(t, hourOpen(2), m.MaxTime)
	assert.Positive(t, m.LastSyncAt)
}

func TestCandleStore_CheckIntegrity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tf, err := market.ParseTimeframe("1h")
	require.NoError(t, err)

	// 0,1,3,4,7 在库，2 与 5,6 缺失
	var batch []market.Candle
	for _, h := range []int64{0, 1, 3, 4, 7} {
		batch = append(batch, hourCandle(h, 100))
	}
	_, err = store.InsertCandles(ctx, "BTCUSDT", "1h", batch)
	require.NoError(t, err)

	report, err := store.CheckIntegrity(ctx, "BTCUSDT", tf, hourOpen(0), hourOpen(7))
	require.NoError(t, err)
	assert.Equal(t, int64(8), report.Expected)
	assert.Equal(t, int64(5), report.Present)
	assert.False(t, report.Complete())
	require.Len(t, report.Gaps, 2)
	assert.Equal(t, Gap{From: hourOpen(2), To: hourOpen(2)}, report.Gaps[0])
	assert.Equal(t, Gap{From: hourOpen(5), To: hourOpen(6)}, report.Gaps[1])

	// 补齐缺口后应 Complete
	var fillBatch []market.Candle
	for _, h := range []int64{2, 5, 6} {
		fillBatch = append(fillBatch, hourCandle(h, 100))
	}
	_, err = store.InsertCandles(ctx, "BTCUSDT", "1h", fillBatch)
	require.NoError(t, err)
	report, err = store.CheckIntegrity(ctx, "BTCUSDT", tf, hourOpen(0), hourOpen(7))
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Empty(t, report.Gaps)
}

func TestCandleStore_QueryCandlesTail(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var batch []market.Candle
	for h := int64(0); h < 10; h++ {
		batch = append(batch, hourCandle(h, 100+float64(h)))
	}
	_, err := store.InsertCandles(ctx, "BTCUSDT", "1h", batch)
	require.NoError(t, err)

	// 不给区间时取最新 limit 根，结果仍按升序
	got, err := store.QueryCandles(ctx, "BTCUSDT", "1h", 0, 0, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, hourOpen(7), got[0].OpenTime)
	assert.Equal(t, hourOpen(9), got[2].OpenTime)
}

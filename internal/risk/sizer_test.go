package risk

import (
	"testing"

	"sigtra/internal/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{
		MarginBufferPct: 0.02,
		MinTradeSize:    0.001,
		QtyPrecision:    3,
		PricePrecision:  1,
	}
}

func TestSize_LongScenario(t *testing.T) {
	s := NewSizer(testParams())
	acct := AccountState{Balance: 10000, LastPrice: 50000, Leverage: 10}
	sig := signal.Signal{
		Direction:          signal.DirectionLong,
		Confidence:         80,
		StopLossDistance:   100,
		TakeProfitDistance: 300,
	}

	params, err := s.Size(acct, sig)
	require.NoError(t, err)
	require.NotNil(t, params)

	// rawSize = 10000*0.02/100 = 2；marginCap = 10000*10/50000*0.95 = 1.9
	assert.InDelta(t, 1.9, params.SizeUnits, 1e-9)
	assert.InDelta(t, 49900, params.StopLossPrice, 1e-9)
	assert.InDelta(t, 50300, params.TakeProfitPrice, 1e-9)
}

func TestSize_ShortFlipsLevels(t *testing.T) {
	s := NewSizer(testParams())
	acct := AccountState{Balance: 10000, LastPrice: 50000, Leverage: 10}
	sig := signal.Signal{
		Direction:          signal.DirectionShort,
		Confidence:         70,
		StopLossDistance:   100,
		TakeProfitDistance: 300,
	}

	params, err := s.Size(acct, sig)
	require.NoError(t, err)
	assert.InDelta(t, 50100, params.StopLossPrice, 1e-9)
	assert.InDelta(t, 49700, params.TakeProfitPrice, 1e-9)
}

func TestSize_RiskBoundHolds(t *testing.T) {
	s := NewSizer(testParams())
	cases := []struct {
		balance float64
		last    float64
		lev     float64
		sl      float64
		tp      float64
	}{
		{10000, 50000, 10, 100, 300},
		{2500, 1800, 5, 12, 30},
		{800, 95, 20, 1.5, 4},
		{120000, 64000, 3, 900, 2100},
	}
	for _, tc := range cases {
		params, err := s.Size(
			AccountState{Balance: tc.balance, LastPrice: tc.last, Leverage: tc.lev},
			signal.Signal{Direction: signal.DirectionLong, Confidence: 90, StopLossDistance: tc.sl, TakeProfitDistance: tc.tp},
		)
		if err != nil {
			assert.True(t, IsReject(err))
			continue
		}
		// 单笔风险不超过余额的 2%（允许浮点误差）。
		assert.LessOrEqual(t, params.SizeUnits*tc.sl, tc.balance*0.02+1e-6)
		// 含缓冲保证金不超过余额。
		margin := (params.SizeUnits * tc.last / tc.lev) * 1.02
		assert.LessOrEqual(t, margin, tc.balance+1e-6)
	}
}

func TestSize_Rejections(t *testing.T) {
	s := NewSizer(testParams())
	base := AccountState{Balance: 10000, LastPrice: 50000, Leverage: 10}
	valid := signal.Signal{Direction: signal.DirectionLong, Confidence: 80, StopLossDistance: 100, TakeProfitDistance: 300}

	t.Run("balance not positive", func(t *testing.T) {
		acct := base
		acct.Balance = 0
		_, err := s.Size(acct, valid)
		require.Error(t, err)
		assert.True(t, IsReject(err))
	})

	t.Run("stop distance not positive", func(t *testing.T) {
		sig := valid
		sig.StopLossDistance = 0
		_, err := s.Size(base, sig)
		require.Error(t, err)
		assert.True(t, IsReject(err))
	})

	t.Run("target distance not positive", func(t *testing.T) {
		sig := valid
		sig.TakeProfitDistance = -1
		_, err := s.Size(base, sig)
		require.Error(t, err)
		assert.True(t, IsReject(err))
	})

	t.Run("below minimum size", func(t *testing.T) {
		// 巨大止损距离把仓位压到最小值以下。
		sig := valid
		sig.StopLossDistance = 1e9
		_, err := s.Size(base, sig)
		require.Error(t, err)
		assert.True(t, IsReject(err))
	})

	t.Run("hold direction", func(t *testing.T) {
		sig := valid
		sig.Direction = signal.DirectionHold
		_, err := s.Size(base, sig)
		require.Error(t, err)
		assert.True(t, IsReject(err))
	})
}

func TestSize_MarginBufferRejects(t *testing.T) {
	// 大缓冲下保证金检查必须拦截：1.9*50000/10*1.40 = 13300 > 10000。
	s := NewSizer(Params{MarginBufferPct: 0.40, MinTradeSize: 0.001, QtyPrecision: 3, PricePrecision: 1})
	acct := AccountState{Balance: 10000, LastPrice: 50000, Leverage: 10}
	sig := signal.Signal{Direction: signal.DirectionLong, Confidence: 80, StopLossDistance: 100, TakeProfitDistance: 300}

	_, err := s.Size(acct, sig)
	require.Error(t, err)
	assert.True(t, IsReject(err))
}

func TestSize_QuantityFloored(t *testing.T) {
	s := NewSizer(Params{MarginBufferPct: 0.02, MinTradeSize: 0.001, QtyPrecision: 2, PricePrecision: 1})
	// rawSize = 2000*0.02/7 = 5.714285...，精度 2 位应落在 5.71。
	acct := AccountState{Balance: 2000, LastPrice: 190, Leverage: 10}
	sig := signal.Signal{Direction: signal.DirectionLong, Confidence: 80, StopLossDistance: 7, TakeProfitDistance: 14}

	params, err := s.Size(acct, sig)
	require.NoError(t, err)
	assert.InDelta(t, 5.71, params.SizeUnits, 1e-9)
}

func TestNewSizer_ClampsBuffer(t *testing.T) {
	s := NewSizer(Params{MarginBufferPct: 0.99, MinTradeSize: 0.001, QtyPrecision: 3, PricePrecision: 1})
	assert.InDelta(t, 0.40, s.p.MarginBufferPct, 1e-9)

	s = NewSizer(Params{MarginBufferPct: 0, MinTradeSize: 0.001, QtyPrecision: 3, PricePrecision: 1})
	assert.InDelta(t, 0.01, s.p.MarginBufferPct, 1e-9)
}

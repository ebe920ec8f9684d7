package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sigtra/internal/executor"
	"sigtra/internal/fills"
	"sigtra/internal/gateway/venue"
	"sigtra/internal/market"
	"sigtra/internal/risk"
	"sigtra/internal/signal"
	"sigtra/internal/store"
)

type MockVenue struct {
	mock.Mock
}

func (m *MockVenue) Name() string { return "mock" }

func (m *MockVenue) SubmitEntryOrder(ctx context.Context, spec venue.OrderSpec) (venue.OrderAck, error) {
	args := m.Called(ctx, spec)
	return args.Get(0).(venue.OrderAck), args.Error(1)
}

func (m *MockVenue) PollRecentFills(ctx context.Context, since int64) ([]fills.Fill, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]fills.Fill), args.Error(1)
}

func (m *MockVenue) SubmitExitBatch(ctx context.Context, specs [2]venue.OrderSpec) (venue.BatchAck, error) {
	args := m.Called(ctx, specs)
	return args.Get(0).(venue.BatchAck), args.Error(1)
}

func (m *MockVenue) GetOpenPositions(ctx context.Context) ([]venue.Position, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]venue.Position), args.Error(1)
}

func (m *MockVenue) OpenExitOrders(ctx context.Context) ([]venue.OpenOrder, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]venue.OpenOrder), args.Error(1)
}

func (m *MockVenue) GetBalance(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockVenue) GetPrice(ctx context.Context) (float64, error) {
	args := m.Called(ctx)
	return args.Get(0).(float64), args.Error(1)
}

type MockCandleSource struct {
	mock.Mock
}

func (m *MockCandleSource) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	args := m.Called(ctx, symbol, interval, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]market.Candle), args.Error(1)
}

type MockSignalSource struct {
	mock.Mock
}

func (m *MockSignalSource) Propose(ctx context.Context, req signal.Request) (signal.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(signal.Result), args.Error(1)
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) SaveCycle(ctx context.Context, rec store.CycleRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockLedger) AppendTrades(ctx context.Context, scope string, trades []fills.ClosedTrade) error {
	args := m.Called(ctx, scope, trades)
	return args.Error(0)
}

func (m *MockLedger) ListTrades(ctx context.Context, scope string, limit int) ([]fills.ClosedTrade, error) {
	args := m.Called(ctx, scope, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]fills.ClosedTrade), args.Error(1)
}

func (m *MockLedger) ListCycles(ctx context.Context, symbol string, limit int) ([]store.CycleRecord, error) {
	args := m.Called(ctx, symbol, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.CycleRecord), args.Error(1)
}

func (m *MockLedger) LastExitTime(ctx context.Context, scope string) (int64, error) {
	args := m.Called(ctx, scope)
	return args.Get(0).(int64), args.Error(1)
}

func newTestService(t *testing.T, v *MockVenue, c *MockCandleSource, sig *MockSignalSource, led *MockLedger) *Service {
	t.Helper()
	tf, err := market.ParseTimeframe("1h")
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{
		Venue:               v,
		Candles:             c,
		Signals:             sig,
		Sizer:               risk.NewSizer(risk.Params{MarginBufferPct: 0.05, MinTradeSize: 0.001, QtyPrecision: 3, PricePrecision: 1}),
		Ledger:              led,
		Symbol:              "btcusdt",
		Timeframe:           tf,
		WindowSize:          60,
		Leverage:            5,
		ConfidenceThreshold: 60,
		Executor: executor.Config{
			PollInterval:   time.Millisecond,
			PollTimeout:    200 * time.Millisecond,
			PricePrecision: 1,
		},
	})
	require.NoError(t, err)
	return svc
}

// closedCandles 生成全部已收盘的K线窗口。
func closedCandles(n int, tf market.Timeframe, lastClose float64) []market.Candle {
	end := time.Now().UTC().Add(-2 * tf.Duration).Truncate(tf.Duration)
	out := make([]market.Candle, n)
	for i := range out {
		open := end.Add(-time.Duration(n-1-i) * tf.Duration)
		px := lastClose - float64(n-1-i)*10
		out[i] = market.Candle{
			OpenTime:  open.UnixMilli(),
			CloseTime: open.Add(tf.Duration).UnixMilli() - 1,
			Open:      px - 5,
			High:      px + 20,
			Low:       px - 20,
			Close:     px,
			Volume:    10,
		}
	}
	return out
}

func TestService_RunCycleOpensPosition(t *testing.T) {
	v := new(MockVenue)
	c := new(MockCandleSource)
	sig := new(MockSignalSource)
	led := new(MockLedger)
	svc := newTestService(t, v, c, sig, led)

	fillTS := time.Now().UnixMilli() + 1000
	entryFills := []fills.Fill{{Side: fills.SideBuy, Size: 0.4, Price: 50010, Timestamp: fillTS}}

	led.On("LastExitTime", mock.Anything, "live:BTCUSDT").Return(int64(0), nil)
	led.On("ListTrades", mock.Anything, "live:BTCUSDT", 0).Return([]fills.ClosedTrade{}, nil)
	v.On("PollRecentFills", mock.Anything, mock.Anything).Return(entryFills, nil)
	v.On("GetOpenPositions", mock.Anything).Return([]venue.Position{}, nil)
	v.On("GetBalance", mock.Anything).Return(10000.0, nil)
	v.On("GetPrice", mock.Anything).Return(50000.0, nil)
	c.On("FetchHistory", mock.Anything, "BTCUSDT", "1h", 60).Return(closedCandles(60, svc.tf, 50000), nil)

	rawJSON := `{"direction":"long","confidence":80,"stop_loss_distance":500,"take_profit_distance":1500,"reason":"trend up"}`
	sig.On("Propose", mock.Anything, mock.Anything).Return(signal.Result{
		Signal: signal.Signal{
			Direction:          signal.DirectionLong,
			Confidence:         80,
			StopLossDistance:   500,
			TakeProfitDistance: 1500,
			Reason:             "trend up",
		},
		RawJSON: rawJSON,
	}, nil)

	v.On("SubmitEntryOrder", mock.Anything, mock.Anything).Return(venue.OrderAck{OrderID: "100", Status: "NEW"}, nil)

	var batch [2]venue.OrderSpec
	v.On("SubmitExitBatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		batch = args.Get(1).([2]venue.OrderSpec)
	}).Return(venue.BatchAck{
		Stop:   venue.OrderAck{OrderID: "101", Status: "NEW"},
		Target: venue.OrderAck{OrderID: "102", Status: "NEW"},
	}, nil)

	var saved store.CycleRecord
	led.On("SaveCycle", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).(store.CycleRecord)
	}).Return(nil)

	err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, string(executor.StateExitConfirmed), saved.State)
	assert.Equal(t, "BTCUSDT", saved.Symbol)
	assert.Equal(t, "1h", saved.Timeframe)
	assert.Equal(t, "long", saved.Direction)
	assert.Equal(t, 80.0, saved.Confidence)
	assert.Equal(t, rawJSON, saved.DecisionRaw)
	// 余额 10000 * 2% 风险 / 500 止损距离 = 0.4
	assert.InDelta(t, 0.4, saved.Size, 1e-9)
	assert.InDelta(t, 50010, saved.EntryPrice, 1e-9)
	assert.InDelta(t, 49500, saved.StopLoss, 1e-9)
	assert.InDelta(t, 51500, saved.TakeProfit, 1e-9)

	// 保护单批次：止损腿在前、止盈腿在后，都是只减仓。
	assert.Equal(t, venue.OrderTypeStopLimit, batch[0].Type)
	assert.Equal(t, fills.SideSell, batch[0].Side)
	assert.True(t, batch[0].ReduceOnly)
	assert.InDelta(t, 49500, batch[0].StopPrice, 1e-9)
	assert.Equal(t, venue.OrderTypeTakeProfitLimit, batch[1].Type)
	assert.InDelta(t, 51500, batch[1].Price, 1e-9)

	st := svc.Status()
	assert.Equal(t, string(executor.StateExitConfirmed), st.LastState)
	assert.Equal(t, int64(1), st.CyclesTotal)
	assert.Empty(t, st.LastError)

	v.AssertExpectations(t)
	sig.AssertExpectations(t)
	led.AssertExpectations(t)
}

func TestService_RunCycleHold(t *testing.T) {
	v := new(MockVenue)
	c := new(MockCandleSource)
	sig := new(MockSignalSource)
	led := new(MockLedger)
	svc := newTestService(t, v, c, sig, led)

	led.On("LastExitTime", mock.Anything, "live:BTCUSDT").Return(int64(0), nil)
	led.On("ListTrades", mock.Anything, "live:BTCUSDT", 0).Return([]fills.ClosedTrade{}, nil)
	v.On("PollRecentFills", mock.Anything, mock.Anything).Return([]fills.Fill{}, nil)
	v.On("GetOpenPositions", mock.Anything).Return([]venue.Position{}, nil)
	v.On("GetBalance", mock.Anything).Return(10000.0, nil)
	v.On("GetPrice", mock.Anything).Return(50000.0, nil)
	c.On("FetchHistory", mock.Anything, "BTCUSDT", "1h", 60).Return(closedCandles(60, svc.tf, 50000), nil)
	sig.On("Propose", mock.Anything, mock.Anything).Return(signal.Result{Signal: signal.Hold("盘整，无明确方向")}, nil)

	var saved store.CycleRecord
	led.On("SaveCycle", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).(store.CycleRecord)
	}).Return(nil)

	err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, CycleHold, saved.State)
	assert.Equal(t, "hold", saved.Direction)
	v.AssertNotCalled(t, "SubmitEntryOrder", mock.Anything, mock.Anything)
	assert.Equal(t, CycleHold, svc.Status().LastState)
}

func TestService_RunCycleBelowThreshold(t *testing.T) {
	v := new(MockVenue)
	c := new(MockCandleSource)
	sig := new(MockSignalSource)
	led := new(MockLedger)
	svc := newTestService(t, v, c, sig, led)

	led.On("LastExitTime", mock.Anything, "live:BTCUSDT").Return(int64(0), nil)
	led.On("ListTrades", mock.Anything, "live:BTCUSDT", 0).Return([]fills.ClosedTrade{}, nil)
	v.On("PollRecentFills", mock.Anything, mock.Anything).Return([]fills.Fill{}, nil)
	v.On("GetOpenPositions", mock.Anything).Return([]venue.Position{}, nil)
	v.On("GetBalance", mock.Anything).Return(10000.0, nil)
	v.On("GetPrice", mock.Anything).Return(50000.0, nil)
	c.On("FetchHistory", mock.Anything, "BTCUSDT", "1h", 60).Return(closedCandles(60, svc.tf, 50000), nil)
	sig.On("Propose", mock.Anything, mock.Anything).Return(signal.Result{
		Signal: signal.Signal{
			Direction:          signal.DirectionShort,
			Confidence:         45,
			StopLossDistance:   400,
			TakeProfitDistance: 900,
		},
	}, nil)

	var saved store.CycleRecord
	led.On("SaveCycle", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).(store.CycleRecord)
	}).Return(nil)

	err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, CycleBelowThreshold, saved.State)
	assert.Equal(t, "short", saved.Direction)
	assert.Equal(t, 45.0, saved.Confidence)
	v.AssertNotCalled(t, "SubmitEntryOrder", mock.Anything, mock.Anything)
}

func TestService_RunCycleRiskReject(t *testing.T) {
	v := new(MockVenue)
	c := new(MockCandleSource)
	sig := new(MockSignalSource)
	led := new(MockLedger)
	svc := newTestService(t, v, c, sig, led)

	led.On("LastExitTime", mock.Anything, "live:BTCUSDT").Return(int64(0), nil)
	led.On("ListTrades", mock.Anything, "live:BTCUSDT", 0).Return([]fills.ClosedTrade{}, nil)
	v.On("PollRecentFills", mock.Anything, mock.Anything).Return([]fills.Fill{}, nil)
	v.On("GetOpenPositions", mock.Anything).Return([]venue.Position{}, nil)
	// 余额太小，2% 风险资金换算后取整为零，风控必拒。
	v.On("GetBalance", mock.Anything).Return(10.0, nil)
	v.On("GetPrice", mock.Anything).Return(50000.0, nil)
	c.On("FetchHistory", mock.Anything, "BTCUSDT", "1h", 60).Return(closedCandles(60, svc.tf, 50000), nil)
	sig.On("Propose", mock.Anything, mock.Anything).Return(signal.Result{
		Signal: signal.Signal{
			Direction:          signal.DirectionLong,
			Confidence:         90,
			StopLossDistance:   500,
			TakeProfitDistance: 1500,
		},
	}, nil)

	var saved store.CycleRecord
	led.On("SaveCycle", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).(store.CycleRecord)
	}).Return(nil)

	err := svc.RunCycle(context.Background())
	require.NoError(t, err, "风控拒单属于正常结束")

	assert.Equal(t, CycleRiskRejected, saved.State)
	assert.Contains(t, saved.LastError, "风控拒绝")
	v.AssertNotCalled(t, "SubmitEntryOrder", mock.Anything, mock.Anything)
}

func TestService_RunCycleSignalFailure(t *testing.T) {
	v := new(MockVenue)
	c := new(MockCandleSource)
	sig := new(MockSignalSource)
	led := new(MockLedger)
	svc := newTestService(t, v, c, sig, led)

	led.On("LastExitTime", mock.Anything, "live:BTCUSDT").Return(int64(0), nil)
	led.On("ListTrades", mock.Anything, "live:BTCUSDT", 0).Return([]fills.ClosedTrade{}, nil)
	v.On("PollRecentFills", mock.Anything, mock.Anything).Return([]fills.Fill{}, nil)
	v.On("GetOpenPositions", mock.Anything).Return([]venue.Position{}, nil)
	v.On("GetBalance", mock.Anything).Return(10000.0, nil)
	v.On("GetPrice", mock.Anything).Return(50000.0, nil)
	c.On("FetchHistory", mock.Anything, "BTCUSDT", "1h", 60).Return(closedCandles(60, svc.tf, 50000), nil)
	sig.On("Propose", mock.Anything, mock.Anything).Return(
		signal.Result{Signal: signal.Hold("模型调用失败"), Fallback: true},
		errors.New("api down"),
	)

	var saved store.CycleRecord
	led.On("SaveCycle", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).(store.CycleRecord)
	}).Return(nil)

	err := svc.RunCycle(context.Background())
	require.Error(t, err)

	assert.Equal(t, CycleSignalFailed, saved.State)
	assert.Contains(t, saved.LastError, "api down")
	assert.Contains(t, svc.Status().LastError, "api down")
	v.AssertNotCalled(t, "SubmitEntryOrder", mock.Anything, mock.Anything)
}

func TestService_RunCycleSkipsWhenPositionOpen(t *testing.T) {
	v := new(MockVenue)
	c := new(MockCandleSource)
	sig := new(MockSignalSource)
	led := new(MockLedger)
	svc := newTestService(t, v, c, sig, led)

	led.On("LastExitTime", mock.Anything, "live:BTCUSDT").Return(int64(0), nil)
	v.On("PollRecentFills", mock.Anything, mock.Anything).Return([]fills.Fill{}, nil)
	v.On("GetOpenPositions", mock.Anything).Return([]venue.Position{
		{Symbol: "BTCUSDT", Side: fills.SideBuy, Size: 0.5, EntryPrice: 50000},
	}, nil)
	// 保护对在位，自愈流程应原样放过。
	v.On("OpenExitOrders", mock.Anything).Return([]venue.OpenOrder{
		{Side: fills.SideSell, Type: venue.OrderTypeStopLimit, ReduceOnly: true},
		{Side: fills.SideSell, Type: venue.OrderTypeTakeProfitLimit, ReduceOnly: true},
	}, nil)

	err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, CycleSkipOpen, svc.Status().LastState)
	sig.AssertNotCalled(t, "Propose", mock.Anything, mock.Anything)
	led.AssertNotCalled(t, "SaveCycle", mock.Anything, mock.Anything)
	v.AssertNotCalled(t, "SubmitEntryOrder", mock.Anything, mock.Anything)
	v.AssertNotCalled(t, "SubmitExitBatch", mock.Anything, mock.Anything)
}

func TestService_RunCycleRehangsProtectionFromAudit(t *testing.T) {
	v := new(MockVenue)
	c := new(MockCandleSource)
	sig := new(MockSignalSource)
	led := new(MockLedger)
	svc := newTestService(t, v, c, sig, led)

	led.On("LastExitTime", mock.Anything, "live:BTCUSDT").Return(int64(0), nil)
	v.On("PollRecentFills", mock.Anything, mock.Anything).Return([]fills.Fill{}, nil)
	v.On("GetOpenPositions", mock.Anything).Return([]venue.Position{
		{Symbol: "BTCUSDT", Side: fills.SideBuy, Size: 0.5, EntryPrice: 50000},
	}, nil)
	// 保护对完全缺位，应按审计里最近一次进场的保护价补挂。
	v.On("OpenExitOrders", mock.Anything).Return([]venue.OpenOrder{}, nil)
	led.On("ListCycles", mock.Anything, "BTCUSDT", 20).Return([]store.CycleRecord{
		{ID: "c2", State: CycleHold},
		{ID: "c1", State: string(executor.StateExitConfirmed), EntryPrice: 50000, Size: 0.5, StopLoss: 49500, TakeProfit: 51500},
	}, nil)

	var batch [2]venue.OrderSpec
	v.On("SubmitExitBatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		batch = args.Get(1).([2]venue.OrderSpec)
	}).Return(venue.BatchAck{
		Stop:   venue.OrderAck{OrderID: "201", Status: "NEW"},
		Target: venue.OrderAck{OrderID: "202", Status: "NEW"},
	}, nil)

	err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, fills.SideSell, batch[0].Side)
	assert.InDelta(t, 49500, batch[0].StopPrice, 1e-9)
	assert.InDelta(t, 0.5, batch[0].Quantity, 1e-9)
	assert.True(t, batch[0].ReduceOnly)
	assert.InDelta(t, 51500, batch[1].Price, 1e-9)
	assert.True(t, batch[1].ReduceOnly)

	sig.AssertNotCalled(t, "Propose", mock.Anything, mock.Anything)
	v.AssertExpectations(t)
	led.AssertExpectations(t)
}

func TestService_HarvestAppendsClosedTrades(t *testing.T) {
	v := new(MockVenue)
	c := new(MockCandleSource)
	sig := new(MockSignalSource)
	led := new(MockLedger)
	svc := newTestService(t, v, c, sig, led)

	// 有水位线时从 watermark+1 开始拉取。
	led.On("LastExitTime", mock.Anything, "live:BTCUSDT").Return(int64(5000), nil)
	v.On("PollRecentFills", mock.Anything, int64(5001)).Return([]fills.Fill{
		{Side: fills.SideBuy, Size: 1, Price: 100, Timestamp: 6000},
		{Side: fills.SideSell, Size: 1, Price: 110, Timestamp: 7000},
	}, nil)

	var appended []fills.ClosedTrade
	led.On("AppendTrades", mock.Anything, "live:BTCUSDT", mock.Anything).Run(func(args mock.Arguments) {
		appended = args.Get(2).([]fills.ClosedTrade)
	}).Return(nil)

	// 收割后让本轮走持仓跳过路径，聚焦成交落库断言。
	v.On("GetOpenPositions", mock.Anything).Return([]venue.Position{
		{Symbol: "BTCUSDT", Side: fills.SideBuy, Size: 0.5, EntryPrice: 50000},
	}, nil)
	v.On("OpenExitOrders", mock.Anything).Return([]venue.OpenOrder{
		{Side: fills.SideSell, Type: venue.OrderTypeStopLimit, ReduceOnly: true},
		{Side: fills.SideSell, Type: venue.OrderTypeTakeProfitLimit, ReduceOnly: true},
	}, nil)

	err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, appended, 1)
	assert.Equal(t, fills.SideBuy, appended[0].Side)
	assert.InDelta(t, 10, appended[0].Pnl, 1e-9)
	assert.Equal(t, int64(6000), appended[0].EntryTime)
	assert.Equal(t, int64(7000), appended[0].ExitTime)

	v.AssertExpectations(t)
	led.AssertExpectations(t)
}

func TestService_RunRecoversThenStopsOnCancel(t *testing.T) {
	v := new(MockVenue)
	c := new(MockCandleSource)
	sig := new(MockSignalSource)
	led := new(MockLedger)
	svc := newTestService(t, v, c, sig, led)

	v.On("GetOpenPositions", mock.Anything).Return([]venue.Position{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := svc.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// 无持仓时恢复流程只查一次持仓即返回。
	v.AssertCalled(t, "GetOpenPositions", mock.Anything)
	assert.False(t, svc.Status().Running)
}

func TestNewServiceValidation(t *testing.T) {
	tf, err := market.ParseTimeframe("1h")
	require.NoError(t, err)
	sizer := risk.NewSizer(risk.Params{MinTradeSize: 0.001})

	_, err = NewService(ServiceParams{})
	assert.Error(t, err)

	_, err = NewService(ServiceParams{
		Venue:   new(MockVenue),
		Candles: new(MockCandleSource),
		Signals: new(MockSignalSource),
		Sizer:   sizer,
		Ledger:  new(MockLedger),
		Symbol:  "  ",
	})
	assert.Error(t, err, "空 symbol 应报错")

	svc, err := NewService(ServiceParams{
		Venue:     new(MockVenue),
		Candles:   new(MockCandleSource),
		Signals:   new(MockSignalSource),
		Sizer:     sizer,
		Ledger:    new(MockLedger),
		Symbol:    "ethusdt",
		Timeframe: tf,
	})
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", svc.symbol)
	assert.Equal(t, "live:ETHUSDT", svc.scope)
	assert.Equal(t, 120, svc.window)
	assert.Equal(t, 60, svc.threshold)
	assert.Equal(t, 10*time.Second, svc.offset)
}

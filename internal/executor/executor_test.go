package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sigtra/internal/fills"
	"sigtra/internal/gateway/venue"
	"sigtra/internal/risk"
	"sigtra/internal/signal"
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

// futureTS 给 mock 成交一个远在提交时刻之后的时间戳，
// 避免测试进程的毫秒级抖动把成交过滤掉。
func futureTS() int64 {
	return time.Now().Add(time.Hour).UnixMilli()
}

func fastConfig() Config {
	return Config{
		EntrySlipPct:   0.001,
		StopSlipPct:    0.01,
		PollInterval:   time.Millisecond,
		PollTimeout:    200 * time.Millisecond,
		PricePrecision: 1,
	}
}

func longSignal() signal.Signal {
	return signal.Signal{
		Direction:          signal.DirectionLong,
		Confidence:         80,
		StopLossDistance:   100,
		TakeProfitDistance: 300,
	}
}

func longParams() *risk.TradeParameters {
	return &risk.TradeParameters{SizeUnits: 1.9, StopLossPrice: 49900, TakeProfitPrice: 50300}
}

func TestEnterPosition_FullCycle(t *testing.T) {
	mv := new(MockVenue)
	mv.On("GetPrice", mock.Anything).Return(50000.0, nil)

	var entrySpec venue.OrderSpec
	mv.On("SubmitEntryOrder", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { entrySpec = args.Get(1).(venue.OrderSpec) }).
		Return(venue.OrderAck{OrderID: "101", Status: "NEW"}, nil).Once()

	mv.On("PollRecentFills", mock.Anything, mock.Anything).
		Return([]fills.Fill{{Side: fills.SideBuy, Size: 1.9, Price: 50010, Timestamp: futureTS()}}, nil)

	var exitSpecs [2]venue.OrderSpec
	mv.On("SubmitExitBatch", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { exitSpecs = args.Get(1).([2]venue.OrderSpec) }).
		Return(venue.BatchAck{Stop: venue.OrderAck{OrderID: "201"}, Target: venue.OrderAck{OrderID: "202"}}, nil).Once()

	ex := New(mv, fastConfig())
	cycle, err := ex.EnterPosition(context.Background(), longSignal(), longParams())
	require.NoError(t, err)

	assert.Equal(t, StateExitConfirmed, cycle.State)
	require.NotNil(t, cycle.Position)
	assert.Equal(t, fills.SideBuy, cycle.Position.Side)
	assert.InDelta(t, 1.9, cycle.Position.Quantity, 1e-9)
	assert.InDelta(t, 50010, cycle.Position.AvgEntryPrice, 1e-9)
	assert.Equal(t, "101", cycle.EntryAck.OrderID)
	assert.Equal(t, "201", cycle.ExitAck.Stop.OrderID)

	// 进场：激进限价向上穿 0.1%。
	assert.Equal(t, venue.OrderTypeLimit, entrySpec.Type)
	assert.InDelta(t, 50050.0, entrySpec.Price, 1e-9)
	assert.Contains(t, entrySpec.ClientOrderID, "sig-")

	// 保护单：反向、只减仓、数量为确认成交量。
	stop, target := exitSpecs[0], exitSpecs[1]
	assert.Equal(t, fills.SideSell, stop.Side)
	assert.True(t, stop.ReduceOnly)
	assert.Equal(t, venue.OrderTypeStopLimit, stop.Type)
	assert.InDelta(t, 49900.0, stop.StopPrice, 1e-9)
	assert.InDelta(t, 49401.0, stop.Price, 1e-9) // 触发价再向下让 1%
	assert.InDelta(t, 1.9, stop.Quantity, 1e-9)
	assert.Equal(t, venue.OrderTypeTakeProfitLimit, target.Type)
	assert.True(t, target.ReduceOnly)
	assert.InDelta(t, 50300.0, target.Price, 1e-9)

	assert.Equal(t, 3, cycle.Metrics.OrdersSubmitted)
	assert.Equal(t, 1, cycle.Metrics.SignalsSeen)
	assert.GreaterOrEqual(t, cycle.Metrics.PollTicks, 1)
	assert.Equal(t, 1, cycle.Metrics.FillsObserved)
}

func TestEnterPosition_MarketOrderSkipsPriceFetch(t *testing.T) {
	mv := new(MockVenue)
	var entrySpec venue.OrderSpec
	mv.On("SubmitEntryOrder", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { entrySpec = args.Get(1).(venue.OrderSpec) }).
		Return(venue.OrderAck{OrderID: "1"}, nil).Once()
	mv.On("PollRecentFills", mock.Anything, mock.Anything).
		Return([]fills.Fill{{Side: fills.SideBuy, Size: 1.9, Price: 50000, Timestamp: futureTS()}}, nil)
	mv.On("SubmitExitBatch", mock.Anything, mock.Anything).
		Return(venue.BatchAck{Stop: venue.OrderAck{OrderID: "2"}, Target: venue.OrderAck{OrderID: "3"}}, nil).Once()

	cfg := fastConfig()
	cfg.EntryOrderType = "market"
	ex := New(mv, cfg)
	_, err := ex.EnterPosition(context.Background(), longSignal(), longParams())
	require.NoError(t, err)

	assert.Equal(t, venue.OrderTypeMarket, entrySpec.Type)
	assert.Zero(t, entrySpec.Price)
	mv.AssertNotCalled(t, "GetPrice", mock.Anything)
}

func TestEnterPosition_SubmissionRejectedNeverRetries(t *testing.T) {
	mv := new(MockVenue)
	mv.On("GetPrice", mock.Anything).Return(50000.0, nil)
	mv.On("SubmitEntryOrder", mock.Anything, mock.Anything).
		Return(venue.OrderAck{}, errors.New("-2019 margin insufficient")).Once()

	ex := New(mv, fastConfig())
	cycle, err := ex.EnterPosition(context.Background(), longSignal(), longParams())
	require.Error(t, err)

	assert.Equal(t, StateEntryRejected, cycle.State)
	assert.Nil(t, cycle.Position)
	mv.AssertNumberOfCalls(t, "SubmitEntryOrder", 1)
	mv.AssertNotCalled(t, "SubmitExitBatch", mock.Anything, mock.Anything)
	mv.AssertNotCalled(t, "PollRecentFills", mock.Anything, mock.Anything)
}

func TestEnterPosition_TimeoutIsTerminal(t *testing.T) {
	mv := new(MockVenue)
	mv.On("GetPrice", mock.Anything).Return(50000.0, nil)
	mv.On("SubmitEntryOrder", mock.Anything, mock.Anything).
		Return(venue.OrderAck{OrderID: "1"}, nil).Once()
	mv.On("PollRecentFills", mock.Anything, mock.Anything).Return([]fills.Fill{}, nil)

	cfg := fastConfig()
	cfg.PollTimeout = 10 * time.Millisecond
	ex := New(mv, cfg)
	cycle, err := ex.EnterPosition(context.Background(), longSignal(), longParams())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEntryTimeout))
	assert.Equal(t, StateEntryTimeout, cycle.State)
	// 超时不单方面撤单，也不挂保护单。
	mv.AssertNotCalled(t, "SubmitExitBatch", mock.Anything, mock.Anything)
	mv.AssertNumberOfCalls(t, "SubmitEntryOrder", 1)
}

func TestEnterPosition_TransientPollErrorsRetriedWithinBudget(t *testing.T) {
	mv := new(MockVenue)
	mv.On("GetPrice", mock.Anything).Return(50000.0, nil)
	mv.On("SubmitEntryOrder", mock.Anything, mock.Anything).
		Return(venue.OrderAck{OrderID: "1"}, nil).Once()
	mv.On("PollRecentFills", mock.Anything, mock.Anything).
		Return(nil, errors.New("502 bad gateway")).Twice()
	mv.On("PollRecentFills", mock.Anything, mock.Anything).
		Return([]fills.Fill{{Side: fills.SideBuy, Size: 1.9, Price: 50020, Timestamp: futureTS()}}, nil)
	mv.On("SubmitExitBatch", mock.Anything, mock.Anything).
		Return(venue.BatchAck{Stop: venue.OrderAck{OrderID: "2"}, Target: venue.OrderAck{OrderID: "3"}}, nil).Once()

	ex := New(mv, fastConfig())
	cycle, err := ex.EnterPosition(context.Background(), longSignal(), longParams())
	require.NoError(t, err)

	assert.Equal(t, StateExitConfirmed, cycle.State)
	assert.GreaterOrEqual(t, cycle.Metrics.PollTicks, 3)
	mv.AssertNumberOfCalls(t, "SubmitEntryOrder", 1)
}

func TestEnterPosition_ExitBatchFailureLeavesPositionReported(t *testing.T) {
	mv := new(MockVenue)
	mv.On("GetPrice", mock.Anything).Return(50000.0, nil)
	mv.On("SubmitEntryOrder", mock.Anything, mock.Anything).
		Return(venue.OrderAck{OrderID: "1"}, nil).Once()
	mv.On("PollRecentFills", mock.Anything, mock.Anything).
		Return([]fills.Fill{{Side: fills.SideBuy, Size: 1.9, Price: 50010, Timestamp: futureTS()}}, nil)
	mv.On("SubmitExitBatch", mock.Anything, mock.Anything).
		Return(venue.BatchAck{}, errors.New("leg 0 rejected")).Once()

	ex := New(mv, fastConfig())
	cycle, err := ex.EnterPosition(context.Background(), longSignal(), longParams())

	require.Error(t, err)
	assert.Equal(t, StateExitFailed, cycle.State)
	require.NotNil(t, cycle.Position)
	assert.Contains(t, err.Error(), "unprotected")
	// 批量提交同样不自动重试。
	mv.AssertNumberOfCalls(t, "SubmitExitBatch", 1)
}

func TestEnterPosition_ShortStopSlipsUpward(t *testing.T) {
	mv := new(MockVenue)
	mv.On("GetPrice", mock.Anything).Return(50000.0, nil)
	mv.On("SubmitEntryOrder", mock.Anything, mock.Anything).
		Return(venue.OrderAck{OrderID: "1"}, nil).Once()
	mv.On("PollRecentFills", mock.Anything, mock.Anything).
		Return([]fills.Fill{{Side: fills.SideSell, Size: 1.9, Price: 49990, Timestamp: futureTS()}}, nil)

	var exitSpecs [2]venue.OrderSpec
	mv.On("SubmitExitBatch", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { exitSpecs = args.Get(1).([2]venue.OrderSpec) }).
		Return(venue.BatchAck{Stop: venue.OrderAck{OrderID: "2"}, Target: venue.OrderAck{OrderID: "3"}}, nil).Once()

	sig := longSignal()
	sig.Direction = signal.DirectionShort
	params := &risk.TradeParameters{SizeUnits: 1.9, StopLossPrice: 50100, TakeProfitPrice: 49700}

	ex := New(mv, fastConfig())
	_, err := ex.EnterPosition(context.Background(), sig, params)
	require.NoError(t, err)

	stop := exitSpecs[0]
	assert.Equal(t, fills.SideBuy, stop.Side)
	assert.InDelta(t, 50100.0, stop.StopPrice, 1e-9)
	assert.InDelta(t, 50601.0, stop.Price, 1e-9) // 空头退出向上让 1%
	assert.InDelta(t, 49700.0, exitSpecs[1].Price, 1e-9)
}

func TestEnterPosition_RejectsHoldDirection(t *testing.T) {
	ex := New(new(MockVenue), fastConfig())
	cycle, err := ex.EnterPosition(context.Background(), signal.Hold("no edge"), longParams())
	require.Error(t, err)
	assert.Equal(t, StateEntryRejected, cycle.State)
}

func TestRecover_ProtectionInPlaceIsNoop(t *testing.T) {
	mv := new(MockVenue)
	mv.On("GetOpenPositions", mock.Anything).Return([]venue.Position{
		{Symbol: "BTCUSDT", Side: fills.SideBuy, Size: 1.9, EntryPrice: 50000},
	}, nil)
	mv.On("OpenExitOrders", mock.Anything).Return([]venue.OpenOrder{
		{Side: fills.SideSell, Type: venue.OrderTypeStopLimit, ReduceOnly: true},
		{Side: fills.SideSell, Type: venue.OrderTypeTakeProfitLimit, ReduceOnly: true},
	}, nil)

	ex := New(mv, fastConfig())
	err := ex.Recover(context.Background(), func(context.Context, venue.Position) (float64, float64, bool) {
		return 49900, 50300, true
	})
	require.NoError(t, err)
	mv.AssertNotCalled(t, "SubmitExitBatch", mock.Anything, mock.Anything)
}

func TestRecover_MissingPairIsReplacedOnce(t *testing.T) {
	mv := new(MockVenue)
	mv.On("GetOpenPositions", mock.Anything).Return([]venue.Position{
		{Symbol: "BTCUSDT", Side: fills.SideBuy, Size: 1.9, EntryPrice: 50000},
	}, nil)
	mv.On("OpenExitOrders", mock.Anything).Return([]venue.OpenOrder{}, nil)

	var exitSpecs [2]venue.OrderSpec
	mv.On("SubmitExitBatch", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { exitSpecs = args.Get(1).([2]venue.OrderSpec) }).
		Return(venue.BatchAck{Stop: venue.OrderAck{OrderID: "2"}, Target: venue.OrderAck{OrderID: "3"}}, nil).Once()

	ex := New(mv, fastConfig())
	err := ex.Recover(context.Background(), func(context.Context, venue.Position) (float64, float64, bool) {
		return 49900, 50300, true
	})
	require.NoError(t, err)

	mv.AssertNumberOfCalls(t, "SubmitExitBatch", 1)
	assert.InDelta(t, 49900.0, exitSpecs[0].StopPrice, 1e-9)
	assert.InDelta(t, 50300.0, exitSpecs[1].Price, 1e-9)
	assert.InDelta(t, 1.9, exitSpecs[0].Quantity, 1e-9)
}

func TestRecover_SingleLegNeverDuplicated(t *testing.T) {
	mv := new(MockVenue)
	mv.On("GetOpenPositions", mock.Anything).Return([]venue.Position{
		{Symbol: "BTCUSDT", Side: fills.SideBuy, Size: 1.9, EntryPrice: 50000},
	}, nil)
	mv.On("OpenExitOrders", mock.Anything).Return([]venue.OpenOrder{
		{Side: fills.SideSell, Type: venue.OrderTypeStopLimit, ReduceOnly: true},
	}, nil)

	ex := New(mv, fastConfig())
	err := ex.Recover(context.Background(), func(context.Context, venue.Position) (float64, float64, bool) {
		return 49900, 50300, true
	})
	require.NoError(t, err)
	mv.AssertNotCalled(t, "SubmitExitBatch", mock.Anything, mock.Anything)
}

func TestRecover_NoPositions(t *testing.T) {
	mv := new(MockVenue)
	mv.On("GetOpenPositions", mock.Anything).Return([]venue.Position{}, nil)

	ex := New(mv, fastConfig())
	require.NoError(t, ex.Recover(context.Background(), nil))
	mv.AssertNotCalled(t, "OpenExitOrders", mock.Anything)
}

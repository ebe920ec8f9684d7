package backtest

import (
	"context"
	"fmt"
	"time"

	"sigtra/internal/fills"
	"sigtra/internal/logger"
	"sigtra/internal/market"
	"sigtra/internal/risk"
	"sigtra/internal/signal"
)

// EngineConfig 单次推演的全部参数。
type EngineConfig struct {
	Symbol    string
	Timeframe string

	// Warmup 根K线只用来铺窗口，不做任何决策；
	// K线总数必须严格大于 Warmup，否则拒绝起跑。
	Warmup     int
	WindowSize int

	// HistoryTrades 喂给信号源的最近平仓交易条数。
	HistoryTrades int

	ConfidenceThreshold float64
	PromptHint          string

	// MaxSignalCalls 限制整个运行期间的信号调用次数，0 表示不限。
	// 预算耗尽只停新开仓，存量持仓继续按K线管理。
	MaxSignalCalls  int
	MinCallInterval time.Duration

	InitialBalance float64
	Leverage       float64
	Risk           risk.Params

	// Progress 可选的进度回调（done/total 为已处理与总决策K线数）。
	Progress func(done, total int)
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.Warmup <= 0 {
		c.Warmup = 50
	}
	if c.WindowSize <= 0 {
		c.WindowSize = c.Warmup + 10
	}
	if c.HistoryTrades <= 0 {
		c.HistoryTrades = 5
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 60
	}
	if c.InitialBalance <= 0 {
		c.InitialBalance = 10000
	}
	if c.Leverage <= 0 {
		c.Leverage = 1
	}
	return c
}

// OpenPosition 运行结束时仍未平仓的持仓。不做期末强平，
// 浮动盈亏不计入统计，原样报告给调用方。
type OpenPosition struct {
	Direction  signal.Direction `json:"direction"`
	Size       float64          `json:"size"`
	EntryPrice float64          `json:"entry_price"`
	EntryTime  int64            `json:"entry_time"`
	StopLoss   float64          `json:"stop_loss"`
	TakeProfit float64          `json:"take_profit"`
}

// RunResult 一次推演的完整产出。
type RunResult struct {
	Trades       []fills.ClosedTrade
	Stats        RunStats
	Equity       []EquityPoint
	OpenPosition *OpenPosition
	SignalCalls  int
	FinalBalance float64
}

// Engine 把历史K线逐根回放成模拟交易：持仓期间先对照当根
// 高低点结算止损止盈，空仓且预算未尽时问一次信号源，按风控
// 出的参数在收盘价开仓。全程单线程顺序推进。
type Engine struct {
	cfg    EngineConfig
	source signal.Source
	sizer  *risk.Sizer
}

func NewEngine(cfg EngineConfig, source signal.Source) (*Engine, error) {
	if source == nil {
		return nil, fmt.Errorf("signal source 不能为空")
	}
	cfg = cfg.withDefaults()
	return &Engine{cfg: cfg, source: source, sizer: risk.NewSizer(cfg.Risk)}, nil
}

type simPosition struct {
	direction  signal.Direction
	size       float64
	entryPrice float64
	entryTime  int64
	stopLoss   float64
	takeProfit float64
}

// exitTouch 判断当根K线是否触发离场。同一根K线同时扫到止损
// 和止盈时按止损算，宁可低估也不虚报。
func (p *simPosition) exitTouch(c market.Candle) (bool, float64) {
	if p.direction == signal.DirectionLong {
		if c.Low <= p.stopLoss {
			return true, p.stopLoss
		}
		if c.High >= p.takeProfit {
			return true, p.takeProfit
		}
		return false, 0
	}
	if c.High >= p.stopLoss {
		return true, p.stopLoss
	}
	if c.Low <= p.takeProfit {
		return true, p.takeProfit
	}
	return false, 0
}

func (p *simPosition) close(exitPrice float64, exitTime int64) fills.ClosedTrade {
	side := fills.SideBuy
	pnl := (exitPrice - p.entryPrice) * p.size
	if p.direction == signal.DirectionShort {
		side = fills.SideSell
		pnl = (p.entryPrice - exitPrice) * p.size
	}
	return fills.ClosedTrade{
		Side:       side,
		EntryPrice: p.entryPrice,
		EntryTime:  p.entryTime,
		ExitPrice:  exitPrice,
		ExitTime:   exitTime,
		Size:       p.size,
		Pnl:        pnl,
	}
}

// replayState 回放过程的资金与持仓。
type replayState struct {
	balance        float64
	pos            *simPosition
	trades         []fills.ClosedTrade
	calls          int
	budgetNotified bool
}

// Run 回放整段K线。前 Warmup 根只铺窗口；K线耗尽即结束，
// 未平仓持仓不强平。ctx 取消时当根K线处理完后停止，已有
// 结果照常返回，错误为 ctx.Err()。
func (e *Engine) Run(ctx context.Context, runID string, candles []market.Candle) (*RunResult, error) {
	if len(candles) <= e.cfg.Warmup {
		return nil, fmt.Errorf("K线数量 %d 不足以完成 %d 根预热", len(candles), e.cfg.Warmup)
	}

	state := &replayState{balance: e.cfg.InitialBalance}
	total := len(candles) - e.cfg.Warmup

	var runErr error
	for i := e.cfg.Warmup; i < len(candles); i++ {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		e.step(ctx, runID, candles, i, state)
		if e.cfg.Progress != nil {
			e.cfg.Progress(i+1-e.cfg.Warmup, total)
		}
	}

	startTS := candles[e.cfg.Warmup].OpenTime
	stats, points := ComputeStats(runID, state.trades, e.cfg.InitialBalance, startTS)
	stats.SignalCalls = state.calls
	res := &RunResult{
		Trades:       state.trades,
		Stats:        stats,
		Equity:       points,
		SignalCalls:  state.calls,
		FinalBalance: state.balance,
	}
	if p := state.pos; p != nil {
		res.OpenPosition = &OpenPosition{
			Direction:  p.direction,
			Size:       p.size,
			EntryPrice: p.entryPrice,
			EntryTime:  p.entryTime,
			StopLoss:   p.stopLoss,
			TakeProfit: p.takeProfit,
		}
		logger.Infof("[sim %s] 结束时仍有 %s 持仓 %.6f @ %.4f，不做强平", runID, p.direction, p.size, p.entryPrice)
	}
	return res, runErr
}

// step 处理一根决策K线：先结算离场，再视预算尝试开仓。
// 决策失败只记日志，回放继续。
func (e *Engine) step(ctx context.Context, runID string, candles []market.Candle, i int, state *replayState) {
	c := candles[i]

	if state.pos != nil {
		if hit, price := state.pos.exitTouch(c); hit {
			tr := state.pos.close(price, c.CloseTime)
			state.trades = append(state.trades, tr)
			state.balance += tr.Pnl
			logger.Infof("[sim %s] 平仓 %s @%.4f pnl=%.4f balance=%.4f", runID, state.pos.direction, price, tr.Pnl, state.balance)
			state.pos = nil
		}
	}

	if state.pos != nil {
		return
	}
	if e.cfg.MaxSignalCalls > 0 && state.calls >= e.cfg.MaxSignalCalls {
		if !state.budgetNotified {
			logger.Infof("[sim %s] 信号调用预算用尽（%d 次），后续只管理存量持仓", runID, e.cfg.MaxSignalCalls)
			state.budgetNotified = true
		}
		return
	}
	opened, err := e.tryOpen(ctx, runID, candles, i, state)
	if err != nil {
		logger.Warnf("[sim %s] 第 %d 根决策失败: %v", runID, i, err)
		return
	}
	state.pos = opened
}

// tryOpen 问一次信号源并尝试开仓。节流按墙钟计：从调用前
// 记时，调用结束后睡掉 MinCallInterval 的剩余部分。
func (e *Engine) tryOpen(ctx context.Context, runID string, candles []market.Candle, i int, state *replayState) (*simPosition, error) {
	c := candles[i]
	req := signal.Request{
		Symbol:       e.cfg.Symbol,
		Timeframe:    e.cfg.Timeframe,
		Candles:      market.Window(candles, i, e.cfg.WindowSize),
		RecentTrades: lastTrades(state.trades, e.cfg.HistoryTrades),
		Hint:         e.cfg.PromptHint,
	}

	callStart := time.Now()
	res, err := e.source.Propose(ctx, req)
	state.calls++
	e.throttle(ctx, callStart)
	if err != nil {
		return nil, err
	}

	sig := res.Signal
	if sig.IsHold() {
		return nil, nil
	}
	if float64(sig.Confidence) < e.cfg.ConfidenceThreshold {
		logger.Debugf("[sim %s] 信号置信度 %d 低于门槛 %.0f，跳过", runID, sig.Confidence, e.cfg.ConfidenceThreshold)
		return nil, nil
	}

	params, err := e.sizer.Size(risk.AccountState{
		Balance:   state.balance,
		LastPrice: c.Close,
		Leverage:  e.cfg.Leverage,
	}, sig)
	if err != nil {
		if risk.IsReject(err) {
			logger.Debugf("[sim %s] 风控拒绝: %v", runID, err)
			return nil, nil
		}
		return nil, err
	}

	logger.Infof("[sim %s] 开仓 %s %.6f @ %.4f sl=%.4f tp=%.4f", runID, sig.Direction, params.SizeUnits, c.Close, params.StopLossPrice, params.TakeProfitPrice)
	return &simPosition{
		direction:  sig.Direction,
		size:       params.SizeUnits,
		entryPrice: c.Close,
		entryTime:  c.CloseTime,
		stopLoss:   params.StopLossPrice,
		takeProfit: params.TakeProfitPrice,
	}, nil
}

func (e *Engine) throttle(ctx context.Context, callStart time.Time) {
	if e.cfg.MinCallInterval <= 0 {
		return
	}
	remain := e.cfg.MinCallInterval - time.Since(callStart)
	if remain > 0 {
		_ = sleepWithContext(ctx, remain)
	}
}

func lastTrades(trades []fills.ClosedTrade, n int) []fills.ClosedTrade {
	if n <= 0 || len(trades) == 0 {
		return nil
	}
	if len(trades) <= n {
		return trades
	}
	return trades[len(trades)-n:]
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sigtra/internal/executor"
	"sigtra/internal/fills"
	"sigtra/internal/gateway/notifier"
	"sigtra/internal/gateway/venue"
	"sigtra/internal/logger"
	"sigtra/internal/market"
	"sigtra/internal/pkg/circuit"
	"sigtra/internal/profile"
	"sigtra/internal/risk"
	"sigtra/internal/scheduler"
	"sigtra/internal/signal"
	"sigtra/internal/store"
)

// 中文说明：
// 实盘服务：按K线收盘节奏驱动 感知 -> 决策 -> 风控 -> 执行 的单品种循环。
// 启动先做一次幂等恢复，之后每轮先收割成交推进水位线，再决定是否请求新信号。
// 单仓铁律：交易所侧有持仓时本轮只做保护单自愈，绝不叠加新仓。

// 周期审计里 agent 层的终态。执行器接管后记状态机自己的终态。
const (
	CycleHold           = "HOLD"
	CycleBelowThreshold = "BELOW_THRESHOLD"
	CycleRiskRejected   = "RISK_REJECTED"
	CycleSignalFailed   = "SIGNAL_FAILED"
	CycleSkipOpen       = "SKIP_OPEN_POSITION"
	CycleError          = "ERROR"
)

// Ledger 是实盘循环需要的账本能力子集。
type Ledger interface {
	SaveCycle(ctx context.Context, rec store.CycleRecord) error
	AppendTrades(ctx context.Context, scope string, trades []fills.ClosedTrade) error
	ListTrades(ctx context.Context, scope string, limit int) ([]fills.ClosedTrade, error)
	ListCycles(ctx context.Context, symbol string, limit int) ([]store.CycleRecord, error)
	LastExitTime(ctx context.Context, scope string) (int64, error)
}

// ServiceParams 聚合实盘服务的全部依赖与参数。
type ServiceParams struct {
	Venue    venue.Venue
	Candles  market.Source
	Signals  signal.Source
	Sizer    *risk.Sizer
	Ledger   Ledger
	Profiles *profile.Registry     // 可选，nil 时阈值与提示词走内置值
	Notifier notifier.TextNotifier // 可选，开仓与执行异常推送

	Symbol              string
	Timeframe           market.Timeframe
	WindowSize          int
	Leverage            int
	ConfidenceThreshold int
	DecisionOffset      time.Duration
	RunImmediately      bool
	Executor            executor.Config
}

// Status 实盘服务运行快照，给状态接口用。
type Status struct {
	Symbol        string           `json:"symbol"`
	Timeframe     string           `json:"timeframe"`
	Running       bool             `json:"running"`
	StartedAt     int64            `json:"started_at"`
	CyclesTotal   int64            `json:"cycles_total"`
	LastCycleID   string           `json:"last_cycle_id,omitempty"`
	LastState     string           `json:"last_state,omitempty"`
	LastDirection string           `json:"last_direction,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
	LastCycleAt   int64            `json:"last_cycle_at,omitempty"`
	Breaker       circuit.Snapshot `json:"breaker"`
}

// Service 单品种实盘循环。
type Service struct {
	venue    venue.Venue
	candles  market.Source
	signals  signal.Source
	sizer    *risk.Sizer
	ledger   Ledger
	profiles *profile.Registry
	notify   notifier.TextNotifier
	exec     *executor.Executor
	breaker  *circuit.Breaker

	symbol         string
	tf             market.Timeframe
	window         int
	leverage       int
	threshold      int
	offset         time.Duration
	runImmediately bool
	scope          string
	startedAt      int64

	mu     sync.RWMutex
	status Status
}

// NewService 校验依赖并构造实盘服务。
func NewService(p ServiceParams) (*Service, error) {
	if p.Venue == nil {
		return nil, fmt.Errorf("agent: venue 未配置")
	}
	if p.Candles == nil {
		return nil, fmt.Errorf("agent: 行情源未配置")
	}
	if p.Signals == nil {
		return nil, fmt.Errorf("agent: 信号源未配置")
	}
	if p.Sizer == nil {
		return nil, fmt.Errorf("agent: 风控未配置")
	}
	if p.Ledger == nil {
		return nil, fmt.Errorf("agent: 账本未配置")
	}
	symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("agent: symbol 不能为空")
	}
	if p.Timeframe.Duration <= 0 {
		return nil, fmt.Errorf("agent: timeframe 无效")
	}
	if p.WindowSize <= 0 {
		p.WindowSize = 120
	}
	if p.ConfidenceThreshold <= 0 {
		p.ConfidenceThreshold = 60
	}
	if p.Leverage <= 0 {
		p.Leverage = 1
	}
	if p.DecisionOffset <= 0 {
		p.DecisionOffset = 10 * time.Second
	}

	now := time.Now().UnixMilli()
	return &Service{
		venue:          p.Venue,
		candles:        p.Candles,
		signals:        p.Signals,
		sizer:          p.Sizer,
		ledger:         p.Ledger,
		profiles:       p.Profiles,
		notify:         p.Notifier,
		exec:           executor.New(p.Venue, p.Executor),
		breaker:        circuit.NewBreaker("agent."+symbol, 5, 2*time.Minute),
		symbol:         symbol,
		tf:             p.Timeframe,
		window:         p.WindowSize,
		leverage:       p.Leverage,
		threshold:      p.ConfidenceThreshold,
		offset:         p.DecisionOffset,
		runImmediately: p.RunImmediately,
		scope:          store.LiveScope(symbol),
		startedAt:      now,
		status: Status{
			Symbol:    symbol,
			Timeframe: p.Timeframe.Key,
			StartedAt: now,
		},
	}, nil
}

// Run 阻塞运行：启动恢复一次，之后对齐K线收盘节奏循环决策，直到 ctx 取消。
func (s *Service) Run(ctx context.Context) error {
	logger.Infof("实盘服务启动 symbol=%s timeframe=%s window=%d threshold=%d leverage=%d offset=%s",
		s.symbol, s.tf.Key, s.window, s.threshold, s.leverage, s.offset)

	if err := s.exec.Recover(ctx, s.planFromLedger); err != nil {
		return fmt.Errorf("启动恢复失败: %w", err)
	}

	s.setRunning(true)
	defer s.setRunning(false)

	sched := scheduler.NewAlignedScheduler(ctx, s.tf.Duration, s.offset)
	sched.RunImmediately = s.runImmediately
	sched.Start(func() {
		if !s.breaker.Allow() {
			logger.Warnf("熔断器打开，跳过本轮决策 symbol=%s", s.symbol)
			return
		}
		if err := s.RunCycle(ctx); err != nil {
			s.breaker.RecordFailure()
			return
		}
		s.breaker.RecordSuccess()
	})
	return ctx.Err()
}

// Status 返回运行快照。
func (s *Service) Status() Status {
	s.mu.RLock()
	st := s.status
	s.mu.RUnlock()
	st.Breaker = s.breaker.Snapshot()
	return st
}

// RunCycle 执行一轮完整决策。返回错误表示基础设施故障（行情、账户、落库），
// 模型观望、置信度不足、风控拒单都属于正常结束。
func (s *Service) RunCycle(ctx context.Context) error {
	started := time.Now()
	logger.Infof("决策周期开始 symbol=%s timeframe=%s", s.symbol, s.tf.Key)

	out, err := s.runCycle(ctx)
	s.noteCycle(out, err)

	elapsed := time.Since(started).Truncate(time.Millisecond)
	if err != nil {
		logger.Errorf("决策周期失败 symbol=%s state=%s 耗时=%s: %v", s.symbol, out.state, elapsed, err)
		return err
	}
	logger.Infof("决策周期结束 symbol=%s state=%s 耗时=%s", s.symbol, out.state, elapsed)
	return nil
}

type cycleOutcome struct {
	state     string
	direction string
	cycleID   string
}

func (s *Service) runCycle(ctx context.Context) (cycleOutcome, error) {
	cycleStart := time.Now()

	// 1. 收割上一周期以来的成交，推进水位线。
	if err := s.harvestTrades(ctx); err != nil {
		return cycleOutcome{}, err
	}

	// 2. 单仓铁律：持仓未平时只做保护单自愈，不请求新信号。
	positions, err := s.venue.GetOpenPositions(ctx)
	if err != nil {
		return cycleOutcome{}, fmt.Errorf("查询持仓失败: %w", err)
	}
	if len(positions) > 0 {
		logger.Infof("持仓未平 symbol=%s size=%.8f entry=%.4f，本轮跳过决策",
			positions[0].Symbol, positions[0].Size, positions[0].EntryPrice)
		if rerr := s.exec.Recover(ctx, s.planFromLedger); rerr != nil {
			return cycleOutcome{state: CycleSkipOpen}, fmt.Errorf("保护单自愈失败: %w", rerr)
		}
		return cycleOutcome{state: CycleSkipOpen}, nil
	}

	// 3. 感知：账户、最新价、K线窗口、近期交易。
	balance, err := s.venue.GetBalance(ctx)
	if err != nil {
		return cycleOutcome{}, fmt.Errorf("查询余额失败: %w", err)
	}
	price, err := s.venue.GetPrice(ctx)
	if err != nil {
		return cycleOutcome{}, fmt.Errorf("查询最新价失败: %w", err)
	}
	candles, err := s.candles.FetchHistory(ctx, s.symbol, s.tf.Key, s.window)
	if err != nil {
		return cycleOutcome{}, fmt.Errorf("拉取K线失败: %w", err)
	}
	candles = scheduler.DropUnclosedKline(candles, s.tf.Duration)
	if len(candles) == 0 {
		return cycleOutcome{}, fmt.Errorf("行情窗口为空 symbol=%s timeframe=%s", s.symbol, s.tf.Key)
	}
	recent, err := s.ledger.ListTrades(ctx, s.scope, 0)
	if err != nil {
		// 历史交易只是提示词素材，读不到就降级。
		logger.Warnf("读取近期交易失败: %v", err)
		recent = nil
	}

	// 4. 决策。
	res, perr := s.signals.Propose(ctx, signal.Request{
		Symbol:       s.symbol,
		Timeframe:    s.tf.Key,
		Candles:      candles,
		RecentTrades: recent,
		Hint:         s.profiles.Hint(),
	})
	if perr != nil {
		rec := s.newCycleRecord(res, cycleStart)
		rec.State = CycleSignalFailed
		rec.LastError = perr.Error()
		s.persistCycle(ctx, rec)
		return cycleOutcome{state: CycleSignalFailed, cycleID: rec.ID}, fmt.Errorf("信号源调用失败: %w", perr)
	}
	sig := res.Signal

	if sig.IsHold() {
		logger.Infof("模型观望 symbol=%s reason=%s", s.symbol, sig.Reason)
		rec := s.newCycleRecord(res, cycleStart)
		rec.State = CycleHold
		s.persistCycle(ctx, rec)
		return cycleOutcome{state: CycleHold, direction: string(sig.Direction), cycleID: rec.ID}, nil
	}
	threshold := s.profiles.Threshold(s.threshold)
	if sig.Confidence < threshold {
		logger.Infof("置信度不足 symbol=%s direction=%s confidence=%d threshold=%d",
			s.symbol, sig.Direction, sig.Confidence, threshold)
		rec := s.newCycleRecord(res, cycleStart)
		rec.State = CycleBelowThreshold
		s.persistCycle(ctx, rec)
		return cycleOutcome{state: CycleBelowThreshold, direction: string(sig.Direction), cycleID: rec.ID}, nil
	}

	// 5. 风控换算。
	acct := risk.AccountState{Balance: balance, LastPrice: price, Leverage: float64(s.leverage)}
	params, serr := s.sizer.Size(acct, sig)
	if serr != nil {
		rec := s.newCycleRecord(res, cycleStart)
		rec.State = CycleRiskRejected
		rec.LastError = serr.Error()
		s.persistCycle(ctx, rec)
		if risk.IsReject(serr) {
			logger.Warnf("风控拒绝 symbol=%s direction=%s: %v", s.symbol, sig.Direction, serr)
			return cycleOutcome{state: CycleRiskRejected, direction: string(sig.Direction), cycleID: rec.ID}, nil
		}
		return cycleOutcome{state: CycleRiskRejected, direction: string(sig.Direction), cycleID: rec.ID}, serr
	}
	logger.Infof("风控通过 symbol=%s direction=%s size=%.8f stop=%.4f target=%.4f",
		s.symbol, sig.Direction, params.SizeUnits, params.StopLossPrice, params.TakeProfitPrice)

	// 6. 执行。无论成败都落一条审计记录。
	cycle, execErr := s.exec.EnterPosition(ctx, sig, params)
	rec := s.newCycleRecord(res, cycleStart)
	rec.ID = cycle.ID
	rec.State = string(cycle.State)
	rec.Size = params.SizeUnits
	rec.StopLoss = params.StopLossPrice
	rec.TakeProfit = params.TakeProfitPrice
	rec.Metrics = cycle.Metrics
	rec.LastError = cycle.LastError
	rec.StartedAt = cycle.StartedAt
	rec.FinishedAt = cycle.FinishedAt
	if cycle.Position != nil {
		rec.EntryPrice = cycle.Position.AvgEntryPrice
		rec.Size = cycle.Position.Quantity
	}
	s.persistCycle(ctx, rec)
	if execErr != nil {
		s.notifyFailure(rec, execErr)
		return cycleOutcome{state: rec.State, direction: rec.Direction, cycleID: rec.ID},
			fmt.Errorf("进场执行失败: %w", execErr)
	}
	s.notifyEntry(rec)
	return cycleOutcome{state: rec.State, direction: rec.Direction, cycleID: rec.ID}, nil
}

// harvestTrades 拉取水位线之后的成交做 FIFO 配对并落库。
// 首次运行以服务启动时刻为界，不回灌启动前的历史成交。
func (s *Service) harvestTrades(ctx context.Context) error {
	watermark, err := s.ledger.LastExitTime(ctx, s.scope)
	if err != nil {
		return fmt.Errorf("读取成交水位线失败: %w", err)
	}
	since := watermark + 1
	if watermark <= 0 {
		since = s.startedAt
	}
	raw, err := s.venue.PollRecentFills(ctx, since)
	if err != nil {
		return fmt.Errorf("拉取成交失败: %w", err)
	}
	result := fills.Match(raw, since)
	if len(result.Trades) == 0 {
		return nil
	}
	if err := s.ledger.AppendTrades(ctx, s.scope, result.Trades); err != nil {
		return fmt.Errorf("成交落库失败: %w", err)
	}
	logger.Infof("成交收割 symbol=%s 新平仓=%d 合计盈亏=%.4f", s.symbol, len(result.Trades), result.TotalPnl())
	return nil
}

// planFromLedger 从最近的审计记录找回进场时的保护价，供恢复流程补挂。
func (s *Service) planFromLedger(ctx context.Context, pos venue.Position) (float64, float64, bool) {
	cycles, err := s.ledger.ListCycles(ctx, pos.Symbol, 20)
	if err != nil {
		logger.Errorf("恢复查询审计失败 symbol=%s: %v", pos.Symbol, err)
		return 0, 0, false
	}
	for _, c := range cycles {
		if c.StopLoss > 0 && c.TakeProfit > 0 {
			return c.StopLoss, c.TakeProfit, true
		}
	}
	return 0, 0, false
}

func (s *Service) newCycleRecord(res signal.Result, startedAt time.Time) store.CycleRecord {
	raw := res.RawJSON
	if raw == "" {
		raw = res.RawOutput
	}
	return store.CycleRecord{
		ID:          uuid.NewString(),
		Symbol:      s.symbol,
		Timeframe:   s.tf.Key,
		Direction:   string(res.Signal.Direction),
		Confidence:  float64(res.Signal.Confidence),
		DecisionRaw: raw,
		StartedAt:   startedAt.UnixMilli(),
		FinishedAt:  time.Now().UnixMilli(),
	}
}

// persistCycle 落审计记录。落库失败只记日志，不反转已经发生的执行结果。
func (s *Service) persistCycle(ctx context.Context, rec store.CycleRecord) {
	if err := s.ledger.SaveCycle(ctx, rec); err != nil {
		logger.Errorf("周期审计落库失败 cycle=%s state=%s: %v", rec.ID, rec.State, err)
	}
}

func (s *Service) notifyEntry(rec store.CycleRecord) {
	if s.notify == nil {
		return
	}
	icon := "📈"
	if rec.Direction == string(signal.DirectionShort) {
		icon = "📉"
	}
	card := notifier.Card{
		Icon:  icon,
		Title: fmt.Sprintf("%s 开仓 %s", s.symbol, rec.Direction),
		Lines: []string{
			fmt.Sprintf("均价 %.4f / 数量 %.6f", rec.EntryPrice, rec.Size),
			fmt.Sprintf("止损 %.4f / 止盈 %.4f", rec.StopLoss, rec.TakeProfit),
			fmt.Sprintf("置信度 %.0f", rec.Confidence),
		},
		At: time.Now().UTC(),
	}
	if err := s.notify.SendText(card.Render()); err != nil {
		logger.Warnf("Telegram push failed: %v", err)
	}
}

func (s *Service) notifyFailure(rec store.CycleRecord, execErr error) {
	if s.notify == nil || execErr == nil {
		return
	}
	card := notifier.Card{
		Icon:  "⚠️",
		Title: fmt.Sprintf("%s 进场执行失败", s.symbol),
		Lines: []string{
			fmt.Sprintf("状态 %s", rec.State),
			execErr.Error(),
		},
		At: time.Now().UTC(),
	}
	if err := s.notify.SendText(card.Render()); err != nil {
		logger.Warnf("Telegram push failed: %v", err)
	}
}

func (s *Service) noteCycle(out cycleOutcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.CyclesTotal++
	state := out.state
	if state == "" && err != nil {
		state = CycleError
	}
	s.status.LastState = state
	s.status.LastDirection = out.direction
	s.status.LastCycleID = out.cycleID
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.status.LastCycleAt = time.Now().UnixMilli()
}

func (s *Service) setRunning(v bool) {
	s.mu.Lock()
	s.status.Running = v
	s.mu.Unlock()
}

package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sigtra/internal/fills"
	"sigtra/internal/gateway/venue"
	"sigtra/internal/logger"
	"sigtra/internal/pkg/rounding"
	"sigtra/internal/risk"
	"sigtra/internal/signal"
)

// 中文说明：
// 实盘下单状态机。一次进场周期：
//   IDLE -> ENTRY_SUBMITTED -> {ENTRY_FILLED | ENTRY_REJECTED | ENTRY_TIMEOUT}
//        -> EXIT_SUBMITTED -> {EXIT_CONFIRMED | EXIT_FAILED}
// 铁律：委托提交永不自动重试（重复下单风险），瞬态错误只在轮询预算内重试。

// State 周期状态。
type State string

const (
	StateIdle           State = "IDLE"
	StateEntrySubmitted State = "ENTRY_SUBMITTED"
	StateEntryFilled    State = "ENTRY_FILLED"
	StateEntryRejected  State = "ENTRY_REJECTED"
	StateEntryTimeout   State = "ENTRY_TIMEOUT"
	StateExitSubmitted  State = "EXIT_SUBMITTED"
	StateExitConfirmed  State = "EXIT_CONFIRMED"
	StateExitFailed     State = "EXIT_FAILED"
)

// ErrEntryTimeout 进场确认超时。不单方面撤单，善后由调用方决定。
var ErrEntryTimeout = errors.New("entry fill confirmation timed out")

const fillEpsilon = 1e-9

// Config 执行器参数。
type Config struct {
	// EntryOrderType "limit"（默认，激进限价）或 "market"。
	EntryOrderType string
	// EntrySlipPct 激进限价穿价比例，默认 0.1%。
	EntrySlipPct float64
	// StopSlipPct 止损限价穿过触发价的比例，默认 1%。
	StopSlipPct    float64
	PollInterval   time.Duration // 默认 5s
	PollTimeout    time.Duration // 默认 60s
	PricePrecision int
}

func (c Config) withDefaults() Config {
	c.EntryOrderType = strings.ToLower(strings.TrimSpace(c.EntryOrderType))
	if c.EntryOrderType != "market" {
		c.EntryOrderType = "limit"
	}
	if c.EntrySlipPct <= 0 {
		c.EntrySlipPct = 0.001
	}
	if c.StopSlipPct <= 0 {
		c.StopSlipPct = 0.01
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 60 * time.Second
	}
	if c.PricePrecision < 0 {
		c.PricePrecision = 0
	}
	return c
}

// Position 确认成交后的持仓与保护价。
type Position struct {
	Side            fills.Side `json:"side"`
	Quantity        float64    `json:"quantity"`
	AvgEntryPrice   float64    `json:"avg_entry_price"`
	StopLossPrice   float64    `json:"stop_loss_price"`
	TakeProfitPrice float64    `json:"take_profit_price"`
	OpenedAt        int64      `json:"opened_at"`
}

// CycleMetrics 单周期内的显式计数，不用包级累计。
type CycleMetrics struct {
	SignalsSeen     int `json:"signals_seen"`
	OrdersSubmitted int `json:"orders_submitted"`
	FillsObserved   int `json:"fills_observed"`
	PollTicks       int `json:"poll_ticks"`
}

// Cycle 一次进场周期的完整记录。
type Cycle struct {
	ID         string         `json:"id"`
	State      State          `json:"state"`
	Direction  string         `json:"direction"`
	Position   *Position      `json:"position,omitempty"`
	EntryAck   venue.OrderAck `json:"entry_ack"`
	ExitAck    venue.BatchAck `json:"exit_ack"`
	StartedAt  int64          `json:"started_at"`
	FinishedAt int64          `json:"finished_at"`
	Metrics    CycleMetrics   `json:"metrics"`
	LastError  string         `json:"last_error,omitempty"`
}

func (c *Cycle) finish(s State, err error) {
	c.State = s
	c.FinishedAt = time.Now().UnixMilli()
	if err != nil {
		c.LastError = err.Error()
	}
}

// Executor 绑定单一品种的实盘执行器。
type Executor struct {
	v   venue.Venue
	cfg Config
}

func New(v venue.Venue, cfg Config) *Executor {
	return &Executor{v: v, cfg: cfg.withDefaults()}
}

// EnterPosition 执行一次完整进场：下单、确认成交、挂保护单。
// 返回的 Cycle 无论成败都承载终态与计数；错误描述失败环节。
func (e *Executor) EnterPosition(ctx context.Context, sig signal.Signal, params *risk.TradeParameters) (*Cycle, error) {
	cycle := &Cycle{
		ID:        uuid.NewString(),
		State:     StateIdle,
		Direction: string(sig.Direction),
		StartedAt: time.Now().UnixMilli(),
	}
	cycle.Metrics.SignalsSeen = 1

	if params == nil || params.SizeUnits <= 0 {
		err := fmt.Errorf("invalid trade parameters")
		cycle.finish(StateEntryRejected, err)
		return cycle, err
	}
	var side fills.Side
	switch sig.Direction {
	case signal.DirectionLong:
		side = fills.SideBuy
	case signal.DirectionShort:
		side = fills.SideSell
	default:
		err := fmt.Errorf("direction %q is not tradable", sig.Direction)
		cycle.finish(StateEntryRejected, err)
		return cycle, err
	}

	spec, err := e.buildEntrySpec(ctx, side, params.SizeUnits)
	if err != nil {
		cycle.finish(StateEntryRejected, err)
		return cycle, err
	}

	submittedAt := time.Now().UnixMilli()
	ack, err := e.v.SubmitEntryOrder(ctx, spec)
	cycle.Metrics.OrdersSubmitted++
	if err != nil {
		// 提交失败直接终态，不重发不挂保护单。
		cycle.finish(StateEntryRejected, err)
		return cycle, fmt.Errorf("entry submission rejected: %w", err)
	}
	cycle.EntryAck = ack
	cycle.State = StateEntrySubmitted
	logger.Infof("进场已提交 cycle=%s side=%s qty=%.8f type=%s", cycle.ID, side, spec.Quantity, spec.Type)

	filledQty, avgPrice, err := e.awaitFill(ctx, cycle, side, spec.Quantity, submittedAt)
	if err != nil {
		if errors.Is(err, ErrEntryTimeout) {
			cycle.finish(StateEntryTimeout, err)
			return cycle, err
		}
		cycle.finish(StateEntryRejected, err)
		return cycle, err
	}

	cycle.State = StateEntryFilled
	pos := &Position{
		Side:            side,
		Quantity:        filledQty,
		AvgEntryPrice:   avgPrice,
		StopLossPrice:   params.StopLossPrice,
		TakeProfitPrice: params.TakeProfitPrice,
		OpenedAt:        time.Now().UnixMilli(),
	}
	cycle.Position = pos
	logger.Infof("进场成交 cycle=%s qty=%.8f avg=%.4f", cycle.ID, filledQty, avgPrice)

	cycle.State = StateExitSubmitted
	batch, err := e.PlaceExitOrders(ctx, pos)
	cycle.Metrics.OrdersSubmitted += 2
	if err != nil {
		// 持仓已在、保护单缺位：交给恢复流程，不在这里重试。
		cycle.finish(StateExitFailed, err)
		return cycle, fmt.Errorf("exit batch failed, position unprotected: %w", err)
	}
	cycle.ExitAck = batch
	cycle.finish(StateExitConfirmed, nil)
	logger.Infof("保护单已确认 cycle=%s stop=%s target=%s", cycle.ID, batch.Stop.OrderID, batch.Target.OrderID)
	return cycle, nil
}

// buildEntrySpec 构造进场委托：激进限价按方向穿价，或市价单。
func (e *Executor) buildEntrySpec(ctx context.Context, side fills.Side, qty float64) (venue.OrderSpec, error) {
	spec := venue.OrderSpec{
		ClientOrderID: "sig-" + uuid.NewString(),
		Side:          side,
		Quantity:      qty,
	}
	if e.cfg.EntryOrderType == "market" {
		spec.Type = venue.OrderTypeMarket
		return spec, nil
	}
	last, err := e.v.GetPrice(ctx)
	if err != nil {
		return venue.OrderSpec{}, fmt.Errorf("fetch last price failed: %w", err)
	}
	if last <= 0 {
		return venue.OrderSpec{}, fmt.Errorf("last price invalid: %v", last)
	}
	spec.Type = venue.OrderTypeLimit
	// 买向上穿、卖向下穿，保证吃到对手价。
	spec.Price = rounding.Offset(last, e.cfg.EntrySlipPct, side == fills.SideBuy, e.cfg.PricePrecision)
	return spec, nil
}

// awaitFill 在轮询预算内等待成交量达到提交量。
// 瞬态查询错误记日志后等下一拍，预算耗尽返回 ErrEntryTimeout。
func (e *Executor) awaitFill(ctx context.Context, cycle *Cycle, side fills.Side, want float64, since int64) (float64, float64, error) {
	deadline := time.Now().Add(e.cfg.PollTimeout)
	var filled, notional float64
	for {
		if !sleepWithContext(ctx, e.cfg.PollInterval) {
			return filled, avgOf(notional, filled), ctx.Err()
		}
		cycle.Metrics.PollTicks++

		recent, err := e.v.PollRecentFills(ctx, since)
		if err != nil {
			logger.Warnf("查询成交失败，下一拍重试: %v", err)
		} else {
			filled, notional = 0, 0
			count := 0
			for _, f := range recent {
				if f.Side != side || f.Timestamp < since {
					continue
				}
				filled += f.Size
				notional += f.Size * f.Price
				count++
			}
			cycle.Metrics.FillsObserved = count
			if filled+fillEpsilon >= want {
				return filled, avgOf(notional, filled), nil
			}
		}

		if time.Now().After(deadline) {
			logger.Warnf("进场确认超时 cycle=%s filled=%.8f want=%.8f", cycle.ID, filled, want)
			return filled, avgOf(notional, filled), ErrEntryTimeout
		}
	}
}

// PlaceExitOrders 一次批量挂出 [止损, 止盈]，都是只减仓单。
func (e *Executor) PlaceExitOrders(ctx context.Context, pos *Position) (venue.BatchAck, error) {
	if pos == nil || pos.Quantity <= 0 {
		return venue.BatchAck{}, fmt.Errorf("position is empty")
	}
	exitSide := pos.Side.Opposite()
	// 止损限价穿过触发价：多头退出向下让价，空头退出向上让价。
	stopLimit := rounding.Offset(pos.StopLossPrice, e.cfg.StopSlipPct, exitSide == fills.SideBuy, e.cfg.PricePrecision)

	stop := venue.OrderSpec{
		ClientOrderID: "stp-" + uuid.NewString(),
		Side:          exitSide,
		Type:          venue.OrderTypeStopLimit,
		Quantity:      pos.Quantity,
		Price:         stopLimit,
		StopPrice:     pos.StopLossPrice,
		ReduceOnly:    true,
	}
	target := venue.OrderSpec{
		ClientOrderID: "tpf-" + uuid.NewString(),
		Side:          exitSide,
		Type:          venue.OrderTypeTakeProfitLimit,
		Quantity:      pos.Quantity,
		Price:         pos.TakeProfitPrice,
		StopPrice:     pos.TakeProfitPrice,
		ReduceOnly:    true,
	}
	return e.v.SubmitExitBatch(ctx, [2]venue.OrderSpec{stop, target})
}

// PlanLookup 由调用方提供：为交易所侧持仓找回落库的保护价。
type PlanLookup func(ctx context.Context, pos venue.Position) (stop, target float64, ok bool)

// Recover 幂等恢复：交易所状态为准。
// 有持仓且保护对完全缺位时按落库保护价补挂一次；
// 只缺单腿时不盲目补挂（会造成重复委托），记日志交给人工。
func (e *Executor) Recover(ctx context.Context, lookup PlanLookup) error {
	positions, err := e.v.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("recover: query positions failed: %w", err)
	}
	if len(positions) == 0 {
		logger.Infof("恢复检查: 无持仓")
		return nil
	}
	orders, err := e.v.OpenExitOrders(ctx)
	if err != nil {
		return fmt.Errorf("recover: query open orders failed: %w", err)
	}

	for _, pos := range positions {
		hasStop, hasTarget := protectionInPlace(orders, pos.Side.Opposite())
		if hasStop && hasTarget {
			logger.Infof("恢复检查: %s 保护单在位", pos.Symbol)
			continue
		}
		if hasStop != hasTarget {
			logger.Errorf("恢复检查: %s 保护单只剩单腿(stop=%v target=%v)，需人工处理", pos.Symbol, hasStop, hasTarget)
			continue
		}
		if lookup == nil {
			logger.Errorf("恢复检查: %s 无保护价来源，跳过补挂", pos.Symbol)
			continue
		}
		stopPx, targetPx, ok := lookup(ctx, pos)
		if !ok {
			logger.Errorf("恢复检查: %s 未找到落库保护价，跳过补挂", pos.Symbol)
			continue
		}
		rebuilt := &Position{
			Side:            pos.Side,
			Quantity:        pos.Size,
			AvgEntryPrice:   pos.EntryPrice,
			StopLossPrice:   stopPx,
			TakeProfitPrice: targetPx,
			OpenedAt:        time.Now().UnixMilli(),
		}
		if _, err := e.PlaceExitOrders(ctx, rebuilt); err != nil {
			return fmt.Errorf("recover: place exit batch for %s failed: %w", pos.Symbol, err)
		}
		logger.Infof("恢复检查: %s 已补挂保护单 stop=%.4f target=%.4f", pos.Symbol, stopPx, targetPx)
	}
	return nil
}

// protectionInPlace 检查反向只减仓挂单里是否有止损腿与止盈腿。
func protectionInPlace(orders []venue.OpenOrder, exitSide fills.Side) (hasStop, hasTarget bool) {
	for _, o := range orders {
		if !o.ReduceOnly || o.Side != exitSide {
			continue
		}
		switch o.Type {
		case venue.OrderTypeStopLimit:
			hasStop = true
		case venue.OrderTypeTakeProfitLimit:
			hasTarget = true
		}
	}
	return hasStop, hasTarget
}

func avgOf(notional, qty float64) float64 {
	if qty <= 0 {
		return 0
	}
	return notional / qty
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

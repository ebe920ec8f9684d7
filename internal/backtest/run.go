package backtest

import (
	"context"
	"encoding/json"
	"time"

	"sigtra/internal/fills"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunConfig 记录本次模拟的参数快照，便于重放。
type RunConfig struct {
	Symbol              string  `json:"symbol"`
	Timeframe           string  `json:"timeframe"`
	StartTS             int64   `json:"start_ts"`
	EndTS               int64   `json:"end_ts"`
	Warmup              int     `json:"warmup"`
	WindowSize          int     `json:"window_size"`
	InitialBalance      float64 `json:"initial_balance"`
	Leverage            float64 `json:"leverage"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MaxSignalCalls      int     `json:"max_signal_calls"`
	MinCallIntervalMs   int64   `json:"min_call_interval_ms"`
	Notes               string  `json:"notes,omitempty"`
}

// MinCallInterval 返回节流间隔。
func (c RunConfig) MinCallInterval() time.Duration {
	if c.MinCallIntervalMs <= 0 {
		return 0
	}
	return time.Duration(c.MinCallIntervalMs) * time.Millisecond
}

// RunStats 汇总已实现盈亏口径的结果指标。
type RunStats struct {
	TotalPnl       float64 `json:"total_pnl"`
	WinRate        float64 `json:"win_rate"`
	ProfitFactor   float64 `json:"profit_factor"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	MaxWinStreak   int     `json:"max_win_streak"`
	MaxLossStreak  int     `json:"max_loss_streak"`
	GrossProfit    float64 `json:"gross_profit"`
	GrossLoss      float64 `json:"gross_loss"`
	Trades         int     `json:"trades"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	EquityEnd      float64 `json:"equity_end"`
	EquityPeak     float64 `json:"equity_peak"`
	SignalCalls    int     `json:"signal_calls"`
}

// Run 表示一次模拟任务。
type Run struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Timeframe      string    `json:"timeframe"`
	Status         string    `json:"status"`
	StartTS        int64     `json:"start_ts"`
	EndTS          int64     `json:"end_ts"`
	InitialBalance float64   `json:"initial_balance"`
	FinalBalance   float64   `json:"final_balance"`
	Message        string    `json:"message"`
	Config         RunConfig `json:"config"`
	Stats          RunStats  `json:"stats"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// MarshalStats 返回 stats JSON。
func (r Run) MarshalStats() ([]byte, error) {
	return json.Marshal(r.Stats)
}

// MarshalConfig 返回 config JSON。
func (r Run) MarshalConfig() ([]byte, error) {
	return json.Marshal(r.Config)
}

// EquityPoint 资金曲线上的一个点，按已实现盈亏在每次平仓后采样。
type EquityPoint struct {
	RunID    string  `json:"run_id"`
	Seq      int     `json:"seq"`
	TS       int64   `json:"ts"`
	Equity   float64 `json:"equity"`
	Drawdown float64 `json:"drawdown"`
}

// RunRequest 为 HTTP 提交使用。
type RunRequest struct {
	Symbol              string  `json:"symbol" binding:"required"`
	Timeframe           string  `json:"timeframe"`
	StartTS             int64   `json:"start_ts" binding:"required"`
	EndTS               int64   `json:"end_ts" binding:"required"`
	InitialBalance      float64 `json:"initial_balance"`
	Leverage            float64 `json:"leverage"`
	Warmup              int     `json:"warmup"`
	WindowSize          int     `json:"window_size"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MaxSignalCalls      int     `json:"max_signal_calls"`
	MinCallIntervalMs   int64   `json:"min_call_interval_ms"`
}

// Ledger 是回测结果的持久化出口，由 store 层实现。
type Ledger interface {
	SaveRun(ctx context.Context, run Run) error
	UpdateRunStatus(ctx context.Context, id, status, message string) error
	AppendTrades(ctx context.Context, runID string, trades []fills.ClosedTrade) error
	SaveEquityPoints(ctx context.Context, points []EquityPoint) error
}

package store

import (
	"context"
	"strings"

	"sigtra/internal/backtest"
	"sigtra/internal/executor"
	"sigtra/internal/fills"
)

// Ledger 聚合模拟与实盘两侧的持久化出口。
// 回测 trade 以 run_id 归属，实盘 trade 以 LiveScope(symbol) 归属，共用一张表。
type Ledger interface {
	LedgerWriter
	LedgerReader

	// Close 关闭底层连接。
	Close() error
}

// LedgerWriter 是写入侧，由回测 service 与实盘 agent 调用。
type LedgerWriter interface {
	// SaveRun 插入或整体覆盖一条模拟任务记录。
	SaveRun(ctx context.Context, run backtest.Run) error
	// UpdateRunStatus 只改状态与提示信息，任务不存在时返回 gorm.ErrRecordNotFound。
	UpdateRunStatus(ctx context.Context, id, status, message string) error
	// AppendTrades 追加已平仓交易，序号在 scope 内单调递增。
	AppendTrades(ctx context.Context, scope string, trades []fills.ClosedTrade) error
	// SaveEquityPoints 批量写入资金曲线点，重复 (run_id, seq) 忽略。
	SaveEquityPoints(ctx context.Context, points []backtest.EquityPoint) error
	// SaveCycle 插入或覆盖一条实盘周期审计记录。
	SaveCycle(ctx context.Context, rec CycleRecord) error
}

// LedgerReader 是查询侧，只给 HTTP 层用。
type LedgerReader interface {
	GetRun(ctx context.Context, id string) (backtest.Run, bool, error)
	ListRuns(ctx context.Context, symbol string, limit, offset int) ([]backtest.Run, error)
	CountRuns(ctx context.Context, symbol string) (int, error)
	ListTrades(ctx context.Context, scope string, limit int) ([]fills.ClosedTrade, error)
	ListEquityPoints(ctx context.Context, runID string) ([]backtest.EquityPoint, error)
	ListCycles(ctx context.Context, symbol string, limit int) ([]CycleRecord, error)
	// LastExitTime 返回 scope 内最后一笔平仓时间(毫秒)，没有记录时返回 0。
	// 实盘 agent 把它当成交轮询的水位线。
	LastExitTime(ctx context.Context, scope string) (int64, error)
}

// CycleRecord 实盘周期的完整审计：决策原文、下单参数与执行计数都在一条记录里。
type CycleRecord struct {
	ID          string                `json:"id"`
	Symbol      string                `json:"symbol"`
	Timeframe   string                `json:"timeframe"`
	State       string                `json:"state"`
	Direction   string                `json:"direction"`
	Confidence  float64               `json:"confidence"`
	DecisionRaw string                `json:"decision_raw,omitempty"`
	EntryPrice  float64               `json:"entry_price"`
	Size        float64               `json:"size"`
	StopLoss    float64               `json:"stop_loss"`
	TakeProfit  float64               `json:"take_profit"`
	Metrics     executor.CycleMetrics `json:"metrics"`
	LastError   string                `json:"last_error,omitempty"`
	StartedAt   int64                 `json:"started_at"`
	FinishedAt  int64                 `json:"finished_at"`
}

// LiveScope 返回实盘交易在账本里的归属键。
func LiveScope(symbol string) string {
	return "live:" + strings.ToUpper(strings.TrimSpace(symbol))
}

package gormstore

import "gorm.io/datatypes"

// SimRunModel 映射 sim_runs 表，config/stats 以 JSON 快照整存整取。
type SimRunModel struct {
	ID              int64          `gorm:"column:id;primaryKey"`
	RunID           string         `gorm:"column:run_id;uniqueIndex"`
	Symbol          string         `gorm:"column:symbol;index"`
	Timeframe       string         `gorm:"column:timeframe"`
	Status          string         `gorm:"column:status;index"`
	StartTS         int64          `gorm:"column:start_ts"`
	EndTS           int64          `gorm:"column:end_ts"`
	InitialBalance  float64        `gorm:"column:initial_balance"`
	FinalBalance    float64        `gorm:"column:final_balance"`
	Message         string         `gorm:"column:message"`
	ConfigJSON      datatypes.JSON `gorm:"column:config_json;type:TEXT"`
	StatsJSON       datatypes.JSON `gorm:"column:stats_json;type:TEXT"`
	CreatedAtUnix   int64          `gorm:"column:created_at;index"`
	UpdatedAtUnix   int64          `gorm:"column:updated_at"`
	CompletedAtUnix int64          `gorm:"column:completed_at"`
}

func (SimRunModel) TableName() string { return "sim_runs" }

// ClosedTradeModel 映射 closed_trades 表。
// run_id 既可以是模拟任务 ID，也可以是实盘归属键，seq 在 run_id 内递增。
type ClosedTradeModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	RunID         string  `gorm:"column:run_id;uniqueIndex:idx_trade_run_seq,priority:1"`
	Seq           int     `gorm:"column:seq;uniqueIndex:idx_trade_run_seq,priority:2"`
	Side          string  `gorm:"column:side"`
	EntryPrice    float64 `gorm:"column:entry_price"`
	EntryTime     int64   `gorm:"column:entry_time"`
	ExitPrice     float64 `gorm:"column:exit_price"`
	ExitTime      int64   `gorm:"column:exit_time;index"`
	Size          float64 `gorm:"column:size"`
	Pnl           float64 `gorm:"column:pnl"`
	CreatedAtUnix int64   `gorm:"column:created_at"`
}

func (ClosedTradeModel) TableName() string { return "closed_trades" }

// EquityPointModel 映射 equity_points 表。
type EquityPointModel struct {
	ID       int64   `gorm:"column:id;primaryKey"`
	RunID    string  `gorm:"column:run_id;uniqueIndex:idx_equity_run_seq,priority:1"`
	Seq      int     `gorm:"column:seq;uniqueIndex:idx_equity_run_seq,priority:2"`
	TS       int64   `gorm:"column:ts"`
	Equity   float64 `gorm:"column:equity"`
	Drawdown float64 `gorm:"column:drawdown"`
}

func (EquityPointModel) TableName() string { return "equity_points" }

// CycleModel 映射 live_cycles 表，保留决策原文便于复盘。
type CycleModel struct {
	ID          int64          `gorm:"column:id;primaryKey"`
	CycleID     string         `gorm:"column:cycle_id;uniqueIndex"`
	Symbol      string         `gorm:"column:symbol;index"`
	Timeframe   string         `gorm:"column:timeframe"`
	State       string         `gorm:"column:state"`
	Direction   string         `gorm:"column:direction"`
	Confidence  float64        `gorm:"column:confidence"`
	DecisionRaw datatypes.JSON `gorm:"column:decision_raw;type:TEXT"`
	EntryPrice  float64        `gorm:"column:entry_price"`
	Size        float64        `gorm:"column:size"`
	StopLoss    float64        `gorm:"column:stop_loss"`
	TakeProfit  float64        `gorm:"column:take_profit"`
	MetricsJSON datatypes.JSON `gorm:"column:metrics_json;type:TEXT"`
	LastError   string         `gorm:"column:last_error"`
	StartedAt   int64          `gorm:"column:started_at;index"`
	FinishedAt  int64          `gorm:"column:finished_at"`
}

func (CycleModel) TableName() string { return "live_cycles" }

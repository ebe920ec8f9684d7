package gormstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sigtra/internal/backtest"
	"sigtra/internal/fills"
	"sigtra/internal/store"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore 用 Gorm + SQLite 实现账本，模拟与实盘共库。
type GormStore struct {
	db *gorm.DB
}

var (
	_ store.Ledger    = (*GormStore)(nil)
	_ backtest.Ledger = (*GormStore)(nil)
)

// New 打开(或创建)账本数据库并完成迁移。
func New(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 账本路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	// CGO_ENABLED=0 构建只能用纯 Go 驱动："sqlite" 由 modernc.org/sqlite 注册，DSN 的 _pragma 语法也是它的。
	db, err := gorm.Open(sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: dsn}), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&SimRunModel{},
		&ClosedTradeModel{},
		&EquityPointModel{},
		&CycleModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: 允许少量并行给 HTTP 读用，同时压低锁竞争。
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// Close 关闭底层数据库连接。
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB 暴露底层 *sql.DB，共享连接时使用。
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	return s.db.DB()
}

// --------------------------- 写入侧 ------------------------------------

func (s *GormStore) SaveRun(ctx context.Context, run backtest.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run id 必填")
	}
	model, err := newSimRunModel(run)
	if err != nil {
		return err
	}
	cols := []string{
		"symbol", "timeframe", "status", "start_ts", "end_ts",
		"initial_balance", "final_balance", "message",
		"config_json", "stats_json", "updated_at", "completed_at",
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).
		Create(&model).Error
}

func (s *GormStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id 必填")
	}
	res := s.db.WithContext(ctx).Model(&SimRunModel{}).
		Where("run_id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"message":    message,
			"updated_at": time.Now().UnixMilli(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// AppendTrades 在事务内续接 scope 的序号再批量写入，整批要么全进要么全不进。
func (s *GormStore) AppendTrades(ctx context.Context, scope string, trades []fills.ClosedTrade) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return fmt.Errorf("trade 归属标识必填")
	}
	if len(trades) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq sql.NullInt64
		if err := tx.Model(&ClosedTradeModel{}).
			Where("run_id = ?", scope).
			Select("MAX(seq)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		next := 0
		if maxSeq.Valid {
			next = int(maxSeq.Int64) + 1
		}
		models := make([]ClosedTradeModel, 0, len(trades))
		for i, tr := range trades {
			models = append(models, ClosedTradeModel{
				RunID:         scope,
				Seq:           next + i,
				Side:          string(tr.Side),
				EntryPrice:    tr.EntryPrice,
				EntryTime:     tr.EntryTime,
				ExitPrice:     tr.ExitPrice,
				ExitTime:      tr.ExitTime,
				Size:          tr.Size,
				Pnl:           tr.Pnl,
				CreatedAtUnix: now,
			})
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "seq"}},
			DoNothing: true,
		}).Create(&models).Error
	})
}

func (s *GormStore) SaveEquityPoints(ctx context.Context, points []backtest.EquityPoint) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if len(points) == 0 {
		return nil
	}
	models := make([]EquityPointModel, 0, len(points))
	for _, p := range points {
		if strings.TrimSpace(p.RunID) == "" {
			return fmt.Errorf("equity point 缺少 run_id")
		}
		models = append(models, EquityPointModel{
			RunID:    p.RunID,
			Seq:      p.Seq,
			TS:       p.TS,
			Equity:   p.Equity,
			Drawdown: p.Drawdown,
		})
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "seq"}},
			DoNothing: true,
		}).
		Create(&models).Error
}

func (s *GormStore) SaveCycle(ctx context.Context, rec store.CycleRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("cycle id 必填")
	}
	model := newCycleModel(rec)
	cols := []string{
		"symbol", "timeframe", "state", "direction", "confidence",
		"decision_raw", "entry_price", "size", "stop_loss", "take_profit",
		"metrics_json", "last_error", "started_at", "finished_at",
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cycle_id"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).
		Create(&model).Error
}

// --------------------------- 查询侧 ------------------------------------

func (s *GormStore) GetRun(ctx context.Context, id string) (backtest.Run, bool, error) {
	if s == nil || s.db == nil {
		return backtest.Run{}, false, fmt.Errorf("gorm store 未初始化")
	}
	var model SimRunModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", strings.TrimSpace(id)).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return backtest.Run{}, false, nil
		}
		return backtest.Run{}, false, err
	}
	run, err := simRunModelToRecord(model)
	if err != nil {
		return backtest.Run{}, false, err
	}
	return run, true, nil
}

func (s *GormStore) ListRuns(ctx context.Context, symbol string, limit, offset int) ([]backtest.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := s.db.WithContext(ctx).Model(&SimRunModel{})
	if sym := strings.ToUpper(strings.TrimSpace(symbol)); sym != "" {
		query = query.Where("UPPER(symbol) = ?", sym)
	}
	var models []SimRunModel
	if err := query.
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]backtest.Run, 0, len(models))
	for _, m := range models {
		run, err := simRunModelToRecord(m)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *GormStore) CountRuns(ctx context.Context, symbol string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store 未初始化")
	}
	query := s.db.WithContext(ctx).Model(&SimRunModel{})
	if sym := strings.ToUpper(strings.TrimSpace(symbol)); sym != "" {
		query = query.Where("UPPER(symbol) = ?", sym)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return int(total), nil
}

func (s *GormStore) ListTrades(ctx context.Context, scope string, limit int) ([]fills.ClosedTrade, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, fmt.Errorf("trade 归属标识必填")
	}
	if limit <= 0 || limit > 5000 {
		limit = 5000
	}
	var models []ClosedTradeModel
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", scope).
		Order("seq ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]fills.ClosedTrade, 0, len(models))
	for _, m := range models {
		out = append(out, closedTradeModelToRecord(m))
	}
	return out, nil
}

func (s *GormStore) ListEquityPoints(ctx context.Context, runID string) ([]backtest.EquityPoint, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id 必填")
	}
	var models []EquityPointModel
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]backtest.EquityPoint, 0, len(models))
	for _, m := range models {
		out = append(out, backtest.EquityPoint{
			RunID:    m.RunID,
			Seq:      m.Seq,
			TS:       m.TS,
			Equity:   m.Equity,
			Drawdown: m.Drawdown,
		})
	}
	return out, nil
}

func (s *GormStore) ListCycles(ctx context.Context, symbol string, limit int) ([]store.CycleRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := s.db.WithContext(ctx).Model(&CycleModel{})
	if sym := strings.ToUpper(strings.TrimSpace(symbol)); sym != "" {
		query = query.Where("UPPER(symbol) = ?", sym)
	}
	var models []CycleModel
	if err := query.
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.CycleRecord, 0, len(models))
	for _, m := range models {
		out = append(out, cycleModelToRecord(m))
	}
	return out, nil
}

func (s *GormStore) LastExitTime(ctx context.Context, scope string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store 未初始化")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return 0, fmt.Errorf("trade 归属标识必填")
	}
	var ts sql.NullInt64
	if err := s.db.WithContext(ctx).Model(&ClosedTradeModel{}).
		Where("run_id = ?", scope).
		Select("MAX(exit_time)").
		Scan(&ts).Error; err != nil {
		return 0, err
	}
	if ts.Valid {
		return ts.Int64, nil
	}
	return 0, nil
}

// --------------------------- 模型转换 ------------------------------------

func newSimRunModel(run backtest.Run) (SimRunModel, error) {
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	configJSON, err := run.MarshalConfig()
	if err != nil {
		return SimRunModel{}, fmt.Errorf("序列化 run config: %w", err)
	}
	statsJSON, err := run.MarshalStats()
	if err != nil {
		return SimRunModel{}, fmt.Errorf("序列化 run stats: %w", err)
	}
	return SimRunModel{
		RunID:           strings.TrimSpace(run.ID),
		Symbol:          strings.ToUpper(strings.TrimSpace(run.Symbol)),
		Timeframe:       run.Timeframe,
		Status:          run.Status,
		StartTS:         run.StartTS,
		EndTS:           run.EndTS,
		InitialBalance:  run.InitialBalance,
		FinalBalance:    run.FinalBalance,
		Message:         run.Message,
		ConfigJSON:      datatypes.JSON(configJSON),
		StatsJSON:       datatypes.JSON(statsJSON),
		CreatedAtUnix:   run.CreatedAt.UnixMilli(),
		UpdatedAtUnix:   run.UpdatedAt.UnixMilli(),
		CompletedAtUnix: timeToMillis(run.CompletedAt),
	}, nil
}

func simRunModelToRecord(m SimRunModel) (backtest.Run, error) {
	run := backtest.Run{
		ID:             m.RunID,
		Symbol:         m.Symbol,
		Timeframe:      m.Timeframe,
		Status:         m.Status,
		StartTS:        m.StartTS,
		EndTS:          m.EndTS,
		InitialBalance: m.InitialBalance,
		FinalBalance:   m.FinalBalance,
		Message:        m.Message,
		CreatedAt:      millisToTime(m.CreatedAtUnix),
		UpdatedAt:      millisToTime(m.UpdatedAtUnix),
		CompletedAt:    millisToTime(m.CompletedAtUnix),
	}
	if len(m.ConfigJSON) > 0 {
		if err := json.Unmarshal(m.ConfigJSON, &run.Config); err != nil {
			return backtest.Run{}, fmt.Errorf("解析 run config: %w", err)
		}
	}
	if len(m.StatsJSON) > 0 {
		if err := json.Unmarshal(m.StatsJSON, &run.Stats); err != nil {
			return backtest.Run{}, fmt.Errorf("解析 run stats: %w", err)
		}
	}
	return run, nil
}

func closedTradeModelToRecord(m ClosedTradeModel) fills.ClosedTrade {
	return fills.ClosedTrade{
		Side:       fills.Side(m.Side),
		EntryPrice: m.EntryPrice,
		EntryTime:  m.EntryTime,
		ExitPrice:  m.ExitPrice,
		ExitTime:   m.ExitTime,
		Size:       m.Size,
		Pnl:        m.Pnl,
	}
}

func newCycleModel(rec store.CycleRecord) CycleModel {
	metricsJSON, _ := json.Marshal(rec.Metrics)
	return CycleModel{
		CycleID:     strings.TrimSpace(rec.ID),
		Symbol:      strings.ToUpper(strings.TrimSpace(rec.Symbol)),
		Timeframe:   rec.Timeframe,
		State:       rec.State,
		Direction:   rec.Direction,
		Confidence:  rec.Confidence,
		DecisionRaw: datatypes.JSON(jsonOrNull(rec.DecisionRaw)),
		EntryPrice:  rec.EntryPrice,
		Size:        rec.Size,
		StopLoss:    rec.StopLoss,
		TakeProfit:  rec.TakeProfit,
		MetricsJSON: datatypes.JSON(metricsJSON),
		LastError:   rec.LastError,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
	}
}

func cycleModelToRecord(m CycleModel) store.CycleRecord {
	rec := store.CycleRecord{
		ID:          m.CycleID,
		Symbol:      m.Symbol,
		Timeframe:   m.Timeframe,
		State:       m.State,
		Direction:   m.Direction,
		Confidence:  m.Confidence,
		DecisionRaw: jsonBytesToString(m.DecisionRaw),
		EntryPrice:  m.EntryPrice,
		Size:        m.Size,
		StopLoss:    m.StopLoss,
		TakeProfit:  m.TakeProfit,
		LastError:   m.LastError,
		StartedAt:   m.StartedAt,
		FinishedAt:  m.FinishedAt,
	}
	if len(m.MetricsJSON) > 0 {
		_ = json.Unmarshal(m.MetricsJSON, &rec.Metrics)
	}
	return rec
}

// --------------------------- 辅助函数 ------------------------------------

// jsonOrNull 把自由文本包装成合法 JSON，决策原文可能不是 JSON。
func jsonOrNull(raw string) []byte {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []byte("null")
	}
	if json.Valid([]byte(raw)) {
		return []byte(raw)
	}
	quoted, err := json.Marshal(raw)
	if err != nil {
		return []byte("null")
	}
	return quoted
}

func jsonBytesToString(data datatypes.JSON) string {
	if len(data) == 0 || string(data) == "null" {
		return ""
	}
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		return plain
	}
	return string(data)
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

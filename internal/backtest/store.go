package backtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sigtra/internal/market"

	_ "modernc.org/sqlite"
)

const (
	defaultQueryLimit = 200
	maxQueryLimit     = 2000

	sqliteOpts = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared"

	selectCandleSQL = "SELECT open_time, close_time, open, high, low, close, volume, trades FROM candles"
)

// Manifest 汇总单个数据文件的行数与时间范围，供查询接口和补数逻辑使用。
type Manifest struct {
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	MinTime    int64  `json:"min_time"`
	MaxTime    int64  `json:"max_time"`
	Rows       int64  `json:"rows"`
	LastSyncAt int64  `json:"last_sync_at"`
	Path       string `json:"path"`
}

// Gap 表示网格上缺失的连续区间（开盘时间，闭区间）。
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// IntegrityReport 是区间完整性检查的结果。
type IntegrityReport struct {
	Expected int64 `json:"expected"`
	Present  int64 `json:"present"`
	Gaps     []Gap `json:"gaps"`
}

// Complete 判断区间是否无缺口。
func (r IntegrityReport) Complete() bool {
	return len(r.Gaps) == 0 && r.Present >= r.Expected
}

// CandleStore 把K线按 symbol@timeframe 落到独立 sqlite 文件，
// 回测读写都走本地，避免反复打远端接口。
type CandleStore struct {
	root string

	mu    sync.Mutex
	conns map[string]*sql.DB
}

func NewCandleStore(root string) (*CandleStore, error) {
	if root == "" {
		return nil, fmt.Errorf("数据目录不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	return &CandleStore{root: root, conns: make(map[string]*sql.DB)}, nil
}

func (s *CandleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for key, db := range s.conns {
		delete(s.conns, key)
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// open 返回 symbol@timeframe 对应的连接，首次访问时建文件并建表。
func (s *CandleStore) open(symbol, timeframe string) (*sql.DB, string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	tf := strings.ToLower(strings.TrimSpace(timeframe))
	if sym == "" || tf == "" {
		return nil, "", fmt.Errorf("symbol 与 timeframe 不能为空")
	}
	key := sym + "@" + tf
	path := filepath.Join(s.root, sym, tf+".db")

	s.mu.Lock()
	defer s.mu.Unlock()
	if db := s.conns[key]; db != nil {
		return db, path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	db, err := sql.Open("sqlite", "file:"+path+sqliteOpts)
	if err != nil {
		return nil, "", err
	}
	// 单文件单写者，多连接反而会撞锁
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureCandleSchema(db, sym, tf); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	s.conns[key] = db
	return db, path, nil
}

func ensureCandleSchema(db *sql.DB, symbol, timeframe string) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			open_time INTEGER PRIMARY KEY,
			close_time INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			trades INTEGER DEFAULT 0,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
		);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id=1),
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			min_time INTEGER,
			max_time INTEGER,
			rows INTEGER DEFAULT 0,
			last_sync_at INTEGER
		);`,
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT INTO manifest (id, symbol, timeframe) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET symbol=excluded.symbol, timeframe=excluded.timeframe`, symbol, timeframe)
	return err
}

// InsertCandles 批量写入K线，同一 open_time 以新值覆盖。
func (s *CandleStore) InsertCandles(ctx context.Context, symbol, timeframe string, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	db, _, err := s.open(symbol, timeframe)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (open_time, close_time, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_time) DO UPDATE SET
		    close_time=excluded.close_time, open=excluded.open, high=excluded.high,
		    low=excluded.low, close=excluded.close, volume=excluded.volume, trades=excluded.trades`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(candles), s.refreshManifest(ctx, db)
}

func (s *CandleStore) refreshManifest(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		UPDATE manifest SET
		    min_time = (SELECT COALESCE(MIN(open_time), 0) FROM candles),
		    max_time = (SELECT COALESCE(MAX(open_time), 0) FROM candles),
		    rows = (SELECT COUNT(*) FROM candles),
		    last_sync_at = ?
		WHERE id = 1`, time.Now().UnixMilli())
	return err
}

// Manifest 读取当前文件的统计信息。
func (s *CandleStore) Manifest(ctx context.Context, symbol, timeframe string) (Manifest, error) {
	db, path, err := s.open(symbol, timeframe)
	if err != nil {
		return Manifest{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT symbol, timeframe, min_time, max_time, rows, last_sync_at FROM manifest WHERE id=1`)
	var m Manifest
	var minTime, maxTime, lastSync sql.NullInt64
	if err := row.Scan(&m.Symbol, &m.Timeframe, &minTime, &maxTime, &m.Rows, &lastSync); err != nil {
		return Manifest{}, err
	}
	m.MinTime = minTime.Int64
	m.MaxTime = maxTime.Int64
	m.LastSyncAt = lastSync.Int64
	m.Path = path
	return m, nil
}

// RangeCandles 按开盘时间升序返回闭区间 [start, end] 内的全部K线。
func (s *CandleStore) RangeCandles(ctx context.Context, symbol, timeframe string, start, end int64) ([]market.Candle, error) {
	db, _, err := s.open(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	if start <= 0 || end <= 0 {
		return nil, fmt.Errorf("start/end 必须是正的毫秒时间戳")
	}
	if end < start {
		start, end = end, start
	}
	rows, err := db.QueryContext(ctx, selectCandleSQL+" WHERE open_time BETWEEN ? AND ? ORDER BY open_time ASC", start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCandles(rows)
}

// QueryCandles 按区间读取，limit 截断；start/end 传 0 表示不限制该端。
// 只给 end 或都不给时取最新的 limit 根，最终仍按升序返回。
func (s *CandleStore) QueryCandles(ctx context.Context, symbol, timeframe string, start, end int64, limit int) ([]market.Candle, error) {
	db, _, err := s.open(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	} else if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	if start > 0 && end > 0 && end < start {
		start, end = end, start
	}

	cond := ""
	args := make([]any, 0, 3)
	newestFirst := false
	switch {
	case start > 0 && end > 0:
		cond = " WHERE open_time BETWEEN ? AND ?"
		args = append(args, start, end)
	case start > 0:
		cond = " WHERE open_time >= ?"
		args = append(args, start)
	case end > 0:
		cond = " WHERE open_time <= ?"
		args = append(args, end)
		newestFirst = true
	default:
		newestFirst = true
	}
	order := " ORDER BY open_time ASC"
	if newestFirst {
		order = " ORDER BY open_time DESC"
	}
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, selectCandleSQL+cond+order+" LIMIT ?", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	if newestFirst {
		reverseCandles(list)
	}
	return list, nil
}

func scanCandles(rows *sql.Rows) ([]market.Candle, error) {
	var list []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Trades); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func reverseCandles(list []market.Candle) {
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
}

// CheckIntegrity 在对齐后的 [start, end] 网格上统计已有K线并找出缺口，
// 连续缺失的开盘时刻合并为一个 Gap。
func (s *CandleStore) CheckIntegrity(ctx context.Context, symbol string, tf market.Timeframe, start, end int64) (IntegrityReport, error) {
	db, _, err := s.open(symbol, tf.Key)
	if err != nil {
		return IntegrityReport{}, err
	}
	start, end = tf.AlignRange(start, end)
	report := IntegrityReport{Expected: tf.ExpectedCandles(start, end)}
	if report.Expected <= 0 {
		return report, nil
	}
	rows, err := db.QueryContext(ctx, `SELECT open_time FROM candles WHERE open_time BETWEEN ? AND ? ORDER BY open_time`, start, end)
	if err != nil {
		return IntegrityReport{}, err
	}
	defer rows.Close()
	present := make(map[int64]struct{}, report.Expected)
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return IntegrityReport{}, err
		}
		present[ts] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return IntegrityReport{}, err
	}
	report.Present = int64(len(present))

	step := tf.Millis()
	var open *Gap
	for ts := start; ts <= end; ts += step {
		if _, ok := present[ts]; ok {
			if open != nil {
				report.Gaps = append(report.Gaps, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &Gap{From: ts, To: ts}
		} else {
			open.To = ts
		}
	}
	if open != nil {
		report.Gaps = append(report.Gaps, *open)
	}
	return report, nil
}

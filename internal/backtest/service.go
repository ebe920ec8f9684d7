package backtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sigtra/internal/logger"
	"sigtra/internal/market"
	"sigtra/internal/signal"

	"github.com/google/uuid"
)

// warmupPad 预热区间外再多拉几根，避免边界缺一根就起不来。
const warmupPad = 5

// ServiceConfig 配置回测服务。
type ServiceConfig struct {
	Store  *CandleStore
	Source market.RangeSource
	Ledger Ledger

	// Signals 推演期间使用的信号源。
	Signals signal.Source

	// Engine 的默认参数，单次提交可被 RunRequest 覆盖。
	Engine EngineConfig

	// FetchBatch 单次远端拉取的最大K线数。
	FetchBatch    int
	MaxConcurrent int
}

// Service 管理模拟任务：补齐本地数据、串起引擎、落结果。
// 并发度用信号量约束，每个 run 内部严格单线程。
type Service struct {
	store      *CandleStore
	source     market.RangeSource
	ledger     Ledger
	signals    signal.Source
	baseEngine EngineConfig
	fetchBatch int

	sem     chan struct{}
	baseCtx context.Context
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("candle store 不能为空")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger 不能为空")
	}
	if cfg.Signals == nil {
		return nil, fmt.Errorf("signal source 不能为空")
	}
	fetchBatch := cfg.FetchBatch
	if fetchBatch <= 0 {
		fetchBatch = 1000
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Service{
		store:      cfg.Store,
		source:     cfg.Source,
		ledger:     cfg.Ledger,
		signals:    cfg.Signals,
		baseEngine: cfg.Engine.withDefaults(),
		fetchBatch: fetchBatch,
		sem:        make(chan struct{}, maxConcurrent),
		baseCtx:    context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// StartRun 校验请求、入库一条 pending 记录并异步启动推演。
func (s *Service) StartRun(req RunRequest) (Run, error) {
	if strings.TrimSpace(req.Symbol) == "" {
		return Run{}, fmt.Errorf("symbol 不能为空")
	}
	timeframe := req.Timeframe
	if timeframe == "" {
		timeframe = s.baseEngine.Timeframe
	}
	tf, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return Run{}, err
	}
	start, end := tf.AlignRange(req.StartTS, req.EndTS)
	if start <= 0 || end <= start {
		return Run{}, fmt.Errorf("start/end 非法")
	}

	cfg := s.runConfig(req, tf, start, end)
	now := time.Now()
	run := Run{
		ID:             uuid.NewString(),
		Symbol:         cfg.Symbol,
		Timeframe:      tf.Key,
		Status:         RunStatusPending,
		StartTS:        start,
		EndTS:          end,
		InitialBalance: cfg.InitialBalance,
		FinalBalance:   cfg.InitialBalance,
		Config:         cfg,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.ledger.SaveRun(s.ctx(), run); err != nil {
		return Run{}, err
	}
	logger.Infof("[sim] 提交 run %s：%s %s [%d,%d]", run.ID, run.Symbol, run.Timeframe, start, end)
	go s.runLoop(run)
	return run, nil
}

func (s *Service) runConfig(req RunRequest, tf market.Timeframe, start, end int64) RunConfig {
	base := s.baseEngine
	cfg := RunConfig{
		Symbol:              strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Timeframe:           tf.Key,
		StartTS:             start,
		EndTS:               end,
		Warmup:              base.Warmup,
		WindowSize:          base.WindowSize,
		InitialBalance:      base.InitialBalance,
		Leverage:            base.Leverage,
		ConfidenceThreshold: base.ConfidenceThreshold,
		MaxSignalCalls:      base.MaxSignalCalls,
		MinCallIntervalMs:   base.MinCallInterval.Milliseconds(),
	}
	if req.Warmup > 0 {
		cfg.Warmup = req.Warmup
	}
	if req.WindowSize > 0 {
		cfg.WindowSize = req.WindowSize
	}
	if req.InitialBalance > 0 {
		cfg.InitialBalance = req.InitialBalance
	}
	if req.Leverage > 0 {
		cfg.Leverage = req.Leverage
	}
	if req.ConfidenceThreshold > 0 {
		cfg.ConfidenceThreshold = req.ConfidenceThreshold
	}
	if req.MaxSignalCalls > 0 {
		cfg.MaxSignalCalls = req.MaxSignalCalls
	}
	if req.MinCallIntervalMs > 0 {
		cfg.MinCallIntervalMs = req.MinCallIntervalMs
	}
	return cfg
}

func (s *Service) runLoop(run Run) {
	select {
	case s.sem <- struct{}{}:
	default:
		logger.Warnf("[sim] run %s 等待可用 worker", run.ID)
		select {
		case s.sem <- struct{}{}:
		case <-s.ctx().Done():
			_ = s.ledger.UpdateRunStatus(context.Background(), run.ID, RunStatusFailed, "服务已关闭")
			return
		}
	}
	defer func() { <-s.sem }()

	ctx := s.ctx()
	_ = s.ledger.UpdateRunStatus(ctx, run.ID, RunStatusRunning, "准备历史数据…")
	if err := s.execute(ctx, run); err != nil {
		logger.Warnf("[sim] run %s 失败: %v", run.ID, err)
		_ = s.ledger.UpdateRunStatus(context.Background(), run.ID, RunStatusFailed, err.Error())
	}
}

func (s *Service) execute(ctx context.Context, run Run) error {
	cfg := run.Config
	tf, err := market.ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return err
	}

	fetchStart := cfg.StartTS - int64(cfg.Warmup+warmupPad)*tf.Millis()
	if fetchStart < 0 {
		fetchStart = 0
	}
	if err := s.EnsureRange(ctx, cfg.Symbol, tf, fetchStart, cfg.EndTS); err != nil {
		return err
	}

	loaded, err := s.store.RangeCandles(ctx, cfg.Symbol, tf.Key, fetchStart, cfg.EndTS)
	if err != nil {
		return err
	}
	startIdx := 0
	for startIdx < len(loaded) && loaded[startIdx].OpenTime < cfg.StartTS {
		startIdx++
	}
	if startIdx < cfg.Warmup {
		return fmt.Errorf("起点之前只有 %d 根K线，不足 %d 根预热", startIdx, cfg.Warmup)
	}
	candles := loaded[startIdx-cfg.Warmup:]

	progressStep := len(candles) / 20
	if progressStep < 10 {
		progressStep = 10
	}
	engineCfg := EngineConfig{
		Symbol:              cfg.Symbol,
		Timeframe:           cfg.Timeframe,
		Warmup:              cfg.Warmup,
		WindowSize:          cfg.WindowSize,
		HistoryTrades:       s.baseEngine.HistoryTrades,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		PromptHint:          s.baseEngine.PromptHint,
		MaxSignalCalls:      cfg.MaxSignalCalls,
		MinCallInterval:     cfg.MinCallInterval(),
		InitialBalance:      cfg.InitialBalance,
		Leverage:            cfg.Leverage,
		Risk:                s.baseEngine.Risk,
		Progress: func(done, total int) {
			if done%progressStep != 0 && done != total {
				return
			}
			msg := fmt.Sprintf("processing %d/%d (%.1f%%)", done, total, float64(done)/float64(total)*100)
			_ = s.ledger.UpdateRunStatus(ctx, run.ID, RunStatusRunning, msg)
		},
	}
	engine, err := NewEngine(engineCfg, s.signals)
	if err != nil {
		return err
	}

	res, runErr := engine.Run(ctx, run.ID, candles)
	if res == nil {
		return runErr
	}
	if err := s.persistResult(run, res, runErr); err != nil {
		return err
	}
	return runErr
}

// persistResult 即使推演被中断也要把已产生的结果落库。
func (s *Service) persistResult(run Run, res *RunResult, runErr error) error {
	ctx := context.Background()
	if err := s.ledger.AppendTrades(ctx, run.ID, res.Trades); err != nil {
		return fmt.Errorf("写入成交失败: %w", err)
	}
	if err := s.ledger.SaveEquityPoints(ctx, res.Equity); err != nil {
		return fmt.Errorf("写入资金曲线失败: %w", err)
	}
	now := time.Now()
	run.Status = RunStatusDone
	run.Message = "完成"
	if res.OpenPosition != nil {
		run.Message = fmt.Sprintf("完成（期末仍持仓 %s %.6f @ %.4f，浮动盈亏未计入统计）",
			res.OpenPosition.Direction, res.OpenPosition.Size, res.OpenPosition.EntryPrice)
	}
	if runErr != nil {
		run.Status = RunStatusFailed
		run.Message = runErr.Error()
	}
	run.Stats = res.Stats
	run.FinalBalance = res.FinalBalance
	run.UpdatedAt = now
	run.CompletedAt = now
	if err := s.ledger.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("写入结果失败: %w", err)
	}
	logger.Infof("[sim] run %s 结束：trades=%d pnl=%.4f winrate=%.2f%% maxDD=%.2f%%",
		run.ID, res.Stats.Trades, res.Stats.TotalPnl, res.Stats.WinRate*100, res.Stats.MaxDrawdownPct*100)
	return nil
}

// EnsureRange 对齐区间后检查本地缺口，逐段从远端补齐。
// 补完仍有缺口只告警不报错，预热闸门由引擎把守。
func (s *Service) EnsureRange(ctx context.Context, symbol string, tf market.Timeframe, start, end int64) error {
	report, err := s.store.CheckIntegrity(ctx, symbol, tf, start, end)
	if err != nil {
		return err
	}
	if report.Complete() {
		return nil
	}
	if s.source == nil {
		logger.Warnf("[sim] %s %s 缺 %d 段数据且未配置数据源，按现有数据推演", symbol, tf.Key, len(report.Gaps))
		return nil
	}

	step := tf.Millis()
	for _, gap := range report.Gaps {
		cursor := gap.From
		for cursor <= gap.To {
			if err := ctx.Err(); err != nil {
				return err
			}
			remaining := int((gap.To-cursor)/step) + 1
			if remaining > s.fetchBatch {
				remaining = s.fetchBatch
			}
			data, err := s.source.FetchRange(ctx, symbol, tf.Key, cursor, gap.To, remaining)
			if err != nil {
				return fmt.Errorf("拉取 %s %s 失败: %w", symbol, tf.Key, err)
			}
			if len(data) == 0 {
				logger.Warnf("[sim] 区间 [%d,%d] 拉取为空，跳过该缺口", cursor, gap.To)
				break
			}
			if _, err := s.store.InsertCandles(ctx, symbol, tf.Key, data); err != nil {
				return fmt.Errorf("写入K线失败: %w", err)
			}
			last := data[len(data)-1].OpenTime
			if last < cursor {
				break
			}
			cursor = last + step
		}
	}

	final, err := s.store.CheckIntegrity(ctx, symbol, tf, start, end)
	if err != nil {
		return err
	}
	if !final.Complete() {
		logger.Warnf("[sim] %s %s 补数后仍有 %d 段缺口（present=%d expected=%d）", symbol, tf.Key, len(final.Gaps), final.Present, final.Expected)
	}
	return nil
}

// ManifestInfo 读取本地数据文件的统计信息。
func (s *Service) ManifestInfo(ctx context.Context, symbol, timeframe string) (Manifest, error) {
	if symbol == "" || timeframe == "" {
		return Manifest{}, errors.New("symbol/timeframe 不能为空")
	}
	return s.store.Manifest(ctx, symbol, timeframe)
}

// QueryCandles 读取指定区间K线，给数据接口用。
func (s *Service) QueryCandles(ctx context.Context, symbol, timeframe string, start, end int64, limit int) ([]market.Candle, error) {
	if symbol == "" || timeframe == "" {
		return nil, errors.New("symbol/timeframe 不能为空")
	}
	return s.store.QueryCandles(ctx, symbol, timeframe, start, end, limit)
}

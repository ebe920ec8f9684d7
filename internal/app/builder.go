package app

import (
	"context"
	"fmt"
	"time"

	"sigtra/internal/agent"
	"sigtra/internal/backtest"
	"sigtra/internal/config"
	"sigtra/internal/executor"
	"sigtra/internal/gateway/binance"
	"sigtra/internal/gateway/notifier"
	"sigtra/internal/gateway/venue"
	"sigtra/internal/logger"
	"sigtra/internal/market"
	"sigtra/internal/profile"
	"sigtra/internal/risk"
	"sigtra/internal/signal"
	"sigtra/internal/store"
	"sigtra/internal/store/gormstore"
	httpapi "sigtra/internal/transport/http"
)

// AppBuilder 负责把配置装配成可运行的 App。
// 各 override 字段供测试替换真实外设。
type AppBuilder struct {
	cfg *config.Config

	venueOverride  venue.Venue
	candleOverride market.Source
	rangeOverride  market.RangeSource
	signalOverride signal.Source
	ledgerOverride store.Ledger
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func WithVenue(v venue.Venue) AppBuilderOption {
	return func(b *AppBuilder) { b.venueOverride = v }
}

func WithCandleSource(src market.Source) AppBuilderOption {
	return func(b *AppBuilder) { b.candleOverride = src }
}

func WithRangeSource(src market.RangeSource) AppBuilderOption {
	return func(b *AppBuilder) { b.rangeOverride = src }
}

func WithSignalSource(src signal.Source) AppBuilderOption {
	return func(b *AppBuilder) { b.signalOverride = src }
}

func WithLedger(l store.Ledger) AppBuilderOption {
	return func(b *AppBuilder) { b.ledgerOverride = l }
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	tf, err := market.ParseTimeframe(cfg.Trading.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("解析交易周期失败: %w", err)
	}

	ledger, err := b.resolveLedger(cfg)
	if err != nil {
		return nil, err
	}

	profiles, err := profile.NewRegistry(cfg.Signal.ProfilePath)
	if err != nil {
		return nil, fmt.Errorf("加载 signal profile 失败: %w", err)
	}
	logger.Infof("✓ signal profile 已加载: %s", cfg.Signal.ProfilePath)

	signals := b.resolveSignals(cfg, profiles)

	riskParams := risk.Params{
		MarginBufferPct: cfg.Risk.MarginBufferPct,
		MinTradeSize:    cfg.Risk.MinTradeSize,
		QtyPrecision:    cfg.Risk.QtyPrecision,
		PricePrecision:  cfg.Risk.PricePrecision,
	}

	gw, err := b.resolveGateway(cfg)
	if err != nil {
		return nil, err
	}

	simSvc, err := b.buildSimService(cfg, gw.ranges, ledger, signals, profiles, riskParams)
	if err != nil {
		return nil, err
	}

	var agentSvc *agent.Service
	if cfg.App.Mode == "live" {
		tgClient := newTelegram(cfg.Notify)
		var textNotifier notifier.TextNotifier
		if tgClient != nil {
			textNotifier = tgClient
		}
		agentSvc, err = agent.NewService(agent.ServiceParams{
			Venue:               gw.venue,
			Candles:             gw.candles,
			Signals:             signals,
			Sizer:               risk.NewSizer(riskParams),
			Ledger:              ledger,
			Profiles:            profiles,
			Notifier:            textNotifier,
			Symbol:              cfg.Trading.Symbol,
			Timeframe:           tf,
			WindowSize:          cfg.Trading.WindowSize,
			Leverage:            cfg.Trading.Leverage,
			ConfidenceThreshold: cfg.Signal.ConfidenceThreshold,
			DecisionOffset:      time.Duration(cfg.Trading.DecisionOffsetS) * time.Second,
			RunImmediately:      cfg.Trading.RunImmediately,
			Executor: executor.Config{
				EntryOrderType: cfg.Venue.EntryOrderType,
				EntrySlipPct:   cfg.Venue.EntrySlipPct,
				StopSlipPct:    cfg.Venue.StopSlipPct,
				PollInterval:   time.Duration(cfg.Venue.PollIntervalS) * time.Second,
				PollTimeout:    time.Duration(cfg.Venue.PollTimeoutS) * time.Second,
				PricePrecision: cfg.Risk.PricePrecision,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("初始化实盘服务失败: %w", err)
		}
	}

	httpSrv, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:       cfg.App.HTTPAddr,
		Sim:        simSvc,
		Ledger:     ledger,
		Agent:      agentSvc,
		LiveSymbol: cfg.Trading.Symbol,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 HTTP 服务失败: %w", err)
	}

	return &App{
		cfg:    cfg,
		ledger: ledger,
		sim:    simSvc,
		agent:  agentSvc,
		http:   httpSrv,
		Summary: &StartupSummary{
			Mode:      cfg.App.Mode,
			Symbol:    cfg.Trading.Symbol,
			Timeframe: cfg.Trading.Timeframe,
			Leverage:  cfg.Trading.Leverage,
			Window:    cfg.Trading.WindowSize,
			Risk:      riskParams,
			Signal: SignalSummary{
				Model:     cfg.Signal.Model,
				Threshold: profiles.Threshold(cfg.Signal.ConfidenceThreshold),
				Profile:   cfg.Signal.ProfilePath,
			},
			Store:    cfg.Store.DBPath,
			DataDir:  cfg.Sim.DataDir,
			HTTPAddr: httpSrv.Addr(),
		},
	}, nil
}

func newTelegram(cfg config.NotifyConfig) *notifier.Telegram {
	if !cfg.Telegram.Enabled {
		return nil
	}
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}

func (b *AppBuilder) resolveLedger(cfg *config.Config) (store.Ledger, error) {
	if b.ledgerOverride != nil {
		return b.ledgerOverride, nil
	}
	ledger, err := gormstore.New(cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}
	return ledger, nil
}

func (b *AppBuilder) resolveSignals(cfg *config.Config, profiles *profile.Registry) signal.Source {
	if b.signalOverride != nil {
		return b.signalOverride
	}
	client := &signal.ChatClient{
		BaseURL:      cfg.Signal.APIURL,
		APIKey:       cfg.Signal.APIKey,
		Model:        cfg.Signal.Model,
		Timeout:      time.Duration(cfg.Signal.TimeoutSeconds) * time.Second,
		ExtraHeaders: cfg.Signal.Headers,
	}
	return signal.NewModelSource(client, profiles)
}

// gatewayStack 把交易所客户端按用途拆成三个视角。
type gatewayStack struct {
	venue   venue.Venue        // 下单与账户
	candles market.Source      // 实盘K线窗口
	ranges  market.RangeSource // 回测数据补齐
}

func (b *AppBuilder) resolveGateway(cfg *config.Config) (gatewayStack, error) {
	out := gatewayStack{
		venue:   b.venueOverride,
		candles: b.candleOverride,
		ranges:  b.rangeOverride,
	}
	if out.venue != nil && out.candles != nil && out.ranges != nil {
		return out, nil
	}

	proxyURL := ""
	if cfg.Venue.Proxy.Enabled {
		proxyURL = cfg.Venue.Proxy.RESTURL
	}
	bn, err := binance.New(binance.Config{
		Symbol:         cfg.Trading.Symbol,
		APIKey:         cfg.Venue.APIKey,
		APISecret:      cfg.Venue.APISecret,
		RESTBaseURL:    cfg.Venue.RESTBaseURL,
		ProxyURL:       proxyURL,
		QtyPrecision:   cfg.Risk.QtyPrecision,
		PricePrecision: cfg.Risk.PricePrecision,
		RateLimitRPS:   cfg.Venue.RateLimitRPS,
		RateLimitBurst: cfg.Venue.RateLimitBurst,
	})
	if err != nil {
		return gatewayStack{}, fmt.Errorf("初始化交易所网关失败: %w", err)
	}
	if out.venue == nil {
		out.venue = bn
	}
	if out.candles == nil {
		out.candles = bn
	}
	if out.ranges == nil {
		out.ranges = bn
	}
	return out, nil
}

func (b *AppBuilder) buildSimService(cfg *config.Config, ranges market.RangeSource, ledger store.Ledger, signals signal.Source, profiles *profile.Registry, riskParams risk.Params) (*backtest.Service, error) {
	candleStore, err := backtest.NewCandleStore(cfg.Sim.DataDir)
	if err != nil {
		return nil, fmt.Errorf("初始化K线仓库失败: %w", err)
	}
	svc, err := backtest.NewService(backtest.ServiceConfig{
		Store:   candleStore,
		Source:  ranges,
		Ledger:  ledger,
		Signals: signals,
		Engine: backtest.EngineConfig{
			Symbol:              cfg.Trading.Symbol,
			Timeframe:           cfg.Trading.Timeframe,
			Warmup:              cfg.Sim.WarmupCandles,
			WindowSize:          cfg.Trading.WindowSize,
			ConfidenceThreshold: float64(profiles.Threshold(cfg.Signal.ConfidenceThreshold)),
			PromptHint:          profiles.Hint(),
			MaxSignalCalls:      cfg.Sim.CallBudget,
			MinCallInterval:     time.Duration(cfg.Signal.MinCallIntervalS) * time.Second,
			InitialBalance:      cfg.Sim.InitialBalance,
			Leverage:            float64(cfg.Trading.Leverage),
			Risk:                riskParams,
		},
		MaxConcurrent: cfg.Sim.MaxConcurrentRuns,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化模拟服务失败: %w", err)
	}
	return svc, nil
}

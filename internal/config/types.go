package config

import "strings"

// Config 是 Sigtra 的主配置载体。
type Config struct {
	App     AppConfig     `toml:"app"`
	Trading TradingConfig `toml:"trading"`
	Risk    RiskConfig    `toml:"risk"`
	Venue   VenueConfig   `toml:"venue"`
	Signal  SignalConfig  `toml:"signal"`
	Sim     SimConfig     `toml:"sim"`
	Store   StoreConfig   `toml:"store"`
	Notify  NotifyConfig  `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	Mode     string `toml:"mode"` // "live" | "sim"
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
	// LLMLog 模型请求/响应原文落盘路径，留空关闭。
	LLMLog string `toml:"llm_log"`
}

// TradingConfig 描述本进程唯一交易标的及其周期。
type TradingConfig struct {
	Symbol     string `toml:"symbol"`
	Timeframe  string `toml:"timeframe"`
	Leverage   int    `toml:"leverage"`
	WindowSize int    `toml:"window_size"` // 喂给信号源的滚动K线窗口
	// DecisionOffsetS 收盘后等待多少秒再决策，给交易所留K线落库时间。
	DecisionOffsetS int  `toml:"decision_offset_seconds"`
	RunImmediately  bool `toml:"run_immediately"`
}

// RiskConfig 控制仓位边界。风险比例与保证金安全系数为固定常量，不开放配置。
type RiskConfig struct {
	MarginBufferPct float64 `toml:"margin_buffer_pct"` // 保证金附加缓冲 0.01~0.40
	MinTradeSize    float64 `toml:"min_trade_size"`
	QtyPrecision    int     `toml:"qty_precision"`
	PricePrecision  int     `toml:"price_precision"`
}

// VenueConfig 描述实盘交易所访问方式与下单细节。
type VenueConfig struct {
	APIKey         string      `toml:"api_key"`
	APISecret      string      `toml:"api_secret"`
	RESTBaseURL    string      `toml:"rest_base_url"`
	Proxy          ProxyConfig `toml:"proxy"`
	EntryOrderType string      `toml:"entry_order_type"` // "limit" | "market"
	EntrySlipPct   float64     `toml:"entry_slip_pct"`
	StopSlipPct    float64     `toml:"stop_slip_pct"`
	PollIntervalS  int         `toml:"poll_interval_seconds"`
	PollTimeoutS   int         `toml:"poll_timeout_seconds"`
	RateLimitRPS   float64     `toml:"rate_limit_rps"`
	RateLimitBurst int         `toml:"rate_limit_burst"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
}

// SignalConfig 描述外部信号源（chat completions 兼容接口）。
type SignalConfig struct {
	APIURL              string            `toml:"api_url"`
	APIKey              string            `toml:"api_key"`
	Model               string            `toml:"model"`
	Headers             map[string]string `toml:"headers"`
	TimeoutSeconds      int               `toml:"timeout_seconds"`
	ConfidenceThreshold int               `toml:"confidence_threshold"`
	MinCallIntervalS    int               `toml:"min_call_interval_seconds"`
	ProfilePath         string            `toml:"profile_path"`
}

// SimConfig 控制回测引擎与K线数据目录。
type SimConfig struct {
	DataDir           string  `toml:"data_dir"`
	WarmupCandles     int     `toml:"warmup_candles"`
	CallBudget        int     `toml:"call_budget"`
	InitialBalance    float64 `toml:"initial_balance"`
	MaxConcurrentRuns int     `toml:"max_concurrent_runs"`
}

type StoreConfig struct {
	DBPath string `toml:"db_path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

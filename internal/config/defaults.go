package config

import "strings"

// 默认值常量
const (
	defaultAppEnv          = "dev"
	defaultAppMode         = "sim"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":9893"
	defaultAppLogPath      = "/data/logs/sigtra.log"
	defaultTradingSymbol   = "BTCUSDT"
	defaultTradingTF       = "1h"
	defaultTradingLeverage = 10
	defaultTradingWindow   = 72
	defaultTradingOffset   = 10
	defaultRiskBuffer      = 0.10
	defaultRiskMinSize     = 0.001
	defaultRiskQtyPrec     = 3
	defaultRiskPricePrec   = 1
	defaultVenueREST       = "https://fapi.binance.com"
	defaultVenueOrderType  = "limit"
	defaultVenueEntrySlip  = 0.001
	defaultVenueStopSlip   = 0.01
	defaultVenuePollEvery  = 5
	defaultVenuePollBudget = 60
	defaultVenueRPS        = 8
	defaultVenueBurst      = 16
	defaultSignalTimeout   = 90
	defaultSignalThreshold = 60
	defaultSignalSpacing   = 10
	defaultSignalProfile   = "configs/signal_profile.yaml"
	defaultSimDataDir      = "/data/candles"
	defaultSimWarmup       = 50
	defaultSimBudget       = 200
	defaultSimBalance      = 10000
	defaultSimRuns         = 2
	defaultStoreDBPath     = "/data/db/sigtra.db"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Venue.applyDefaults(keys)
	c.Signal.applyDefaults(keys)
	c.Sim.applyDefaults(keys)
	c.Store.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.mode", &a.Mode, defaultAppMode),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("trading.symbol", &t.Symbol, defaultTradingSymbol),
		stringFieldDefault("trading.timeframe", &t.Timeframe, defaultTradingTF),
		intFieldDefault("trading.leverage", &t.Leverage, defaultTradingLeverage),
		intFieldDefault("trading.window_size", &t.WindowSize, defaultTradingWindow),
		intFieldDefault("trading.decision_offset_seconds", &t.DecisionOffsetS, defaultTradingOffset),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "risk.margin_buffer_pct",
			need:  func() bool { return r.MarginBufferPct <= 0 },
			apply: func() { r.MarginBufferPct = defaultRiskBuffer },
		},
		fieldDefault{
			key:   "risk.min_trade_size",
			need:  func() bool { return r.MinTradeSize <= 0 },
			apply: func() { r.MinTradeSize = defaultRiskMinSize },
		},
		intFieldDefault("risk.qty_precision", &r.QtyPrecision, defaultRiskQtyPrec),
		intFieldDefault("risk.price_precision", &r.PricePrecision, defaultRiskPricePrec),
	)
}

func (v *VenueConfig) applyDefaults(keys keySet) {
	if v == nil {
		return
	}
	v.Proxy.normalize()
	applyFieldDefaults(keys,
		stringFieldDefault("venue.rest_base_url", &v.RESTBaseURL, defaultVenueREST),
		stringFieldDefault("venue.entry_order_type", &v.EntryOrderType, defaultVenueOrderType),
		fieldDefault{
			key:   "venue.entry_slip_pct",
			need:  func() bool { return v.EntrySlipPct <= 0 },
			apply: func() { v.EntrySlipPct = defaultVenueEntrySlip },
		},
		fieldDefault{
			key:   "venue.stop_slip_pct",
			need:  func() bool { return v.StopSlipPct <= 0 },
			apply: func() { v.StopSlipPct = defaultVenueStopSlip },
		},
		intFieldDefault("venue.poll_interval_seconds", &v.PollIntervalS, defaultVenuePollEvery),
		intFieldDefault("venue.poll_timeout_seconds", &v.PollTimeoutS, defaultVenuePollBudget),
		fieldDefault{
			key:   "venue.rate_limit_rps",
			need:  func() bool { return v.RateLimitRPS <= 0 },
			apply: func() { v.RateLimitRPS = defaultVenueRPS },
		},
		intFieldDefault("venue.rate_limit_burst", &v.RateLimitBurst, defaultVenueBurst),
	)
}

func (s *SignalConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("signal.timeout_seconds", &s.TimeoutSeconds, defaultSignalTimeout),
		intFieldDefault("signal.confidence_threshold", &s.ConfidenceThreshold, defaultSignalThreshold),
		intFieldDefault("signal.min_call_interval_seconds", &s.MinCallIntervalS, defaultSignalSpacing),
		stringFieldDefault("signal.profile_path", &s.ProfilePath, defaultSignalProfile),
	)
}

func (s *SimConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("sim.data_dir", &s.DataDir, defaultSimDataDir),
		intFieldDefault("sim.warmup_candles", &s.WarmupCandles, defaultSimWarmup),
		intFieldDefault("sim.call_budget", &s.CallBudget, defaultSimBudget),
		fieldDefault{
			key:   "sim.initial_balance",
			need:  func() bool { return s.InitialBalance <= 0 },
			apply: func() { s.InitialBalance = defaultSimBalance },
		},
		intFieldDefault("sim.max_concurrent_runs", &s.MaxConcurrentRuns, defaultSimRuns),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.db_path", &s.DBPath, defaultStoreDBPath),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Venue.validate(c.App.Mode); err != nil {
		return err
	}
	if err := c.Signal.validate(); err != nil {
		return err
	}
	if err := c.Sim.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	mode := strings.ToLower(strings.TrimSpace(a.Mode))
	if mode != "live" && mode != "sim" {
		return fmt.Errorf("app.mode only supports 'live' or 'sim', got %s", a.Mode)
	}
	a.Mode = mode
	return nil
}

func (t *TradingConfig) validate() error {
	if strings.TrimSpace(t.Symbol) == "" {
		return fmt.Errorf("trading.symbol cannot be empty")
	}
	if !IsValidInterval(t.Timeframe) {
		return fmt.Errorf("trading.timeframe invalid: %s", t.Timeframe)
	}
	if t.Leverage <= 0 {
		return fmt.Errorf("trading.leverage must be > 0")
	}
	if t.WindowSize < 10 {
		return fmt.Errorf("trading.window_size must be >= 10")
	}
	if t.DecisionOffsetS < 0 {
		return fmt.Errorf("trading.decision_offset_seconds must be >= 0")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.MarginBufferPct < 0.01 || r.MarginBufferPct > 0.40 {
		return fmt.Errorf("risk.margin_buffer_pct must be in [0.01, 0.40]")
	}
	if r.MinTradeSize <= 0 {
		return fmt.Errorf("risk.min_trade_size must be > 0")
	}
	if r.QtyPrecision < 0 || r.QtyPrecision > 8 {
		return fmt.Errorf("risk.qty_precision must be in [0, 8]")
	}
	if r.PricePrecision < 0 || r.PricePrecision > 8 {
		return fmt.Errorf("risk.price_precision must be in [0, 8]")
	}
	return nil
}

func (v *VenueConfig) validate(mode string) error {
	orderType := strings.ToLower(strings.TrimSpace(v.EntryOrderType))
	if orderType != "limit" && orderType != "market" {
		return fmt.Errorf("venue.entry_order_type only supports 'limit' or 'market', got %s", v.EntryOrderType)
	}
	v.EntryOrderType = orderType
	if v.PollIntervalS <= 0 || v.PollTimeoutS <= 0 {
		return fmt.Errorf("venue poll interval/timeout must be > 0")
	}
	if v.PollIntervalS > v.PollTimeoutS {
		return fmt.Errorf("venue.poll_interval_seconds cannot exceed poll_timeout_seconds")
	}
	if mode != "live" {
		return nil
	}
	if strings.TrimSpace(v.APIKey) == "" || strings.TrimSpace(v.APISecret) == "" {
		return fmt.Errorf("live mode requires venue.api_key and venue.api_secret")
	}
	return nil
}

func (s *SignalConfig) validate() error {
	if strings.TrimSpace(s.Model) == "" {
		return fmt.Errorf("signal.model cannot be empty")
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 100 {
		return fmt.Errorf("signal.confidence_threshold must be in [0, 100]")
	}
	if s.MinCallIntervalS < 0 {
		return fmt.Errorf("signal.min_call_interval_seconds must be >= 0")
	}
	return nil
}

func (s *SimConfig) validate() error {
	if s.WarmupCandles < 0 {
		return fmt.Errorf("sim.warmup_candles must be >= 0")
	}
	if s.CallBudget < 0 {
		return fmt.Errorf("sim.call_budget must be >= 0")
	}
	if s.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("sim.max_concurrent_runs must be > 0")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

// IsValidInterval 简易校验：以数字开头，以 m/h/d/w 结尾
func IsValidInterval(s string) bool {
	if s == "" {
		return false
	}
	suf := s[len(s)-1]
	if suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

package binance

import (
	"strings"
	"time"
)

type Config struct {
	Symbol    string
	APIKey    string
	APISecret string

	RESTBaseURL string
	HTTPTimeout time.Duration
	ProxyURL    string

	// 委托数量/价格格式化精度（小数位）。
	QtyPrecision   int
	PricePrecision int

	// REST 限速，默认 5 req/s、突发 10。
	RateLimitRPS   float64
	RateLimitBurst int
}

func (c *Config) withDefaults() Config {
	out := *c
	out.Symbol = strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(out.Symbol)), "/", "")
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.ProxyURL = strings.TrimSpace(out.ProxyURL)
	if out.QtyPrecision < 0 {
		out.QtyPrecision = 0
	}
	if out.PricePrecision < 0 {
		out.PricePrecision = 0
	}
	if out.RateLimitRPS <= 0 {
		out.RateLimitRPS = 5
	}
	if out.RateLimitBurst <= 0 {
		out.RateLimitBurst = 10
	}
	return out
}

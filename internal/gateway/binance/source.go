package binance

import (
	"context"
	"fmt"
	"strings"

	"sigtra/internal/market"
	"sigtra/internal/scheduler"
)

const maxHistoryLimit = 1500

// FetchHistory 实现 market.Source：拉取最近 limit 根已收盘K线。
// 币安返回的最后一根可能尚未收盘，这里统一裁掉。
func (v *Venue) FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	symbol = strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(symbol)), "/", "")
	if symbol == "" {
		symbol = v.cfg.Symbol
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval 不能为空")
	}
	if err := v.wait(ctx); err != nil {
		return nil, err
	}
	kls, err := v.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines failed: %w", err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	if dur, ok := scheduler.ParseIntervalDuration(interval); ok {
		out = scheduler.DropUnclosedKline(out, dur)
	}
	return out, nil
}

// FetchRange 实现 market.RangeSource：拉取 OpenTime 在 [start, end] 内的K线。
// 服务端按 startTime 起返回至多 limit 根，调用方负责继续翻页。
func (v *Venue) FetchRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]market.Candle, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	symbol = strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(symbol)), "/", "")
	if symbol == "" {
		symbol = v.cfg.Symbol
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval 不能为空")
	}
	if end > 0 && end < start {
		return nil, fmt.Errorf("invalid range: end %d < start %d", end, start)
	}
	if err := v.wait(ctx); err != nil {
		return nil, err
	}
	svc := v.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
	if start > 0 {
		svc = svc.StartTime(start)
	}
	if end > 0 {
		svc = svc.EndTime(end)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines range failed: %w", err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	if dur, ok := scheduler.ParseIntervalDuration(interval); ok {
		out = scheduler.DropUnclosedKline(out, dur)
	}
	return out, nil
}

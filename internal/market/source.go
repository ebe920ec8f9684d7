package market

import "context"

// Source 提供历史K线。实盘由交易所适配器实现，回测由本地库实现。
type Source interface {
	// FetchHistory 返回按 OpenTime 升序排列的最近 limit 根已收盘K线。
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// RangeSource 支持按毫秒时间区间分页拉取，回测补数据用。
type RangeSource interface {
	Source
	// FetchRange 返回 OpenTime 落在 [start, end] 内的K线，按 OpenTime 升序，
	// 单次最多 limit 根；调用方负责翻页。
	FetchRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]Candle, error)
}

package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"sigtra/internal/fills"
	"sigtra/internal/gateway/venue"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"
)

// 中文说明：
// 币安 U 本位合约适配器。绑定单一品种，所有 REST 调用过限速器。
// 委托提交永不自动重发：重发与否由执行器按自身状态机决定。

// Venue 实现 venue.Venue 与 market.Source。
type Venue struct {
	cfg     Config
	client  *futures.Client
	limiter *rate.Limiter
}

func New(cfg Config) (*Venue, error) {
	final := cfg.withDefaults()
	if final.Symbol == "" {
		return nil, fmt.Errorf("binance venue requires symbol")
	}
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyURL != "" {
		proxyURL, err := url.Parse(final.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Venue{
		cfg:     final,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(final.RateLimitRPS), final.RateLimitBurst),
	}, nil
}

func (v *Venue) Name() string { return "binance-futures" }

// Symbol 返回适配器绑定的品种（交易所格式）。
func (v *Venue) Symbol() string { return v.cfg.Symbol }

func (v *Venue) wait(ctx context.Context) error {
	return v.limiter.Wait(ctx)
}

func (v *Venue) SubmitEntryOrder(ctx context.Context, spec venue.OrderSpec) (venue.OrderAck, error) {
	if err := v.wait(ctx); err != nil {
		return venue.OrderAck{}, err
	}
	svc, err := v.buildOrder(spec)
	if err != nil {
		return venue.OrderAck{}, err
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return venue.OrderAck{}, fmt.Errorf("submit entry order failed: %w", err)
	}
	return venue.OrderAck{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        string(resp.Status),
	}, nil
}

func (v *Venue) PollRecentFills(ctx context.Context, since int64) ([]fills.Fill, error) {
	if err := v.wait(ctx); err != nil {
		return nil, err
	}
	svc := v.client.NewListAccountTradeService().Symbol(v.cfg.Symbol).Limit(1000)
	if since > 0 {
		svc = svc.StartTime(since)
	}
	trades, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("poll fills failed: %w", err)
	}
	out := make([]fills.Fill, 0, len(trades))
	for _, t := range trades {
		if t == nil {
			continue
		}
		out = append(out, fills.Fill{
			Side:      toFillSide(t.Side),
			Size:      parseFloat(t.Quantity),
			Price:     parseFloat(t.Price),
			Timestamp: t.Time,
		})
	}
	return out, nil
}

func (v *Venue) SubmitExitBatch(ctx context.Context, specs [2]venue.OrderSpec) (venue.BatchAck, error) {
	if err := v.wait(ctx); err != nil {
		return venue.BatchAck{}, err
	}
	stopSvc, err := v.buildOrder(specs[0])
	if err != nil {
		return venue.BatchAck{}, err
	}
	targetSvc, err := v.buildOrder(specs[1])
	if err != nil {
		return venue.BatchAck{}, err
	}
	resp, err := v.client.NewCreateBatchOrdersService().
		OrderList([]*futures.CreateOrderService{stopSvc, targetSvc}).
		Do(ctx)
	if err != nil {
		return venue.BatchAck{}, fmt.Errorf("submit exit batch failed: %w", err)
	}

	acks := make(map[string]venue.OrderAck, len(resp.Orders))
	for _, o := range resp.Orders {
		if o == nil {
			continue
		}
		acks[o.ClientOrderID] = venue.OrderAck{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Status:        string(o.Status),
		}
	}
	ack := venue.BatchAck{
		Stop:   acks[specs[0].ClientOrderID],
		Target: acks[specs[1].ClientOrderID],
	}
	for i, oerr := range resp.Errors {
		if oerr != nil {
			return ack, fmt.Errorf("exit batch leg %d rejected: %w", i, oerr)
		}
	}
	if ack.Stop.OrderID == "" || ack.Target.OrderID == "" {
		return ack, fmt.Errorf("exit batch incomplete: got %d acks, want 2", len(acks))
	}
	return ack, nil
}

func (v *Venue) GetOpenPositions(ctx context.Context) ([]venue.Position, error) {
	if err := v.wait(ctx); err != nil {
		return nil, err
	}
	risks, err := v.client.NewGetPositionRiskService().Symbol(v.cfg.Symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get positions failed: %w", err)
	}
	out := make([]venue.Position, 0, len(risks))
	for _, p := range risks {
		if p == nil {
			continue
		}
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := fills.SideBuy
		if amt < 0 {
			side = fills.SideSell
			amt = -amt
		}
		out = append(out, venue.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          amt,
			EntryPrice:    parseFloat(p.EntryPrice),
			Leverage:      parseFloat(p.Leverage),
			UnrealizedPnl: parseFloat(p.UnRealizedProfit),
		})
	}
	return out, nil
}

func (v *Venue) OpenExitOrders(ctx context.Context) ([]venue.OpenOrder, error) {
	if err := v.wait(ctx); err != nil {
		return nil, err
	}
	orders, err := v.client.NewListOpenOrdersService().Symbol(v.cfg.Symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open orders failed: %w", err)
	}
	out := make([]venue.OpenOrder, 0, len(orders))
	for _, o := range orders {
		if o == nil || !o.ReduceOnly {
			continue
		}
		out = append(out, venue.OpenOrder{
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Side:          toFillSide(o.Side),
			Type:          fromBinanceType(o.Type),
			Quantity:      parseFloat(o.OrigQuantity),
			Price:         parseFloat(o.Price),
			StopPrice:     parseFloat(o.StopPrice),
			ReduceOnly:    o.ReduceOnly,
		})
	}
	return out, nil
}

// GetBalance 汇总合约账户稳定币的可用余额。
func (v *Venue) GetBalance(ctx context.Context) (float64, error) {
	if err := v.wait(ctx); err != nil {
		return 0, err
	}
	account, err := v.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("get account failed: %w", err)
	}
	var available float64
	for _, asset := range account.Assets {
		if asset == nil {
			continue
		}
		switch asset.Asset {
		case "USDT", "USDC", "BUSD":
			available += parseFloat(asset.AvailableBalance)
		}
	}
	return available, nil
}

func (v *Venue) GetPrice(ctx context.Context) (float64, error) {
	if err := v.wait(ctx); err != nil {
		return 0, err
	}
	prices, err := v.client.NewListPricesService().Symbol(v.cfg.Symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("get price failed: %w", err)
	}
	for _, p := range prices {
		if p == nil {
			continue
		}
		if px := parseFloat(p.Price); px > 0 {
			return px, nil
		}
	}
	return 0, fmt.Errorf("no price for %s", v.cfg.Symbol)
}

// buildOrder 把 OrderSpec 翻译成 SDK 请求。数量/价格按配置精度格式化。
func (v *Venue) buildOrder(spec venue.OrderSpec) (*futures.CreateOrderService, error) {
	if spec.Quantity <= 0 {
		return nil, fmt.Errorf("order quantity must be positive, got %v", spec.Quantity)
	}
	svc := v.client.NewCreateOrderService().
		Symbol(v.cfg.Symbol).
		Side(toBinanceSide(spec.Side)).
		Quantity(v.fmtQty(spec.Quantity))
	if spec.ClientOrderID != "" {
		svc = svc.NewClientOrderID(spec.ClientOrderID)
	}
	switch spec.Type {
	case venue.OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case venue.OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(v.fmtPrice(spec.Price))
	case venue.OrderTypeStopLimit:
		svc = svc.Type(futures.OrderTypeStop).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(v.fmtPrice(spec.Price)).
			StopPrice(v.fmtPrice(spec.StopPrice))
	case venue.OrderTypeTakeProfitLimit:
		svc = svc.Type(futures.OrderTypeTakeProfit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(v.fmtPrice(spec.Price)).
			StopPrice(v.fmtPrice(spec.StopPrice))
	default:
		return nil, fmt.Errorf("unsupported order type: %s", spec.Type)
	}
	if spec.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	return svc, nil
}

func (v *Venue) fmtQty(q float64) string {
	return strconv.FormatFloat(q, 'f', v.cfg.QtyPrecision, 64)
}

func (v *Venue) fmtPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', v.cfg.PricePrecision, 64)
}

func toBinanceSide(s fills.Side) futures.SideType {
	if s == fills.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func toFillSide(s futures.SideType) fills.Side {
	if s == futures.SideTypeSell {
		return fills.SideSell
	}
	return fills.SideBuy
}

func fromBinanceType(t futures.OrderType) venue.OrderType {
	switch t {
	case futures.OrderTypeStop, futures.OrderTypeStopMarket:
		return venue.OrderTypeStopLimit
	case futures.OrderTypeTakeProfit, futures.OrderTypeTakeProfitMarket:
		return venue.OrderTypeTakeProfitLimit
	case futures.OrderTypeMarket:
		return venue.OrderTypeMarket
	default:
		return venue.OrderTypeLimit
	}
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

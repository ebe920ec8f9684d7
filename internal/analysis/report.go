package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"sigtra/internal/backtest"
	"sigtra/internal/fills"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBull          = "#34d399"
	colorBear          = "#f87171"
	colorEquity        = "#3b82f6"

	chartWidthPx   = 1400
	equityHeightPx = 560
	pnlHeightPx    = 300
)

// ReportInput 汇总一次模拟的全部展示数据。
type ReportInput struct {
	Run    backtest.Run
	Trades []fills.ClosedTrade
	Equity []backtest.EquityPoint
}

// BuildReportHTML 生成资金曲线 + 单笔盈亏的报表页面。
func BuildReportHTML(input ReportInput) ([]byte, error) {
	if len(input.Equity) == 0 {
		return nil, fmt.Errorf("run %s 没有资金曲线数据", input.Run.ID)
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.AddCharts(buildEquityChart(input), buildTradePnlChart(input))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderReportPNG 先构建 HTML 再用 headless chrome 截图。
// chrome 不可用时返回错误，调用方退回 HTML。
func RenderReportPNG(ctx context.Context, input ReportInput) ([]byte, error) {
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return nil, fmt.Errorf("headless chrome 不可用: %w", err)
	}
	html, err := BuildReportHTML(input)
	if err != nil {
		return nil, err
	}
	height := equityHeightPx + pnlHeightPx + 120
	return renderHTMLToPNG(ctx, html, chartWidthPx, height)
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable 探测一次 headless chrome，结果缓存进程级。
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		if cancel != nil {
			defer cancel()
		}
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

func buildEquityChart(input ReportInput) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", equityHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title:         fmt.Sprintf("%s %s 模拟结果", strings.ToUpper(input.Run.Symbol), input.Run.Timeframe),
			Subtitle:      statsSubtitle(input.Run.Stats),
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)

	xAxis := make([]string, len(input.Equity))
	data := make([]opts.LineData, len(input.Equity))
	for i, p := range input.Equity {
		xAxis[i] = formatTS(p.TS)
		data[i] = opts.LineData{Value: round(p.Equity, 2)}
	}
	line.SetXAxis(xAxis)
	line.AddSeries("Equity", data,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	return line
}

func buildTradePnlChart(input ReportInput) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", pnlHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "单笔盈亏", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			SplitNumber: 6,
			AxisLabel:   &opts.AxisLabel{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)

	xAxis := make([]string, len(input.Trades))
	data := make([]opts.BarData, len(input.Trades))
	for i, tr := range input.Trades {
		xAxis[i] = formatTS(tr.ExitTime)
		color := colorBear
		if tr.Pnl >= 0 {
			color = colorBull
		}
		data[i] = opts.BarData{
			Value: round(tr.Pnl, 2),
			ItemStyle: &opts.ItemStyle{
				Color:   color,
				Opacity: opts.Float(0.8),
			},
		}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("PnL", data)
	return bar
}

func statsSubtitle(s backtest.RunStats) string {
	return fmt.Sprintf("PnL %.2f | 胜率 %.1f%% | PF %.2f | 最大回撤 %.2f (%.2f%%) | 交易 %d | 信号 %d",
		s.TotalPnl, s.WinRate*100, s.ProfitFactor, s.MaxDrawdown, s.MaxDrawdownPct*100, s.Trades, s.SignalCalls)
}

func formatTS(ts int64) string {
	return time.UnixMilli(ts).UTC().Format("01-02 15:04")
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, 20*time.Second)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}

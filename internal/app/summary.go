package app

import (
	"fmt"
	"strings"

	"sigtra/internal/risk"
)

type StartupSummary struct {
	Mode      string
	Symbol    string
	Timeframe string
	Leverage  int
	Window    int
	Risk      risk.Params
	Signal    SignalSummary
	Store     string
	DataDir   string
	HTTPAddr  string
}

type SignalSummary struct {
	Model     string
	Threshold int
	Profile   string
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[交易 (TRADING)]")
	fmt.Printf("  运行模式: %s\n", s.Mode)
	fmt.Printf("  交易标的: %s @ %s\n", s.Symbol, s.Timeframe)
	fmt.Printf("  杠杆倍数: %dx\n", s.Leverage)
	fmt.Printf("  信号窗口: %d 根K线\n", s.Window)
	fmt.Println()

	fmt.Println("[风控 (RISK)]")
	fmt.Printf("  保证金缓冲: %.0f%%\n", s.Risk.MarginBufferPct*100)
	fmt.Printf("  最小数量: %v\n", s.Risk.MinTradeSize)
	fmt.Printf("  数量/价格精度: %d / %d 位小数\n", s.Risk.QtyPrecision, s.Risk.PricePrecision)
	fmt.Println()

	fmt.Println("[信号源 (SIGNAL)]")
	fmt.Printf("  模型: %s\n", s.Signal.Model)
	fmt.Printf("  置信阈值: %d\n", s.Signal.Threshold)
	fmt.Printf("  profile: %s\n", s.Signal.Profile)
	fmt.Println()

	fmt.Println("[存储与接口 (STORAGE & API)]")
	fmt.Printf("  数据库: %s\n", s.Store)
	fmt.Printf("  K线目录: %s\n", s.DataDir)
	fmt.Printf("  HTTP 监听: %s\n", s.HTTPAddr)
	fmt.Println(strings.Repeat("=", 80))
}

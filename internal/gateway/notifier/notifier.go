package notifier

import (
	"strings"
	"time"
)

// 中文说明：
// 交易事件推送。业务层组卡片文本，发送走 TextNotifier，
// 发送失败如何处置由调用方决定。

// TextNotifier 发送纯文本的最小出口，业务层不依赖具体渠道。
type TextNotifier interface {
	SendText(text string) error
}

// Telegram 单条消息上限 4096 字符，留出余量截断。
const maxCardLen = 3800

// Card 一条推送卡片：标题行、等宽明细块、时间戳。
type Card struct {
	Icon  string
	Title string
	Lines []string
	At    time.Time
}

// Render 生成 Markdown 文本。明细进代码块，避免价格数字里的
// 符号被 Telegram 的 Markdown 解析吃掉。
func (c Card) Render() string {
	var b strings.Builder
	if head := strings.TrimSpace(c.Icon + " " + c.Title); head != "" {
		b.WriteString(head)
		b.WriteString("\n\n")
	}
	lines := make([]string, 0, len(c.Lines))
	for _, line := range c.Lines {
		if s := strings.TrimSpace(line); s != "" {
			lines = append(lines, escapeFence(s))
		}
	}
	if len(lines) > 0 {
		b.WriteString("```\n")
		for _, line := range lines {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("```\n\n")
	}
	if !c.At.IsZero() {
		b.WriteString("时间：" + c.At.Format("2006-01-02 15:04:05 MST"))
	}
	out := strings.TrimSpace(b.String())
	if len(out) > maxCardLen {
		out = out[:maxCardLen] + "..."
	}
	return out
}

func escapeFence(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}

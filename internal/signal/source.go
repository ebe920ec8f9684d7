package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sigtra/internal/logger"
	"sigtra/internal/market"
)

// 中文说明：
// ModelSource：兼容 OpenAI / DeepSeek / Qwen 的聊天补全信号源。
// 模型输出经过 提取 -> schema 校验 -> 解码 三道关卡，
// 任何一道失败都兜底为 hold，绝不让脏输出传播成崩溃。

const systemPrompt = `You are a directional signal generator for a single-instrument futures strategy.
Respond with exactly one JSON object and nothing else:
{"direction":"long|short|hold","confidence":0-100,"stop_loss_distance":<positive price delta>,"take_profit_distance":<positive price delta>,"reason":"<short text>"}
Use "hold" with confidence 0 when there is no edge. Distances are absolute price deltas from the current price.`

// ChatClient 调用 /v1/chat/completions 风格接口。
type ChatClient struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// 对 429/5xx 的有限重试次数，0 表示默认重试 2 次。
	MaxRetries   int
	ExtraHeaders map[string]string
}

// CallWithMessages 发送一轮对话并返回首个 choice 的内容。
func (c *ChatClient) CallWithMessages(ctx context.Context, systemMsg, userMsg string) (string, error) {
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	// 规范化 BaseURL，兼容用户把完整路径写进配置的情况。
	url := strings.TrimRight(c.BaseURL, "/")
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	url = strings.TrimSuffix(url, "/chat/completions") + "/chat/completions"

	messages := []map[string]string{}
	if systemMsg != "" {
		messages = append(messages, map[string]string{"role": "system", "content": systemMsg})
	}
	messages = append(messages, map[string]string{"role": "user", "content": userMsg})
	body, _ := json.Marshal(map[string]any{"model": c.Model, "messages": messages, "temperature": 0.3})

	logger.LogLLMRequest(c.Model, systemMsg, userMsg)

	httpc := &http.Client{Timeout: c.Timeout}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}
		for k, v := range c.ExtraHeaders {
			req.Header.Set(k, v)
		}

		resp, err := httpc.Do(req)
		if err != nil {
			return "", err
		}
		if resp.StatusCode/100 == 2 {
			var r struct {
				Choices []struct {
					Message struct {
						Content string `json:"content"`
					} `json:"message"`
				} `json:"choices"`
			}
			derr := json.NewDecoder(resp.Body).Decode(&r)
			resp.Body.Close()
			if derr != nil {
				return "", derr
			}
			if len(r.Choices) == 0 {
				return "", fmt.Errorf("empty choices")
			}
			logger.LogLLMResponse(c.Model, r.Choices[0].Message.Content)
			return r.Choices[0].Message.Content, nil
		}

		var eresp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&eresp)
		msg := strings.TrimSpace(eresp.Error.Message)
		if msg == "" {
			msg = resp.Status
		}
		retryable := resp.StatusCode == 429 || resp.StatusCode >= 500
		wait := time.Duration(0)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		resp.Body.Close()
		lastErr = fmt.Errorf("status=%d: %s", resp.StatusCode, msg)
		if !retryable || attempt == maxRetries {
			break
		}
		if wait == 0 {
			// 基本指数退避：0.8s, 1.6s, 3.2s ...
			wait = 800 * time.Millisecond << attempt
			if wait > 8*time.Second {
				wait = 8 * time.Second
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", lastErr
}

// SchemaChecker 对提取出的 JSON 做 profile 级 schema 校验。
type SchemaChecker interface {
	CheckSignal(raw string) error
}

// ModelSource 把聊天模型包装成 Source。
type ModelSource struct {
	Client *ChatClient
	// Schema 可选；为 nil 时只做内置结构校验。
	Schema SchemaChecker
}

// NewModelSource 构造模型信号源。
func NewModelSource(client *ChatClient, schema SchemaChecker) *ModelSource {
	return &ModelSource{Client: client, Schema: schema}
}

// Propose 调用模型并解析信号。解析失败兜底 hold；
// 传输层错误同样返回 hold 结果，同时把错误交给调用方记录。
func (m *ModelSource) Propose(ctx context.Context, req Request) (Result, error) {
	userPrompt := renderUserPrompt(req)
	out, err := m.Client.CallWithMessages(ctx, systemPrompt, userPrompt)
	if err != nil {
		return Result{Signal: Hold("模型调用失败"), Fallback: true}, err
	}

	rawJSON, ok := ExtractJSONObject(out)
	if !ok {
		logger.Warnf("信号输出中未找到 JSON 对象，兜底 hold")
		return Result{Signal: Hold("输出缺少 JSON"), RawOutput: out, Fallback: true}, nil
	}
	if m.Schema != nil {
		if serr := m.Schema.CheckSignal(rawJSON); serr != nil {
			logger.Warnf("信号 schema 校验失败: %v", serr)
			return Result{Signal: Hold("schema 校验失败"), RawOutput: out, RawJSON: rawJSON, Fallback: true}, nil
		}
	}
	sig, derr := Decode(rawJSON)
	if derr != nil {
		logger.Warnf("信号解码失败: %v", derr)
		return Result{Signal: Hold("信号解码失败"), RawOutput: out, RawJSON: rawJSON, Fallback: true}, nil
	}
	return Result{Signal: sig, RawOutput: out, RawJSON: rawJSON}, nil
}

// renderUserPrompt 组装市场上下文：指标快照 + K线尾部 + 近期交易 + profile 提示。
func renderUserPrompt(req Request) string {
	var b strings.Builder
	if snap, err := market.BuildSnapshot(req.Symbol, req.Timeframe, req.Candles); err == nil {
		b.WriteString("## Indicators\n")
		b.WriteString(snap.Render())
		b.WriteString("\n\n")
	}
	b.WriteString("## Recent candles (time,open,high,low,close,volume)\n")
	tail := req.Candles
	if len(tail) > 12 {
		tail = tail[len(tail)-12:]
	}
	for _, c := range tail {
		fmt.Fprintf(&b, "%d,%.4f,%.4f,%.4f,%.4f,%.2f\n", c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	if len(req.RecentTrades) > 0 {
		b.WriteString("\n## Recent closed trades\n")
		trades := req.RecentTrades
		if len(trades) > 5 {
			trades = trades[len(trades)-5:]
		}
		for _, t := range trades {
			fmt.Fprintf(&b, "%s %.4f -> %.4f size=%.4f pnl=%.4f\n", t.Side, t.EntryPrice, t.ExitPrice, t.Size, t.Pnl)
		}
	}
	if hint := strings.TrimSpace(req.Hint); hint != "" {
		b.WriteString("\n## Strategy notes\n")
		b.WriteString(hint)
		b.WriteString("\n")
	}
	return b.String()
}

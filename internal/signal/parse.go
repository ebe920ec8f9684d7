package signal

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractJSONObject 提取首个完整 JSON 对象，返回对象文本与是否成功。
// 模型经常在 JSON 前后包裹解释文字或代码块标记，这里按括号深度扫描。
func ExtractJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start == -1 {
		return "", false
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case ch == '\\':
				esc = true
			case ch == '"':
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1]), true
			}
		}
	}
	return "", false
}

// CheckSignalJSON 对提取到的 JSON 做结构校验：
// 根节点为对象、direction 为字符串、三个数值字段存在且可解析。
func CheckSignalJSON(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("json 内容为空")
	}
	if !gjson.Valid(raw) {
		return fmt.Errorf("json 格式无效")
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return fmt.Errorf("根节点必须是 JSON 对象")
	}
	dir := parsed.Get("direction")
	if !dir.Exists() || strings.TrimSpace(dir.String()) == "" {
		return fmt.Errorf("缺少 direction 字段")
	}
	for _, key := range []string{"confidence", "stop_loss_distance", "take_profit_distance"} {
		node := parsed.Get(key)
		if !node.Exists() {
			return fmt.Errorf("缺少 %s 字段", key)
		}
		if node.Type == gjson.Null {
			return fmt.Errorf("%s 不能为 null", key)
		}
	}
	return nil
}

// Decode 把 JSON 对象解码成 Signal。
// 数值字段用 gjson 弱类型读取，兼容模型把数字写成字符串的情况。
func Decode(rawJSON string) (Signal, error) {
	if err := CheckSignalJSON(rawJSON); err != nil {
		return Signal{}, err
	}
	parsed := gjson.Parse(rawJSON)
	sig := Signal{
		Direction:          Direction(strings.ToLower(strings.TrimSpace(parsed.Get("direction").String()))),
		Confidence:         int(parsed.Get("confidence").Int()),
		StopLossDistance:   parsed.Get("stop_loss_distance").Float(),
		TakeProfitDistance: parsed.Get("take_profit_distance").Float(),
		Reason:             strings.TrimSpace(parsed.Get("reason").String()),
	}
	if err := Validate(sig); err != nil {
		return Signal{}, err
	}
	return sig, nil
}

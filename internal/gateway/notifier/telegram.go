package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const sendAttempts = 3

// Telegram 通过 Bot API 向固定会话推送文本。
type Telegram struct {
	token  string
	chatID string
	client *http.Client
}

func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// SendText 发送 Markdown 文本，失败后线性退避重试。
func (t *Telegram) SendText(text string) error {
	if t.token == "" || t.chatID == "" {
		return fmt.Errorf("telegram 缺少 bot_token 或 chat_id")
	}
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if err := t.post(text); err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt) * time.Second)
			continue
		}
		return nil
	}
	return lastErr
}

func (t *Telegram) post(text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return err
	}
	url := "https://api.telegram.org/bot" + t.token + "/sendMessage"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("telegram sendMessage status=%d", resp.StatusCode)
	}
	return nil
}

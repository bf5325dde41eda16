package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSender 通过 Slack incoming webhook 发送消息。
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// NewWebhookSender 创建 WebhookSender。
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

// Send 以 {"text": ...} 格式投递消息。
func (s *WebhookSender) Send(ctx context.Context, content string) error {
	if s == nil || s.URL == "" {
		return fmt.Errorf("未配置 Slack webhook")
	}
	body, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 Slack 消息失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("Slack webhook 返回 %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}
	return nil
}

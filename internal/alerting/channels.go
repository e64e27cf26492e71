package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"risk-pipeline/internal/schema"
)

const channelTimeout = 10 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: channelTimeout}
}

// postJSON posts payload and treats any non-2xx status as an error.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// WebhookChannel posts the alert JSON to an HTTP endpoint.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a new webhook channel.
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	if name == "" {
		name = "webhook"
	}
	return &WebhookChannel{name: name, url: url, headers: headers, client: newHTTPClient()}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	if err := postJSON(ctx, w.client, w.url, w.headers, alert); err != nil {
		return fmt.Errorf("webhook %s: %w", w.name, err)
	}
	return nil
}

// SlackChannel sends alerts to a Slack incoming webhook.
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

// NewSlackChannel creates a new Slack channel.
func NewSlackChannel(webhookURL, channel, username string) *SlackChannel {
	return &SlackChannel{webhookURL: webhookURL, channel: channel, username: username, client: newHTTPClient()}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert *Alert) error {
	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":  levelColor(alert.Level),
				"title":  fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Level)), alert.Title),
				"text":   alert.Description,
				"fields": s.buildFields(alert),
				"footer": fmt.Sprintf("Alert ID: %s | Trace: %s", alert.ShortID(), alert.TraceID),
				"ts":     alert.CreatedAt.Unix(),
			},
		},
	}
	if s.channel != "" {
		payload["channel"] = s.channel
	}
	if s.username != "" {
		payload["username"] = s.username
	}

	if err := postJSON(ctx, s.client, s.webhookURL, nil, payload); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

func (s *SlackChannel) buildFields(alert *Alert) []map[string]interface{} {
	fields := []map[string]interface{}{
		{"title": "Score", "value": fmt.Sprintf("%.2f", alert.Score), "short": true},
		{"title": "Action", "value": string(alert.Action), "short": true},
		{"title": "Value", "value": alert.ValueETH + " ETH", "short": true},
		{"title": "Transaction", "value": alert.TxHash, "short": false},
		{"title": "From", "value": alert.From, "short": false},
		{"title": "To", "value": alert.To, "short": false},
	}
	if len(alert.Factors) > 0 {
		fields = append(fields, map[string]interface{}{
			"title": "Factors", "value": strings.Join(alert.Factors, ", "), "short": false,
		})
	}
	return fields
}

// DingTalkChannel sends alerts to a DingTalk robot webhook.
type DingTalkChannel struct {
	webhookURL string
	client     *http.Client
}

// NewDingTalkChannel creates a new DingTalk channel.
func NewDingTalkChannel(webhookURL string) *DingTalkChannel {
	return &DingTalkChannel{webhookURL: webhookURL, client: newHTTPClient()}
}

func (d *DingTalkChannel) Name() string {
	return "dingtalk"
}

func (d *DingTalkChannel) Send(ctx context.Context, alert *Alert) error {
	payload := map[string]interface{}{
		"msgtype": "markdown",
		"markdown": map[string]interface{}{
			"title": alert.Title,
			"text":  markdownBody(alert),
		},
	}
	if err := postJSON(ctx, d.client, d.webhookURL, nil, payload); err != nil {
		return fmt.Errorf("dingtalk: %w", err)
	}
	return nil
}

// FeishuChannel sends alerts to a Feishu (Lark) bot webhook.
type FeishuChannel struct {
	webhookURL string
	client     *http.Client
}

// NewFeishuChannel creates a new Feishu channel.
func NewFeishuChannel(webhookURL string) *FeishuChannel {
	return &FeishuChannel{webhookURL: webhookURL, client: newHTTPClient()}
}

func (f *FeishuChannel) Name() string {
	return "feishu"
}

func (f *FeishuChannel) Send(ctx context.Context, alert *Alert) error {
	payload := map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"title":    map[string]interface{}{"tag": "plain_text", "content": alert.Title},
				"template": feishuTemplate(alert.Level),
			},
			"elements": []map[string]interface{}{
				{"tag": "markdown", "content": markdownBody(alert)},
			},
		},
	}
	if err := postJSON(ctx, f.client, f.webhookURL, nil, payload); err != nil {
		return fmt.Errorf("feishu: %w", err)
	}
	return nil
}

// TelegramChannel sends alerts to a Telegram chat.
type TelegramChannel struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
		client:   newHTTPClient(),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert *Alert) error {
	text := fmt.Sprintf("*[%s] %s*\n\n%s\n\n*Tx:* %s\n*Value:* %s ETH\n*Action:* %s",
		strings.ToUpper(string(alert.Level)),
		escapeMarkdown(alert.Title),
		escapeMarkdown(alert.Description),
		escapeMarkdown(alert.TxHash),
		escapeMarkdown(alert.ValueETH),
		alert.Action,
	)
	if len(alert.Factors) > 0 {
		text += fmt.Sprintf("\n*Factors:* %s", escapeMarkdown(strings.Join(alert.Factors, ", ")))
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	}
	if err := postJSON(ctx, t.client, url, nil, payload); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// LogChannel writes alerts to the structured log.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a new log channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(_ context.Context, alert *Alert) error {
	l.logger.Warn("risk alert",
		"trace_id", alert.TraceID,
		"tx_hash", alert.TxHash,
		"chain", alert.Chain,
		"score", alert.Score,
		"level", alert.Level,
		"action", alert.Action,
		"value_eth", alert.ValueETH,
		"factors", alert.Factors,
	)
	return nil
}

// Publisher writes a keyed message to a stream.
type Publisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

// KafkaChannel publishes the alert JSON to the alerts topic.
type KafkaChannel struct {
	publisher Publisher
}

// NewKafkaChannel creates a channel publishing through p.
func NewKafkaChannel(p Publisher) *KafkaChannel {
	return &KafkaChannel{publisher: p}
}

func (k *KafkaChannel) Name() string {
	return "kafka"
}

func (k *KafkaChannel) Send(ctx context.Context, alert *Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("kafka: marshal alert: %w", err)
	}
	if err := k.publisher.Publish(ctx, []byte(alert.TxHash), data); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	return nil
}

func markdownBody(alert *Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n\n", alert.Title)
	fmt.Fprintf(&b, "- **Score:** %.2f (%s)\n", alert.Score, alert.Level)
	fmt.Fprintf(&b, "- **Action:** %s\n", alert.Action)
	fmt.Fprintf(&b, "- **Tx:** %s\n", alert.TxHash)
	fmt.Fprintf(&b, "- **From:** %s\n", alert.From)
	fmt.Fprintf(&b, "- **To:** %s\n", alert.To)
	fmt.Fprintf(&b, "- **Value:** %s ETH\n", alert.ValueETH)
	if len(alert.Factors) > 0 {
		fmt.Fprintf(&b, "- **Factors:** %s\n", strings.Join(alert.Factors, ", "))
	}
	fmt.Fprintf(&b, "\nTrace: %s", alert.TraceID)
	return b.String()
}

func levelColor(level schema.Level) string {
	switch level {
	case schema.LevelCritical:
		return "#FF0000"
	case schema.LevelHigh:
		return "#FFA500"
	case schema.LevelMedium:
		return "#FFFF00"
	case schema.LevelLow:
		return "#00FF00"
	default:
		return "#808080"
	}
}

func feishuTemplate(level schema.Level) string {
	switch level {
	case schema.LevelCritical:
		return "red"
	case schema.LevelHigh:
		return "orange"
	case schema.LevelMedium:
		return "yellow"
	default:
		return "green"
	}
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"(", "\\(",
		")", "\\)",
		"~", "\\~",
		"`", "\\`",
		">", "\\>",
		"#", "\\#",
		"+", "\\+",
		"-", "\\-",
		"=", "\\=",
		"|", "\\|",
		"{", "\\{",
		"}", "\\}",
		".", "\\.",
		"!", "\\!",
	)
	return replacer.Replace(s)
}

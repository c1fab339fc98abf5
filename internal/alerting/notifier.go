package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// FailedCheck is one check that did not pass in the alerted run.
type FailedCheck struct {
	Name     string
	Accuracy decimal.Decimal
	Error    string
}

// Notification describes a degraded quality run.
type Notification struct {
	RunID         string
	Timestamp     time.Time
	OverallScore  decimal.Decimal
	MinScore      decimal.Decimal
	PassedChecks  int
	TotalChecks   int
	Failed        []FailedCheck
	Channels      []string
	AdditionalMsg string
}

// Notifier delivers quality alerts.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier posts alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds the Telegram channel.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered alert.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("run_id", note.RunID).
		Str("score", note.OverallScore.StringFixed(1)).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("alert sent (telegram)")
	return nil
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds the log channel.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the alert at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	names := make([]string, 0, len(note.Failed))
	for _, f := range note.Failed {
		names = append(names, f.Name)
	}
	n.logger.Warn().
		Str("run_id", note.RunID).
		Str("score", note.OverallScore.StringFixed(1)).
		Str("min_score", note.MinScore.StringFixed(1)).
		Strs("failed_checks", names).
		Msg("data quality degraded")
	return nil
}

// Multi fans a notification out to every notifier, joining their errors.
type Multi []Notifier

// Notify delivers to all notifiers even when some fail.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[Data Quality Alert]\n")
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.Timestamp.UTC().Format(time.RFC3339)))
	if note.RunID != "" {
		builder.WriteString(fmt.Sprintf("Run: %s\n", note.RunID))
	}
	builder.WriteString(fmt.Sprintf("Score: %s%% (minimum %s%%)\n", note.OverallScore.StringFixed(1), note.MinScore.StringFixed(1)))
	builder.WriteString(fmt.Sprintf("Checks passed: %d/%d\n", note.PassedChecks, note.TotalChecks))
	for _, f := range note.Failed {
		if f.Error != "" {
			builder.WriteString(fmt.Sprintf("- %s: error: %s\n", f.Name, f.Error))
			continue
		}
		builder.WriteString(fmt.Sprintf("- %s: %s%%\n", f.Name, f.Accuracy.StringFixed(2)))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)

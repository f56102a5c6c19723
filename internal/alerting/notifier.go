package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"treasury-metrics/internal/domain"
)

// Kind distinguishes a degraded-but-persisted cycle from a failed one.
type Kind string

const (
	KindFallback Kind = "fallback"
	KindFailure  Kind = "failure"
)

// TierOutcome is one price tier consultation as shown to operators.
type TierOutcome struct {
	Tier    string
	Outcome string
}

// Notification carries the context of a degraded aggregation cycle.
type Notification struct {
	Kind     Kind
	Asset    string
	CycleID  uuid.UUID
	Source   domain.PriceSource
	Price    decimal.Decimal
	Attempts []TierOutcome
	Stage    string
	Err      string
	At       time.Time
}

// Notifier delivers notifications to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
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

// Notify calls sendMessage with the rendered text.
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
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("asset", note.Asset).
		Str("kind", string(note.Kind)).
		Str("cycle_id", note.CycleID.String()).
		Msg("alert sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindFailure:
		builder.WriteString(fmt.Sprintf("[Treasury Metrics] cycle FAILED for %s\n", note.Asset))
	default:
		builder.WriteString(fmt.Sprintf("[Treasury Metrics] degraded price for %s\n", note.Asset))
	}
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	if note.CycleID != uuid.Nil {
		builder.WriteString(fmt.Sprintf("Cycle: %s\n", note.CycleID))
	}
	if note.Source != "" {
		builder.WriteString(fmt.Sprintf("Source: %s\n", note.Source))
	}
	if note.Price.IsPositive() {
		builder.WriteString(fmt.Sprintf("Price: %s\n", note.Price.String()))
	}
	for _, a := range note.Attempts {
		builder.WriteString(fmt.Sprintf("  %s: %s\n", a.Tier, a.Outcome))
	}
	if note.Stage != "" {
		builder.WriteString(fmt.Sprintf("Stage: %s\n", note.Stage))
	}
	if note.Err != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Err))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)

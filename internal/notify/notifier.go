package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// EventKind classifies agent notifications.
type EventKind string

const (
	KindProposalSubmitted EventKind = "proposal_submitted"
	KindRunFailed         EventKind = "run_failed"
)

// Event captures one announcement about agent activity.
type Event struct {
	Kind       EventKind
	Address    string
	Symbol     string
	AmountETH  decimal.Decimal
	TxHash     string
	ProposalID string
	Error      string
	At         time.Time
}

// Notifier delivers agent events to an operator channel. Delivery is best
// effort; the pipeline never blocks on it.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
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
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

// Notify sends the rendered event text via the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(event),
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

	n.logger.Info().Str("kind", string(event.Kind)).Str("address", event.Address).Msg("notification sent")
	return nil
}

func renderMessage(event Event) string {
	builder := strings.Builder{}
	switch event.Kind {
	case KindProposalSubmitted:
		builder.WriteString("[Treasury Agent] Proposal submitted\n")
	case KindRunFailed:
		builder.WriteString("[Treasury Agent] Run failed\n")
	default:
		builder.WriteString("[Treasury Agent]\n")
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", event.At.UTC().Format(time.RFC3339)))
	if event.Symbol != "" {
		builder.WriteString(fmt.Sprintf("Asset: %s (%s)\n", event.Symbol, event.Address))
	} else if event.Address != "" {
		builder.WriteString(fmt.Sprintf("Asset: %s\n", event.Address))
	}
	if event.AmountETH.IsPositive() {
		builder.WriteString(fmt.Sprintf("Amount: %s ETH\n", event.AmountETH.String()))
	}
	if event.TxHash != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", event.TxHash))
	}
	if event.ProposalID != "" {
		builder.WriteString(fmt.Sprintf("Proposal: %s\n", event.ProposalID))
	}
	if event.Error != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", event.Error))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)

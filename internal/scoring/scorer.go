package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/shopspring/decimal"
)

// AssetContext is the structured context handed to the judgment capability.
type AssetContext struct {
	Address        string           `json:"address"`
	Symbol         string           `json:"symbol,omitempty"`
	Name           string           `json:"name,omitempty"`
	PriceUSD       *decimal.Decimal `json:"priceUsd,omitempty"`
	Volume24h      *decimal.Decimal `json:"volume24h,omitempty"`
	AlreadyHolding bool             `json:"alreadyHolding"`
}

// Judgment is the scored verdict for one asset.
type Judgment struct {
	Reason                 string
	Confidence             float64
	SuggestedAllocationUSD *decimal.Decimal
}

// Scorer evaluates one asset and returns a rationale plus confidence in [0,1].
type Scorer interface {
	Score(ctx context.Context, asset AssetContext) (Judgment, error)
}

const systemPrompt = "You are a conservative treasury analyst for an on-chain organization. " +
	"Assess whether the treasury should take a position in the given asset. " +
	"Always answer with a single JSON object."

// Options parameterise the OpenAI scorer.
type Options struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIScorer implements Scorer on the OpenAI chat completion API.
type OpenAIScorer struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewOpenAIScorer creates a scorer instance.
func NewOpenAIScorer(opts Options, logger zerolog.Logger) (*OpenAIScorer, error) {
	if opts.APIKey == "" {
		return nil, errors.New("scoring api key not configured")
	}
	model := opts.Model
	if model == "" {
		model = openai.GPT4o
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIScorer{
		client:  openai.NewClient(opts.APIKey),
		model:   model,
		timeout: timeout,
		logger:  logger.With().Str("component", "scorer").Logger(),
	}, nil
}

// Score asks the model for a judgment on the asset.
func (s *OpenAIScorer) Score(ctx context.Context, asset AssetContext) (Judgment, error) {
	payload, err := json.Marshal(asset)
	if err != nil {
		return Judgment{}, fmt.Errorf("marshal asset context: %w", err)
	}

	prompt := fmt.Sprintf(`Evaluate this asset as a treasury investment:
%s

alreadyHolding indicates whether the treasury already has a position.
Consider liquidity (volume), price context, and concentration risk.

Answer with JSON only:
{
    "reason": string,
    "confidenceScore": float between 0 and 1,
    "suggestedAllocationUsd": float (optional)
}`, string(payload))

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return Judgment{}, fmt.Errorf("scoring api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Judgment{}, errors.New("scoring api returned no choices")
	}

	judgment, err := parseJudgment(resp.Choices[0].Message.Content)
	if err != nil {
		return Judgment{}, err
	}

	s.logger.Debug().
		Str("address", asset.Address).
		Float64("confidence", judgment.Confidence).
		Msg("asset scored")
	return judgment, nil
}

// parseJudgment decodes the model response, tolerating markdown code fences,
// and clamps the confidence regardless of what the model claimed.
func parseJudgment(content string) (Judgment, error) {
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var raw struct {
		Reason                 string   `json:"reason"`
		ConfidenceScore        float64  `json:"confidenceScore"`
		SuggestedAllocationUSD *float64 `json:"suggestedAllocationUsd"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return Judgment{}, fmt.Errorf("parse scoring response: %w", err)
	}

	judgment := Judgment{
		Reason:     raw.Reason,
		Confidence: ClampConfidence(raw.ConfidenceScore),
	}
	if raw.SuggestedAllocationUSD != nil && *raw.SuggestedAllocationUSD > 0 {
		d := decimal.NewFromFloat(*raw.SuggestedAllocationUSD)
		judgment.SuggestedAllocationUSD = &d
	}
	return judgment, nil
}

// ClampConfidence forces a confidence into [0,1]. External numeric ranges are
// never trusted.
func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ Scorer = (*OpenAIScorer)(nil)

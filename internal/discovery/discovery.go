package discovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Candidate is a discovered or resolved asset with its market snapshot.
// Nil metrics mean the source did not report them.
type Candidate struct {
	Address   string
	Symbol    string
	Name      string
	PriceUSD  *decimal.Decimal
	Volume24h *decimal.Decimal
}

// Source finds candidate assets and resolves identifiers to addresses.
type Source interface {
	// Resolve maps a raw address or an opaque handle (symbol, search term) to
	// a canonical asset. Resolution failure is terminal for the request.
	Resolve(ctx context.Context, identifier string) (Candidate, error)
	// Trending returns currently trending assets, newest interest first.
	Trending(ctx context.Context) ([]Candidate, error)
}

// Options parameterise the market data client.
type Options struct {
	BaseURL string
	Network string
	Timeout time.Duration
}

// Client fetches candidates from a market data API.
type Client struct {
	opts   Options
	client *resty.Client
	logger zerolog.Logger
}

type tokenAttributes struct {
	Address     string `json:"address"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	PriceUSD    string `json:"price_usd"`
	VolumeUSD24 string `json:"volume_usd_24h"`
}

type tokenEnvelope struct {
	Data struct {
		Attributes tokenAttributes `json:"attributes"`
	} `json:"data"`
}

type tokenListEnvelope struct {
	Data []struct {
		Attributes tokenAttributes `json:"attributes"`
	} `json:"data"`
}

// NewClient constructs a market data client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.Network == "" {
		opts.Network = "eth"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		opts: opts,
		client: resty.New().
			SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
			SetTimeout(timeout).
			SetRetryCount(2),
		logger: logger.With().Str("component", "discovery").Logger(),
	}
}

// Resolve maps an identifier to a canonical asset.
func (c *Client) Resolve(ctx context.Context, identifier string) (Candidate, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Candidate{}, fmt.Errorf("empty asset identifier")
	}

	if addressRe.MatchString(identifier) {
		return c.tokenByAddress(ctx, identifier)
	}
	return c.tokenBySearch(ctx, identifier)
}

// Trending returns trending assets on the configured network.
func (c *Client) Trending(ctx context.Context) ([]Candidate, error) {
	var payload tokenListEnvelope
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&payload).
		Get(fmt.Sprintf("/networks/%s/trending_tokens", c.opts.Network))
	if err != nil {
		return nil, fmt.Errorf("fetch trending tokens: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("trending endpoint returned status %d", resp.StatusCode())
	}

	candidates := make([]Candidate, 0, len(payload.Data))
	for _, item := range payload.Data {
		candidate := toCandidate(item.Attributes)
		if candidate.Address == "" {
			continue
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

func (c *Client) tokenByAddress(ctx context.Context, address string) (Candidate, error) {
	var payload tokenEnvelope
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&payload).
		Get(fmt.Sprintf("/networks/%s/tokens/%s", c.opts.Network, strings.ToLower(address)))
	if err != nil {
		return Candidate{}, fmt.Errorf("lookup token %s: %w", address, err)
	}
	if resp.IsError() {
		return Candidate{}, fmt.Errorf("token lookup for %s returned status %d", address, resp.StatusCode())
	}

	candidate := toCandidate(payload.Data.Attributes)
	if candidate.Address == "" {
		// The source may omit the address field on direct lookups.
		candidate.Address = address
	}
	return candidate, nil
}

func (c *Client) tokenBySearch(ctx context.Context, query string) (Candidate, error) {
	var payload tokenListEnvelope
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("query", query).
		SetQueryParam("network", c.opts.Network).
		SetResult(&payload).
		Get("/search/tokens")
	if err != nil {
		return Candidate{}, fmt.Errorf("search token %q: %w", query, err)
	}
	if resp.IsError() {
		return Candidate{}, fmt.Errorf("token search for %q returned status %d", query, resp.StatusCode())
	}
	if len(payload.Data) == 0 {
		return Candidate{}, fmt.Errorf("no asset found for %q", query)
	}

	candidate := toCandidate(payload.Data[0].Attributes)
	if candidate.Address == "" {
		return Candidate{}, fmt.Errorf("search result for %q has no address", query)
	}
	return candidate, nil
}

func toCandidate(attrs tokenAttributes) Candidate {
	return Candidate{
		Address:   attrs.Address,
		Symbol:    attrs.Symbol,
		Name:      attrs.Name,
		PriceUSD:  parseOptionalDecimal(attrs.PriceUSD),
		Volume24h: parseOptionalDecimal(attrs.VolumeUSD24),
	}
}

// parseOptionalDecimal keeps absence distinct from zero; a missing metric is
// meaningful to the scorer.
func parseOptionalDecimal(v string) *decimal.Decimal {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil
	}
	return &d
}

var _ Source = (*Client)(nil)

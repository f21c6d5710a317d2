package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Entry is a proposal history record reconstructed per query from the external
// index. Entries live only for the duration of one duplicate-check call; the
// oracle keeps no local state.
type Entry struct {
	ProposalID  string
	Title       string
	Address     string
	Symbol      string
	Name        string
	AmountETH   string
	CreatedAt   time.Time
	TxHash      string
	BlockNumber uint64
	Description string
}

// Exclusion names the prior proposal that blocked a candidate address.
type Exclusion struct {
	Address      string  `json:"address"`
	ProposalID   string  `json:"proposalId"`
	ElapsedHours float64 `json:"elapsedHours"`
}

// FilterResult partitions candidate addresses against recent history.
type FilterResult struct {
	Allowed  []string    `json:"allowed"`
	Excluded []Exclusion `json:"excluded"`
}

// Options parameterise the proposal index client.
type Options struct {
	BaseURL   string
	DAOID     string
	PageSize  int
	Timeout   time.Duration
	UserAgent string
}

// Oracle answers "was this asset already proposed within window W?" by
// querying the authoritative external proposal index on every call.
//
// Failure policy: index errors degrade to an empty result set so the pipeline
// keeps moving. Callers that need duplicate prevention as a hard gate must
// treat an empty result with the same caution; this trades strict consistency
// for availability.
type Oracle struct {
	opts   Options
	codec  Codec
	client *resty.Client
	logger zerolog.Logger
}

type indexProposal struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	TxHash      string    `json:"txHash"`
	BlockNumber uint64    `json:"blockNumber"`
}

type indexPage struct {
	Proposals []indexProposal `json:"proposals"`
}

// NewOracle constructs a history oracle over the proposal index API.
func NewOracle(opts Options, codec Codec, logger zerolog.Logger) *Oracle {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2)
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		client.SetHeader("User-Agent", ua)
	}

	return &Oracle{
		opts:   opts,
		codec:  codec,
		client: client,
		logger: logger.With().Str("component", "history_oracle").Logger(),
	}
}

// RecentProposals returns history entries created within [now-window, now].
// The index serves proposals newest-first, so scanning stops at the first
// entry older than the cutoff rather than walking the whole index. Index
// failures yield an empty (or partial) result and a warning, never an error.
func (o *Oracle) RecentProposals(ctx context.Context, window time.Duration) []Entry {
	cutoff := time.Now().UTC().Add(-window)
	entries := make([]Entry, 0)

	for offset := 0; ; offset += o.opts.PageSize {
		page, err := o.fetchPage(ctx, offset)
		if err != nil {
			o.logger.Warn().Err(err).Int("offset", offset).
				Msg("proposal index unavailable; assuming no recent proposals")
			return entries
		}

		for _, p := range page {
			if p.CreatedAt.Before(cutoff) {
				return entries
			}
			d, ok := o.codec.Decode(p.Description)
			if !ok {
				o.logger.Debug().Str("proposal_id", p.ID).Msg("proposal without asset address; skipping")
				continue
			}
			entries = append(entries, Entry{
				ProposalID:  p.ID,
				Title:       p.Title,
				Address:     d.Address,
				Symbol:      d.Symbol,
				Name:        d.Name,
				AmountETH:   d.AmountETH.String(),
				CreatedAt:   p.CreatedAt,
				TxHash:      p.TxHash,
				BlockNumber: p.BlockNumber,
				Description: p.Description,
			})
		}

		if len(page) < o.opts.PageSize {
			return entries
		}
	}
}

// WasRecentlyProposed matches the address against recent history, returning
// the matching entry or nil.
func (o *Oracle) WasRecentlyProposed(ctx context.Context, address string, window time.Duration) *Entry {
	for _, entry := range o.RecentProposals(ctx, window) {
		if strings.EqualFold(entry.Address, address) {
			e := entry
			return &e
		}
	}
	return nil
}

// FilterUnproposed partitions candidate addresses into allowed and excluded
// against one shared history fetch. Every input address lands in exactly one
// partition; case-insensitive duplicates collapse onto their first occurrence.
func (o *Oracle) FilterUnproposed(ctx context.Context, addresses []string, window time.Duration) FilterResult {
	recent := o.RecentProposals(ctx, window)

	byAddress := make(map[string]Entry, len(recent))
	for _, entry := range recent {
		key := strings.ToLower(entry.Address)
		if _, exists := byAddress[key]; !exists {
			byAddress[key] = entry
		}
	}

	now := time.Now().UTC()
	result := FilterResult{Allowed: make([]string, 0, len(addresses)), Excluded: make([]Exclusion, 0)}
	seen := make(map[string]bool, len(addresses))

	for _, addr := range addresses {
		key := strings.ToLower(addr)
		if seen[key] {
			continue
		}
		seen[key] = true

		if entry, found := byAddress[key]; found {
			result.Excluded = append(result.Excluded, Exclusion{
				Address:      addr,
				ProposalID:   entry.ProposalID,
				ElapsedHours: now.Sub(entry.CreatedAt).Hours(),
			})
		} else {
			result.Allowed = append(result.Allowed, addr)
		}
	}
	return result
}

func (o *Oracle) fetchPage(ctx context.Context, offset int) ([]indexProposal, error) {
	if o.opts.BaseURL == "" {
		return nil, fmt.Errorf("proposal index base url not configured")
	}
	if o.opts.DAOID == "" {
		return nil, fmt.Errorf("proposal index dao id not configured")
	}

	var page indexPage
	resp, err := o.client.R().
		SetContext(ctx).
		SetQueryParam("limit", fmt.Sprintf("%d", o.opts.PageSize)).
		SetQueryParam("offset", fmt.Sprintf("%d", offset)).
		SetResult(&page).
		Get(fmt.Sprintf("/daos/%s/proposals", o.opts.DAOID))
	if err != nil {
		return nil, fmt.Errorf("query proposal index: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("proposal index returned status %d", resp.StatusCode())
	}
	return page.Proposals, nil
}

package allocation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"treasury-agent/internal/chain"
	"treasury-agent/internal/history"
)

// StateReader is the slice of on-chain access the calculator needs.
type StateReader interface {
	TreasuryBalance(ctx context.Context) (decimal.Decimal, error)
	ProposalState(ctx context.Context, proposalID string) (chain.ProposalState, error)
}

// ProposalSource supplies the recent proposal working set.
type ProposalSource interface {
	RecentProposals(ctx context.Context, window time.Duration) []history.Entry
}

// Options bound the computed spend.
type Options struct {
	// Percent of uncommitted treasury funds to risk per proposal.
	Percent decimal.Decimal
	// Min and Max are fixed safety bounds, independent of treasury size.
	Min decimal.Decimal
	Max decimal.Decimal
	// Default is the fallback when inputs are unusable.
	Default decimal.Decimal
	// Precision rounds to the asset's smallest meaningful unit.
	Precision int32
	// Lookback limits how far back active proposals are sought.
	Lookback time.Duration
}

// Calculator produces a bounded ETH amount proportional to uncommitted
// treasury funds. Every failure degrades to the default allocation; the agent
// keeps proposing even when reads are flaky.
type Calculator struct {
	opts   Options
	reader StateReader
	source ProposalSource
	logger zerolog.Logger
}

// NewCalculator wires the allocation calculator.
func NewCalculator(opts Options, reader StateReader, source ProposalSource, logger zerolog.Logger) *Calculator {
	if opts.Lookback <= 0 {
		opts.Lookback = 30 * 24 * time.Hour
	}
	if opts.Precision <= 0 {
		opts.Precision = 6
	}
	return &Calculator{
		opts:   opts,
		reader: reader,
		source: source,
		logger: logger.With().Str("component", "allocation").Logger(),
	}
}

// Calculate returns the ETH amount to attach to the next proposal.
func (c *Calculator) Calculate(ctx context.Context) decimal.Decimal {
	balance, err := c.reader.TreasuryBalance(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("treasury balance unavailable; using default allocation")
		return c.fallback()
	}

	committed := c.committedFunds(ctx)
	available := balance.Sub(committed)

	if available.IsNegative() {
		c.logger.Warn().
			Str("balance", balance.String()).
			Str("committed", committed.String()).
			Msg("committed funds exceed balance; using default allocation")
		return c.fallback()
	}

	raw := available.Mul(c.opts.Percent).Div(decimal.NewFromInt(100))
	alloc := c.clamp(raw).Round(c.opts.Precision)

	c.logger.Info().
		Str("balance", balance.String()).
		Str("committed", committed.String()).
		Str("available", available.String()).
		Str("allocation", alloc.String()).
		Msg("allocation computed")
	return alloc
}

// committedFunds sums the ETH value of proposals still reserving treasury
// funds. The index's working set does not encode state, so each proposal is
// re-verified against the governance contract; verification or parse failures
// contribute zero rather than aborting.
func (c *Calculator) committedFunds(ctx context.Context) decimal.Decimal {
	committed := decimal.Zero

	for _, entry := range c.source.RecentProposals(ctx, c.opts.Lookback) {
		if entry.ProposalID == "" {
			continue
		}

		state, err := c.reader.ProposalState(ctx, entry.ProposalID)
		if err != nil {
			c.logger.Warn().Err(err).Str("proposal_id", entry.ProposalID).Msg("state verification failed; skipping proposal")
			continue
		}
		if !state.CommitsFunds() {
			continue
		}

		amount, err := decimal.NewFromString(entry.AmountETH)
		if err != nil || !amount.IsPositive() {
			continue
		}
		committed = committed.Add(amount)
	}
	return committed
}

func (c *Calculator) clamp(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(c.opts.Min) {
		return c.opts.Min
	}
	if v.GreaterThan(c.opts.Max) {
		return c.opts.Max
	}
	return v
}

func (c *Calculator) fallback() decimal.Decimal {
	return c.clamp(c.opts.Default).Round(c.opts.Precision)
}

package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"treasury-agent/internal/discovery"
	"treasury-agent/internal/history"
	"treasury-agent/internal/scoring"
	"treasury-agent/internal/store"
)

// HistoryChecker answers recent-proposal duplicate queries.
type HistoryChecker interface {
	WasRecentlyProposed(ctx context.Context, address string, window time.Duration) *history.Entry
}

// Queue is the slice of the suggestion repository the gate mutates.
type Queue interface {
	IsQueued(ctx context.Context, address string) (bool, error)
	Enqueue(ctx context.Context, candidate store.Candidate) (store.Suggestion, error)
}

// HoldingsReader reports existing treasury positions.
type HoldingsReader interface {
	HoldsToken(ctx context.Context, token string) (bool, error)
}

// Verdict classifies the outcome of an evaluation.
type Verdict string

const (
	// VerdictQueued means the asset entered the queue awaiting submission.
	VerdictQueued Verdict = "pending"
	// VerdictRecentlyProposed means a proposal for the asset already exists
	// within the duplicate window.
	VerdictRecentlyProposed Verdict = "duplicate_recent_proposal"
	// VerdictAlreadyQueued means the asset is already awaiting processing.
	VerdictAlreadyQueued Verdict = "duplicate_in_queue"
	// VerdictBelowThreshold means the judgment did not clear the bar.
	VerdictBelowThreshold Verdict = "below_threshold"
)

// Decision is the evaluation result. It is a recommendation either way; a
// "do not invest" decision is a successful evaluation, not an error.
type Decision struct {
	Verdict         Verdict          `json:"verdict"`
	Queued          bool             `json:"queued"`
	Address         string           `json:"address"`
	Symbol          string           `json:"symbol,omitempty"`
	Name            string           `json:"name,omitempty"`
	Reason          string           `json:"reason"`
	Confidence      float64          `json:"confidence"`
	SuggestedUSD    *decimal.Decimal `json:"suggestedAllocationUsd,omitempty"`
	SuggestionID    string           `json:"suggestionId,omitempty"`
	PriorProposalID string           `json:"priorProposalId,omitempty"`
}

// Request describes one asset to evaluate.
type Request struct {
	// Identifier is a raw address or an opaque handle resolved via lookup.
	Identifier string
	// Threshold overrides the configured confidence threshold. Nil means use
	// the default; an explicit zero accepts every scored asset.
	Threshold   *float64
	Source      store.Source
	SubmitterID string
}

// Options parameterise the gate.
type Options struct {
	// DuplicateWindow is how far back proposal history blocks re-submission.
	DuplicateWindow time.Duration
	// DefaultThreshold is the confidence bar when the request has none.
	DefaultThreshold float64
}

// Gate decides whether a candidate asset enters the queue, running cheap
// duplicate checks before the costly scoring call. It never submits proposals
// itself; submission belongs to the orchestrator.
type Gate struct {
	opts     Options
	resolver discovery.Source
	historyC HistoryChecker
	holdings HoldingsReader
	scorer   scoring.Scorer
	queue    Queue
	logger   zerolog.Logger
}

// New wires an analysis gate.
func New(opts Options, resolver discovery.Source, historyC HistoryChecker, holdings HoldingsReader, scorer scoring.Scorer, queue Queue, logger zerolog.Logger) *Gate {
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = 24 * time.Hour
	}
	return &Gate{
		opts:     opts,
		resolver: resolver,
		historyC: historyC,
		holdings: holdings,
		scorer:   scorer,
		queue:    queue,
		logger:   logger.With().Str("component", "gate").Logger(),
	}
}

// Evaluate runs the full decision pipeline for one asset.
func (g *Gate) Evaluate(ctx context.Context, req Request) (Decision, error) {
	threshold := g.opts.DefaultThreshold
	if req.Threshold != nil {
		threshold = scoring.ClampConfidence(*req.Threshold)
	}

	candidate, err := g.resolver.Resolve(ctx, req.Identifier)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve %q: %w", req.Identifier, err)
	}

	// Duplicate history first: it is free compared to the scoring call.
	if prior := g.historyC.WasRecentlyProposed(ctx, candidate.Address, g.opts.DuplicateWindow); prior != nil {
		g.logger.Info().
			Str("address", candidate.Address).
			Str("prior_proposal", prior.ProposalID).
			Msg("asset already proposed recently")
		return Decision{
			Verdict:         VerdictRecentlyProposed,
			Address:         candidate.Address,
			Symbol:          candidate.Symbol,
			Name:            candidate.Name,
			Reason:          fmt.Sprintf("already proposed in proposal %s (%s ago)", prior.ProposalID, time.Since(prior.CreatedAt).Round(time.Minute)),
			Confidence:      0,
			PriorProposalID: prior.ProposalID,
		}, nil
	}

	holding := false
	if g.holdings != nil {
		h, err := g.holdings.HoldsToken(ctx, candidate.Address)
		if err != nil {
			g.logger.Warn().Err(err).Str("address", candidate.Address).Msg("holdings check failed; assuming no position")
		} else {
			holding = h
		}
	}

	judgment, err := g.scorer.Score(ctx, scoring.AssetContext{
		Address:        candidate.Address,
		Symbol:         candidate.Symbol,
		Name:           candidate.Name,
		PriceUSD:       candidate.PriceUSD,
		Volume24h:      candidate.Volume24h,
		AlreadyHolding: holding,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("score %s: %w", candidate.Address, err)
	}

	confidence := scoring.ClampConfidence(judgment.Confidence)
	decision := Decision{
		Address:      candidate.Address,
		Symbol:       candidate.Symbol,
		Name:         candidate.Name,
		Reason:       judgment.Reason,
		Confidence:   confidence,
		SuggestedUSD: judgment.SuggestedAllocationUSD,
	}

	if confidence < threshold {
		decision.Verdict = VerdictBelowThreshold
		return decision, nil
	}

	queued, err := g.queue.IsQueued(ctx, candidate.Address)
	if err != nil {
		return Decision{}, fmt.Errorf("queue check %s: %w", candidate.Address, err)
	}
	if queued {
		// The existing entry keeps its place; no overwrite, no bump.
		decision.Verdict = VerdictAlreadyQueued
		return decision, nil
	}

	rec, err := g.queue.Enqueue(ctx, store.Candidate{
		Address:            candidate.Address,
		Symbol:             candidate.Symbol,
		Name:               candidate.Name,
		PriceUSD:           candidate.PriceUSD,
		Volume24h:          candidate.Volume24h,
		Reason:             judgment.Reason,
		Confidence:         confidence,
		SuggestedAmountUSD: judgment.SuggestedAllocationUSD,
		Source:             req.Source,
		SubmitterID:        req.SubmitterID,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("enqueue %s: %w", candidate.Address, err)
	}

	decision.Verdict = VerdictQueued
	decision.Queued = true
	decision.SuggestionID = rec.ID
	return decision, nil
}

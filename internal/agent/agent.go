package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"treasury-agent/internal/chain"
	"treasury-agent/internal/discovery"
	"treasury-agent/internal/history"
	"treasury-agent/internal/notify"
	"treasury-agent/internal/scoring"
	"treasury-agent/internal/store"
)

// jobName keys the agent's run marker.
const jobName = "agent"

// Allocator computes the ETH amount for the next proposal.
type Allocator interface {
	Calculate(ctx context.Context) decimal.Decimal
}

// HistoryFilter partitions candidates against recent proposal history.
type HistoryFilter interface {
	FilterUnproposed(ctx context.Context, addresses []string, window time.Duration) history.FilterResult
}

// Discoverer supplies fresh trending candidates.
type Discoverer interface {
	Trending(ctx context.Context) ([]discovery.Candidate, error)
}

// HoldingsReader reports existing treasury positions.
type HoldingsReader interface {
	HoldsToken(ctx context.Context, token string) (bool, error)
}

// AdvisoryLocker serialises ticks across processes sharing one database. The
// release func must run on every exit path of the guarded section.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error)
}

// Options pace and bound one orchestrator tick.
type Options struct {
	// Cooldown is the minimum interval between ticks. Purely local pacing;
	// single-instance scheduling remains a deployment requirement.
	Cooldown time.Duration
	// DuplicateWindow blocks discovery candidates proposed this recently.
	DuplicateWindow time.Duration
	// ReclaimProcessingAfter returns crashed processing records to pending.
	// Zero disables reclaim.
	ReclaimProcessingAfter time.Duration
	// MaxBatch caps how many discovery candidates get scored per tick.
	MaxBatch int
	// ConfidenceThreshold gates direct submission of discovery candidates.
	ConfidenceThreshold float64
	// LockKey selects the advisory lock guarding the tick. Zero disables
	// locking; the file backend relies on its own lock file instead.
	LockKey int64
}

// Agent is the scheduled entry point. Each tick drains one queued suggestion
// or, with an empty queue, runs one round of fresh discovery.
type Agent struct {
	opts      Options
	repo      store.Repository
	locker    AdvisoryLocker
	allocator Allocator
	submitter chain.ProposalSubmitter
	historyF  HistoryFilter
	discover  Discoverer
	holdings  HoldingsReader
	scorer    scoring.Scorer
	codec     history.Codec
	notifier  notify.Notifier
	logger    zerolog.Logger
}

// New wires the run orchestrator. locker and notifier may be nil.
func New(
	opts Options,
	repo store.Repository,
	locker AdvisoryLocker,
	allocator Allocator,
	submitter chain.ProposalSubmitter,
	historyF HistoryFilter,
	discover Discoverer,
	holdings HoldingsReader,
	scorer scoring.Scorer,
	codec history.Codec,
	notifier notify.Notifier,
	logger zerolog.Logger,
) *Agent {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 5
	}
	return &Agent{
		opts:      opts,
		repo:      repo,
		locker:    locker,
		allocator: allocator,
		submitter: submitter,
		historyF:  historyF,
		discover:  discover,
		holdings:  holdings,
		scorer:    scorer,
		codec:     codec,
		notifier:  notifier,
		logger:    logger.With().Str("component", "agent").Logger(),
	}
}

// Tick performs one orchestrator run. A returned error means the run failed
// and the process should exit non-zero so external monitoring notices.
func (a *Agent) Tick(ctx context.Context) error {
	unlock, acquired, err := a.acquireLock(ctx)
	if err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		a.logger.Info().Msg("another runner holds the advisory lock; skipping tick")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	last, err := a.repo.LastRun(ctx, jobName)
	if err != nil {
		a.logger.Warn().Err(err).Msg("run marker unreadable; treating as never run")
	}
	if last != nil && time.Since(*last) < a.opts.Cooldown {
		a.logger.Info().
			Time("last_run", *last).
			Dur("cooldown", a.opts.Cooldown).
			Msg("cooldown active; skipping tick")
		return nil
	}

	// The marker moves forward even when the rest of the tick fails, so a
	// persistently failing run cannot turn into a tight retry storm.
	if err := a.repo.MarkRun(ctx, jobName, time.Now().UTC()); err != nil {
		a.logger.Warn().Err(err).Msg("failed to update run marker")
	}

	if a.opts.ReclaimProcessingAfter > 0 {
		cutoff := time.Now().UTC().Add(-a.opts.ReclaimProcessingAfter)
		if _, err := a.repo.ReclaimProcessing(ctx, cutoff); err != nil {
			a.logger.Warn().Err(err).Msg("reclaim of stuck processing records failed")
		}
	}

	next, err := a.repo.NextPending(ctx)
	if err != nil {
		return fmt.Errorf("read pending queue: %w", err)
	}
	if next != nil {
		return a.drainOne(ctx, next)
	}
	return a.runDiscovery(ctx)
}

// acquireLock takes the cross-process advisory lock when one is configured.
// The run marker and queue are shared state, so the lock wraps the whole tick.
func (a *Agent) acquireLock(ctx context.Context) (func(), bool, error) {
	if a.opts.LockKey == 0 || a.locker == nil {
		return nil, true, nil
	}
	return a.locker.TryAdvisoryLock(ctx, a.opts.LockKey)
}

// drainOne submits a proposal for the oldest queued suggestion.
func (a *Agent) drainOne(ctx context.Context, sug *store.Suggestion) error {
	a.logger.Info().
		Str("id", sug.ID).
		Str("address", sug.Address).
		Msg("draining queued suggestion")

	if err := a.repo.SetStatus(ctx, sug.ID, store.StatusProcessing, nil); err != nil {
		return fmt.Errorf("mark suggestion processing: %w", err)
	}

	amount := a.allocator.Calculate(ctx)
	description := a.codec.Encode(history.Descriptor{
		Address:   sug.Address,
		Symbol:    sug.Symbol,
		Name:      sug.Name,
		AmountETH: amount,
		Reason:    firstLine(sug.Reason),
	})

	receipt, err := a.submitter.SubmitProposal(ctx, amount, description)
	if err != nil {
		if stErr := a.repo.SetStatus(ctx, sug.ID, store.StatusFailed, &store.Outcome{ErrorMessage: err.Error()}); stErr != nil {
			a.logger.Error().Err(stErr).Str("id", sug.ID).Msg("failed to record failure outcome")
		}
		a.notifyEvent(ctx, notify.Event{
			Kind:      notify.KindRunFailed,
			Address:   sug.Address,
			Symbol:    sug.Symbol,
			AmountETH: amount,
			Error:     err.Error(),
			At:        time.Now().UTC(),
		})
		return fmt.Errorf("submit proposal for %s: %w", sug.Address, err)
	}

	if err := a.repo.SetStatus(ctx, sug.ID, store.StatusCompleted, &store.Outcome{
		ProposalID: receipt.ProposalID,
		TxHash:     receipt.TxHash,
	}); err != nil {
		a.logger.Error().Err(err).Str("id", sug.ID).Msg("failed to record completion outcome")
	}
	// Completed records do not pile up; failed ones stay for inspection.
	if _, err := a.repo.Remove(ctx, sug.ID); err != nil {
		a.logger.Error().Err(err).Str("id", sug.ID).Msg("failed to remove completed suggestion")
	}

	a.logger.Info().
		Str("id", sug.ID).
		Str("tx_hash", receipt.TxHash).
		Str("proposal_id", receipt.ProposalID).
		Msg("queued suggestion submitted")

	a.notifyEvent(ctx, notify.Event{
		Kind:       notify.KindProposalSubmitted,
		Address:    sug.Address,
		Symbol:     sug.Symbol,
		AmountETH:  amount,
		TxHash:     receipt.TxHash,
		ProposalID: receipt.ProposalID,
		At:         time.Now().UTC(),
	})
	return nil
}

// runDiscovery scores fresh trending candidates and submits the best one
// directly, bypassing the queue.
func (a *Agent) runDiscovery(ctx context.Context) error {
	candidates, err := a.discover.Trending(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("discovery unavailable; nothing to do this tick")
		return nil
	}
	if len(candidates) == 0 {
		a.logger.Info().Msg("no trending candidates")
		return nil
	}

	candidates = dedupe(candidates)
	candidates = a.dropHeld(ctx, candidates)

	addresses := make([]string, 0, len(candidates))
	byAddress := make(map[string]discovery.Candidate, len(candidates))
	for _, c := range candidates {
		addresses = append(addresses, c.Address)
		byAddress[strings.ToLower(c.Address)] = c
	}

	filtered := a.historyF.FilterUnproposed(ctx, addresses, a.opts.DuplicateWindow)
	for _, exc := range filtered.Excluded {
		a.logger.Debug().
			Str("address", exc.Address).
			Str("prior_proposal", exc.ProposalID).
			Float64("elapsed_hours", exc.ElapsedHours).
			Msg("candidate excluded by proposal history")
	}

	allowed := filtered.Allowed
	if len(allowed) > a.opts.MaxBatch {
		allowed = allowed[:a.opts.MaxBatch]
	}

	best, bestJudgment := a.scoreBatch(ctx, allowed, byAddress)
	if best == nil {
		a.logger.Info().Msg("no discovery candidate scored")
		return nil
	}
	if bestJudgment.Confidence < a.opts.ConfidenceThreshold {
		a.logger.Info().
			Str("address", best.Address).
			Float64("confidence", bestJudgment.Confidence).
			Float64("threshold", a.opts.ConfidenceThreshold).
			Msg("top discovery candidate below threshold")
		return nil
	}

	amount := a.allocator.Calculate(ctx)
	description := a.codec.Encode(history.Descriptor{
		Address:   best.Address,
		Symbol:    best.Symbol,
		Name:      best.Name,
		AmountETH: amount,
		Reason:    firstLine(bestJudgment.Reason),
	})

	receipt, err := a.submitter.SubmitProposal(ctx, amount, description)
	if err != nil {
		a.notifyEvent(ctx, notify.Event{
			Kind:      notify.KindRunFailed,
			Address:   best.Address,
			Symbol:    best.Symbol,
			AmountETH: amount,
			Error:     err.Error(),
			At:        time.Now().UTC(),
		})
		return fmt.Errorf("submit discovery proposal for %s: %w", best.Address, err)
	}

	a.logger.Info().
		Str("address", best.Address).
		Str("tx_hash", receipt.TxHash).
		Str("proposal_id", receipt.ProposalID).
		Float64("confidence", bestJudgment.Confidence).
		Msg("discovery proposal submitted")

	a.notifyEvent(ctx, notify.Event{
		Kind:       notify.KindProposalSubmitted,
		Address:    best.Address,
		Symbol:     best.Symbol,
		AmountETH:  amount,
		TxHash:     receipt.TxHash,
		ProposalID: receipt.ProposalID,
		At:         time.Now().UTC(),
	})
	return nil
}

func (a *Agent) scoreBatch(ctx context.Context, addresses []string, byAddress map[string]discovery.Candidate) (*discovery.Candidate, scoring.Judgment) {
	var best *discovery.Candidate
	var bestJudgment scoring.Judgment

	for _, addr := range addresses {
		candidate, ok := byAddress[strings.ToLower(addr)]
		if !ok {
			continue
		}

		judgment, err := a.scorer.Score(ctx, scoring.AssetContext{
			Address:   candidate.Address,
			Symbol:    candidate.Symbol,
			Name:      candidate.Name,
			PriceUSD:  candidate.PriceUSD,
			Volume24h: candidate.Volume24h,
		})
		if err != nil {
			a.logger.Warn().Err(err).Str("address", candidate.Address).Msg("scoring failed; skipping candidate")
			continue
		}

		judgment.Confidence = scoring.ClampConfidence(judgment.Confidence)
		if best == nil || judgment.Confidence > bestJudgment.Confidence {
			c := candidate
			best = &c
			bestJudgment = judgment
		}
	}
	return best, bestJudgment
}

func (a *Agent) dropHeld(ctx context.Context, candidates []discovery.Candidate) []discovery.Candidate {
	if a.holdings == nil {
		return candidates
	}

	kept := candidates[:0]
	for _, c := range candidates {
		held, err := a.holdings.HoldsToken(ctx, c.Address)
		if err != nil {
			a.logger.Warn().Err(err).Str("address", c.Address).Msg("holdings check failed; keeping candidate")
			kept = append(kept, c)
			continue
		}
		if held {
			a.logger.Debug().Str("address", c.Address).Msg("candidate already held; excluded")
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

func (a *Agent) notifyEvent(ctx context.Context, event notify.Event) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Notify(ctx, event); err != nil {
		a.logger.Warn().Err(err).Str("kind", string(event.Kind)).Msg("notification failed")
	}
}

func dedupe(candidates []discovery.Candidate) []discovery.Candidate {
	seen := make(map[string]bool, len(candidates))
	result := candidates[:0]
	for _, c := range candidates {
		key := strings.ToLower(c.Address)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, c)
	}
	return result
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

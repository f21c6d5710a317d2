package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"treasury-agent/internal/chain"
	"treasury-agent/internal/discovery"
	"treasury-agent/internal/history"
	"treasury-agent/internal/scoring"
	"treasury-agent/internal/store"
)

const (
	addrOne = "0xAA00000000000000000000000000000000000001"
	addrTwo = "0xBB00000000000000000000000000000000000002"
)

type fakeAllocator struct {
	amount decimal.Decimal
}

func (f *fakeAllocator) Calculate(ctx context.Context) decimal.Decimal {
	return f.amount
}

type fakeSubmitter struct {
	receipt      chain.Receipt
	err          error
	calls        int
	descriptions []string
	amounts      []decimal.Decimal
}

func (f *fakeSubmitter) SubmitProposal(ctx context.Context, amountETH decimal.Decimal, description string) (chain.Receipt, error) {
	f.calls++
	f.descriptions = append(f.descriptions, description)
	f.amounts = append(f.amounts, amountETH)
	return f.receipt, f.err
}

type fakeHistoryFilter struct {
	excluded map[string]string
}

func (f *fakeHistoryFilter) FilterUnproposed(ctx context.Context, addresses []string, window time.Duration) history.FilterResult {
	var result history.FilterResult
	for _, addr := range addresses {
		if pid, blocked := f.excluded[strings.ToLower(addr)]; blocked {
			result.Excluded = append(result.Excluded, history.Exclusion{Address: addr, ProposalID: pid, ElapsedHours: 3})
			continue
		}
		result.Allowed = append(result.Allowed, addr)
	}
	return result
}

type fakeDiscoverer struct {
	candidates []discovery.Candidate
	err        error
	calls      int
}

func (f *fakeDiscoverer) Trending(ctx context.Context) ([]discovery.Candidate, error) {
	f.calls++
	return f.candidates, f.err
}

type fakeHoldings struct {
	held map[string]bool
}

func (f *fakeHoldings) HoldsToken(ctx context.Context, token string) (bool, error) {
	return f.held[strings.ToLower(token)], nil
}

type fakeScorer struct {
	judgments map[string]scoring.Judgment
	calls     int
}

func (f *fakeScorer) Score(ctx context.Context, asset scoring.AssetContext) (scoring.Judgment, error) {
	f.calls++
	if j, ok := f.judgments[strings.ToLower(asset.Address)]; ok {
		return j, nil
	}
	return scoring.Judgment{Reason: "no opinion", Confidence: 0}, nil
}

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewFileRepository(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	return repo
}

func newTestAgent(repo store.Repository, submitter *fakeSubmitter, disc *fakeDiscoverer, scorer *fakeScorer, opts Options) *Agent {
	if opts.Cooldown == 0 {
		opts.Cooldown = time.Hour
	}
	if opts.DuplicateWindow == 0 {
		opts.DuplicateWindow = 24 * time.Hour
	}
	if opts.ConfidenceThreshold == 0 {
		opts.ConfidenceThreshold = 0.3
	}
	return New(opts, repo,
		nil,
		&fakeAllocator{amount: decimal.RequireFromString("0.25")},
		submitter,
		&fakeHistoryFilter{},
		disc,
		&fakeHoldings{},
		scorer,
		history.LabeledCodec{},
		nil,
		zerolog.Nop(),
	)
}

func TestTickDrainsQueueBeforeDiscovery(t *testing.T) {
	repo := newTestRepo(t)
	sug, err := repo.Enqueue(context.Background(), store.Candidate{
		Address:    addrOne,
		Symbol:     "ONE",
		Reason:     "community suggestion",
		Confidence: 0.25,
		Source:     store.SourceUser,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	submitter := &fakeSubmitter{receipt: chain.Receipt{TxHash: "0xfeed", ProposalID: "42"}}
	disc := &fakeDiscoverer{candidates: []discovery.Candidate{{Address: addrTwo, Symbol: "TWO"}}}
	a := newTestAgent(repo, submitter, disc, &fakeScorer{}, Options{})

	if err := a.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// A queued suggestion takes priority regardless of its stored confidence;
	// the gate already vetted it.
	if submitter.calls != 1 {
		t.Fatalf("expected one submission, got %d", submitter.calls)
	}
	if disc.calls != 0 {
		t.Fatal("discovery must not run while the queue has pending work")
	}
	if !strings.Contains(submitter.descriptions[0], "Address: "+addrOne) {
		t.Fatalf("description missing asset address: %q", submitter.descriptions[0])
	}
	if !strings.Contains(submitter.descriptions[0], "Amount: 0.25 ETH") {
		t.Fatalf("description missing allocation: %q", submitter.descriptions[0])
	}

	// Completed suggestions leave the store.
	all, err := repo.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("completed suggestion %s must be removed, store has %+v", sug.ID, all)
	}
}

func TestTickCooldownSkips(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.MarkRun(context.Background(), "agent", time.Now().UTC().Add(-10*time.Minute)); err != nil {
		t.Fatalf("mark run: %v", err)
	}

	submitter := &fakeSubmitter{}
	disc := &fakeDiscoverer{}
	a := newTestAgent(repo, submitter, disc, &fakeScorer{}, Options{Cooldown: time.Hour})

	if err := a.Tick(context.Background()); err != nil {
		t.Fatalf("cooldown skip must be a clean no-op: %v", err)
	}
	if submitter.calls != 0 || disc.calls != 0 {
		t.Fatal("nothing may run during cooldown")
	}

	// The marker keeps its old value on a skip so the next eligible moment
	// does not drift forward.
	last, err := repo.LastRun(context.Background(), "agent")
	if err != nil {
		t.Fatalf("last run: %v", err)
	}
	if last == nil || time.Since(*last) < 9*time.Minute {
		t.Fatalf("skip must not rewrite the run marker, got %v", last)
	}
}

func TestTickSubmissionFailureRecordsAndPropagates(t *testing.T) {
	repo := newTestRepo(t)
	sug, err := repo.Enqueue(context.Background(), store.Candidate{Address: addrOne, Symbol: "ONE"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	submitter := &fakeSubmitter{err: errors.New("relayer rejected transaction")}
	a := newTestAgent(repo, submitter, &fakeDiscoverer{}, &fakeScorer{}, Options{})

	if err := a.Tick(context.Background()); err == nil {
		t.Fatal("submission failure must surface so the process exits non-zero")
	}

	all, err := repo.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].ID != sug.ID {
		t.Fatalf("failed suggestion must be retained, got %+v", all)
	}
	if all[0].Status != store.StatusFailed {
		t.Fatalf("expected failed status, got %s", all[0].Status)
	}
	if !strings.Contains(all[0].ErrorMessage, "relayer rejected") {
		t.Fatalf("failure reason must be recorded, got %q", all[0].ErrorMessage)
	}

	// The marker still advanced: a broken relayer must not cause a tight
	// retry loop on the next scheduler firing.
	last, err := repo.LastRun(context.Background(), "agent")
	if err != nil || last == nil {
		t.Fatalf("run marker must be set despite the failure: %v %v", last, err)
	}
}

func TestTickDiscoverySubmitsTopCandidate(t *testing.T) {
	repo := newTestRepo(t)
	submitter := &fakeSubmitter{receipt: chain.Receipt{TxHash: "0xbeef", ProposalID: "7"}}
	disc := &fakeDiscoverer{candidates: []discovery.Candidate{
		{Address: addrOne, Symbol: "ONE"},
		{Address: addrTwo, Symbol: "TWO"},
		{Address: strings.ToLower(addrOne), Symbol: "ONE"},
	}}
	scorer := &fakeScorer{judgments: map[string]scoring.Judgment{
		strings.ToLower(addrOne): {Reason: "weak", Confidence: 0.4},
		strings.ToLower(addrTwo): {Reason: "strong volume", Confidence: 0.9},
	}}
	a := newTestAgent(repo, submitter, disc, scorer, Options{})

	if err := a.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Case-insensitive duplicate collapses to one scoring call per asset.
	if scorer.calls != 2 {
		t.Fatalf("expected two scored candidates, got %d", scorer.calls)
	}
	if submitter.calls != 1 {
		t.Fatalf("expected one submission, got %d", submitter.calls)
	}
	if !strings.Contains(submitter.descriptions[0], "Address: "+addrTwo) {
		t.Fatalf("top candidate must be submitted, got %q", submitter.descriptions[0])
	}

	// Discovery submissions bypass the queue entirely.
	all, err := repo.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("discovery path must not write to the queue, got %+v", all)
	}
}

func TestTickDiscoveryBelowThresholdDoesNothing(t *testing.T) {
	repo := newTestRepo(t)
	submitter := &fakeSubmitter{}
	disc := &fakeDiscoverer{candidates: []discovery.Candidate{{Address: addrOne}}}
	scorer := &fakeScorer{judgments: map[string]scoring.Judgment{
		strings.ToLower(addrOne): {Reason: "meh", Confidence: 0.1},
	}}
	a := newTestAgent(repo, submitter, disc, scorer, Options{ConfidenceThreshold: 0.3})

	if err := a.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if submitter.calls != 0 {
		t.Fatal("below-threshold candidate must not be submitted")
	}
}

func TestTickDiscoveryUnavailableIsNotFatal(t *testing.T) {
	repo := newTestRepo(t)
	submitter := &fakeSubmitter{}
	disc := &fakeDiscoverer{err: errors.New("rate limited")}
	a := newTestAgent(repo, submitter, disc, &fakeScorer{}, Options{})

	if err := a.Tick(context.Background()); err != nil {
		t.Fatalf("discovery outage must not fail the tick: %v", err)
	}
	if submitter.calls != 0 {
		t.Fatal("no submission without candidates")
	}
}

func TestTickReclaimsStuckProcessing(t *testing.T) {
	repo := newTestRepo(t)
	sug, err := repo.Enqueue(context.Background(), store.Candidate{Address: addrOne, Symbol: "ONE"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := repo.SetStatus(context.Background(), sug.ID, store.StatusProcessing, nil); err != nil {
		t.Fatalf("set processing: %v", err)
	}

	submitter := &fakeSubmitter{receipt: chain.Receipt{TxHash: "0xabc", ProposalID: "9"}}
	// Reclaim window of a nanosecond: the record just written is already
	// considered stuck, so the tick reclaims and then drains it.
	a := newTestAgent(repo, submitter, &fakeDiscoverer{}, &fakeScorer{}, Options{ReclaimProcessingAfter: time.Nanosecond})
	time.Sleep(5 * time.Millisecond)

	if err := a.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if submitter.calls != 1 {
		t.Fatalf("reclaimed suggestion must be drained, submissions=%d", submitter.calls)
	}
}

type fakeLocker struct {
	acquired     bool
	err          error
	acquireCalls int
	releaseCalls int
	heldDuring   int
}

func (f *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	f.acquireCalls++
	if f.err != nil || !f.acquired {
		return nil, f.acquired, f.err
	}
	f.heldDuring++
	return func() {
		f.heldDuring--
		f.releaseCalls++
	}, true, nil
}

type lockObservingSubmitter struct {
	fakeSubmitter
	locker *fakeLocker
	held   bool
}

func (s *lockObservingSubmitter) SubmitProposal(ctx context.Context, amountETH decimal.Decimal, description string) (chain.Receipt, error) {
	s.held = s.locker.heldDuring > 0
	return s.fakeSubmitter.SubmitProposal(ctx, amountETH, description)
}

func TestTickAdvisoryLockScopesRun(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.Enqueue(context.Background(), store.Candidate{Address: addrOne, Symbol: "ONE"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	locker := &fakeLocker{acquired: true}
	submitter := &lockObservingSubmitter{
		fakeSubmitter: fakeSubmitter{receipt: chain.Receipt{TxHash: "0x1", ProposalID: "1"}},
		locker:        locker,
	}
	a := newTestAgent(repo, &submitter.fakeSubmitter, &fakeDiscoverer{}, &fakeScorer{}, Options{LockKey: 42})
	a.locker = locker
	a.submitter = submitter

	if err := a.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if locker.acquireCalls != 1 || locker.releaseCalls != 1 {
		t.Fatalf("lock must be taken and released exactly once, got acquire=%d release=%d",
			locker.acquireCalls, locker.releaseCalls)
	}
	if !submitter.held {
		t.Fatal("submission must happen while the advisory lock is held")
	}
}

func TestTickAdvisoryLockHeldElsewhereSkips(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.Enqueue(context.Background(), store.Candidate{Address: addrOne}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	locker := &fakeLocker{acquired: false}
	submitter := &fakeSubmitter{}
	disc := &fakeDiscoverer{}
	a := newTestAgent(repo, submitter, disc, &fakeScorer{}, Options{LockKey: 42})
	a.locker = locker

	if err := a.Tick(context.Background()); err != nil {
		t.Fatalf("contended lock must be a clean skip: %v", err)
	}
	if submitter.calls != 0 || disc.calls != 0 {
		t.Fatal("nothing may run without the lock")
	}

	// The other runner owns this attempt; the local marker must not move.
	last, err := repo.LastRun(context.Background(), "agent")
	if err != nil {
		t.Fatalf("last run: %v", err)
	}
	if last != nil {
		t.Fatalf("skipped tick must not write the run marker, got %v", last)
	}
}

func TestTickAdvisoryLockReleasedOnFailure(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.Enqueue(context.Background(), store.Candidate{Address: addrOne}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	locker := &fakeLocker{acquired: true}
	a := newTestAgent(repo, &fakeSubmitter{err: errors.New("relayer down")}, &fakeDiscoverer{}, &fakeScorer{}, Options{LockKey: 42})
	a.locker = locker

	if err := a.Tick(context.Background()); err == nil {
		t.Fatal("submission failure must surface")
	}
	if locker.releaseCalls != 1 {
		t.Fatalf("lock must be released on the failure path, releases=%d", locker.releaseCalls)
	}
}

func TestTickHistoryExclusionBlocksDiscoveryCandidate(t *testing.T) {
	repo := newTestRepo(t)
	submitter := &fakeSubmitter{receipt: chain.Receipt{TxHash: "0x1", ProposalID: "1"}}
	disc := &fakeDiscoverer{candidates: []discovery.Candidate{{Address: addrOne}, {Address: addrTwo}}}
	scorer := &fakeScorer{judgments: map[string]scoring.Judgment{
		strings.ToLower(addrOne): {Reason: "best", Confidence: 0.95},
		strings.ToLower(addrTwo): {Reason: "ok", Confidence: 0.5},
	}}

	a := newTestAgent(repo, submitter, disc, scorer, Options{})
	a.historyF = &fakeHistoryFilter{excluded: map[string]string{strings.ToLower(addrOne): "33"}}

	if err := a.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if scorer.calls != 1 {
		t.Fatalf("excluded candidate must not be scored, calls=%d", scorer.calls)
	}
	if submitter.calls != 1 || !strings.Contains(submitter.descriptions[0], "Address: "+addrTwo) {
		t.Fatalf("only the unexcluded candidate may be submitted: %+v", submitter.descriptions)
	}
}

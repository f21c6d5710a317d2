package allocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"treasury-agent/internal/chain"
	"treasury-agent/internal/history"
)

type fakeReader struct {
	balance    decimal.Decimal
	balanceErr error
	states     map[string]chain.ProposalState
	stateErr   error
}

func (f *fakeReader) TreasuryBalance(ctx context.Context) (decimal.Decimal, error) {
	return f.balance, f.balanceErr
}

func (f *fakeReader) ProposalState(ctx context.Context, id string) (chain.ProposalState, error) {
	if f.stateErr != nil {
		return 0, f.stateErr
	}
	return f.states[id], nil
}

type fakeSource struct {
	entries []history.Entry
}

func (f *fakeSource) RecentProposals(ctx context.Context, window time.Duration) []history.Entry {
	return f.entries
}

func defaultOptions() Options {
	return Options{
		Percent:   decimal.NewFromInt(1),
		Min:       decimal.RequireFromString("0.01"),
		Max:       decimal.NewFromInt(1),
		Default:   decimal.RequireFromString("0.1"),
		Precision: 6,
	}
}

func TestAllocationClampsToMinimum(t *testing.T) {
	// Treasury 10 ETH, 9.5 ETH committed, 1% of 0.5 = 0.005 -> min 0.01.
	reader := &fakeReader{
		balance: decimal.NewFromInt(10),
		states:  map[string]chain.ProposalState{"1": chain.StateActive},
	}
	source := &fakeSource{entries: []history.Entry{
		{ProposalID: "1", AmountETH: "9.5"},
	}}

	calc := NewCalculator(defaultOptions(), reader, source, zerolog.Nop())
	got := calc.Calculate(context.Background())
	if !got.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("expected min clamp 0.01, got %s", got)
	}
}

func TestAllocationClampsToMaximum(t *testing.T) {
	reader := &fakeReader{balance: decimal.NewFromInt(10000)}
	calc := NewCalculator(defaultOptions(), reader, &fakeSource{}, zerolog.Nop())

	got := calc.Calculate(context.Background())
	if !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected max clamp 1, got %s", got)
	}
}

func TestNegativeAvailableFallsBackToDefault(t *testing.T) {
	reader := &fakeReader{
		balance: decimal.NewFromInt(1),
		states:  map[string]chain.ProposalState{"1": chain.StateQueued},
	}
	source := &fakeSource{entries: []history.Entry{
		{ProposalID: "1", AmountETH: "5"},
	}}

	calc := NewCalculator(defaultOptions(), reader, source, zerolog.Nop())
	got := calc.Calculate(context.Background())
	if !got.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("expected default 0.1, got %s", got)
	}
}

func TestBalanceErrorFallsBackToDefault(t *testing.T) {
	reader := &fakeReader{balanceErr: errors.New("rpc down")}
	calc := NewCalculator(defaultOptions(), reader, &fakeSource{}, zerolog.Nop())

	got := calc.Calculate(context.Background())
	if !got.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("expected default on balance error, got %s", got)
	}
}

func TestInactiveProposalsDoNotCommitFunds(t *testing.T) {
	reader := &fakeReader{
		balance: decimal.NewFromInt(100),
		states: map[string]chain.ProposalState{
			"1": chain.StateDefeated,
			"2": chain.StateExecuted,
			"3": chain.StateActive,
		},
	}
	source := &fakeSource{entries: []history.Entry{
		{ProposalID: "1", AmountETH: "90"},
		{ProposalID: "2", AmountETH: "90"},
		{ProposalID: "3", AmountETH: "50"},
		{ProposalID: "4", AmountETH: "not a number"},
	}}

	opts := defaultOptions()
	opts.Max = decimal.NewFromInt(10)
	calc := NewCalculator(opts, reader, source, zerolog.Nop())

	// Only proposal 3 commits: available = 50, 1% = 0.5.
	got := calc.Calculate(context.Background())
	if !got.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("expected 0.5, got %s", got)
	}
}

func TestStateVerificationErrorSkipsProposal(t *testing.T) {
	reader := &fakeReader{
		balance:  decimal.NewFromInt(100),
		stateErr: errors.New("contract read failed"),
	}
	source := &fakeSource{entries: []history.Entry{
		{ProposalID: "1", AmountETH: "99"},
	}}

	calc := NewCalculator(defaultOptions(), reader, source, zerolog.Nop())

	// Unverifiable proposals contribute zero: available = 100, 1% = 1 (max).
	got := calc.Calculate(context.Background())
	if !got.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected 1, got %s", got)
	}
}

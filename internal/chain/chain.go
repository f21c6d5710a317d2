package chain

import (
	"context"

	"github.com/shopspring/decimal"
)

// ProposalState mirrors the Governor contract's state enum.
type ProposalState uint8

const (
	StatePending ProposalState = iota
	StateActive
	StateCanceled
	StateDefeated
	StateSucceeded
	StateQueued
	StateExpired
	StateExecuted
)

// CommitsFunds reports whether a proposal in this state still reserves
// treasury funds. Everything except canceled/defeated/expired/executed does.
func (s ProposalState) CommitsFunds() bool {
	switch s {
	case StatePending, StateActive, StateSucceeded, StateQueued:
		return true
	}
	return false
}

func (s ProposalState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateCanceled:
		return "canceled"
	case StateDefeated:
		return "defeated"
	case StateSucceeded:
		return "succeeded"
	case StateQueued:
		return "queued"
	case StateExpired:
		return "expired"
	case StateExecuted:
		return "executed"
	}
	return "unknown"
}

// TreasuryReader exposes the on-chain views the pipeline needs.
type TreasuryReader interface {
	// TreasuryBalance returns the treasury's native balance in ETH.
	TreasuryBalance(ctx context.Context) (decimal.Decimal, error)
	// ProposalState re-verifies a proposal's lifecycle state against the
	// governance contract; the external index does not encode state.
	ProposalState(ctx context.Context, proposalID string) (ProposalState, error)
	// HoldsToken reports whether the treasury already holds the ERC-20 asset.
	HoldsToken(ctx context.Context, token string) (bool, error)
}

// Receipt is what a submission hands back; the transaction hash is the only
// state recorded into the suggestion store, no confirmation polling happens.
type Receipt struct {
	TxHash     string `json:"txHash"`
	ProposalID string `json:"proposalId,omitempty"`
}

// ProposalSubmitter submits a buy proposal for an asset.
type ProposalSubmitter interface {
	SubmitProposal(ctx context.Context, amountETH decimal.Decimal, description string) (Receipt, error)
}

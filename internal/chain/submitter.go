package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SubmitterOptions parameterise relayer-backed proposal submission. Signing
// stays inside the relayer; this process never touches key material.
type SubmitterOptions struct {
	RelayerURL      string
	RelayerAPIKey   string
	GovernorAddress string
	TreasuryAddress string
	Timeout         time.Duration
}

// RelayerSubmitter builds Governor propose() calldata and hands the signed
// submission to an external relayer.
type RelayerSubmitter struct {
	opts   SubmitterOptions
	client *resty.Client
	logger zerolog.Logger
}

type relayerRequest struct {
	To   string `json:"to"`
	Data string `json:"data"`
}

type relayerResponse struct {
	TxHash     string `json:"txHash"`
	ProposalID string `json:"proposalId"`
}

// NewRelayerSubmitter constructs a submitter over the relayer API.
func NewRelayerSubmitter(opts SubmitterOptions, logger zerolog.Logger) *RelayerSubmitter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.RelayerURL, "/")).
		SetTimeout(timeout)
	if opts.RelayerAPIKey != "" {
		client.SetHeader("X-Api-Key", opts.RelayerAPIKey)
	}

	return &RelayerSubmitter{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "relayer_submitter").Logger(),
	}
}

// SubmitProposal packs a single-action funding proposal (send amountETH to the
// treasury executor) and submits it through the relayer.
func (s *RelayerSubmitter) SubmitProposal(ctx context.Context, amountETH decimal.Decimal, description string) (Receipt, error) {
	if s.opts.RelayerURL == "" {
		return Receipt{}, errors.New("relayer url not configured")
	}
	if s.opts.GovernorAddress == "" {
		return Receipt{}, errors.New("governor address not configured")
	}
	if s.opts.TreasuryAddress == "" {
		return Receipt{}, errors.New("treasury address not configured")
	}
	if !amountETH.IsPositive() {
		return Receipt{}, fmt.Errorf("proposal amount must be positive, got %s", amountETH)
	}

	calldata, err := PackProposeCalldata(s.opts.TreasuryAddress, amountETH, description)
	if err != nil {
		return Receipt{}, err
	}

	var result relayerResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(relayerRequest{
			To:   s.opts.GovernorAddress,
			Data: hexutil.Encode(calldata),
		}).
		SetResult(&result).
		Post("/transactions")
	if err != nil {
		return Receipt{}, fmt.Errorf("submit proposal: %w", err)
	}
	if resp.IsError() {
		return Receipt{}, fmt.Errorf("relayer returned status %d", resp.StatusCode())
	}
	if result.TxHash == "" {
		return Receipt{}, errors.New("relayer response missing transaction hash")
	}

	s.logger.Info().
		Str("tx_hash", result.TxHash).
		Str("proposal_id", result.ProposalID).
		Str("amount_eth", amountETH.String()).
		Msg("proposal submitted")

	return Receipt{TxHash: result.TxHash, ProposalID: result.ProposalID}, nil
}

// PackProposeCalldata encodes Governor propose(targets, values, calldatas,
// description) for a single ETH transfer to the target.
func PackProposeCalldata(target string, amountETH decimal.Decimal, description string) ([]byte, error) {
	wei := amountETH.Mul(weiPerEth).Round(0)
	value, ok := new(big.Int).SetString(wei.StringFixed(0), 10)
	if !ok {
		return nil, fmt.Errorf("amount %s does not convert to wei", amountETH)
	}

	calldata, err := governorABI.Pack("propose",
		[]common.Address{common.HexToAddress(target)},
		[]*big.Int{value},
		[][]byte{{}},
		description,
	)
	if err != nil {
		return nil, fmt.Errorf("pack propose calldata: %w", err)
	}
	return calldata, nil
}

var _ ProposalSubmitter = (*RelayerSubmitter)(nil)

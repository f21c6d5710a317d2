package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	governorABIJSON = `[
        {"inputs":[{"internalType":"uint256","name":"proposalId","type":"uint256"}],"name":"state","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
        {"inputs":[{"internalType":"address[]","name":"targets","type":"address[]"},{"internalType":"uint256[]","name":"values","type":"uint256[]"},{"internalType":"bytes[]","name":"calldatas","type":"bytes[]"},{"internalType":"string","name":"description","type":"string"}],"name":"propose","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"nonpayable","type":"function"}
    ]`
	erc20ABIJSON = `[{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
)

var (
	governorABI abi.ABI
	erc20ABI    abi.ABI

	weiPerEth = decimal.New(1, 18)
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(governorABIJSON))
	if err != nil {
		panic("failed to parse Governor ABI: " + err.Error())
	}
	governorABI = parsed

	parsed, err = abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// ReaderOptions parameterise the on-chain reader.
type ReaderOptions struct {
	RPCURL          string
	GovernorAddress string
	TreasuryAddress string
	Timeout         time.Duration
}

// Reader provides treasury and governance views via Ethereum RPC.
type Reader struct {
	opts      ReaderOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewReader builds a new on-chain reader.
func NewReader(opts ReaderOptions, logger zerolog.Logger) *Reader {
	return &Reader{opts: opts, logger: logger.With().Str("component", "chain_reader").Logger()}
}

// TreasuryBalance returns the treasury's native balance in ETH.
func (r *Reader) TreasuryBalance(ctx context.Context) (decimal.Decimal, error) {
	if r.opts.TreasuryAddress == "" {
		return decimal.Decimal{}, errors.New("treasury address not configured")
	}

	ctx, cancel := r.callContext(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	wei, err := client.BalanceAt(ctx, common.HexToAddress(r.opts.TreasuryAddress), nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("read treasury balance: %w", err)
	}

	return decimal.NewFromBigInt(wei, -18), nil
}

// ProposalState queries the Governor contract for a proposal's current state.
func (r *Reader) ProposalState(ctx context.Context, proposalID string) (ProposalState, error) {
	if r.opts.GovernorAddress == "" {
		return 0, errors.New("governor address not configured")
	}

	id, ok := new(big.Int).SetString(proposalID, 10)
	if !ok {
		id, ok = new(big.Int).SetString(strings.TrimPrefix(proposalID, "0x"), 16)
	}
	if !ok {
		return 0, fmt.Errorf("unparseable proposal id %q", proposalID)
	}

	ctx, cancel := r.callContext(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return 0, err
	}

	payload, err := governorABI.Pack("state", id)
	if err != nil {
		return 0, err
	}

	addr := common.HexToAddress(r.opts.GovernorAddress)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return 0, fmt.Errorf("call governor state: %w", err)
	}

	outputs, err := governorABI.Unpack("state", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected state response")
	}

	raw, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode state output")
	}
	return ProposalState(raw), nil
}

// HoldsToken reports whether the treasury holds a non-zero ERC-20 balance.
func (r *Reader) HoldsToken(ctx context.Context, token string) (bool, error) {
	if r.opts.TreasuryAddress == "" {
		return false, errors.New("treasury address not configured")
	}

	ctx, cancel := r.callContext(ctx)
	defer cancel()

	client, err := r.getClient(ctx)
	if err != nil {
		return false, err
	}

	payload, err := erc20ABI.Pack("balanceOf", common.HexToAddress(r.opts.TreasuryAddress))
	if err != nil {
		return false, err
	}

	addr := common.HexToAddress(token)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return false, fmt.Errorf("call balanceOf: %w", err)
	}

	outputs, err := erc20ABI.Unpack("balanceOf", res)
	if err != nil {
		return false, err
	}
	if len(outputs) != 1 {
		return false, errors.New("unexpected balanceOf response")
	}

	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return false, errors.New("failed to decode balanceOf output")
	}
	return balance.Sign() > 0, nil
}

func (r *Reader) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (r *Reader) getClient(ctx context.Context) (*ethclient.Client, error) {
	r.clientMux.Lock()
	defer r.clientMux.Unlock()

	if r.client != nil {
		return r.client, nil
	}
	if r.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, r.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	r.client = client
	return client, nil
}

var _ TreasuryReader = (*Reader)(nil)

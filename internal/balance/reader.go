package balance

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"tokenrails/internal/chainclient"
	"tokenrails/internal/contracts"
)

// RPCReader performs the ERC-20 view calls over the shared client pool.
type RPCReader struct {
	pool *chainclient.Pool

	once sync.Once
	abi  abi.ABI
	err  error
}

func NewRPCReader(pool *chainclient.Pool) *RPCReader {
	return &RPCReader{pool: pool}
}

func (r *RPCReader) tokenABI() (abi.ABI, error) {
	r.once.Do(func() {
		r.abi, r.err = abi.JSON(strings.NewReader(contracts.RedeemableTokenABI))
	})
	return r.abi, r.err
}

func (r *RPCReader) bound(ctx context.Context, chainID int64, token common.Address) (*bind.BoundContract, error) {
	parsed, err := r.tokenABI()
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	cli, err := r.pool.Client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return bind.NewBoundContract(token, parsed, cli, cli, cli), nil
}

func (r *RPCReader) Decimals(ctx context.Context, chainID int64, token common.Address) (uint8, error) {
	contract, err := r.bound(ctx, chainID, token)
	if err != nil {
		return 0, err
	}
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("call decimals: %w", err)
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", out[0])
	}
	return decimals, nil
}

func (r *RPCReader) BalanceOf(ctx context.Context, chainID int64, token, holder common.Address) (*big.Int, error) {
	contract, err := r.bound(ctx, chainID, token)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf type %T", out[0])
	}
	return raw, nil
}

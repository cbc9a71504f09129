// Package wallet narrows transaction signing to the capability interface the
// executor depends on. Any wallet backend that can switch chains, report its
// address, and sign-and-send satisfies it.
package wallet

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUserRejected reports that the signer's owner declined the action.
	ErrUserRejected = errors.New("user rejected signing")
	// ErrChainSwitch reports that the signer could not move to the target chain.
	ErrChainSwitch = errors.New("chain switch failed")
)

// TxRequest is the minimal transaction description the executor builds.
type TxRequest struct {
	ChainID int64
	To      common.Address
	Data    []byte
	Value   *big.Int
}

// Signer is the wallet capability boundary. Implementations serialize their
// own signing (nonce ordering); callers never run two sends concurrently for
// the same wallet.
type Signer interface {
	Address() common.Address
	SwitchChain(ctx context.Context, chainID int64) error
	SignAndSend(ctx context.Context, tx TxRequest) (common.Hash, error)
}

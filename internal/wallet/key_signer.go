package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"tokenrails/internal/chainclient"
)

// KeySigner signs with a service-held private key over the shared client
// pool. SwitchChain pins the active chain after confirming the RPC agrees on
// the chain id.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	pool    *chainclient.Pool

	mu     sync.Mutex
	active int64
}

func NewKeySigner(privateKeyHex string, pool *chainclient.Pool) (*KeySigner, error) {
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		pool:    pool,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (s *KeySigner) Address() common.Address { return s.address }

// SwitchChain confirms the RPC for chainID is reachable and reports the
// expected chain id before any transaction targets it.
func (s *KeySigner) SwitchChain(ctx context.Context, chainID int64) error {
	cli, err := s.pool.Client(ctx, chainID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChainSwitch, err)
	}
	reported, err := cli.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: fetch chain id: %w", ErrChainSwitch, err)
	}
	if reported.Int64() != chainID {
		return fmt.Errorf("%w: rpc reports chain %d, want %d", ErrChainSwitch, reported.Int64(), chainID)
	}

	s.mu.Lock()
	s.active = chainID
	s.mu.Unlock()
	return nil
}

// SignAndSend builds, signs, and broadcasts the transaction, returning its
// hash without waiting for confirmation. Sends are serialized so nonces stay
// ordered.
func (s *KeySigner) SignAndSend(ctx context.Context, tx TxRequest) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != tx.ChainID {
		return common.Hash{}, fmt.Errorf("%w: chain %d is not active", ErrChainSwitch, tx.ChainID)
	}

	cli, err := s.pool.Client(ctx, tx.ChainID)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := cli.PendingNonceAt(ctx, s.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := cli.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}

	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}

	to := tx.To
	gasLimit, err := cli.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &to,
		Value: value,
		Data:  tx.Data,
	})
	if err != nil {
		// Estimation failure is how a certain revert surfaces pre-broadcast.
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &tx.To,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     tx.Data,
	})

	signed, err := types.SignTx(unsigned, types.LatestSignerForChainID(big.NewInt(tx.ChainID)), s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}

	if err := cli.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash(), nil
}

// Package executor moves value on-chain: chain switch, pre-flight balance
// check, call build, broadcast. The output contract is strict: a non-empty
// transaction hash means funds left the wallet; a typed Failure means nothing
// happened.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"tokenrails/internal/balance"
	"tokenrails/internal/chains"
	"tokenrails/internal/config"
	"tokenrails/internal/contracts"
	"tokenrails/internal/units"
	"tokenrails/internal/wallet"
)

// BalanceSource is the read side the pre-flight check uses.
type BalanceSource interface {
	Snapshot(ctx context.Context, chainID int64, symbol string, holder common.Address) (balance.Snapshot, error)
}

// Request describes one on-chain redemption leg.
type Request struct {
	ChainID int64
	Symbol  string
	// Amount in token units as a decimal string; fixed by the caller.
	Amount string
	// HashedReference is the payout reference carried on a burn call. Never
	// a plaintext account number.
	HashedReference string
}

// Executor drives the signer through switch, pre-flight, build, broadcast.
type Executor struct {
	registry *chains.Registry
	balances BalanceSource
	signer   wallet.Signer
	retry    config.RetryConfig
	abi      abi.ABI
	log      zerolog.Logger
}

func New(registry *chains.Registry, balances BalanceSource, signer wallet.Signer, retry config.RetryConfig, log zerolog.Logger) (*Executor, error) {
	parsed, err := abi.JSON(strings.NewReader(contracts.RedeemableTokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}
	return &Executor{
		registry: registry,
		balances: balances,
		signer:   signer,
		retry:    retry,
		abi:      parsed,
		log:      log,
	}, nil
}

// Address reports the wallet the executor spends from.
func (e *Executor) Address() common.Address { return e.signer.Address() }

// HashReference derives the on-chain payout reference from the destination.
// One-way: plaintext institution and account identifiers never touch chain.
func HashReference(institutionCode, accountIdentifier string) string {
	sum := sha256.Sum256([]byte(institutionCode + "|" + accountIdentifier))
	return hex.EncodeToString(sum[:])
}

// Execute runs the full on-chain leg and returns the broadcast hash. Any
// returned Failure guarantees no transaction was sent.
func (e *Executor) Execute(ctx context.Context, req Request) (string, *Failure) {
	tok, err := e.registry.Token(req.ChainID, req.Symbol)
	if err != nil {
		return "", newFailure(CodeUnsupportedToken, err)
	}

	if err := e.signer.SwitchChain(ctx, req.ChainID); err != nil {
		code := classify(err)
		if code != CodeUserRejected {
			code = CodeChainSwitchFailed
		}
		return "", newFailure(code, err)
	}

	amount, err := units.Parse(req.Amount, tok.Decimals)
	if err != nil {
		return "", newFailure(CodeReverted, err)
	}
	if amount.Sign() <= 0 {
		return "", newFailure(CodeInsufficientBalance, fmt.Errorf("amount must be positive"))
	}

	if fail := e.preflight(ctx, req, tok, amount); fail != nil {
		return "", fail
	}

	data, fail := e.buildCall(req, tok, amount)
	if fail != nil {
		return "", fail
	}

	tx := wallet.TxRequest{
		ChainID: req.ChainID,
		To:      common.HexToAddress(tok.Address),
		Data:    data,
	}
	return e.broadcast(ctx, tx)
}

// preflight refuses to submit a transaction that is certain to revert.
func (e *Executor) preflight(ctx context.Context, req Request, tok chains.Token, amount *big.Int) *Failure {
	snap, err := e.balances.Snapshot(ctx, req.ChainID, req.Symbol, e.signer.Address())
	if err != nil {
		return newFailure(classify(err), err)
	}

	required := new(big.Int).Set(amount)
	if feeReserve(tok) != nil {
		required.Add(required, feeReserve(tok))
	}
	if snap.Raw.Cmp(required) < 0 {
		return newFailure(CodeInsufficientBalance,
			fmt.Errorf("balance %s is below required %s %s", snap.Decimal(), units.Format(required, tok.Decimals), req.Symbol))
	}
	return nil
}

// feeReserve returns the extra same-token amount held back when the network
// fee is paid in the redeemed token itself. EVM chains pay gas in the native
// currency, so there is nothing to reserve here; the hook stays for rails
// that settle fees in-token.
func feeReserve(chains.Token) *big.Int { return nil }

func (e *Executor) buildCall(req Request, tok chains.Token, amount *big.Int) ([]byte, *Failure) {
	switch tok.Settlement {
	case chains.SettleBurn:
		if req.HashedReference == "" {
			return nil, newFailure(CodeReverted, fmt.Errorf("burn call requires a hashed reference"))
		}
		data, err := e.abi.Pack("burnWithReference", amount, req.HashedReference)
		if err != nil {
			return nil, newFailure(CodeReverted, fmt.Errorf("pack burnWithReference: %w", err))
		}
		return data, nil
	case chains.SettleTransfer:
		data, err := e.abi.Pack("transfer", common.HexToAddress(tok.DepositAddress), amount)
		if err != nil {
			return nil, newFailure(CodeReverted, fmt.Errorf("pack transfer: %w", err))
		}
		return data, nil
	default:
		return nil, newFailure(CodeReverted, fmt.Errorf("unknown settlement mode %q", tok.Settlement))
	}
}

// broadcast submits through the signer, retrying only transient network
// errors with bounded backoff. The hash is returned as soon as the node
// accepts the transaction; confirmation is tracked elsewhere.
func (e *Executor) broadcast(ctx context.Context, tx wallet.TxRequest) (string, *Failure) {
	attempts := e.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := e.retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		hash, err := e.signer.SignAndSend(ctx, tx)
		if err == nil {
			return hash.Hex(), nil
		}
		lastErr = err

		code := classify(err)
		if code != CodeNetworkError || i == attempts {
			return "", newFailure(code, err)
		}

		e.log.Warn().Err(err).Int("attempt", i).Msg("broadcast failed, retrying")
		sleep := backoff
		if e.retry.MaxBackoff > 0 && sleep > e.retry.MaxBackoff {
			sleep = e.retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return "", newFailure(CodeNetworkError, ctx.Err())
		}
		if e.retry.BackoffMultiplier > 1 {
			backoff *= time.Duration(e.retry.BackoffMultiplier)
		}
	}
	return "", newFailure(CodeNetworkError, lastErr)
}

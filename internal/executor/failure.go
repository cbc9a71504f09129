package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tokenrails/internal/balance"
	"tokenrails/internal/wallet"
)

// Code classifies an execution failure. Every failure carries exactly one
// code; no code is ever paired with a transaction hash.
type Code string

const (
	CodeUserRejected        Code = "user_rejected"
	CodeChainSwitchFailed   Code = "chain_switch_failed"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeInsufficientGas     Code = "insufficient_gas"
	CodeNetworkError        Code = "network_error"
	CodeReverted            Code = "reverted"
	CodeBalanceUnavailable  Code = "balance_unavailable"
	CodeUnsupportedToken    Code = "unsupported_token"
)

// Failure is a typed execution error. A Failure means no transaction was
// broadcast; funds have not moved.
type Failure struct {
	Code Code
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %v", f.Code, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the failure may resolve on its own.
func (f *Failure) Retryable() bool { return f.Code == CodeNetworkError }

func newFailure(code Code, err error) *Failure {
	return &Failure{Code: code, Err: err}
}

// classify maps a raw signer or RPC error onto the failure taxonomy. String
// matching mirrors what node and wallet backends actually return.
func classify(err error) Code {
	switch {
	case errors.Is(err, wallet.ErrUserRejected):
		return CodeUserRejected
	case errors.Is(err, wallet.ErrChainSwitch):
		return CodeChainSwitchFailed
	case errors.Is(err, balance.ErrUnavailable):
		return CodeBalanceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeNetworkError
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user denied"), strings.Contains(msg, "rejected by user"):
		return CodeUserRejected
	case strings.Contains(msg, "insufficient funds"):
		return CodeInsufficientGas
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "gas required exceeds"),
		strings.Contains(msg, "always failing transaction"):
		return CodeReverted
	default:
		return CodeNetworkError
	}
}

// Package redemption owns the request lifecycle: the state machine, the
// orchestrator driving it, and the failure reasons it reports.
package redemption

import (
	"fmt"
	"time"

	"tokenrails/internal/verify"
)

// Status is one state in the redemption lifecycle.
type Status string

const (
	StatusIdle                Status = "idle"
	StatusValidating          Status = "validating"
	StatusRateLocked          Status = "rate_locked"
	StatusExecuting           Status = "executing"
	StatusSubmitting          Status = "submitting"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusNeedsReconciliation Status = "needs_reconciliation"
)

// Terminal reports whether the request reached a lifecycle outcome. A parked
// request is terminal for the caller but may still be resumed by an operator.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNeedsReconciliation:
		return true
	}
	return false
}

// FailureReason names why a request failed. Reasons before a transaction hash
// exists are benign; reasons after one are operator-visible.
type FailureReason string

const (
	ReasonValidation             FailureReason = "validation_error"
	ReasonBalanceUnavailable     FailureReason = "balance_unavailable"
	ReasonRateUnavailable        FailureReason = "rate_unavailable"
	ReasonVerificationFailed     FailureReason = "verification_failed"
	ReasonChainSwitchFailed      FailureReason = "chain_switch_failed"
	ReasonUserRejected           FailureReason = "user_rejected"
	ReasonInsufficientBalance    FailureReason = "insufficient_balance"
	ReasonInsufficientGas        FailureReason = "insufficient_gas"
	ReasonNetworkError           FailureReason = "network_error"
	ReasonReverted               FailureReason = "reverted"
	ReasonSettlementRejected     FailureReason = "settlement_rejected"
	ReasonReconciliationRequired FailureReason = "reconciliation_required"
)

// Request is one redemption tracked end to end. Created at Validate, mutated
// only through Transition, never deleted once a transaction hash exists.
type Request struct {
	Reference string  `json:"reference"`
	Status    Status  `json:"status"`
	ChainID   int64   `json:"chainId"`
	Token     string  `json:"token"`
	Amount    string  `json:"amount"`
	Rate      float64 `json:"rate"`
	FeeRate   float64 `json:"feeRate"`
	NetFiat   float64 `json:"netFiat"`

	Destination verify.Destination `json:"destination"`

	TxHash        string        `json:"txHash,omitempty"`
	SettlementID  string        `json:"settlementId,omitempty"`
	FailureReason FailureReason `json:"failureReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// allowed maps each status to its legal successors.
var allowed = map[Status][]Status{
	StatusIdle:       {StatusValidating},
	StatusValidating: {StatusRateLocked, StatusFailed},
	StatusRateLocked: {StatusExecuting},
	// Executing can roll back to Idle when the user cancels before broadcast.
	StatusExecuting:  {StatusSubmitting, StatusFailed, StatusIdle},
	StatusSubmitting: {StatusCompleted, StatusFailed, StatusNeedsReconciliation},
	// A parked request re-opens the submitting window on resume.
	StatusNeedsReconciliation: {StatusSubmitting},
}

// Transition returns a copy of the request in the target status. Pure: no
// I/O, no mutation of the input; illegal edges and post-txHash drops error.
func Transition(r Request, to Status, at time.Time) (Request, error) {
	legal := false
	for _, next := range allowed[r.Status] {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		return Request{}, fmt.Errorf("illegal transition %s -> %s for %s", r.Status, to, r.Reference)
	}
	if r.TxHash != "" && (to == StatusIdle || to == StatusFailed && r.Status == StatusExecuting) {
		// Once funds left the chain the request may only complete or park for
		// reconciliation.
		return Request{}, fmt.Errorf("request %s has txHash %s and cannot move to %s", r.Reference, r.TxHash, to)
	}

	out := r
	out.Status = to
	out.UpdatedAt = at
	return out, nil
}

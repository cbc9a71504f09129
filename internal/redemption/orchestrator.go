package redemption

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"tokenrails/internal/balance"
	"tokenrails/internal/executor"
	"tokenrails/internal/rates"
	"tokenrails/internal/settlement"
	"tokenrails/internal/units"
	"tokenrails/internal/verify"
)

// BalanceSource is the validation-time balance read.
type BalanceSource interface {
	Snapshot(ctx context.Context, chainID int64, symbol string, holder common.Address) (balance.Snapshot, error)
}

// RateSource quotes and prices redemptions.
type RateSource interface {
	Rate(ctx context.Context, chainID int64, symbol string, amount float64) (rates.Quote, error)
	NetFiat(amount, rate float64) float64
	FeeRate() float64
}

// AccountVerifier resolves payout destinations.
type AccountVerifier interface {
	Verify(ctx context.Context, institutionCode, accountIdentifier string) (verify.Destination, error)
}

// TxExecutor runs the on-chain leg.
type TxExecutor interface {
	Execute(ctx context.Context, req executor.Request) (string, *executor.Failure)
	Address() common.Address
}

// SettlementClient posts the redemption to the banking rail.
type SettlementClient interface {
	Submit(ctx context.Context, sub settlement.Submission) (settlement.Receipt, error)
}

// Input is what the caller supplies to start a redemption.
type Input struct {
	ChainID         int64
	Token           string
	Amount          string
	InstitutionCode string
	AccountID       string
	// Reference is the client idempotency reference; minted when empty.
	Reference string
}

// Orchestrator drives each request through the state machine, persisting
// every transition. One Executing leg runs at a time per wallet.
type Orchestrator struct {
	balances  BalanceSource
	rateQuote RateSource
	verifier  AccountVerifier
	executor  TxExecutor
	submitter SettlementClient
	store     Store
	now       func() time.Time
	log       zerolog.Logger

	execMu sync.Mutex
}

func NewOrchestrator(
	balances BalanceSource,
	rateQuote RateSource,
	verifier AccountVerifier,
	exec TxExecutor,
	submitter SettlementClient,
	store Store,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		balances:  balances,
		rateQuote: rateQuote,
		verifier:  verifier,
		executor:  exec,
		submitter: submitter,
		store:     store,
		now:       time.Now,
		log:       log,
	}
}

// WithClock substitutes the time source. For tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Redeem runs the full lifecycle for one input and returns the terminal (or
// rolled-back) request.
func (o *Orchestrator) Redeem(ctx context.Context, in Input) (Request, error) {
	req, err := o.validate(ctx, in)
	if err != nil || req.Status != StatusRateLocked {
		return req, err
	}
	return o.executeAndSubmit(ctx, req)
}

// Resume re-drives settlement for a request parked in NeedsReconciliation,
// reusing the original client reference so the backend can deduplicate.
func (o *Orchestrator) Resume(ctx context.Context, reference string) (Request, error) {
	req, err := o.store.Get(ctx, reference)
	if err != nil {
		return Request{}, fmt.Errorf("load request: %w", err)
	}
	if req == nil {
		return Request{}, fmt.Errorf("unknown reference %s", reference)
	}
	if req.Status != StatusNeedsReconciliation {
		return *req, fmt.Errorf("request %s is %s, not awaiting reconciliation", reference, req.Status)
	}
	if req.TxHash == "" {
		return *req, fmt.Errorf("request %s has no txHash to reconcile", reference)
	}

	// Re-open the submitting window; the proof data is already persisted.
	resumed, err := Transition(*req, StatusSubmitting, o.now())
	if err != nil {
		return *req, err
	}
	if err := o.store.Save(ctx, resumed); err != nil {
		return *req, fmt.Errorf("persist resume: %w", err)
	}
	return o.submit(ctx, resumed)
}

// Get returns the current journal entry for a reference.
func (o *Orchestrator) Get(ctx context.Context, reference string) (*Request, error) {
	return o.store.Get(ctx, reference)
}

// ListByStatus exposes the journal for operator queries.
func (o *Orchestrator) ListByStatus(ctx context.Context, status Status) ([]Request, error) {
	return o.store.ListByStatus(ctx, status)
}

// validate runs the balance, rate, and verification checks concurrently and
// either locks the rate or fails with no side effects.
func (o *Orchestrator) validate(ctx context.Context, in Input) (Request, error) {
	now := o.now()
	req := Request{
		Reference: in.Reference,
		Status:    StatusValidating,
		ChainID:   in.ChainID,
		Token:     in.Token,
		Amount:    in.Amount,
		FeeRate:   o.rateQuote.FeeRate(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Reference == "" {
		req.Reference = uuid.NewString()
	}

	// Claim the reference before any side effect. A concurrent request with
	// the same reference gets the claimed record back instead of a second
	// execution.
	existing, err := o.store.Claim(ctx, req)
	if err != nil {
		return req, fmt.Errorf("claim reference: %w", err)
	}
	if existing != nil {
		return *existing, nil
	}

	amount, err := strconv.ParseFloat(in.Amount, 64)
	if err != nil || amount <= 0 {
		return o.failValidation(ctx, req, ReasonValidation, fmt.Errorf("amount must be a positive number"))
	}

	var (
		snap  balance.Snapshot
		quote rates.Quote
		dest  verify.Destination
	)

	checks := pool.New().WithContext(ctx).WithCancelOnError()
	checks.Go(func(ctx context.Context) error {
		var err error
		snap, err = o.balances.Snapshot(ctx, in.ChainID, in.Token, o.executor.Address())
		return err
	})
	checks.Go(func(ctx context.Context) error {
		var err error
		quote, err = o.rateQuote.Rate(ctx, in.ChainID, in.Token, amount)
		return err
	})
	checks.Go(func(ctx context.Context) error {
		var err error
		dest, err = o.verifier.Verify(ctx, in.InstitutionCode, in.AccountID)
		return err
	})

	if err := checks.Wait(); err != nil {
		return o.failValidation(ctx, req, reasonFor(err), err)
	}

	// Compare in smallest units; a float round trip loses precision on
	// 18-decimal tokens.
	required, err := units.Parse(in.Amount, snap.Decimals)
	if err != nil {
		return o.failValidation(ctx, req, ReasonValidation, err)
	}
	if snap.Raw.Cmp(required) < 0 {
		return o.failValidation(ctx, req, ReasonInsufficientBalance,
			fmt.Errorf("amount %s exceeds balance %s %s", in.Amount, snap.Decimal(), in.Token))
	}

	// The rate is locked for display and the settlement receipt only; the
	// on-chain amount stays exactly as validated.
	req.Rate = quote.Rate
	req.NetFiat = o.rateQuote.NetFiat(amount, quote.Rate)
	req.Destination = dest

	locked, err := Transition(req, StatusRateLocked, o.now())
	if err != nil {
		return req, err
	}
	if err := o.store.Save(ctx, locked); err != nil {
		return locked, fmt.Errorf("persist validated request: %w", err)
	}
	return locked, nil
}

func (o *Orchestrator) failValidation(ctx context.Context, req Request, reason FailureReason, cause error) (Request, error) {
	failed, terr := Transition(req, StatusFailed, o.now())
	if terr != nil {
		return req, terr
	}
	failed.FailureReason = reason
	// Validation failures carry no side effects; persisting them is for the
	// caller's status polling, not for funds safety.
	_ = o.store.Save(ctx, failed)
	o.log.Info().Str("reference", req.Reference).Str("reason", string(reason)).Err(cause).Msg("validation failed")
	return failed, cause
}

func (o *Orchestrator) executeAndSubmit(ctx context.Context, req Request) (Request, error) {
	executing, err := Transition(req, StatusExecuting, o.now())
	if err != nil {
		return req, err
	}
	if err := o.store.Save(ctx, executing); err != nil {
		return executing, fmt.Errorf("persist executing: %w", err)
	}

	o.execMu.Lock()
	txHash, fail := o.executor.Execute(ctx, executor.Request{
		ChainID:         executing.ChainID,
		Symbol:          executing.Token,
		Amount:          executing.Amount,
		HashedReference: executor.HashReference(executing.Destination.Institution, executing.Destination.AccountID),
	})
	o.execMu.Unlock()

	if fail != nil {
		return o.failExecution(ctx, executing, fail)
	}

	// Funds have irreversibly left the wallet. The hash is journaled before
	// anything else happens; from here the request may only complete or park
	// for reconciliation.
	executing.TxHash = txHash
	submitting, err := Transition(executing, StatusSubmitting, o.now())
	if err != nil {
		return executing, err
	}
	if err := o.store.Save(ctx, submitting); err != nil {
		o.log.Error().Str("reference", submitting.Reference).Str("txHash", txHash).Err(err).
			Msg("journal write failed after broadcast")
		return o.park(ctx, submitting)
	}

	return o.submit(ctx, submitting)
}

// failExecution handles every pre-broadcast failure. User cancellation rolls
// the request back to Idle untouched; everything else is a benign Failed.
func (o *Orchestrator) failExecution(ctx context.Context, req Request, fail *executor.Failure) (Request, error) {
	reason := reasonForCode(fail.Code)

	if fail.Code == executor.CodeUserRejected || errors.Is(fail.Err, context.Canceled) {
		idle, terr := Transition(req, StatusIdle, o.now())
		if terr != nil {
			return req, terr
		}
		idle.Rate = 0
		idle.NetFiat = 0
		idle.FailureReason = ""
		_ = o.store.Save(ctx, idle)
		o.log.Info().Str("reference", req.Reference).Msg("execution cancelled before broadcast")
		return idle, fail
	}

	failed, terr := Transition(req, StatusFailed, o.now())
	if terr != nil {
		return req, terr
	}
	failed.FailureReason = reason
	_ = o.store.Save(ctx, failed)
	o.log.Info().Str("reference", req.Reference).Str("reason", string(reason)).Err(fail).Msg("execution failed before broadcast")
	return failed, fail
}

func (o *Orchestrator) submit(ctx context.Context, req Request) (Request, error) {
	receipt, err := o.submitter.Submit(ctx, settlement.Submission{
		Amount:          req.Amount,
		Rate:            req.Rate,
		Token:           req.Token,
		ChainID:         req.ChainID,
		TxHash:          req.TxHash,
		Destination:     req.Destination,
		ClientReference: req.Reference,
	})

	if err == nil {
		completed, terr := Transition(req, StatusCompleted, o.now())
		if terr != nil {
			return req, terr
		}
		completed.SettlementID = receipt.RequestID
		if err := o.store.Save(ctx, completed); err != nil {
			return completed, fmt.Errorf("persist completion: %w", err)
		}
		o.log.Info().Str("reference", req.Reference).Str("txHash", req.TxHash).
			Str("settlementId", receipt.RequestID).Msg("redemption completed")
		return completed, nil
	}

	var rejected *settlement.RejectedError
	if errors.As(err, &rejected) {
		// Authoritative refusal after funds moved: reported, never retried.
		failed, terr := Transition(req, StatusFailed, o.now())
		if terr != nil {
			return req, terr
		}
		failed.FailureReason = ReasonSettlementRejected
		_ = o.store.Save(ctx, failed)
		o.log.Error().Str("reference", req.Reference).Str("txHash", req.TxHash).
			Int("status", rejected.StatusCode).Msg("settlement rejected after broadcast")
		return failed, err
	}

	parked, perr := o.park(ctx, req)
	if perr != nil {
		return parked, perr
	}
	return parked, err
}

// park records the unsafe window: funds moved, no confirmed backend record.
func (o *Orchestrator) park(ctx context.Context, req Request) (Request, error) {
	parked, terr := Transition(req, StatusNeedsReconciliation, o.now())
	if terr != nil {
		return req, terr
	}
	parked.FailureReason = ReasonReconciliationRequired
	if err := o.store.Save(ctx, parked); err != nil {
		// Last resort: the proof data still goes to the log for operators.
		o.log.Error().Str("reference", parked.Reference).Str("txHash", parked.TxHash).
			Str("amount", parked.Amount).Err(err).Msg("failed to journal reconciliation state")
	}
	o.log.Error().Str("reference", parked.Reference).Str("txHash", parked.TxHash).
		Str("amount", parked.Amount).Str("institution", parked.Destination.Institution).
		Msg("redemption needs reconciliation")
	return parked, nil
}

// reasonFor maps validation-stage errors onto failure reasons.
func reasonFor(err error) FailureReason {
	switch {
	case errors.Is(err, balance.ErrUnavailable):
		return ReasonBalanceUnavailable
	case errors.Is(err, rates.ErrUnavailable):
		return ReasonRateUnavailable
	case errors.Is(err, verify.ErrVerificationFailed):
		return ReasonVerificationFailed
	default:
		return ReasonValidation
	}
}

func reasonForCode(code executor.Code) FailureReason {
	switch code {
	case executor.CodeUserRejected:
		return ReasonUserRejected
	case executor.CodeChainSwitchFailed:
		return ReasonChainSwitchFailed
	case executor.CodeInsufficientBalance:
		return ReasonInsufficientBalance
	case executor.CodeInsufficientGas:
		return ReasonInsufficientGas
	case executor.CodeReverted:
		return ReasonReverted
	case executor.CodeBalanceUnavailable:
		return ReasonBalanceUnavailable
	case executor.CodeUnsupportedToken:
		return ReasonValidation
	default:
		return ReasonNetworkError
	}
}

// Package settlement posts redemption requests to the banking rail and polls
// their payout status.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tokenrails/internal/config"
	"tokenrails/internal/verify"
)

// ErrRetriesExhausted reports that no attempt produced a definitive answer.
// The caller owns the reconciliation follow-up; the client reference must be
// reused on any resume.
var ErrRetriesExhausted = errors.New("settlement submission retries exhausted")

// RejectedError is an authoritative backend rejection. Never retried: the
// backend saw the request and refused it, so re-sending risks a duplicate
// payout path.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("settlement rejected (%d): %s", e.StatusCode, e.Body)
}

// Submission is the payload proving the on-chain action and naming the payout.
type Submission struct {
	Amount          string             `json:"amount"`
	Rate            float64            `json:"rate"`
	Token           string             `json:"token"`
	ChainID         int64              `json:"chain"`
	TxHash          string             `json:"txHash"`
	Destination     verify.Destination `json:"destination"`
	ClientReference string             `json:"clientReference"`
}

// Receipt is the backend's acknowledgement.
type Receipt struct {
	Status         string `json:"status"`
	RequestID      string `json:"requestId"`
	ReceiveAddress string `json:"receiveAddress,omitempty"`
}

// Submitter posts to the settlement API with bounded retries on network
// failures only.
type Submitter struct {
	baseURL string
	client  *http.Client
	retry   config.RetryConfig
	log     zerolog.Logger
}

func NewSubmitter(baseURL string, timeout time.Duration, retry config.RetryConfig, log zerolog.Logger) *Submitter {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Submitter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		retry:   retry,
		log:     log,
	}
}

// Submit sends the redemption. The client reference is fixed per request and
// reused verbatim on every attempt so the backend can deduplicate.
func (s *Submitter) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	if sub.ClientReference == "" {
		return Receipt{}, fmt.Errorf("client reference is required")
	}
	if sub.TxHash == "" {
		return Receipt{}, fmt.Errorf("tx hash is required")
	}

	payload, err := json.Marshal(sub)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal submission: %w", err)
	}

	attempts := s.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := s.retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		receipt, err := s.post(ctx, payload)
		if err == nil {
			return receipt, nil
		}

		var rejected *RejectedError
		if errors.As(err, &rejected) {
			return Receipt{}, err
		}
		lastErr = err

		if i == attempts {
			break
		}
		s.log.Warn().Err(err).Int("attempt", i).Str("clientReference", sub.ClientReference).
			Msg("settlement submission failed, retrying")

		sleep := backoff
		if s.retry.MaxBackoff > 0 && sleep > s.retry.MaxBackoff {
			sleep = s.retry.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("%w: %w", ErrRetriesExhausted, ctx.Err())
		}
		if s.retry.BackoffMultiplier > 1 {
			backoff *= time.Duration(s.retry.BackoffMultiplier)
		}
	}
	return Receipt{}, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

func (s *Submitter) post(ctx context.Context, payload []byte) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/redemptions", bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// No response means no proof of a server-side effect; retryable.
		return Receipt{}, fmt.Errorf("post redemption: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var receipt Receipt
		if err := json.Unmarshal(body, &receipt); err != nil {
			return Receipt{}, fmt.Errorf("decode receipt: %w", err)
		}
		return receipt, nil
	}

	if len(bytes.TrimSpace(body)) > 0 {
		return Receipt{}, &RejectedError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	// A bare error status with no body is indistinguishable from a proxy
	// failure; treat as transient.
	return Receipt{}, fmt.Errorf("post redemption: status %d with empty body", resp.StatusCode)
}

// Status polls the payout state for a reference or transaction hash.
func (s *Submitter) Status(ctx context.Context, reference string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/redemptions/"+reference, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("poll status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("poll status: backend returned %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode status: %w", err)
	}
	return body.Status, nil
}

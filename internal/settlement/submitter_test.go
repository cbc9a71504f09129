package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenrails/internal/config"
	"tokenrails/internal/verify"
)

func quickRetry() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func testSubmission() Submission {
	return Submission{
		Amount:  "100",
		Rate:    1500,
		Token:   "IDRX",
		ChainID: 4202,
		TxHash:  "0xabc",
		Destination: verify.Destination{
			Institution: "044",
			AccountID:   "0690000031",
			AccountName: "ADA OBI",
			Type:        verify.AccountBank,
		},
		ClientReference: "ref-1",
	}
}

func TestSubmitSuccess(t *testing.T) {
	var got Submission
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/redemptions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(Receipt{Status: "accepted", RequestID: "set-42"})
	}))
	defer srv.Close()

	s := NewSubmitter(srv.URL, time.Second, quickRetry(), zerolog.Nop())
	receipt, err := s.Submit(context.Background(), testSubmission())
	require.NoError(t, err)

	assert.Equal(t, "set-42", receipt.RequestID)
	assert.Equal(t, "ref-1", got.ClientReference)
	assert.Equal(t, "0xabc", got.TxHash)
}

// The backend deduplicates on clientReference; every retry must carry the
// identical reference so resubmission can never mint a second payout.
func TestIdempotentResubmission(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sub Submission
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sub))

		mu.Lock()
		seen[sub.ClientReference]++
		count := seen[sub.ClientReference]
		mu.Unlock()

		if count > 1 {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "duplicate reference"})
			return
		}
		_ = json.NewEncoder(w).Encode(Receipt{Status: "accepted", RequestID: "set-1"})
	}))
	defer srv.Close()

	s := NewSubmitter(srv.URL, time.Second, quickRetry(), zerolog.Nop())

	_, err := s.Submit(context.Background(), testSubmission())
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), testSubmission())
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 1, "only one settlement record may exist per reference")
}

func TestExplicitRejectionIsNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"duplicate reference"}`))
	}))
	defer srv.Close()

	s := NewSubmitter(srv.URL, time.Second, quickRetry(), zerolog.Nop())
	_, err := s.Submit(context.Background(), testSubmission())

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusBadRequest, rejected.StatusCode)
	assert.Contains(t, rejected.Body, "duplicate reference")
	assert.Equal(t, 1, calls, "an authoritative rejection must not be retried")
}

func TestNetworkFailureRetriesThenExhausts(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		// Drop the connection without a response.
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer srv.Close()

	s := NewSubmitter(srv.URL, time.Second, quickRetry(), zerolog.Nop())
	_, err := s.Submit(context.Background(), testSubmission())

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, calls)
}

func TestNetworkFailureThenSuccess(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			hj := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		_ = json.NewEncoder(w).Encode(Receipt{Status: "accepted", RequestID: "set-7"})
	}))
	defer srv.Close()

	s := NewSubmitter(srv.URL, time.Second, quickRetry(), zerolog.Nop())
	receipt, err := s.Submit(context.Background(), testSubmission())
	require.NoError(t, err)
	assert.Equal(t, "set-7", receipt.RequestID)
	assert.Equal(t, 2, calls)
}

func TestSubmitRequiresProofData(t *testing.T) {
	s := NewSubmitter("http://unused", time.Second, quickRetry(), zerolog.Nop())

	sub := testSubmission()
	sub.TxHash = ""
	_, err := s.Submit(context.Background(), sub)
	assert.Error(t, err)

	sub = testSubmission()
	sub.ClientReference = ""
	_, err = s.Submit(context.Background(), sub)
	assert.Error(t, err)
}

func TestStatusPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/redemptions/ref-1", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "Processing"})
	}))
	defer srv.Close()

	s := NewSubmitter(srv.URL, time.Second, quickRetry(), zerolog.Nop())
	status, err := s.Status(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "Processing", status)
}

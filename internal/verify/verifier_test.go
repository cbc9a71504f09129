package verify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyResolvesAccountName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/verify-account", r.URL.Path)

		var req verifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "044", req.InstitutionCode)
		require.Equal(t, "0690000031", req.AccountIdentifier)

		_ = json.NewEncoder(w).Encode(verifyResponse{
			AccountName: "ADA OBI",
			AccountType: "bank",
			Verified:    true,
		})
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, time.Second)
	dest, err := v.Verify(context.Background(), "044", "0690000031")
	require.NoError(t, err)

	assert.Equal(t, "ADA OBI", dest.AccountName)
	assert.Equal(t, AccountBank, dest.Type)
	assert.True(t, dest.Verified())
}

func TestVerifyMobileMoney(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(verifyResponse{
			AccountName: "JUMA OTIENO",
			AccountType: "mobile-money",
			Verified:    true,
		})
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, time.Second)
	dest, err := v.Verify(context.Background(), "MPESA", "254700000001")
	require.NoError(t, err)
	assert.Equal(t, AccountMobileMoney, dest.Type)
}

func TestVerifyRejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(verifyResponse{Verified: false})
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, time.Second)

	_, err := v.Verify(context.Background(), "044", "000")
	assert.ErrorIs(t, err, ErrVerificationFailed)

	_, err = v.Verify(context.Background(), "", "0690000031")
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestVerifyRegistryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, time.Second)
	_, err := v.Verify(context.Background(), "044", "0690000031")
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

// Package verify resolves fiat payout destinations against the account
// verification API.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrVerificationFailed reports that the registry could not confirm the
// account.
var ErrVerificationFailed = errors.New("account verification failed")

// AccountType distinguishes bank accounts from mobile-money wallets.
type AccountType string

const (
	AccountBank        AccountType = "bank"
	AccountMobileMoney AccountType = "mobile-money"
)

// Destination is a verified payout target. Built only by Verify; treated as
// immutable afterwards.
type Destination struct {
	Institution string      `json:"institution"`
	AccountID   string      `json:"accountIdentifier"`
	AccountName string      `json:"accountName"`
	Type        AccountType `json:"accountType"`
}

// Verified reports whether this destination went through verification.
func (d Destination) Verified() bool {
	return d.AccountName != "" && d.Institution != "" && d.AccountID != ""
}

// Verifier calls the external verification API.
type Verifier struct {
	baseURL string
	client  *http.Client
}

func NewVerifier(baseURL string, timeout time.Duration) *Verifier {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Verifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type verifyRequest struct {
	InstitutionCode   string `json:"institutionCode"`
	AccountIdentifier string `json:"accountIdentifier"`
}

type verifyResponse struct {
	AccountName string `json:"accountName"`
	AccountType string `json:"accountType"`
	Verified    bool   `json:"verified"`
}

// Verify resolves (institution, account) to the registered holder name.
func (v *Verifier) Verify(ctx context.Context, institutionCode, accountIdentifier string) (Destination, error) {
	if strings.TrimSpace(institutionCode) == "" || strings.TrimSpace(accountIdentifier) == "" {
		return Destination{}, fmt.Errorf("%w: institution and account are required", ErrVerificationFailed)
	}

	payload, err := json.Marshal(verifyRequest{
		InstitutionCode:   institutionCode,
		AccountIdentifier: accountIdentifier,
	})
	if err != nil {
		return Destination{}, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/verify-account", bytes.NewReader(payload))
	if err != nil {
		return Destination{}, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Destination{}, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Destination{}, fmt.Errorf("%w: registry returned %d", ErrVerificationFailed, resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Destination{}, fmt.Errorf("%w: decode response: %w", ErrVerificationFailed, err)
	}
	if !body.Verified || body.AccountName == "" {
		return Destination{}, fmt.Errorf("%w: account not recognized", ErrVerificationFailed)
	}

	accType := AccountBank
	if body.AccountType == string(AccountMobileMoney) {
		accType = AccountMobileMoney
	}

	return Destination{
		Institution: institutionCode,
		AccountID:   accountIdentifier,
		AccountName: body.AccountName,
		Type:        accType,
	}, nil
}

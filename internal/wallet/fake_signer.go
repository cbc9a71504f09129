package wallet

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// FakeSigner deterministically hashes the request to emulate broadcasts. Used
// when no private key is configured and throughout the tests.
type FakeSigner struct {
	Addr common.Address

	// RejectSwitch and RejectSign simulate the owner declining the prompt.
	RejectSwitch bool
	RejectSign   bool
	// SwitchErr and SignErr override the returned error entirely.
	SwitchErr error
	SignErr   error

	mu          sync.Mutex
	active      int64
	SwitchCalls int
	SignCalls   int
	LastTx      TxRequest
}

func (f *FakeSigner) Address() common.Address { return f.Addr }

func (f *FakeSigner) SwitchChain(_ context.Context, chainID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SwitchCalls++
	if f.SwitchErr != nil {
		return f.SwitchErr
	}
	if f.RejectSwitch {
		return ErrUserRejected
	}
	f.active = chainID
	return nil
}

func (f *FakeSigner) SignAndSend(_ context.Context, tx TxRequest) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SignCalls++
	f.LastTx = tx
	if f.SignErr != nil {
		return common.Hash{}, f.SignErr
	}
	if f.RejectSign {
		return common.Hash{}, ErrUserRejected
	}
	sum := sha256.Sum256(append(tx.To.Bytes(), tx.Data...))
	return common.BytesToHash(sum[:]), nil
}

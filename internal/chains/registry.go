// Package chains holds the static chain and token configuration every other
// component resolves addresses through.
package chains

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// SettlementMode selects how value leaves the source wallet for a token.
type SettlementMode string

const (
	// SettleBurn burns supply on-chain, carrying a hashed payout reference.
	SettleBurn SettlementMode = "burn"
	// SettleTransfer moves tokens to a custodial deposit address.
	SettleTransfer SettlementMode = "transfer"
)

// Token describes one redeemable token on one chain.
type Token struct {
	Symbol         string         `yaml:"symbol"`
	Address        string         `yaml:"address"`
	Decimals       uint8          `yaml:"decimals"`
	Settlement     SettlementMode `yaml:"settlement"`
	DepositAddress string         `yaml:"depositAddress,omitempty"`
	FiatPegged     bool           `yaml:"fiatPegged,omitempty"`
}

// Chain describes one supported network.
type Chain struct {
	ID           int64            `yaml:"chainId"`
	Name         string           `yaml:"name"`
	NativeSymbol string           `yaml:"nativeSymbol"`
	RPCURL       string           `yaml:"rpcUrl"`
	ExplorerURL  string           `yaml:"explorerUrl,omitempty"`
	Tokens       map[string]Token `yaml:"tokens"`
}

// ErrNotSupported reports a chain or token outside the configured set.
type ErrNotSupported struct {
	ChainID int64
	Symbol  string
}

func (e ErrNotSupported) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("chain %d is not supported", e.ChainID)
	}
	return fmt.Sprintf("token %s is not supported on chain %d", e.Symbol, e.ChainID)
}

// Registry is an immutable lookup over the configured chains. Loaded once at
// startup; no I/O after construction.
type Registry struct {
	chains map[int64]Chain
}

func NewRegistry(chains []Chain) (*Registry, error) {
	byID := make(map[int64]Chain, len(chains))
	for _, c := range chains {
		if c.ID == 0 {
			return nil, fmt.Errorf("chain %q has no chainId", c.Name)
		}
		if c.RPCURL == "" {
			return nil, fmt.Errorf("chain %d has no rpcUrl", c.ID)
		}
		for sym, tok := range c.Tokens {
			if !common.IsHexAddress(tok.Address) {
				return nil, fmt.Errorf("token %s on chain %d: invalid address %q", sym, c.ID, tok.Address)
			}
			if tok.Settlement == SettleTransfer && !common.IsHexAddress(tok.DepositAddress) {
				return nil, fmt.Errorf("token %s on chain %d: transfer settlement requires depositAddress", sym, c.ID)
			}
		}
		byID[c.ID] = c
	}
	return &Registry{chains: byID}, nil
}

// Chain returns the configuration for a chain id.
func (r *Registry) Chain(id int64) (Chain, error) {
	c, ok := r.chains[id]
	if !ok {
		return Chain{}, ErrNotSupported{ChainID: id}
	}
	return c, nil
}

// Token returns the token config for (chainID, symbol).
func (r *Registry) Token(chainID int64, symbol string) (Token, error) {
	c, ok := r.chains[chainID]
	if !ok {
		return Token{}, ErrNotSupported{ChainID: chainID}
	}
	tok, ok := c.Tokens[symbol]
	if !ok {
		return Token{}, ErrNotSupported{ChainID: chainID, Symbol: symbol}
	}
	return tok, nil
}

// TokenAddress resolves the contract address for (chainID, symbol).
func (r *Registry) TokenAddress(chainID int64, symbol string) (common.Address, error) {
	tok, err := r.Token(chainID, symbol)
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(tok.Address), nil
}

// ChainIDs lists the configured chain ids.
func (r *Registry) ChainIDs() []int64 {
	ids := make([]int64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	return ids
}

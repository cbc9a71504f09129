// Package chainclient owns the per-chain RPC clients. One pool is built at
// process start and shared by reference; nothing else dials.
package chainclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"

	"tokenrails/internal/chains"
)

// Pool hands out one *ethclient.Client per configured chain, dialed on first
// use and reused after that.
type Pool struct {
	registry *chains.Registry

	mu      sync.Mutex
	clients map[int64]*ethclient.Client
}

func NewPool(registry *chains.Registry) *Pool {
	return &Pool{
		registry: registry,
		clients:  make(map[int64]*ethclient.Client),
	}
}

// Client returns the shared RPC client for chainID.
func (p *Pool) Client(ctx context.Context, chainID int64) (*ethclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cli, ok := p.clients[chainID]; ok {
		return cli, nil
	}

	chain, err := p.registry.Chain(chainID)
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d rpc: %w", chainID, err)
	}
	p.clients[chainID] = cli
	return cli, nil
}

// Ping checks connectivity to chainID by fetching the head block number.
func (p *Pool) Ping(ctx context.Context, chainID int64) error {
	cli, err := p.Client(ctx, chainID)
	if err != nil {
		return err
	}
	_, err = cli.BlockNumber(ctx)
	return err
}

// Close releases every dialed client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cli := range p.clients {
		cli.Close()
		delete(p.clients, id)
	}
}

// Package balance reads on-chain token balances with caching and coalescing.
package balance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"tokenrails/internal/cache"
	"tokenrails/internal/chains"
	"tokenrails/internal/units"
)

// ErrUnavailable reports that a balance could not be read. Callers must treat
// the balance as unknown, never as zero.
var ErrUnavailable = errors.New("balance unavailable")

// Reader abstracts the ERC-20 view calls. The RPC implementation lives in
// reader.go; tests substitute a stub.
type Reader interface {
	Decimals(ctx context.Context, chainID int64, token common.Address) (uint8, error)
	BalanceOf(ctx context.Context, chainID int64, token, holder common.Address) (*big.Int, error)
}

// Key identifies one cached balance.
type Key struct {
	ChainID int64
	Symbol  string
	Holder  common.Address
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s/%s", k.ChainID, k.Symbol, k.Holder.Hex())
}

// Snapshot is one cached read.
type Snapshot struct {
	Raw      *big.Int
	Decimals uint8
	ReadAt   time.Time
}

// Decimal renders the snapshot as a human decimal string.
func (s Snapshot) Decimal() string {
	return units.Format(s.Raw, s.Decimals)
}

// Oracle caches balances per (chain, symbol, holder) with a TTL. Concurrent
// reads of the same key share one in-flight RPC round trip.
type Oracle struct {
	registry *chains.Registry
	reader   Reader
	cache    *cache.Cache[Key, Snapshot]
	flight   singleflight.Group
	now      func() time.Time
}

func NewOracle(registry *chains.Registry, reader Reader, ttl time.Duration) *Oracle {
	return &Oracle{
		registry: registry,
		reader:   reader,
		cache:    cache.New[Key, Snapshot](ttl),
		now:      time.Now,
	}
}

// WithClock substitutes the time source for the oracle and its cache.
func (o *Oracle) WithClock(now func() time.Time) *Oracle {
	o.now = now
	o.cache.WithClock(now)
	return o
}

// Balance returns the holder's token balance as a decimal string.
func (o *Oracle) Balance(ctx context.Context, chainID int64, symbol string, holder common.Address) (string, error) {
	snap, err := o.Snapshot(ctx, chainID, symbol, holder)
	if err != nil {
		return "", err
	}
	return snap.Decimal(), nil
}

// Snapshot returns the raw balance and token decimals, from cache when live.
func (o *Oracle) Snapshot(ctx context.Context, chainID int64, symbol string, holder common.Address) (Snapshot, error) {
	key := Key{ChainID: chainID, Symbol: symbol, Holder: holder}
	if snap, ok := o.cache.Get(key); ok {
		return snap, nil
	}

	v, err, _ := o.flight.Do(key.String(), func() (any, error) {
		// Another caller may have populated the cache while we queued.
		if snap, ok := o.cache.Get(key); ok {
			return snap, nil
		}
		snap, err := o.read(ctx, key)
		if err != nil {
			return Snapshot{}, err
		}
		o.cache.Set(key, snap)
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// Refetch invalidates the cache entry and re-reads from chain.
func (o *Oracle) Refetch(ctx context.Context, chainID int64, symbol string, holder common.Address) (Snapshot, error) {
	o.cache.Invalidate(Key{ChainID: chainID, Symbol: symbol, Holder: holder})
	return o.Snapshot(ctx, chainID, symbol, holder)
}

func (o *Oracle) read(ctx context.Context, key Key) (Snapshot, error) {
	token, err := o.registry.TokenAddress(key.ChainID, key.Symbol)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	decimals, err := o.reader.Decimals(ctx, key.ChainID, token)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: decimals: %w", ErrUnavailable, err)
	}
	raw, err := o.reader.BalanceOf(ctx, key.ChainID, token, key.Holder)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: balanceOf: %w", ErrUnavailable, err)
	}

	return Snapshot{Raw: raw, Decimals: decimals, ReadAt: o.now()}, nil
}

// Package rates quotes token to fiat exchange rates, fee-inclusive.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tokenrails/internal/cache"
	"tokenrails/internal/chains"
)

// ErrUnavailable reports that no quote could be obtained. A stale or default
// rate is never substituted.
var ErrUnavailable = errors.New("rate unavailable")

// Quote is one fetched rate. Never mutated; re-fetched on expiry.
type Quote struct {
	Rate      float64
	FetchedAt time.Time
	ExpiresAt time.Time
}

type key struct {
	ChainID int64
	Symbol  string
}

// Config tunes the oracle.
type Config struct {
	BaseURL string
	// InvertPrice selects the provider price convention when no buyAmount is
	// returned: fiat-per-token directly, or token-per-fiat to invert.
	InvertPrice bool
	FeeRate     float64
	TTL         time.Duration
	RefreshEach time.Duration
	Timeout     time.Duration
}

// Oracle fetches quotes from the rate provider and caches them per
// (chain, symbol). Subscribers keep a background refresh ticker alive; the
// ticker stops when the last subscriber cancels.
type Oracle struct {
	cfg      Config
	registry *chains.Registry
	client   *http.Client
	cache    *cache.Cache[key, Quote]
	now      func() time.Time
	log      zerolog.Logger

	mu   sync.Mutex
	subs map[key]*subscription
}

type subscription struct {
	refs   int
	cancel context.CancelFunc
}

func NewOracle(cfg Config, registry *chains.Registry, log zerolog.Logger) *Oracle {
	if cfg.FeeRate == 0 {
		cfg.FeeRate = 0.005
	}
	if cfg.TTL == 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RefreshEach == 0 {
		cfg.RefreshEach = time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Oracle{
		cfg:      cfg,
		registry: registry,
		client:   &http.Client{Timeout: cfg.Timeout},
		cache:    cache.New[key, Quote](cfg.TTL),
		now:      time.Now,
		log:      log,
		subs:     make(map[key]*subscription),
	}
}

// WithClock substitutes the time source for the oracle and its cache.
func (o *Oracle) WithClock(now func() time.Time) *Oracle {
	o.now = now
	o.cache.WithClock(now)
	return o
}

// FeeRate exposes the configured fee fraction.
func (o *Oracle) FeeRate() float64 { return o.cfg.FeeRate }

// Rate returns the token to fiat rate for the given amount. Non-positive
// amounts short-circuit to a zero rate without touching the provider.
func (o *Oracle) Rate(ctx context.Context, chainID int64, symbol string, amount float64) (Quote, error) {
	if amount <= 0 {
		return Quote{Rate: 0, FetchedAt: o.now()}, nil
	}

	tok, err := o.registry.Token(chainID, symbol)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if tok.FiatPegged {
		now := o.now()
		return Quote{Rate: 1.0, FetchedAt: now, ExpiresAt: now.Add(o.cfg.TTL)}, nil
	}

	k := key{ChainID: chainID, Symbol: symbol}
	if q, ok := o.cache.Get(k); ok {
		return q, nil
	}
	return o.fetch(ctx, k, amount)
}

// NetFiat applies the fee then converts: (amount - amount*feeRate) * rate.
func (o *Oracle) NetFiat(amount, rate float64) float64 {
	return (amount - amount*o.cfg.FeeRate) * rate
}

// Subscribe keeps the (chain, symbol) quote fresh in the background until the
// returned cancel func is called. Multiple subscribers share one ticker.
func (o *Oracle) Subscribe(chainID int64, symbol string) (cancel func()) {
	k := key{ChainID: chainID, Symbol: symbol}

	o.mu.Lock()
	sub, ok := o.subs[k]
	if !ok {
		ctx, stop := context.WithCancel(context.Background())
		sub = &subscription{cancel: stop}
		o.subs[k] = sub
		go o.refreshLoop(ctx, k)
	}
	sub.refs++
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			sub.refs--
			if sub.refs <= 0 {
				sub.cancel()
				delete(o.subs, k)
			}
		})
	}
}

func (o *Oracle) refreshLoop(ctx context.Context, k key) {
	ticker := time.NewTicker(o.cfg.RefreshEach)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Refresh with a nominal unit amount; the cache is per pair.
			if _, err := o.fetch(ctx, k, 1); err != nil && !errors.Is(err, context.Canceled) {
				o.log.Warn().Err(err).Int64("chain", k.ChainID).Str("token", k.Symbol).Msg("rate refresh failed")
			}
		}
	}
}

type providerResponse struct {
	Price     float64 `json:"price"`
	BuyAmount float64 `json:"buyAmount"`
	ChainID   int64   `json:"chainId"`
}

func (o *Oracle) fetch(ctx context.Context, k key, amount float64) (Quote, error) {
	ctx, cancelTimeout := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancelTimeout()

	endpoint := fmt.Sprintf("%s/rates?%s", o.cfg.BaseURL, url.Values{
		"chainId": {strconv.FormatInt(k.ChainID, 10)},
		"token":   {k.Symbol},
		"amount":  {strconv.FormatFloat(amount, 'f', -1, 64)},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("%w: provider returned %d", ErrUnavailable, resp.StatusCode)
	}

	var body providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("%w: decode quote: %w", ErrUnavailable, err)
	}

	rate, err := deriveRate(body, amount, o.cfg.InvertPrice)
	if err != nil {
		return Quote{}, err
	}

	now := o.now()
	q := Quote{Rate: rate, FetchedAt: now, ExpiresAt: now.Add(o.cfg.TTL)}
	o.cache.Set(k, q)
	return q, nil
}

// deriveRate prefers the quoted fiat amount; otherwise falls back to the
// provider's price field under the configured convention.
func deriveRate(body providerResponse, amount float64, invert bool) (float64, error) {
	if body.BuyAmount > 0 {
		return body.BuyAmount / amount, nil
	}
	if body.Price > 0 {
		if invert {
			return 1 / body.Price, nil
		}
		return body.Price, nil
	}
	return 0, fmt.Errorf("%w: provider quote is empty", ErrUnavailable)
}

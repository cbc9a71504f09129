package balance

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenrails/internal/chains"
)

type stubReader struct {
	mu       sync.Mutex
	decimals uint8
	balance  *big.Int
	err      error
	calls    atomic.Int64
	// block delays reads until released, to line up concurrent callers.
	block chan struct{}
}

func (s *stubReader) Decimals(context.Context, int64, common.Address) (uint8, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.decimals, nil
}

func (s *stubReader) BalanceOf(context.Context, int64, common.Address, common.Address) (*big.Int, error) {
	s.calls.Add(1)
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return new(big.Int).Set(s.balance), nil
}

func testRegistry(t *testing.T) *chains.Registry {
	t.Helper()
	r, err := chains.NewRegistry([]chains.Chain{{
		ID:           4202,
		Name:         "Lisk Sepolia",
		NativeSymbol: "ETH",
		RPCURL:       "http://localhost:8545",
		Tokens: map[string]chains.Token{
			"IDRX": {Symbol: "IDRX", Address: "0x0000000000000000000000000000000000000101", Decimals: 2, Settlement: chains.SettleBurn},
		},
	}})
	require.NoError(t, err)
	return r
}

var holder = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestBalanceFormatsDecimals(t *testing.T) {
	reader := &stubReader{decimals: 2, balance: big.NewInt(12345)}
	o := NewOracle(testRegistry(t), reader, 30*time.Second)

	got, err := o.Balance(context.Background(), 4202, "IDRX", holder)
	require.NoError(t, err)
	assert.Equal(t, "123.45", got)
}

func TestBalanceCachesWithinTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reader := &stubReader{decimals: 2, balance: big.NewInt(500)}
	o := NewOracle(testRegistry(t), reader, 30*time.Second).
		WithClock(func() time.Time { return now })

	_, err := o.Balance(context.Background(), 4202, "IDRX", holder)
	require.NoError(t, err)
	_, err = o.Balance(context.Background(), 4202, "IDRX", holder)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reader.calls.Load(), "second read must hit the cache")

	now = now.Add(31 * time.Second)
	_, err = o.Balance(context.Background(), 4202, "IDRX", holder)
	require.NoError(t, err)
	assert.EqualValues(t, 2, reader.calls.Load(), "expired entry must be re-read")
}

func TestConcurrentReadsCoalesce(t *testing.T) {
	reader := &stubReader{decimals: 2, balance: big.NewInt(500), block: make(chan struct{})}
	o := NewOracle(testRegistry(t), reader, 30*time.Second)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := o.Balance(context.Background(), 4202, "IDRX", holder)
			if err == nil {
				results[i] = got
			}
		}(i)
	}

	// Give all callers time to queue on the single in-flight read.
	time.Sleep(50 * time.Millisecond)
	close(reader.block)
	wg.Wait()

	assert.EqualValues(t, 1, reader.calls.Load(), "concurrent reads must share one RPC round trip")
	for _, got := range results {
		assert.Equal(t, "5", got)
	}
}

func TestRefetchInvalidatesFirst(t *testing.T) {
	reader := &stubReader{decimals: 2, balance: big.NewInt(500)}
	o := NewOracle(testRegistry(t), reader, time.Hour)

	_, err := o.Balance(context.Background(), 4202, "IDRX", holder)
	require.NoError(t, err)

	reader.mu.Lock()
	reader.balance = big.NewInt(900)
	reader.mu.Unlock()

	snap, err := o.Refetch(context.Background(), 4202, "IDRX", holder)
	require.NoError(t, err)
	assert.Equal(t, "9", snap.Decimal())
	assert.EqualValues(t, 2, reader.calls.Load())
}

func TestUnavailableIsTypedNotZero(t *testing.T) {
	reader := &stubReader{err: errors.New("connection refused")}
	o := NewOracle(testRegistry(t), reader, time.Minute)

	_, err := o.Balance(context.Background(), 4202, "IDRX", holder)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestUnknownTokenIsUnavailable(t *testing.T) {
	reader := &stubReader{decimals: 2, balance: big.NewInt(500)}
	o := NewOracle(testRegistry(t), reader, time.Minute)

	_, err := o.Balance(context.Background(), 4202, "DOGE", holder)
	assert.ErrorIs(t, err, ErrUnavailable)
}

package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autopay "github.com/cyh1001/DaVinci-sub001"
)

// fakeSource serves a scripted balance and applies top-ups to it.
type fakeSource struct {
	mu      sync.Mutex
	balance decimal.Decimal
	err     error
	reads   int
}

func (f *fakeSource) Balance(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.balance, nil
}

func (f *fakeSource) credit(amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance = f.balance.Add(amount)
}

type fakePurchaser struct {
	mu     sync.Mutex
	source *fakeSource
	err    error
	topUps []decimal.Decimal
}

func (f *fakePurchaser) TopUp(ctx context.Context, amount decimal.Decimal) (*autopay.SettleResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.topUps = append(f.topUps, amount)
	if f.source != nil {
		f.source.credit(amount)
	}
	return &autopay.SettleResponse{Success: true, Transaction: "0xtopup", Network: "eip155:8453"}, nil
}

func (f *fakePurchaser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topUps)
}

func runFor(t *testing.T, m *Monitor, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := m.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTopUpBelowWatermark(t *testing.T) {
	// Watermark 30, top-up 10: a balance of 25 triggers exactly one
	// purchase, landing at 35, above the watermark.
	source := &fakeSource{balance: decimal.NewFromInt(25)}
	purchaser := &fakePurchaser{source: source}

	m := New(source, purchaser,
		WithThresholds(decimal.NewFromInt(30), decimal.NewFromInt(10)),
		WithTiming(20*time.Millisecond, 5*time.Millisecond),
	)

	runFor(t, m, 200*time.Millisecond)

	require.Equal(t, 1, purchaser.count())
	assert.True(t, purchaser.topUps[0].Equal(decimal.NewFromInt(10)))
	assert.True(t, source.balance.Equal(decimal.NewFromInt(35)), "got %s", source.balance)
}

func TestNoTopUpAboveWatermark(t *testing.T) {
	source := &fakeSource{balance: decimal.NewFromInt(100)}
	purchaser := &fakePurchaser{source: source}

	m := New(source, purchaser,
		WithThresholds(decimal.NewFromInt(30), decimal.NewFromInt(10)),
		WithTiming(10*time.Millisecond, 5*time.Millisecond),
	)

	runFor(t, m, 100*time.Millisecond)
	assert.Zero(t, purchaser.count())
}

func TestLoopSurvivesBalanceErrors(t *testing.T) {
	source := &fakeSource{err: errors.New("credits endpoint down")}
	purchaser := &fakePurchaser{}

	m := New(source, purchaser, WithTiming(50*time.Millisecond, 5*time.Millisecond))

	runFor(t, m, 100*time.Millisecond)

	// Failed checks back off with the short retry, so several reads fit.
	source.mu.Lock()
	reads := source.reads
	source.mu.Unlock()
	assert.Greater(t, reads, 3)
	assert.Zero(t, purchaser.count())
}

func TestLoopSurvivesTopUpErrors(t *testing.T) {
	source := &fakeSource{balance: decimal.NewFromInt(5)}
	purchaser := &fakePurchaser{err: errors.New("negotiation_timeout: too slow")}

	m := New(source, purchaser,
		WithThresholds(decimal.NewFromInt(30), decimal.NewFromInt(10)),
		WithTiming(time.Hour, 10*time.Millisecond),
	)

	runFor(t, m, 100*time.Millisecond)

	// The loop kept retrying on the backoff despite every purchase failing.
	source.mu.Lock()
	reads := source.reads
	source.mu.Unlock()
	assert.Greater(t, reads, 3)
}

func TestOneAttemptPerCycle(t *testing.T) {
	// Purchases succeed but never raise the balance, so every cycle wants a
	// top-up. Attempts stay paced by the backoff: one per cycle, no bursts.
	source := &fakeSource{balance: decimal.NewFromInt(5)}
	purchaser := &fakePurchaser{} // no source link, balance stays at 5

	m := New(source, purchaser,
		WithThresholds(decimal.NewFromInt(30), decimal.NewFromInt(10)),
		WithTiming(time.Hour, 20*time.Millisecond),
	)

	runFor(t, m, 110*time.Millisecond)

	source.mu.Lock()
	reads := source.reads
	source.mu.Unlock()
	assert.Equal(t, reads, purchaser.count())
}

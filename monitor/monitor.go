// Package monitor runs the buyer-side balance loop: check the credit
// balance, top up when it falls below the watermark, repeat until shutdown.
package monitor

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	autopay "github.com/cyh1001/DaVinci-sub001"
	"github.com/cyh1001/DaVinci-sub001/balance"
	"github.com/cyh1001/DaVinci-sub001/logger"
	"github.com/cyh1001/DaVinci-sub001/metrics"
)

// Defaults for the monitoring loop.
var (
	DefaultWatermark = decimal.NewFromInt(30)
	DefaultTopUp     = decimal.NewFromInt(10)
)

const (
	DefaultInterval     = 60 * time.Second
	DefaultRetryBackoff = 10 * time.Second
)

// Purchaser buys credits. One call makes at most one payment attempt.
type Purchaser interface {
	TopUp(ctx context.Context, amount decimal.Decimal) (*autopay.SettleResponse, error)
}

// Monitor watches a balance source and purchases credits whenever the
// balance drops below the watermark.
type Monitor struct {
	source    balance.Source
	purchaser Purchaser

	// Watermark is the balance below which a top-up is triggered.
	Watermark decimal.Decimal
	// TopUp is the amount purchased per attempt.
	TopUp decimal.Decimal
	// Interval separates quiet checks.
	Interval time.Duration
	// RetryBackoff replaces the full interval after a failed check or a
	// purchase attempt, so the next look at the balance comes sooner. It
	// is used instead of the interval, never added to it.
	RetryBackoff time.Duration

	log logger.Logger
	rec metrics.Recorder
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithThresholds overrides the watermark and top-up amount.
func WithThresholds(watermark, topUp decimal.Decimal) Option {
	return func(m *Monitor) {
		m.Watermark = watermark
		m.TopUp = topUp
	}
}

// WithTiming overrides the check interval and retry backoff.
func WithTiming(interval, retryBackoff time.Duration) Option {
	return func(m *Monitor) {
		m.Interval = interval
		m.RetryBackoff = retryBackoff
	}
}

// WithLogger attaches a logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Monitor) { m.log = log }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(m *Monitor) { m.rec = rec }
}

// New creates a monitor with the default thresholds and timing.
func New(source balance.Source, purchaser Purchaser, opts ...Option) *Monitor {
	m := &Monitor{
		source:       source,
		purchaser:    purchaser,
		Watermark:    DefaultWatermark,
		TopUp:        DefaultTopUp,
		Interval:     DefaultInterval,
		RetryBackoff: DefaultRetryBackoff,
		log:          logger.NoopLogger{},
		rec:          metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run loops until ctx is cancelled. Transient failures never stop the loop;
// they only shorten the wait before the next check. Returns ctx.Err() on
// shutdown.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		wait := m.check(ctx)

		select {
		case <-ctx.Done():
			m.log.Info("balance monitor stopping", nil)
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// check performs one cycle: read the balance, top up if needed, and return
// how long to wait before the next cycle.
func (m *Monitor) check(ctx context.Context) time.Duration {
	bal, err := m.source.Balance(ctx)
	if err != nil {
		m.rec.IncCounter("balance_check_failed", nil)
		m.log.Warn("balance check failed", map[string]any{"error": err.Error()})
		return m.RetryBackoff
	}

	balFloat, _ := bal.Float64()
	m.rec.SetGauge("credits", balFloat, nil)

	if bal.GreaterThanOrEqual(m.Watermark) {
		m.log.Debug("balance above watermark", map[string]any{
			"balance":   bal.String(),
			"watermark": m.Watermark.String(),
		})
		return m.Interval
	}

	m.log.Info("balance below watermark, purchasing credits", map[string]any{
		"balance":   bal.String(),
		"watermark": m.Watermark.String(),
		"topup":     m.TopUp.String(),
	})

	// One purchase attempt per cycle. Whatever the outcome, the next
	// balance check decides what happens next, after a short backoff.
	settle, err := m.purchaser.TopUp(ctx, m.TopUp)
	if err != nil {
		m.rec.IncCounter("topup_failed", nil)
		m.log.Error("top-up failed", map[string]any{
			"amount": m.TopUp.String(),
			"error":  err.Error(),
		})
		return m.RetryBackoff
	}

	m.rec.IncCounter("topup_succeeded", nil)
	fields := map[string]any{"amount": m.TopUp.String()}
	if settle != nil {
		fields["tx"] = settle.Transaction
		fields["network"] = settle.Network.String()
	}
	m.log.Info("top-up settled", fields)
	return m.RetryBackoff
}

package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	autopay "github.com/cyh1001/DaVinci-sub001"
	"github.com/cyh1001/DaVinci-sub001/logger"
	"github.com/cyh1001/DaVinci-sub001/metrics"
	"github.com/cyh1001/DaVinci-sub001/txbuild"
	"github.com/cyh1001/DaVinci-sub001/wallet"
)

// DefaultTimeout bounds a full negotiation: challenge parsing, settlement
// and the paid retry.
const DefaultTimeout = 90 * time.Second

// voucherValidityWindow is how long a signed voucher stays usable. The
// validAfter bound is backdated slightly to absorb clock skew between buyer
// and seller.
const (
	voucherValidityWindow = 10 * time.Minute
	voucherClockSkew      = 60 * time.Second
)

// Negotiator turns a selected payment requirement into a payment proof. One
// proof is produced per purchase cycle; failures surface to the caller
// instead of being retried internally.
type Negotiator struct {
	selector *Selector
	builder  *txbuild.Builder
	account  wallet.Service
	timeout  time.Duration
	log      logger.Logger
	rec      metrics.Recorder
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithTimeout overrides the negotiation deadline.
func WithTimeout(d time.Duration) Option {
	return func(n *Negotiator) { n.timeout = d }
}

// WithLogger attaches a logger.
func WithLogger(log logger.Logger) Option {
	return func(n *Negotiator) { n.log = log }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(n *Negotiator) { n.rec = rec }
}

// NewNegotiator creates a negotiator paying with the given account. The
// builder may be nil when only voucher settlement is used.
func NewNegotiator(selector *Selector, builder *txbuild.Builder, account wallet.Service, opts ...Option) *Negotiator {
	n := &Negotiator{
		selector: selector,
		builder:  builder,
		account:  account,
		timeout:  DefaultTimeout,
		log:      logger.NoopLogger{},
		rec:      metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Select exposes requirement selection so callers can inspect the choice
// before paying.
func (n *Negotiator) Select(challenge *autopay.PaymentRequired) (*autopay.PaymentRequirements, error) {
	return n.selector.Select(challenge.Accepts)
}

// Fulfill resolves a 402 challenge into a payment payload: it selects a
// requirement, settles it, and wraps the proof. Selection failures return
// before any transaction is built or signed.
func (n *Negotiator) Fulfill(ctx context.Context, challenge *autopay.PaymentRequired) (*autopay.PaymentPayload, error) {
	req, err := n.selector.Select(challenge.Accepts)
	if err != nil {
		n.rec.IncCounter("purchase_no_requirement", nil)
		return nil, err
	}
	return n.Pay(ctx, req)
}

// Pay produces a payment proof for one selected requirement. The whole
// settlement is bounded by the negotiator's timeout; hitting it reports
// negotiation_timeout rather than a generic context error.
func (n *Negotiator) Pay(ctx context.Context, req *autopay.PaymentRequirements) (*autopay.PaymentPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	start := time.Now()
	labels := map[string]string{"network": req.Network.String()}

	var proof *autopay.PaymentProof
	var err error
	switch kind := req.SettlementKind(); kind {
	case autopay.SettlementOnchain:
		proof, err = n.settleOnchain(ctx, req)
	case autopay.SettlementVoucher:
		proof, err = n.signVoucher(ctx, req)
	default:
		err = autopay.NewPaymentError(autopay.ErrCodeUnsupportedScheme,
			fmt.Sprintf("unsupported settlement kind: %s", kind), nil)
	}

	n.rec.ObserveLatency("purchase", time.Since(start), labels)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && autopay.ErrorCode(err) == "" {
			err = autopay.WrapPaymentError(autopay.ErrCodeNegotiationTimeout, "negotiation deadline exceeded", err)
		}
		n.rec.IncCounter("purchase_failed", labels)
		n.log.Error("payment failed", map[string]any{
			"network": req.Network.String(),
			"amount":  req.MaxAmountRequired,
			"error":   err.Error(),
		})
		return nil, err
	}

	n.rec.IncCounter("purchase_settled", labels)
	return &autopay.PaymentPayload{
		X402Version: autopay.ProtocolVersion,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload:     *proof,
	}, nil
}

func (n *Negotiator) settleOnchain(ctx context.Context, req *autopay.PaymentRequirements) (*autopay.PaymentProof, error) {
	if n.builder == nil {
		return nil, autopay.NewPaymentError(autopay.ErrCodeEncodingFailed, "no transaction builder configured", nil)
	}

	// Fresh transaction per attempt: new intent id, new deadline.
	tx, err := n.builder.Build(req)
	if err != nil {
		return nil, err
	}

	hash, err := n.account.SignAndSubmit(ctx, tx)
	if err != nil {
		return nil, n.timeoutOr(ctx, err)
	}

	n.log.Info("settlement submitted", map[string]any{
		"tx":      hash,
		"network": req.Network.String(),
		"amount":  req.MaxAmountRequired,
	})

	if err := n.account.WaitConfirmed(ctx, req.Network, hash); err != nil {
		return nil, err
	}

	return &autopay.PaymentProof{Transaction: hash}, nil
}

func (n *Negotiator) signVoucher(ctx context.Context, req *autopay.PaymentRequirements) (*autopay.PaymentProof, error) {
	domain, err := voucherDomainFor(req)
	if err != nil {
		return nil, autopay.WrapPaymentError(autopay.ErrCodeEncodingFailed, "cannot derive voucher domain", err)
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, autopay.WrapPaymentError(autopay.ErrCodeEncodingFailed, "failed to generate voucher nonce", err)
	}

	now := time.Now()
	auth := &autopay.VoucherAuthorization{
		From:        n.account.Address(),
		To:          req.PayTo,
		Value:       req.MaxAmountRequired,
		ValidAfter:  strconv.FormatInt(now.Add(-voucherClockSkew).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(voucherValidityWindow).Unix(), 10),
		Nonce:       hexutil.Encode(nonce),
	}

	sig, err := n.account.SignVoucher(ctx, domain, auth)
	if err != nil {
		return nil, n.timeoutOr(ctx, err)
	}

	return &autopay.PaymentProof{Signature: sig, Authorization: auth}, nil
}

// timeoutOr maps failures caused by the negotiation deadline to the timeout
// code, leaving other payment errors untouched.
func (n *Negotiator) timeoutOr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return autopay.WrapPaymentError(autopay.ErrCodeNegotiationTimeout, "negotiation deadline exceeded", err)
	}
	return err
}

// voucherDomainFor derives the EIP-712 domain from the requirement: the
// token contract is the verifying contract, the chain id comes from the
// CAIP-2 network reference, and name/version ride in Extra.
func voucherDomainFor(req *autopay.PaymentRequirements) (wallet.VoucherDomain, error) {
	_, reference, err := req.Network.Parse()
	if err != nil {
		return wallet.VoucherDomain{}, err
	}
	chainID, ok := new(big.Int).SetString(reference, 10)
	if !ok {
		return wallet.VoucherDomain{}, fmt.Errorf("network reference is not a chain id: %s", reference)
	}

	name, _ := req.Extra["name"].(string)
	version, _ := req.Extra["version"].(string)
	if name == "" {
		name = "USD Coin"
	}
	if version == "" {
		version = "2"
	}

	return wallet.VoucherDomain{
		Name:              name,
		Version:           version,
		ChainID:           chainID,
		VerifyingContract: req.Asset,
	}, nil
}

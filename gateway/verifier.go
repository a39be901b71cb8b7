// Package gateway implements the seller side of the payment protocol: a gin
// middleware that challenges unpaid requests with 402 and verifies attached
// payment proofs before letting the handler run.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	autopay "github.com/cyh1001/DaVinci-sub001"
	"github.com/cyh1001/DaVinci-sub001/intent"
	"github.com/cyh1001/DaVinci-sub001/logger"
	"github.com/cyh1001/DaVinci-sub001/metrics"
	"github.com/cyh1001/DaVinci-sub001/wallet"
)

// ChainReader is the subset of an Ethereum RPC client needed to check an
// on-chain settlement proof. *ethclient.Client satisfies it.
type ChainReader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
}

// Verifier checks payment proofs against the requirements they claim to
// satisfy. A proof that verifies is consumed: the replay cache records it
// until its deadline, and any second use inside that window is rejected.
type Verifier struct {
	chain   ChainReader
	replays *autopay.ReplayCache
	log     logger.Logger
	rec     metrics.Recorder
	now     func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithChainReader attaches a chain connection for on-chain proof checks.
// Without one, only voucher proofs can verify.
func WithChainReader(chain ChainReader) VerifierOption {
	return func(v *Verifier) { v.chain = chain }
}

// WithVerifierLogger attaches a logger.
func WithVerifierLogger(log logger.Logger) VerifierOption {
	return func(v *Verifier) { v.log = log }
}

// WithVerifierMetrics attaches a metrics recorder.
func WithVerifierMetrics(rec metrics.Recorder) VerifierOption {
	return func(v *Verifier) { v.rec = rec }
}

// NewVerifier creates a verifier with its own replay cache.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		replays: autopay.NewReplayCache(),
		log:     logger.NoopLogger{},
		rec:     metrics.NoopRecorder{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks a payment payload against the requirements and consumes the
// proof. The returned settlement response describes what was paid; it is
// also what a replayed proof's first verification recorded.
func (v *Verifier) Verify(ctx context.Context, payload *autopay.PaymentPayload, req *autopay.PaymentRequirements) (*autopay.SettleResponse, error) {
	if payload.Scheme != req.Scheme {
		return nil, autopay.NewPaymentError(autopay.ErrCodeSchemeMismatch,
			fmt.Sprintf("proof scheme %s does not match required %s", payload.Scheme, req.Scheme), nil)
	}
	if !payload.Network.Match(req.Network) {
		return nil, autopay.NewPaymentError(autopay.ErrCodeNetworkMismatch,
			fmt.Sprintf("proof network %s does not match required %s", payload.Network, req.Network), nil)
	}

	proofBytes, err := json.Marshal(payload.Payload)
	if err != nil {
		return nil, autopay.WrapPaymentError(autopay.ErrCodeInvalidPayment, "cannot serialize proof", err)
	}
	key := autopay.ProofKey(proofBytes)

	for {
		status, recorded, done := v.replays.CheckAndMark(key)
		switch status {
		case autopay.StatusReplayed:
			v.rec.IncCounter("proof_replayed", map[string]string{"network": payload.Network.String()})
			details := map[string]interface{}{}
			if recorded != nil {
				details["transaction"] = recorded.Transaction
			}
			return nil, autopay.NewPaymentError(autopay.ErrCodeReplayRejected, "payment proof already consumed", details)
		case autopay.StatusInFlight:
			if _, err := v.replays.WaitForResult(ctx, key, done); err != nil {
				return nil, autopay.WrapPaymentError(autopay.ErrCodeInvalidPayment, "verification interrupted", err)
			}
			// Loop: either the other request consumed the proof (replay)
			// or it failed and this one may claim the slot.
			continue
		}

		settle, deadline, err := v.checkProof(ctx, payload, req)
		if err != nil {
			v.replays.Fail(key, done)
			v.rec.IncCounter("proof_rejected", map[string]string{"network": payload.Network.String()})
			return nil, err
		}

		v.replays.Complete(key, settle, deadline, done)
		v.rec.IncCounter("proof_accepted", map[string]string{"network": payload.Network.String()})
		v.log.Info("payment proof accepted", map[string]any{
			"network": payload.Network.String(),
			"payer":   settle.Payer,
			"tx":      settle.Transaction,
		})
		return settle, nil
	}
}

func (v *Verifier) checkProof(ctx context.Context, payload *autopay.PaymentPayload, req *autopay.PaymentRequirements) (*autopay.SettleResponse, time.Time, error) {
	switch payload.Payload.Kind() {
	case autopay.SettlementOnchain:
		return v.checkOnchain(ctx, payload, req)
	default:
		return v.checkVoucher(payload, req)
	}
}

// checkOnchain confirms the settlement transaction landed successfully and
// pays the exact required amount to the required recipient.
func (v *Verifier) checkOnchain(ctx context.Context, payload *autopay.PaymentPayload, req *autopay.PaymentRequirements) (*autopay.SettleResponse, time.Time, error) {
	if v.chain == nil {
		return nil, time.Time{}, autopay.NewPaymentError(autopay.ErrCodeUnsupportedScheme,
			"on-chain proofs not supported without a chain connection", nil)
	}

	hash := common.HexToHash(payload.Payload.Transaction)

	tx, pending, err := v.chain.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, time.Time{}, autopay.WrapPaymentError(autopay.ErrCodeInvalidPayment, "settlement transaction not found", err)
	}
	if pending {
		return nil, time.Time{}, autopay.NewPaymentError(autopay.ErrCodeSettlementUnconfirmed,
			"settlement transaction still pending", nil)
	}

	receipt, err := v.chain.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, time.Time{}, autopay.WrapPaymentError(autopay.ErrCodeSettlementUnconfirmed, "settlement receipt not found", err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, time.Time{}, autopay.NewPaymentError(autopay.ErrCodeSettlementFailed, "settlement transaction reverted", nil)
	}

	if contract := req.ContractAddress(); contract != "" {
		if tx.To() == nil || *tx.To() != common.HexToAddress(contract) {
			return nil, time.Time{}, autopay.NewPaymentError(autopay.ErrCodeInvalidPayment,
				"settlement transaction targets the wrong contract", nil)
		}
	}

	details, _, err := intent.DecodeSwapAndTransfer(tx.Data())
	if err != nil {
		return nil, time.Time{}, autopay.WrapPaymentError(autopay.ErrCodeInvalidPayment, "settlement call data is not a transfer intent", err)
	}

	required, err := req.Amount()
	if err != nil {
		return nil, time.Time{}, autopay.WrapPaymentError(autopay.ErrCodeInvalidPayment, "invalid required amount", err)
	}
	if details.RecipientAmount.Cmp(required) != 0 {
		return nil, time.Time{}, autopay.NewPaymentError(autopay.ErrCodeInvalidPayment,
			fmt.Sprintf("settlement pays %s, required %s", details.RecipientAmount, required), nil)
	}
	if details.Recipient != common.HexToAddress(req.PayTo) {
		return nil, time.Time{}, autopay.NewPaymentError(autopay.ErrCodeInvalidPayment,
			"settlement pays the wrong recipient", nil)
	}

	deadline, err := proofDeadline(details.Deadline, v.now())
	if err != nil {
		return nil, time.Time{}, err
	}

	payer := ""
	if from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		payer = from.Hex()
	}

	return &autopay.SettleResponse{
		Success:     true,
		Transaction: payload.Payload.Transaction,
		Network:     payload.Network,
		Payer:       payer,
	}, deadline, nil
}

// checkVoucher verifies the voucher signature, amounts and validity window.
func (v *Verifier) checkVoucher(payload *autopay.PaymentPayload, req *autopay.PaymentRequirements) (*autopay.SettleResponse, time.Time, error) {
	auth := payload.Payload.Authorization
	if auth == nil {
		return nil, time.Time{}, autopay.NewPaymentError(autopay.ErrCodeInvalidPayment, "voucher authorization missing", nil)
	}

	required, err := req.Amount()
	if err != nil {
		return nil, time.Time{}, autopay.WrapPaymentError(autopay.ErrCodeInvalidPayment, "invalid required amount", err)
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Cmp(required) != 0 {
		return nil, time.Time{}, autopay.NewPaymentError(autopay.ErrCodeInvalidPayment,
			fmt.Sprintf("voucher pays %s, required %s", auth.Value, required), nil)
	}
	if !common.IsHexAddress(auth.To) || common.HexToAddress(auth.To) != common.HexToAddress(req.PayTo) {
		return nil, time.Time{}, autopay.NewPaymentError(autopay.ErrCodeInvalidPayment, "voucher pays the wrong recipient", nil)
	}

	now := v.now()
	validAfter, err := parseUnix(auth.ValidAfter)
	if err != nil {
		return nil, time.Time{}, autopay.WrapPaymentError(autopay.ErrCodeInvalidPayment, "invalid validAfter", err)
	}
	if now.Before(validAfter) {
		return nil, time.Time{}, autopay.NewPaymentError(autopay.ErrCodePaymentExpired, "voucher not yet valid", nil)
	}
	validBeforeBig, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, time.Time{}, autopay.NewPaymentError(autopay.ErrCodeInvalidPayment, "invalid validBefore", nil)
	}
	deadline, err := proofDeadline(validBeforeBig, now)
	if err != nil {
		return nil, time.Time{}, err
	}

	domain, err := voucherDomainFor(req)
	if err != nil {
		return nil, time.Time{}, autopay.WrapPaymentError(autopay.ErrCodeInvalidPayment, "cannot derive voucher domain", err)
	}

	signer, err := wallet.RecoverVoucherSigner(domain, auth, payload.Payload.Signature)
	if err != nil {
		return nil, time.Time{}, autopay.WrapPaymentError(autopay.ErrCodeSignatureInvalid, "cannot recover voucher signer", err)
	}
	if !common.IsHexAddress(auth.From) || signer != common.HexToAddress(auth.From) {
		return nil, time.Time{}, autopay.NewPaymentError(autopay.ErrCodeSignatureInvalid,
			"voucher signature does not match payer", nil)
	}

	return &autopay.SettleResponse{
		Success: true,
		Network: payload.Network,
		Payer:   signer.Hex(),
	}, deadline, nil
}

// proofDeadline converts a uint256 unix deadline, rejecting proofs whose
// validity window has already closed.
func proofDeadline(raw *big.Int, now time.Time) (time.Time, error) {
	if raw == nil {
		return time.Time{}, autopay.NewPaymentError(autopay.ErrCodeInvalidPayment, "proof deadline missing", nil)
	}
	if !raw.IsInt64() {
		// Effectively unbounded; cap the replay entry far out.
		return now.Add(100 * 365 * 24 * time.Hour), nil
	}
	deadline := time.Unix(raw.Int64(), 0)
	if !deadline.After(now) {
		return time.Time{}, autopay.NewPaymentError(autopay.ErrCodePaymentExpired,
			fmt.Sprintf("proof deadline %s is past", deadline.UTC().Format(time.RFC3339)), nil)
	}
	return deadline, nil
}

func parseUnix(s string) (time.Time, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return time.Time{}, fmt.Errorf("not a unix timestamp: %s", s)
	}
	if !v.IsInt64() {
		return time.Time{}, fmt.Errorf("timestamp out of range: %s", s)
	}
	return time.Unix(v.Int64(), 0), nil
}

// voucherDomainFor mirrors the buyer-side domain derivation: chain id from
// the network reference, token name and version from the requirement extra.
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

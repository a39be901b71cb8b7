// Package txbuild assembles settlement transactions from selected payment
// requirements. A transaction is built fresh for every attempt so that the
// intent deadline and identifier are never reused across submissions.
package txbuild

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	autopay "github.com/cyh1001/DaVinci-sub001"
	"github.com/cyh1001/DaVinci-sub001/intent"
)

// DefaultNativeValue is how much native currency is sent with a settlement
// call when the caller does not configure one: 0.004 ETH, enough headroom
// for the swap at current credit prices.
const DefaultNativeValue = "0.004"

// DefaultDeadlineWindow bounds how long an encoded intent stays valid.
const DefaultDeadlineWindow = 10 * time.Minute

var weiPerEther = decimal.New(1, 18)

// ParseEther converts a decimal ether amount ("0.004") to integer wei.
func ParseEther(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid ether amount %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("ether amount must not be negative: %s", s)
	}
	wei := d.Mul(weiPerEther)
	if !wei.IsInteger() {
		return nil, fmt.Errorf("ether amount %s is below wei precision", s)
	}
	return wei.BigInt(), nil
}

// Builder turns a selected payment requirement into a ready-to-sign
// settlement transaction.
type Builder struct {
	// Contract is the fallback settlement contract, used when the
	// requirement's metadata does not name one.
	Contract common.Address
	// Operator signs transfer intents on the seller's behalf.
	Operator common.Address
	// Refund receives leftover native value after the swap.
	Refund common.Address
	// NativeValue is the wei sent along with each settlement call.
	NativeValue *big.Int
	// FeeTier is the Uniswap pool fee tier for the swap leg.
	FeeTier int64
	// DeadlineWindow is added to the current time to form each intent's
	// deadline.
	DeadlineWindow time.Duration

	now func() time.Time
}

// NewBuilder creates a builder with the default native value, fee tier and
// deadline window.
func NewBuilder(contract, operator, refund common.Address) (*Builder, error) {
	value, err := ParseEther(DefaultNativeValue)
	if err != nil {
		return nil, err
	}
	return &Builder{
		Contract:       contract,
		Operator:       operator,
		Refund:         refund,
		NativeValue:    value,
		FeeTier:        intent.FeeTierLow,
		DeadlineWindow: DefaultDeadlineWindow,
	}, nil
}

// Build assembles a settlement transaction paying exactly the requirement's
// amount to its recipient. Each call generates a new intent identifier and a
// new deadline, so retrying a failed attempt never resubmits a stale intent.
func (b *Builder) Build(req *autopay.PaymentRequirements) (*autopay.Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, autopay.WrapPaymentError(autopay.ErrCodeEncodingFailed, "invalid payment requirements", err)
	}

	amount, err := req.Amount()
	if err != nil {
		return nil, autopay.WrapPaymentError(autopay.ErrCodeEncodingFailed, "invalid payment amount", err)
	}

	contract := b.Contract
	if addr := req.ContractAddress(); addr != "" {
		if !common.IsHexAddress(addr) {
			return nil, autopay.NewPaymentError(autopay.ErrCodeEncodingFailed,
				fmt.Sprintf("invalid settlement contract address: %s", addr), nil)
		}
		contract = common.HexToAddress(addr)
	}
	if contract == (common.Address{}) {
		return nil, autopay.NewPaymentError(autopay.ErrCodeEncodingFailed, "no settlement contract configured", nil)
	}
	if !common.IsHexAddress(req.PayTo) {
		return nil, autopay.NewPaymentError(autopay.ErrCodeEncodingFailed,
			fmt.Sprintf("invalid recipient address: %s", req.PayTo), nil)
	}
	if !common.IsHexAddress(req.Asset) {
		return nil, autopay.NewPaymentError(autopay.ErrCodeEncodingFailed,
			fmt.Sprintf("invalid asset address: %s", req.Asset), nil)
	}

	now := time.Now
	if b.now != nil {
		now = b.now
	}
	deadline := now().Add(b.DeadlineWindow).Unix()

	details := &intent.TransferDetails{
		RecipientAmount:   amount,
		Deadline:          big.NewInt(deadline),
		Recipient:         common.HexToAddress(req.PayTo),
		RecipientCurrency: common.HexToAddress(req.Asset),
		RefundDestination: b.Refund,
		FeeAmount:         big.NewInt(0),
		ID:                intent.NewID(),
		Operator:          b.Operator,
		Signature:         []byte{},
		Prefix:            []byte{},
	}

	data, err := intent.EncodeSwapAndTransfer(details, b.FeeTier)
	if err != nil {
		return nil, autopay.WrapPaymentError(autopay.ErrCodeEncodingFailed, "failed to encode settlement call", err)
	}

	return &autopay.Transaction{
		To:      contract.Hex(),
		Data:    "0x" + common.Bytes2Hex(data),
		Value:   new(big.Int).Set(b.NativeValue),
		Network: req.Network,
	}, nil
}

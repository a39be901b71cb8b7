// Package intent encodes and decodes settlement contract calls. The
// settlement contract swaps the native value sent with the call into the
// payment token and forwards the exact required amount to the recipient.
package intent

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// SwapAndTransferMethod is the settlement entrypoint invoked for every
// purchase.
const SwapAndTransferMethod = "swapAndTransferUniswapV3Native"

// Uniswap v3 pool fee tiers, in hundredths of a basis point. The contract
// rejects any other value, so encoding does too.
const (
	FeeTierLowest = 100
	FeeTierLow    = 500
	FeeTierMedium = 3000
	FeeTierHigh   = 10000
)

// settlementABI covers the single method this pipeline calls. Parsing it
// through the ABI machinery keeps the selector derivation canonical instead
// of hand-maintaining a constant.
const settlementABI = `[{
	"name": "swapAndTransferUniswapV3Native",
	"type": "function",
	"stateMutability": "payable",
	"inputs": [
		{"name": "_intent", "type": "tuple", "components": [
			{"name": "recipientAmount", "type": "uint256"},
			{"name": "deadline", "type": "uint256"},
			{"name": "recipient", "type": "address"},
			{"name": "recipientCurrency", "type": "address"},
			{"name": "refundDestination", "type": "address"},
			{"name": "feeAmount", "type": "uint256"},
			{"name": "id", "type": "bytes16"},
			{"name": "operator", "type": "address"},
			{"name": "signature", "type": "bytes"},
			{"name": "prefix", "type": "bytes"}
		]},
		{"name": "poolFeesTier", "type": "uint24"}
	]
}]`

var contractABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(settlementABI))
	if err != nil {
		panic(fmt.Sprintf("invalid settlement ABI: %v", err))
	}
	return parsed
}()

// TransferDetails is the operator-signed transfer intent passed to the
// settlement contract. Amounts are in the payment token's minor units;
// Deadline is a unix timestamp carried as uint256.
type TransferDetails struct {
	RecipientAmount   *big.Int
	Deadline          *big.Int
	Recipient         common.Address
	RecipientCurrency common.Address
	RefundDestination common.Address
	FeeAmount         *big.Int
	ID                [16]byte
	Operator          common.Address
	Signature         []byte
	Prefix            []byte
}

// abi packing wants field names matching the tuple components, so ID becomes
// Id here.
type abiTransferDetails struct {
	RecipientAmount   *big.Int
	Deadline          *big.Int
	Recipient         common.Address
	RecipientCurrency common.Address
	RefundDestination common.Address
	FeeAmount         *big.Int
	Id                [16]byte
	Operator          common.Address
	Signature         []byte
	Prefix            []byte
}

// NewID generates a fresh 16-byte intent identifier.
func NewID() [16]byte {
	return uuid.New()
}

// ValidFeeTier reports whether tier is one of the pool fee tiers the
// contract accepts.
func ValidFeeTier(tier int64) bool {
	switch tier {
	case FeeTierLowest, FeeTierLow, FeeTierMedium, FeeTierHigh:
		return true
	}
	return false
}

// Validate checks the structural invariants of the details before encoding.
func (d *TransferDetails) Validate() error {
	if d.RecipientAmount == nil || d.RecipientAmount.Sign() <= 0 {
		return fmt.Errorf("recipient amount must be positive")
	}
	if d.Deadline == nil || d.Deadline.Sign() <= 0 {
		return fmt.Errorf("deadline is required")
	}
	if d.Recipient == (common.Address{}) {
		return fmt.Errorf("recipient address is required")
	}
	if d.Operator == (common.Address{}) {
		return fmt.Errorf("operator address is required")
	}
	if d.FeeAmount == nil {
		return fmt.Errorf("fee amount is required")
	}
	return nil
}

// MethodID returns the 4-byte selector of the settlement entrypoint.
func MethodID() []byte {
	return contractABI.Methods[SwapAndTransferMethod].ID
}

// EncodeSwapAndTransfer produces the full call data for a settlement call:
// the method selector followed by the ABI-encoded transfer details and pool
// fee tier. The deadline must still be in the future at encode time; an
// already-expired intent would only waste gas on a guaranteed revert.
func EncodeSwapAndTransfer(d *TransferDetails, feeTier int64) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if !ValidFeeTier(feeTier) {
		return nil, fmt.Errorf("unsupported pool fee tier: %d", feeTier)
	}
	if d.Deadline.IsInt64() && d.Deadline.Int64() <= time.Now().Unix() {
		return nil, fmt.Errorf("intent deadline %s is already past", d.Deadline)
	}

	packed := abiTransferDetails{
		RecipientAmount:   d.RecipientAmount,
		Deadline:          d.Deadline,
		Recipient:         d.Recipient,
		RecipientCurrency: d.RecipientCurrency,
		RefundDestination: d.RefundDestination,
		FeeAmount:         d.FeeAmount,
		Id:                d.ID,
		Operator:          d.Operator,
		Signature:         d.Signature,
		Prefix:            d.Prefix,
	}

	data, err := contractABI.Pack(SwapAndTransferMethod, packed, big.NewInt(feeTier))
	if err != nil {
		return nil, fmt.Errorf("failed to encode settlement call: %w", err)
	}
	return data, nil
}

// DecodeSwapAndTransfer parses settlement call data back into its transfer
// details and fee tier. It is the inverse of EncodeSwapAndTransfer and is
// used by the gateway to check what a submitted settlement transaction
// actually pays.
func DecodeSwapAndTransfer(data []byte) (*TransferDetails, int64, error) {
	method := contractABI.Methods[SwapAndTransferMethod]
	if len(data) < 4 || !bytes.Equal(data[:4], method.ID) {
		return nil, 0, fmt.Errorf("call data does not target %s", SwapAndTransferMethod)
	}

	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode settlement call: %w", err)
	}
	if len(values) != 2 {
		return nil, 0, fmt.Errorf("unexpected argument count: %d", len(values))
	}

	details := abi.ConvertType(values[0], new(abiTransferDetails)).(*abiTransferDetails)
	feeTier, ok := values[1].(*big.Int)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected fee tier type %T", values[1])
	}

	return &TransferDetails{
		RecipientAmount:   details.RecipientAmount,
		Deadline:          details.Deadline,
		Recipient:         details.Recipient,
		RecipientCurrency: details.RecipientCurrency,
		RefundDestination: details.RefundDestination,
		FeeAmount:         details.FeeAmount,
		ID:                details.Id,
		Operator:          details.Operator,
		Signature:         details.Signature,
		Prefix:            details.Prefix,
	}, feeTier.Int64(), nil
}

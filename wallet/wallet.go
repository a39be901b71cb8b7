// Package wallet holds the account service abstraction: the pipeline's one
// identity, created at startup, that signs settlement transactions and
// payment vouchers. Key custody stays behind the Service interface so the
// rest of the pipeline never touches key material.
package wallet

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	autopay "github.com/cyh1001/DaVinci-sub001"
)

// Service is the account service contract. One account is created during
// startup and reused for every purchase.
type Service interface {
	// Address returns the account's settlement address.
	Address() string

	// SignAndSubmit signs a fully formed settlement transaction with gas
	// parameters filled in, broadcasts it, and returns the transaction
	// hash once the network accepts it.
	SignAndSubmit(ctx context.Context, tx *autopay.Transaction) (string, error)

	// SignVoucher signs an off-chain payment voucher as EIP-712 typed
	// data, returning the 65-byte signature hex-encoded.
	SignVoucher(ctx context.Context, domain VoucherDomain, auth *autopay.VoucherAuthorization) (string, error)

	// WaitConfirmed blocks until the given settlement transaction is
	// confirmed on chain, or the context expires.
	WaitConfirmed(ctx context.Context, network autopay.Network, txHash string) error
}

// VoucherDomain is the EIP-712 signing domain of the payment token.
type VoucherDomain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// voucherTypes is the typed-data layout of a payment voucher, matching the
// token's TransferWithAuthorization message.
var voucherTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// VoucherDigest computes the EIP-712 digest a voucher signature commits to:
// keccak256(0x19 0x01 || domainSeparator || hashStruct(message)).
func VoucherDigest(domain VoucherDomain, auth *autopay.VoucherAuthorization) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       voucherTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: map[string]interface{}{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash voucher: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// RecoverVoucherSigner returns the address that signed the voucher. Used by
// the gateway to check the signature against the voucher's from address.
func RecoverVoucherSigner(domain VoucherDomain, auth *autopay.VoucherAuthorization, signatureHex string) (common.Address, error) {
	digest, err := VoucherDigest(domain, auth)
	if err != nil {
		return common.Address{}, err
	}

	sig, err := hexutil.Decode(ensureHexPrefix(signatureHex))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	// Normalize v from 27/28 to the recovery id crypto expects.
	recSig := make([]byte, 65)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, recSig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") {
		return s
	}
	return "0x" + s
}

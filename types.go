// Package autopay implements the machine-to-machine payment settlement
// pipeline: the wire model shared by the buyer-side negotiator and the
// seller-side gateway, plus the replay-protection store.
package autopay

import (
	"fmt"
	"math/big"
	"strings"
)

// ProtocolVersion is the x402 protocol version spoken on the wire.
const ProtocolVersion = 1

// Scheme identifiers for payment proofs.
const (
	// SchemeExact requires payment of exactly the advertised amount.
	SchemeExact = "exact"
)

// Settlement kinds carried in PaymentRequirements.Extra["settlement"].
const (
	// SettlementOnchain means the proof is the hash of a broadcast transaction.
	SettlementOnchain = "onchain"
	// SettlementVoucher means the proof is a signed off-chain authorization.
	SettlementVoucher = "voucher"
)

// Network is a blockchain network identifier in CAIP-2 format
// ("eip155:8453" for Base). Match supports a trailing wildcard so a buyer
// can accept a whole family ("eip155:*").
type Network string

// Parse splits the network into namespace and reference components.
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Match checks whether this network matches a pattern. Patterns ending in
// ":*" match every network sharing the prefix; matching is bidirectional so
// either side of a comparison may carry the wildcard.
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}

	nStr := string(n)
	patternStr := string(pattern)

	if strings.HasSuffix(patternStr, ":*") {
		prefix := strings.TrimSuffix(patternStr, "*")
		return strings.HasPrefix(nStr, prefix)
	}

	if strings.HasSuffix(nStr, ":*") {
		prefix := strings.TrimSuffix(nStr, "*")
		return strings.HasPrefix(patternStr, prefix)
	}

	return false
}

func (n Network) String() string {
	return string(n)
}

// Account is the process-wide payment identity. It is created once during
// startup by the account service and passed by reference; nothing in the
// pipeline mutates it.
type Account struct {
	Address string  `json:"address"`
	Network Network `json:"network"`
}

// PaymentRequirements describes one acceptable way to pay for a resource.
// Instances decoded from a 402 challenge are immutable; the negotiator
// selects exactly one per purchase attempt.
type PaymentRequirements struct {
	Scheme            string  `json:"scheme"`
	Network           Network `json:"network"`
	MaxAmountRequired string  `json:"maxAmountRequired"`
	Resource          string  `json:"resource,omitempty"`
	Description       string  `json:"description,omitempty"`
	MimeType          string  `json:"mimeType,omitempty"`
	PayTo             string  `json:"payTo"`
	MaxTimeoutSeconds int     `json:"maxTimeoutSeconds,omitempty"`
	Asset             string  `json:"asset"`

	// Extra carries settlement metadata the scheme needs: "settlement"
	// (onchain|voucher), "contract" (settlement contract address),
	// "operator", and token "name"/"version" for voucher signing domains.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Validate checks the structural invariants of a decoded requirement so that
// malformed challenges fail at the boundary instead of inside the encoder.
func (r *PaymentRequirements) Validate() error {
	if r.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if r.MaxAmountRequired == "" {
		return fmt.Errorf("payment amount is required")
	}
	if _, ok := new(big.Int).SetString(r.MaxAmountRequired, 10); !ok {
		return fmt.Errorf("payment amount is not a base-10 integer: %s", r.MaxAmountRequired)
	}
	if r.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	if r.Asset == "" {
		return fmt.Errorf("payment asset is required")
	}
	return nil
}

// Amount returns the required amount in integer minor units.
func (r *PaymentRequirements) Amount() (*big.Int, error) {
	v, ok := new(big.Int).SetString(r.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", r.MaxAmountRequired)
	}
	return v, nil
}

// SettlementKind returns the settlement mechanism declared in Extra,
// defaulting to on-chain settlement when the server did not say.
func (r *PaymentRequirements) SettlementKind() string {
	if r.Extra != nil {
		if kind, ok := r.Extra["settlement"].(string); ok && kind != "" {
			return kind
		}
	}
	return SettlementOnchain
}

// ContractAddress returns the settlement contract address from Extra.
func (r *PaymentRequirements) ContractAddress() string {
	if r.Extra == nil {
		return ""
	}
	addr, _ := r.Extra["contract"].(string)
	return addr
}

// PaymentRequired is the body of a 402 challenge: the set of requirements a
// resource accepts, in server-preference order.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// VoucherAuthorization is the typed message of an off-chain payment voucher,
// signed by the buyer and verified by the gateway. Timestamps and value are
// decimal strings because the signed fields are uint256.
type VoucherAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// PaymentProof is the decoded content of a payment payload: either the hash
// of an already-broadcast settlement transaction, or a signed voucher.
// Exactly one branch is populated.
type PaymentProof struct {
	// Transaction is the on-chain settlement transaction hash.
	Transaction string `json:"transaction,omitempty"`

	// Signature and Authorization form an off-chain voucher.
	Signature     string                `json:"signature,omitempty"`
	Authorization *VoucherAuthorization `json:"authorization,omitempty"`
}

// Kind reports which settlement mechanism this proof belongs to.
func (p *PaymentProof) Kind() string {
	if p.Transaction != "" {
		return SettlementOnchain
	}
	return SettlementVoucher
}

// Validate checks that exactly one proof branch is populated.
func (p *PaymentProof) Validate() error {
	onchain := p.Transaction != ""
	voucher := p.Signature != "" && p.Authorization != nil
	switch {
	case onchain && voucher:
		return fmt.Errorf("proof carries both a transaction hash and a voucher")
	case onchain:
		if !strings.HasPrefix(p.Transaction, "0x") {
			return fmt.Errorf("transaction hash must be 0x-prefixed hex")
		}
		return nil
	case voucher:
		return nil
	default:
		return fmt.Errorf("proof carries neither a transaction hash nor a voucher")
	}
}

// PaymentPayload is the envelope attached to a retried request in the
// X-PAYMENT header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     Network      `json:"network"`
	Payload     PaymentProof `json:"payload"`
}

// Validate checks the envelope and the proof it carries.
func (p *PaymentPayload) Validate() error {
	if p.X402Version < 1 {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if p.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	return p.Payload.Validate()
}

// SettleResponse is the settlement confirmation surfaced to the buyer in the
// X-PAYMENT-RESPONSE header after a paid request succeeds.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
	Payer       string  `json:"payer,omitempty"`
}

// Transaction is a fee-market transaction assembled by the builder. One is
// built fresh for every settlement attempt and never reused: a resubmission
// after failure gets a new deadline check and a new payload.
type Transaction struct {
	To      string   `json:"to"`
	Data    string   `json:"data"` // 0x-prefixed hex call data
	Value   *big.Int `json:"value"`
	Network Network  `json:"network"`
}

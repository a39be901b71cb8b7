package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	autopay "github.com/cyh1001/DaVinci-sub001"
)

// ContextKeyPayment is where the middleware stores the accepted settlement
// for downstream handlers.
const ContextKeyPayment = "autopay.settlement"

// DefaultSettleTimeout bounds how long a request waits on proof
// verification, chain lookups included.
const DefaultSettleTimeout = 30 * time.Second

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	Description        string
	MimeType           string
	MaxTimeoutSeconds  int
	Network            autopay.Network
	Resource           string
	ResourceRootURL    string
	SettlementKind     string
	SettlementContract string
	Operator           string
	SettleTimeout      time.Duration
	Pricer             func(c *gin.Context) (*big.Float, error)
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithDescription sets the description advertised in the challenge.
func WithDescription(description string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Description = description
	}
}

// WithMimeType sets the mime type of the paid resource.
func WithMimeType(mimeType string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.MimeType = mimeType
	}
}

// WithMaxTimeoutSeconds sets the advertised settlement timeout.
func WithMaxTimeoutSeconds(maxTimeoutSeconds int) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.MaxTimeoutSeconds = maxTimeoutSeconds
	}
}

// WithNetwork sets the settlement network explicitly.
func WithNetwork(network autopay.Network) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Network = network
	}
}

// WithResource sets a fixed resource identifier for the challenge.
func WithResource(resource string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Resource = resource
	}
}

// WithResourceRootURL prefixes the request path to form the resource
// identifier.
func WithResourceRootURL(resourceRootURL string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.ResourceRootURL = resourceRootURL
	}
}

// WithSettlement declares how proofs settle: autopay.SettlementOnchain with
// the settlement contract address, or autopay.SettlementVoucher.
func WithSettlement(kind, contract string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.SettlementKind = kind
		options.SettlementContract = contract
	}
}

// WithOperator advertises the operator address buyers put in their intents.
func WithOperator(operator string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Operator = operator
	}
}

// WithSettleTimeout bounds the settlement wait per request. Chain lookups
// past the timeout fail retryable rather than hanging the connection.
func WithSettleTimeout(timeout time.Duration) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.SettleTimeout = timeout
	}
}

// WithPricer computes the price per request, overriding the static amount.
// Lets a top-up route charge whatever quantity the caller asked for.
func WithPricer(pricer func(c *gin.Context) (*big.Float, error)) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Pricer = pricer
	}
}

type networkConfig struct {
	assetAddress string
	decimals     int
	tokenName    string
	tokenVersion string
}

var supportedNetworks = map[autopay.Network]networkConfig{
	"eip155:8453": { // base
		assetAddress: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		decimals:     6,
		tokenName:    "USD Coin",
		tokenVersion: "2",
	},
	"eip155:84532": { // base-sepolia
		assetAddress: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		decimals:     6,
		tokenName:    "USDC",
		tokenVersion: "2",
	},
	"eip155:56": { // bsc
		assetAddress: "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d",
		decimals:     18,
		tokenName:    "USD Coin",
		tokenVersion: "2",
	},
	"eip155:97": { // bsc-testnet
		assetAddress: "0x64544969ed7ebf5f083679233325356ebe738930",
		decimals:     18,
		tokenName:    "USDC",
		tokenVersion: "2",
	},
}

// AmountToAssetUnits converts a decimal token amount to integer minor units.
func AmountToAssetUnits(amount *big.Float, decimals int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaleFloat := new(big.Float).SetPrec(256).SetInt(scale)
	amountFloat := new(big.Float).SetPrec(256).Set(amount)
	res, _ := new(big.Float).Mul(amountFloat, scaleFloat).Int(nil)
	return res
}

// PaymentMiddleware gates a route behind payment. Unpaid requests get a 402
// challenge; requests carrying a valid, unconsumed proof for the exact
// amount reach the handler with the settlement in the context and an
// X-PAYMENT-RESPONSE header on the response.
//
// Amount is the decimal token amount to charge (0.01 for one cent of USDC).
func PaymentMiddleware(amount *big.Float, payTo string, verifier *Verifier, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{
		Network:           "eip155:84532",
		MaxTimeoutSeconds: 60,
		SettlementKind:    autopay.SettlementOnchain,
		SettleTimeout:     DefaultSettleTimeout,
	}

	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		netCfg, exists := supportedNetworks[options.Network]
		if !exists {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       fmt.Sprintf("unsupported network: %s", options.Network),
				"x402Version": autopay.ProtocolVersion,
			})
			return
		}

		price := amount
		if options.Pricer != nil {
			var err error
			price, err = options.Pricer(c)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":       err.Error(),
					"x402Version": autopay.ProtocolVersion,
				})
				return
			}
		}

		resource := options.Resource
		if resource == "" {
			resource = options.ResourceRootURL + c.Request.URL.Path
		}

		extra := map[string]interface{}{
			"settlement": options.SettlementKind,
			"name":       netCfg.tokenName,
			"version":    netCfg.tokenVersion,
		}
		if options.SettlementContract != "" {
			extra["contract"] = options.SettlementContract
		}
		if options.Operator != "" {
			extra["operator"] = options.Operator
		}

		requirements := &autopay.PaymentRequirements{
			Scheme:            autopay.SchemeExact,
			Network:           options.Network,
			MaxAmountRequired: AmountToAssetUnits(price, netCfg.decimals).String(),
			Resource:          resource,
			Description:       options.Description,
			MimeType:          options.MimeType,
			PayTo:             payTo,
			MaxTimeoutSeconds: options.MaxTimeoutSeconds,
			Asset:             netCfg.assetAddress,
			Extra:             extra,
		}

		challenge := func(reason string) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, autopay.PaymentRequired{
				X402Version: autopay.ProtocolVersion,
				Error:       reason,
				Accepts:     []autopay.PaymentRequirements{*requirements},
			})
		}

		header := c.GetHeader(autopay.HeaderPayment)
		if header == "" {
			challenge("payment required")
			return
		}

		payload, err := autopay.DecodePaymentHeader(header)
		if err != nil {
			challenge(fmt.Sprintf("invalid payment header: %v", err))
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), options.SettleTimeout)
		settle, err := verifier.Verify(ctx, payload, requirements)
		cancel()
		if err != nil {
			code := autopay.ErrorCode(err)
			if code == "" {
				code = autopay.ErrCodeInvalidPayment
			}
			// An unconfirmed settlement is not a rejection: the buyer has
			// already broadcast and the transaction may still land. Answer
			// retryable instead of re-challenging.
			if code == autopay.ErrCodeSettlementUnconfirmed || errors.Is(err, context.DeadlineExceeded) {
				c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
					"error":       autopay.ErrCodeSettlementUnconfirmed,
					"x402Version": autopay.ProtocolVersion,
				})
				return
			}
			challenge(code)
			return
		}

		settleHeader, err := autopay.EncodeSettleHeader(settle)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":       err.Error(),
				"x402Version": autopay.ProtocolVersion,
			})
			return
		}

		c.Header(autopay.HeaderPaymentResponse, settleHeader)
		c.Set(ContextKeyPayment, settle)
		c.Next()
	}
}

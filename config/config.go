// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// BuyerConfig configures the balance monitor daemon.
type BuyerConfig struct {
	LogLevel    string `validate:"oneof=debug info warn error"`
	MetricsAddr string

	// Credits API being paid for.
	CreditsURL    string `validate:"required,url"`
	CreditsAPIKey string `validate:"required"`

	// Payment-gated seller.
	SellerURL string `validate:"required,url"`

	// Monitor thresholds and timing.
	Watermark          decimal.Decimal
	TopUpAmount        decimal.Decimal
	CheckInterval      time.Duration `validate:"gt=0"`
	RetryBackoff       time.Duration `validate:"gt=0"`
	NegotiationTimeout time.Duration `validate:"gt=0"`

	// Payment constraints.
	Networks         []string
	MaxPaymentAmount string

	// Account service. Mode "local" signs with PrivateKey against RPCURL;
	// mode "remote" delegates to AccountServiceURL.
	AccountMode       string `validate:"oneof=local remote"`
	PrivateKey        string `validate:"required_if=AccountMode local"`
	RPCURL            string `validate:"required_if=AccountMode local"`
	ChainID           int64
	AccountServiceURL string `validate:"required_if=AccountMode remote"`
	AccountToken      string

	// Settlement parameters for on-chain purchases.
	SettlementContract string
	OperatorAddress    string
	RefundAddress      string
	NativeValue        string
	FeeTier            int64
}

// SellerConfig configures the payment gateway daemon.
type SellerConfig struct {
	ListenAddr  string `validate:"required"`
	LogLevel    string `validate:"oneof=debug info warn error"`
	MetricsAddr string

	PayTo              string `validate:"required"`
	Network            string `validate:"required"`
	SettlementKind     string `validate:"oneof=onchain voucher"`
	SettlementContract string
	OperatorAddress    string
	PricePerCredit     string
	RPCURL             string
}

// LoadBuyer reads the buyer configuration from the environment.
func LoadBuyer() (*BuyerConfig, error) {
	cfg := &BuyerConfig{
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		MetricsAddr:        getEnv("METRICS_ADDR", ""),
		CreditsURL:         getEnv("CREDITS_URL", "https://openrouter.ai"),
		CreditsAPIKey:      getEnv("CREDITS_API_KEY", ""),
		SellerURL:          getEnv("SELLER_URL", ""),
		Watermark:          getEnvDecimal("BALANCE_WATERMARK", "30"),
		TopUpAmount:        getEnvDecimal("TOPUP_AMOUNT", "10"),
		CheckInterval:      getEnvDuration("CHECK_INTERVAL", 60*time.Second),
		RetryBackoff:       getEnvDuration("RETRY_BACKOFF", 10*time.Second),
		NegotiationTimeout: getEnvDuration("NEGOTIATION_TIMEOUT", 90*time.Second),
		Networks:           getEnvList("PAYMENT_NETWORKS", "eip155:*"),
		MaxPaymentAmount:   getEnv("MAX_PAYMENT_AMOUNT", ""),
		AccountMode:        getEnv("ACCOUNT_MODE", "local"),
		PrivateKey:         getEnv("PRIVATE_KEY", ""),
		RPCURL:             getEnv("RPC_URL", ""),
		ChainID:            getEnvInt("CHAIN_ID", 8453),
		AccountServiceURL:  getEnv("ACCOUNT_SERVICE_URL", ""),
		AccountToken:       getEnv("ACCOUNT_SERVICE_TOKEN", ""),
		SettlementContract: getEnv("SETTLEMENT_CONTRACT", ""),
		OperatorAddress:    getEnv("OPERATOR_ADDRESS", ""),
		RefundAddress:      getEnv("REFUND_ADDRESS", ""),
		NativeValue:        getEnv("NATIVE_VALUE", "0.004"),
		FeeTier:            getEnvInt("FEE_TIER", 500),
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid buyer config: %w", err)
	}
	return cfg, nil
}

// LoadSeller reads the seller configuration from the environment.
func LoadSeller() (*SellerConfig, error) {
	cfg := &SellerConfig{
		ListenAddr:         getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		MetricsAddr:        getEnv("METRICS_ADDR", ""),
		PayTo:              getEnv("PAY_TO", ""),
		Network:            getEnv("PAYMENT_NETWORK", "eip155:8453"),
		SettlementKind:     getEnv("SETTLEMENT_KIND", "onchain"),
		SettlementContract: getEnv("SETTLEMENT_CONTRACT", ""),
		OperatorAddress:    getEnv("OPERATOR_ADDRESS", ""),
		PricePerCredit:     getEnv("PRICE_PER_CREDIT", "1"),
		RPCURL:             getEnv("RPC_URL", ""),
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid seller config: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int64) int64 {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDecimal(key, fallback string) decimal.Decimal {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := decimal.NewFromString(value); err == nil {
			return parsed
		}
	}
	return decimal.RequireFromString(fallback)
}

func getEnvList(key, fallback string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, fallback), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

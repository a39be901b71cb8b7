package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBuyerEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CREDITS_API_KEY", "sk-test")
	t.Setenv("SELLER_URL", "http://seller.local:8080")
	t.Setenv("PRIVATE_KEY", "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	t.Setenv("RPC_URL", "https://mainnet.base.org")
}

func TestLoadBuyerDefaults(t *testing.T) {
	setBuyerEnv(t)

	cfg, err := LoadBuyer()
	require.NoError(t, err)

	assert.True(t, cfg.Watermark.Equal(decimal.NewFromInt(30)))
	assert.True(t, cfg.TopUpAmount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 60*time.Second, cfg.CheckInterval)
	assert.Equal(t, 10*time.Second, cfg.RetryBackoff)
	assert.Equal(t, int64(8453), cfg.ChainID)
	assert.Equal(t, int64(500), cfg.FeeTier)
	assert.Equal(t, "0.004", cfg.NativeValue)
	assert.Equal(t, []string{"eip155:*"}, cfg.Networks)
	assert.Equal(t, "local", cfg.AccountMode)
}

func TestLoadBuyerOverrides(t *testing.T) {
	setBuyerEnv(t)
	t.Setenv("BALANCE_WATERMARK", "50.5")
	t.Setenv("TOPUP_AMOUNT", "20")
	t.Setenv("CHECK_INTERVAL", "5s")
	t.Setenv("PAYMENT_NETWORKS", "eip155:8453, eip155:1")

	cfg, err := LoadBuyer()
	require.NoError(t, err)

	assert.True(t, cfg.Watermark.Equal(decimal.RequireFromString("50.5")))
	assert.True(t, cfg.TopUpAmount.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, 5*time.Second, cfg.CheckInterval)
	assert.Equal(t, []string{"eip155:8453", "eip155:1"}, cfg.Networks)
}

func TestLoadBuyerMissingRequired(t *testing.T) {
	t.Setenv("CREDITS_API_KEY", "")
	t.Setenv("SELLER_URL", "")

	_, err := LoadBuyer()
	assert.Error(t, err)
}

func TestLoadBuyerRemoteModeRequiresServiceURL(t *testing.T) {
	setBuyerEnv(t)
	t.Setenv("ACCOUNT_MODE", "remote")
	t.Setenv("ACCOUNT_SERVICE_URL", "")
	t.Setenv("PRIVATE_KEY", "")
	t.Setenv("RPC_URL", "")

	_, err := LoadBuyer()
	assert.Error(t, err)

	t.Setenv("ACCOUNT_SERVICE_URL", "http://accounts.local")
	_, err = LoadBuyer()
	assert.NoError(t, err)
}

func TestLoadSeller(t *testing.T) {
	t.Setenv("PAY_TO", "0x1111111111111111111111111111111111111111")

	cfg, err := LoadSeller()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "eip155:8453", cfg.Network)
	assert.Equal(t, "onchain", cfg.SettlementKind)
	assert.Equal(t, "1", cfg.PricePerCredit)
}

func TestLoadSellerMissingPayTo(t *testing.T) {
	t.Setenv("PAY_TO", "")
	_, err := LoadSeller()
	assert.Error(t, err)
}

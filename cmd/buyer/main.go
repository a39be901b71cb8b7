// Command buyer runs the balance monitor daemon: it watches a credit
// balance and buys credits from a payment-gated seller whenever the balance
// drops below the watermark.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	autopay "github.com/cyh1001/DaVinci-sub001"
	"github.com/cyh1001/DaVinci-sub001/balance"
	"github.com/cyh1001/DaVinci-sub001/client"
	"github.com/cyh1001/DaVinci-sub001/config"
	"github.com/cyh1001/DaVinci-sub001/intent"
	"github.com/cyh1001/DaVinci-sub001/logger"
	"github.com/cyh1001/DaVinci-sub001/metrics"
	"github.com/cyh1001/DaVinci-sub001/monitor"
	"github.com/cyh1001/DaVinci-sub001/txbuild"
	"github.com/cyh1001/DaVinci-sub001/wallet"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "buyer:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadBuyer()
	if err != nil {
		return err
	}

	log := logger.NewZapLogger(cfg.LogLevel)
	rec := metrics.Recorder(metrics.NoopRecorder{})
	if cfg.MetricsAddr != "" {
		rec = metrics.NewPrometheusRecorder(nil)
		go serveMetrics(cfg.MetricsAddr, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	account, err := buildAccountService(ctx, cfg, log)
	if err != nil {
		return err
	}
	log.Info("payment account ready", map[string]any{"address": account.Address()})

	builder, err := buildTxBuilder(cfg)
	if err != nil {
		return err
	}

	selector := &client.Selector{Scheme: autopay.SchemeExact}
	for _, n := range cfg.Networks {
		selector.Networks = append(selector.Networks, autopay.Network(n))
	}
	if cfg.MaxPaymentAmount != "" {
		max, ok := new(big.Int).SetString(cfg.MaxPaymentAmount, 10)
		if !ok {
			return fmt.Errorf("invalid MAX_PAYMENT_AMOUNT: %s", cfg.MaxPaymentAmount)
		}
		selector.MaxAmount = max
	}

	negotiator := client.NewNegotiator(selector, builder, account,
		client.WithTimeout(cfg.NegotiationTimeout),
		client.WithLogger(log),
		client.WithMetrics(rec),
	)

	m := monitor.New(
		balance.NewCreditsClient(cfg.CreditsURL, cfg.CreditsAPIKey),
		client.NewTopUpClient(cfg.SellerURL, negotiator),
		monitor.WithThresholds(cfg.Watermark, cfg.TopUpAmount),
		monitor.WithTiming(cfg.CheckInterval, cfg.RetryBackoff),
		monitor.WithLogger(log),
		monitor.WithMetrics(rec),
	)

	log.Info("balance monitor starting", map[string]any{
		"watermark": cfg.Watermark.String(),
		"topup":     cfg.TopUpAmount.String(),
		"interval":  cfg.CheckInterval.String(),
		"seller":    cfg.SellerURL,
	})

	if err := m.Run(ctx); err != context.Canceled {
		return err
	}
	return nil
}

func buildAccountService(ctx context.Context, cfg *config.BuyerConfig, log logger.Logger) (wallet.Service, error) {
	if cfg.AccountMode == "remote" {
		var auth func() (map[string]string, error)
		if cfg.AccountToken != "" {
			token := cfg.AccountToken
			auth = func() (map[string]string, error) {
				return map[string]string{"Authorization": "Bearer " + token}, nil
			}
		}
		svc := wallet.NewRemoteService(cfg.AccountServiceURL, auth)
		if _, err := svc.CreateAccount(ctx); err != nil {
			return nil, err
		}
		return svc, nil
	}

	node, err := wallet.DialNode(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	return wallet.NewLocalService(cfg.PrivateKey, big.NewInt(cfg.ChainID), node, log)
}

func buildTxBuilder(cfg *config.BuyerConfig) (*txbuild.Builder, error) {
	if cfg.SettlementContract == "" && cfg.OperatorAddress == "" {
		// Voucher-only operation.
		return nil, nil
	}
	// With no configured contract the builder still works when the seller
	// names one in the challenge metadata.

	builder, err := txbuild.NewBuilder(
		common.HexToAddress(cfg.SettlementContract),
		common.HexToAddress(cfg.OperatorAddress),
		common.HexToAddress(cfg.RefundAddress),
	)
	if err != nil {
		return nil, err
	}

	if cfg.NativeValue != "" {
		value, err := txbuild.ParseEther(cfg.NativeValue)
		if err != nil {
			return nil, err
		}
		builder.NativeValue = value
	}
	if cfg.FeeTier != 0 {
		if !intent.ValidFeeTier(cfg.FeeTier) {
			return nil, fmt.Errorf("invalid FEE_TIER: %d", cfg.FeeTier)
		}
		builder.FeeTier = cfg.FeeTier
	}
	return builder, nil
}

func serveMetrics(addr string, log logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server stopped", map[string]any{"error": err.Error()})
	}
}

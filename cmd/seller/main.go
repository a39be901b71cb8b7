// Command seller runs the payment gateway: an HTTP service whose top-up
// endpoint is gated behind the payment protocol. Unpaid requests get a 402
// challenge; paid requests credit the caller.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	autopay "github.com/cyh1001/DaVinci-sub001"
	"github.com/cyh1001/DaVinci-sub001/config"
	"github.com/cyh1001/DaVinci-sub001/gateway"
	"github.com/cyh1001/DaVinci-sub001/logger"
	"github.com/cyh1001/DaVinci-sub001/metrics"
	"github.com/cyh1001/DaVinci-sub001/wallet"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "seller:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadSeller()
	if err != nil {
		return err
	}

	log := logger.NewZapLogger(cfg.LogLevel)
	rec := metrics.Recorder(metrics.NoopRecorder{})
	if cfg.MetricsAddr != "" {
		rec = metrics.NewPrometheusRecorder(nil)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("metrics server stopped", map[string]any{"error": err.Error()})
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	verifierOpts := []gateway.VerifierOption{
		gateway.WithVerifierLogger(log),
		gateway.WithVerifierMetrics(rec),
	}
	if cfg.RPCURL != "" {
		chain, err := wallet.DialNode(ctx, cfg.RPCURL)
		if err != nil {
			return err
		}
		verifierOpts = append(verifierOpts, gateway.WithChainReader(chain))
	}
	verifier := gateway.NewVerifier(verifierOpts...)

	pricePerCredit, err := decimal.NewFromString(cfg.PricePerCredit)
	if err != nil {
		return fmt.Errorf("invalid PRICE_PER_CREDIT: %w", err)
	}

	ledger := newLedger()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/topup/:amount",
		gateway.PaymentMiddleware(big.NewFloat(0), cfg.PayTo, verifier,
			gateway.WithNetwork(autopay.Network(cfg.Network)),
			gateway.WithDescription("credit top-up"),
			gateway.WithMimeType("application/json"),
			gateway.WithSettlement(cfg.SettlementKind, cfg.SettlementContract),
			gateway.WithOperator(cfg.OperatorAddress),
			gateway.WithPricer(func(c *gin.Context) (*big.Float, error) {
				credits, err := decimal.NewFromString(c.Param("amount"))
				if err != nil || credits.Sign() <= 0 {
					return nil, fmt.Errorf("invalid top-up amount: %s", c.Param("amount"))
				}
				return credits.Mul(pricePerCredit).BigFloat(), nil
			}),
		),
		func(c *gin.Context) {
			credits, err := decimal.NewFromString(c.Param("amount"))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
				return
			}

			settlement, _ := c.Get(gateway.ContextKeyPayment)
			settle := settlement.(*autopay.SettleResponse)

			total := ledger.credit(settle.Payer, credits)
			log.Info("credits granted", map[string]any{
				"payer":   settle.Payer,
				"credits": credits.String(),
				"total":   total.String(),
				"tx":      settle.Transaction,
			})

			c.JSON(http.StatusOK, gin.H{
				"credited": credits.String(),
				"balance":  total.String(),
				"payer":    settle.Payer,
			})
		},
	)

	router.GET("/balance/:address", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"address": c.Param("address"),
			"balance": ledger.balance(c.Param("address")).String(),
		})
	})

	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("payment gateway listening", map[string]any{
		"addr":    cfg.ListenAddr,
		"network": cfg.Network,
		"payTo":   cfg.PayTo,
	})

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ledger tracks granted credits per payer.
type ledger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

func newLedger() *ledger {
	return &ledger{balances: make(map[string]decimal.Decimal)}
}

func (l *ledger) credit(payer string, amount decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[payer] = l.balances[payer].Add(amount)
	return l.balances[payer]
}

func (l *ledger) balance(payer string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[payer]
}

package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	autopay "github.com/cyh1001/DaVinci-sub001"
	"github.com/cyh1001/DaVinci-sub001/logger"
)

// receiptPollInterval paces WaitConfirmed's receipt polling.
const receiptPollInterval = 2 * time.Second

// NodeClient is the subset of an Ethereum RPC client the local wallet needs.
// *ethclient.Client satisfies it.
type NodeClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// LocalService is an account service backed by an in-process ECDSA key and
// a node connection for nonce, gas and broadcast.
type LocalService struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	node       NodeClient
	log        logger.Logger
}

// NewLocalService creates a local account service from a hex-encoded private
// key. The node client may be an *ethclient.Client from DialNode.
func NewLocalService(privateKeyHex string, chainID *big.Int, node NodeClient, log logger.Logger) (*LocalService, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	if log == nil {
		log = logger.NoopLogger{}
	}

	return &LocalService{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    chainID,
		node:       node,
		log:        log,
	}, nil
}

// DialNode connects to an Ethereum RPC endpoint.
func DialNode(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial node %s: %w", rpcURL, err)
	}
	return client, nil
}

// Address returns the account's settlement address.
func (s *LocalService) Address() string {
	return s.address.Hex()
}

// SignAndSubmit fills in nonce and fee-market gas parameters, signs the
// settlement transaction and broadcasts it.
func (s *LocalService) SignAndSubmit(ctx context.Context, tx *autopay.Transaction) (string, error) {
	if !common.IsHexAddress(tx.To) {
		return "", autopay.NewPaymentError(autopay.ErrCodeSigningFailed,
			fmt.Sprintf("invalid destination address: %s", tx.To), nil)
	}
	to := common.HexToAddress(tx.To)
	data := common.FromHex(tx.Data)

	nonce, err := s.node.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", autopay.WrapPaymentError(autopay.ErrCodeSigningFailed, "failed to fetch nonce", err)
	}

	tipCap, err := s.node.SuggestGasTipCap(ctx)
	if err != nil {
		return "", autopay.WrapPaymentError(autopay.ErrCodeSigningFailed, "failed to fetch gas tip", err)
	}

	head, err := s.node.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", autopay.WrapPaymentError(autopay.ErrCodeSigningFailed, "failed to fetch head block", err)
	}
	// feeCap = 2*baseFee + tip, the usual headroom for base fee drift.
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gasLimit, err := s.node.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &to,
		Value: tx.Value,
		Data:  data,
	})
	if err != nil {
		return "", autopay.WrapPaymentError(autopay.ErrCodeSigningFailed, "failed to estimate gas", err)
	}

	unsigned := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     tx.Value,
		Data:      data,
	})

	signed, err := types.SignTx(unsigned, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", autopay.WrapPaymentError(autopay.ErrCodeSigningFailed, "failed to sign transaction", err)
	}

	if err := s.node.SendTransaction(ctx, signed); err != nil {
		return "", autopay.WrapPaymentError(autopay.ErrCodeSigningFailed, "failed to broadcast transaction", err)
	}

	hash := signed.Hash().Hex()
	s.log.Info("settlement transaction broadcast", map[string]any{
		"tx":      hash,
		"to":      tx.To,
		"value":   tx.Value.String(),
		"network": tx.Network.String(),
	})
	return hash, nil
}

// SignVoucher signs the voucher's EIP-712 digest with the account key.
func (s *LocalService) SignVoucher(ctx context.Context, domain VoucherDomain, auth *autopay.VoucherAuthorization) (string, error) {
	digest, err := VoucherDigest(domain, auth)
	if err != nil {
		return "", autopay.WrapPaymentError(autopay.ErrCodeSigningFailed, "failed to hash voucher", err)
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", autopay.WrapPaymentError(autopay.ErrCodeSigningFailed, "failed to sign voucher", err)
	}
	signature[64] += 27

	return hexutil.Encode(signature), nil
}

// WaitConfirmed polls for the transaction receipt until it lands in a block
// or ctx expires.
func (s *LocalService) WaitConfirmed(ctx context.Context, network autopay.Network, txHash string) error {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.node.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return autopay.NewPaymentError(autopay.ErrCodeSettlementFailed,
					fmt.Sprintf("settlement transaction %s reverted", txHash), nil)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return autopay.WrapPaymentError(autopay.ErrCodeSettlementUnconfirmed,
				fmt.Sprintf("settlement transaction %s not confirmed", txHash), ctx.Err())
		case <-ticker.C:
		}
	}
}

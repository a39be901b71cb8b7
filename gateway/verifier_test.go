package gateway

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autopay "github.com/cyh1001/DaVinci-sub001"
	"github.com/cyh1001/DaVinci-sub001/intent"
	"github.com/cyh1001/DaVinci-sub001/wallet"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	sellerAddress = "0x1111111111111111111111111111111111111111"
	assetAddress  = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	contractAddr  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	testChainID   = big.NewInt(84532)
)

func testAccount(t *testing.T) *wallet.LocalService {
	t.Helper()
	svc, err := wallet.NewLocalService(testKeyHex, testChainID, nil, nil)
	require.NoError(t, err)
	return svc
}

func vreq() *autopay.PaymentRequirements {
	return &autopay.PaymentRequirements{
		Scheme:            autopay.SchemeExact,
		Network:           "eip155:84532",
		MaxAmountRequired: "10000000",
		PayTo:             sellerAddress,
		Asset:             assetAddress,
		Extra: map[string]interface{}{
			"settlement": autopay.SettlementVoucher,
			"name":       "USDC",
			"version":    "2",
		},
	}
}

func signedVoucher(t *testing.T, account *wallet.LocalService, req *autopay.PaymentRequirements, mutate func(*autopay.VoucherAuthorization)) *autopay.PaymentPayload {
	t.Helper()
	now := time.Now()
	auth := &autopay.VoucherAuthorization{
		From:        account.Address(),
		To:          req.PayTo,
		Value:       req.MaxAmountRequired,
		ValidAfter:  strconv.FormatInt(now.Add(-time.Minute).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10),
		Nonce:       "0x00000000000000000000000000000000000000000000000000000000000000aa",
	}
	if mutate != nil {
		mutate(auth)
	}

	domain := wallet.VoucherDomain{
		Name:              "USDC",
		Version:           "2",
		ChainID:           testChainID,
		VerifyingContract: req.Asset,
	}
	sig, err := account.SignVoucher(context.Background(), domain, auth)
	require.NoError(t, err)

	return &autopay.PaymentPayload{
		X402Version: autopay.ProtocolVersion,
		Scheme:      autopay.SchemeExact,
		Network:     req.Network,
		Payload:     autopay.PaymentProof{Signature: sig, Authorization: auth},
	}
}

func TestVerifyVoucher(t *testing.T) {
	account := testAccount(t)
	v := NewVerifier()
	req := vreq()

	settle, err := v.Verify(context.Background(), signedVoucher(t, account, req, nil), req)
	require.NoError(t, err)
	assert.True(t, settle.Success)
	assert.Equal(t, account.Address(), settle.Payer)
	assert.Equal(t, autopay.Network("eip155:84532"), settle.Network)
}

func TestVerifyVoucherReplayRejected(t *testing.T) {
	account := testAccount(t)
	v := NewVerifier()
	req := vreq()
	payload := signedVoucher(t, account, req, nil)

	_, err := v.Verify(context.Background(), payload, req)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), payload, req)
	assert.Equal(t, autopay.ErrCodeReplayRejected, autopay.ErrorCode(err))
}

func TestVerifyVoucherPastDeadline(t *testing.T) {
	account := testAccount(t)
	v := NewVerifier()
	req := vreq()

	payload := signedVoucher(t, account, req, func(auth *autopay.VoucherAuthorization) {
		auth.ValidBefore = strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)
	})

	_, err := v.Verify(context.Background(), payload, req)
	assert.Equal(t, autopay.ErrCodePaymentExpired, autopay.ErrorCode(err))
}

func TestVerifyVoucherWrongAmount(t *testing.T) {
	account := testAccount(t)
	v := NewVerifier()
	req := vreq()

	payload := signedVoucher(t, account, req, func(auth *autopay.VoucherAuthorization) {
		auth.Value = "9000000"
	})

	_, err := v.Verify(context.Background(), payload, req)
	assert.Equal(t, autopay.ErrCodeInvalidPayment, autopay.ErrorCode(err))
}

func TestVerifyVoucherTamperedValueAfterSigning(t *testing.T) {
	account := testAccount(t)
	v := NewVerifier()
	req := vreq()

	payload := signedVoucher(t, account, req, nil)
	payload.Payload.Authorization.From = sellerAddress // claim someone else paid

	_, err := v.Verify(context.Background(), payload, req)
	assert.Equal(t, autopay.ErrCodeSignatureInvalid, autopay.ErrorCode(err))
}

func TestVerifySchemeAndNetworkMismatch(t *testing.T) {
	account := testAccount(t)
	v := NewVerifier()
	req := vreq()

	wrongScheme := signedVoucher(t, account, req, nil)
	wrongScheme.Scheme = "upto"
	_, err := v.Verify(context.Background(), wrongScheme, req)
	assert.Equal(t, autopay.ErrCodeSchemeMismatch, autopay.ErrorCode(err))

	wrongNetwork := signedVoucher(t, account, req, nil)
	wrongNetwork.Network = "eip155:1"
	_, err = v.Verify(context.Background(), wrongNetwork, req)
	assert.Equal(t, autopay.ErrCodeNetworkMismatch, autopay.ErrorCode(err))
}

// fakeChain serves one settlement transaction and its receipt.
type fakeChain struct {
	txs      map[common.Hash]*ethtypes.Transaction
	receipts map[common.Hash]*ethtypes.Receipt
}

func (f *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	tx, ok := f.txs[hash]
	if !ok {
		return nil, false, errors.New("not found")
	}
	return tx, false, nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	return f.receipts[hash], nil
}

func onchainReq() *autopay.PaymentRequirements {
	return &autopay.PaymentRequirements{
		Scheme:            autopay.SchemeExact,
		Network:           "eip155:84532",
		MaxAmountRequired: "10000000",
		PayTo:             sellerAddress,
		Asset:             assetAddress,
		Extra: map[string]interface{}{
			"settlement": autopay.SettlementOnchain,
			"contract":   contractAddr.Hex(),
		},
	}
}

func settlementTx(t *testing.T, amount *big.Int) (*ethtypes.Transaction, common.Address) {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)

	details := &intent.TransferDetails{
		RecipientAmount:   amount,
		Deadline:          big.NewInt(time.Now().Add(10 * time.Minute).Unix()),
		Recipient:         common.HexToAddress(sellerAddress),
		RecipientCurrency: common.HexToAddress(assetAddress),
		RefundDestination: crypto.PubkeyToAddress(key.PublicKey),
		FeeAmount:         big.NewInt(0),
		ID:                intent.NewID(),
		Operator:          common.HexToAddress("0x4444444444444444444444444444444444444444"),
		Signature:         []byte{},
		Prefix:            []byte{},
	}
	data, err := intent.EncodeSwapAndTransfer(details, intent.FeeTierLow)
	require.NoError(t, err)

	signer := ethtypes.LatestSignerForChainID(testChainID)
	tx := ethtypes.MustSignNewTx(key, signer, &ethtypes.DynamicFeeTx{
		ChainID:   testChainID,
		Nonce:     1,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       300000,
		To:        &contractAddr,
		Value:     big.NewInt(4_000_000_000_000_000),
		Data:      data,
	})
	return tx, crypto.PubkeyToAddress(key.PublicKey)
}

func TestVerifyOnchain(t *testing.T) {
	tx, payer := settlementTx(t, big.NewInt(10_000_000))
	chain := &fakeChain{
		txs:      map[common.Hash]*ethtypes.Transaction{tx.Hash(): tx},
		receipts: map[common.Hash]*ethtypes.Receipt{tx.Hash(): {Status: ethtypes.ReceiptStatusSuccessful}},
	}
	v := NewVerifier(WithChainReader(chain))

	payload := &autopay.PaymentPayload{
		X402Version: autopay.ProtocolVersion,
		Scheme:      autopay.SchemeExact,
		Network:     "eip155:84532",
		Payload:     autopay.PaymentProof{Transaction: tx.Hash().Hex()},
	}

	settle, err := v.Verify(context.Background(), payload, onchainReq())
	require.NoError(t, err)
	assert.True(t, settle.Success)
	assert.Equal(t, tx.Hash().Hex(), settle.Transaction)
	assert.Equal(t, payer.Hex(), settle.Payer)
}

func TestVerifyOnchainWrongAmount(t *testing.T) {
	tx, _ := settlementTx(t, big.NewInt(9_000_000))
	chain := &fakeChain{
		txs:      map[common.Hash]*ethtypes.Transaction{tx.Hash(): tx},
		receipts: map[common.Hash]*ethtypes.Receipt{tx.Hash(): {Status: ethtypes.ReceiptStatusSuccessful}},
	}
	v := NewVerifier(WithChainReader(chain))

	payload := &autopay.PaymentPayload{
		X402Version: autopay.ProtocolVersion,
		Scheme:      autopay.SchemeExact,
		Network:     "eip155:84532",
		Payload:     autopay.PaymentProof{Transaction: tx.Hash().Hex()},
	}

	_, err := v.Verify(context.Background(), payload, onchainReq())
	assert.Equal(t, autopay.ErrCodeInvalidPayment, autopay.ErrorCode(err))
}

func TestVerifyOnchainReverted(t *testing.T) {
	tx, _ := settlementTx(t, big.NewInt(10_000_000))
	chain := &fakeChain{
		txs:      map[common.Hash]*ethtypes.Transaction{tx.Hash(): tx},
		receipts: map[common.Hash]*ethtypes.Receipt{tx.Hash(): {Status: ethtypes.ReceiptStatusFailed}},
	}
	v := NewVerifier(WithChainReader(chain))

	payload := &autopay.PaymentPayload{
		X402Version: autopay.ProtocolVersion,
		Scheme:      autopay.SchemeExact,
		Network:     "eip155:84532",
		Payload:     autopay.PaymentProof{Transaction: tx.Hash().Hex()},
	}

	_, err := v.Verify(context.Background(), payload, onchainReq())
	assert.Equal(t, autopay.ErrCodeSettlementFailed, autopay.ErrorCode(err))
}

func TestVerifyOnchainUnknownTransaction(t *testing.T) {
	chain := &fakeChain{txs: map[common.Hash]*ethtypes.Transaction{}}
	v := NewVerifier(WithChainReader(chain))

	payload := &autopay.PaymentPayload{
		X402Version: autopay.ProtocolVersion,
		Scheme:      autopay.SchemeExact,
		Network:     "eip155:84532",
		Payload:     autopay.PaymentProof{Transaction: "0x00000000000000000000000000000000000000000000000000000000000000ff"},
	}

	_, err := v.Verify(context.Background(), payload, onchainReq())
	assert.Equal(t, autopay.ErrCodeInvalidPayment, autopay.ErrorCode(err))
}

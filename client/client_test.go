package client

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	autopay "github.com/cyh1001/DaVinci-sub001"
	"github.com/cyh1001/DaVinci-sub001/wallet"
)

// fakeAccount is a wallet.Service that signs without touching a chain.
type fakeAccount struct {
	address      string
	submitted    int
	vouchers     int
	blockVoucher bool
}

func (f *fakeAccount) Address() string { return f.address }

func (f *fakeAccount) SignAndSubmit(ctx context.Context, tx *autopay.Transaction) (string, error) {
	f.submitted++
	return "0xsettled", nil
}

func (f *fakeAccount) SignVoucher(ctx context.Context, domain wallet.VoucherDomain, auth *autopay.VoucherAuthorization) (string, error) {
	if f.blockVoucher {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f.vouchers++
	return "0xfakesig", nil
}

func (f *fakeAccount) WaitConfirmed(ctx context.Context, network autopay.Network, txHash string) error {
	return nil
}

func voucherRequirement(network autopay.Network, amount string) autopay.PaymentRequirements {
	return autopay.PaymentRequirements{
		Scheme:            autopay.SchemeExact,
		Network:           network,
		MaxAmountRequired: amount,
		PayTo:             "0x1111111111111111111111111111111111111111",
		Asset:             "0x2222222222222222222222222222222222222222",
		Extra: map[string]interface{}{
			"settlement": autopay.SettlementVoucher,
			"name":       "USD Coin",
			"version":    "2",
		},
	}
}

func newVoucherNegotiator(account *fakeAccount, networks ...autopay.Network) *Negotiator {
	return NewNegotiator(&Selector{Networks: networks}, nil, account)
}

func TestSelectorFirstInServerOrder(t *testing.T) {
	s := &Selector{}
	accepts := []autopay.PaymentRequirements{
		voucherRequirement("eip155:8453", "5000000"),
		voucherRequirement("eip155:1", "7000000"),
	}

	selected, err := s.Select(accepts)
	require.NoError(t, err)
	assert.Equal(t, autopay.Network("eip155:8453"), selected.Network)
	assert.Equal(t, "5000000", selected.MaxAmountRequired)
}

func TestSelectorNetworkFilter(t *testing.T) {
	// Server offers network A for 5 and network B for 7; a buyer that only
	// supports B pays 7 on B.
	s := &Selector{Networks: []autopay.Network{"eip155:1"}}
	accepts := []autopay.PaymentRequirements{
		voucherRequirement("eip155:8453", "5000000"),
		voucherRequirement("eip155:1", "7000000"),
	}

	selected, err := s.Select(accepts)
	require.NoError(t, err)
	assert.Equal(t, autopay.Network("eip155:1"), selected.Network)
	assert.Equal(t, "7000000", selected.MaxAmountRequired)
}

func TestSelectorWildcard(t *testing.T) {
	s := &Selector{Networks: []autopay.Network{"eip155:*"}}
	accepts := []autopay.PaymentRequirements{
		voucherRequirement("solana:mainnet", "1000"),
		voucherRequirement("eip155:8453", "2000"),
	}

	selected, err := s.Select(accepts)
	require.NoError(t, err)
	assert.Equal(t, autopay.Network("eip155:8453"), selected.Network)
}

func TestSelectorMaxAmount(t *testing.T) {
	s := &Selector{MaxAmount: big.NewInt(6_000_000)}
	accepts := []autopay.PaymentRequirements{
		voucherRequirement("eip155:8453", "7000000"),
		voucherRequirement("eip155:1", "5000000"),
	}

	selected, err := s.Select(accepts)
	require.NoError(t, err)
	assert.Equal(t, "5000000", selected.MaxAmountRequired)
}

func TestSelectorEmptyChallenge(t *testing.T) {
	s := &Selector{}
	_, err := s.Select(nil)
	assert.Equal(t, autopay.ErrCodeNoAcceptableRequirement, autopay.ErrorCode(err))
}

func TestFulfillSkipsSettlementWhenNothingMatches(t *testing.T) {
	account := &fakeAccount{address: "0x9999999999999999999999999999999999999999"}
	// nil builder: reaching settlement without a selection would fail loudly
	n := newVoucherNegotiator(account, "eip155:1")

	challenge := &autopay.PaymentRequired{
		X402Version: autopay.ProtocolVersion,
		Accepts: []autopay.PaymentRequirements{
			voucherRequirement("solana:mainnet", "5000000"),
		},
	}

	_, err := n.Fulfill(context.Background(), challenge)
	assert.Equal(t, autopay.ErrCodeNoAcceptableRequirement, autopay.ErrorCode(err))
	assert.Zero(t, account.vouchers)
	assert.Zero(t, account.submitted)
}

func TestPayProducesVoucherProof(t *testing.T) {
	account := &fakeAccount{address: "0x9999999999999999999999999999999999999999"}
	n := newVoucherNegotiator(account)

	req := voucherRequirement("eip155:8453", "10000000")
	payload, err := n.Pay(context.Background(), &req)
	require.NoError(t, err)

	assert.Equal(t, autopay.ProtocolVersion, payload.X402Version)
	assert.Equal(t, autopay.SchemeExact, payload.Scheme)
	assert.Equal(t, autopay.Network("eip155:8453"), payload.Network)
	assert.Equal(t, "0xfakesig", payload.Payload.Signature)

	auth := payload.Payload.Authorization
	require.NotNil(t, auth)
	assert.Equal(t, account.address, auth.From)
	assert.Equal(t, req.PayTo, auth.To)
	assert.Equal(t, "10000000", auth.Value)
	assert.Less(t, auth.ValidAfter, auth.ValidBefore)
	assert.Len(t, auth.Nonce, 66) // 0x + 32 bytes hex
}

func TestPayTimesOut(t *testing.T) {
	account := &fakeAccount{address: "0x9999999999999999999999999999999999999999", blockVoucher: true}
	n := NewNegotiator(&Selector{}, nil, account, WithTimeout(30*time.Millisecond))

	req := voucherRequirement("eip155:8453", "10000000")
	_, err := n.Pay(context.Background(), &req)
	assert.Equal(t, autopay.ErrCodeNegotiationTimeout, autopay.ErrorCode(err))
}

func TestRoundTripperPaysOnce(t *testing.T) {
	account := &fakeAccount{address: "0x9999999999999999999999999999999999999999"}
	n := newVoucherNegotiator(account)

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get(autopay.HeaderPayment) == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(autopay.PaymentRequired{
				X402Version: autopay.ProtocolVersion,
				Error:       "payment required",
				Accepts: []autopay.PaymentRequirements{
					voucherRequirement("eip155:8453", "10000000"),
				},
			})
			return
		}

		payload, err := autopay.DecodePaymentHeader(r.Header.Get(autopay.HeaderPayment))
		require.NoError(t, err)
		assert.Equal(t, "0xfakesig", payload.Payload.Signature)

		settleHeader, err := autopay.EncodeSettleHeader(&autopay.SettleResponse{
			Success:     true,
			Transaction: "0xsettled",
			Network:     payload.Network,
			Payer:       account.address,
		})
		require.NoError(t, err)
		w.Header().Set(autopay.HeaderPaymentResponse, settleHeader)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	httpClient := WrapClient(nil, n)
	resp, err := httpClient.Get(server.URL + "/topup/10")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, requests)
	assert.Equal(t, 1, account.vouchers)

	settle, err := Settlement(resp)
	require.NoError(t, err)
	require.NotNil(t, settle)
	assert.True(t, settle.Success)
	assert.Equal(t, "0xsettled", settle.Transaction)
}

func TestRoundTripperReturnsSecond402(t *testing.T) {
	account := &fakeAccount{address: "0x9999999999999999999999999999999999999999"}
	n := newVoucherNegotiator(account)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Always demand payment, even when a proof is attached.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(autopay.PaymentRequired{
			X402Version: autopay.ProtocolVersion,
			Accepts: []autopay.PaymentRequirements{
				voucherRequirement("eip155:8453", "10000000"),
			},
		})
	}))
	defer server.Close()

	httpClient := WrapClient(nil, n)
	resp, err := httpClient.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	// One payment per purchase cycle: the second 402 surfaces to the caller.
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, 1, account.vouchers)
}

func TestRoundTripperPassesThroughNon402(t *testing.T) {
	account := &fakeAccount{address: "0x9999999999999999999999999999999999999999"}
	n := newVoucherNegotiator(account)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	httpClient := WrapClient(nil, n)
	resp, err := httpClient.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, account.vouchers)
}

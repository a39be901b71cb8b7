package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	autopay "github.com/cyh1001/DaVinci-sub001"
)

const (
	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"

	remotePollInterval = 2 * time.Second
)

// RemoteService talks to a managed account service that holds the key and
// performs signing and broadcast on the caller's behalf. The account is
// created once with CreateAccount and reused for the life of the process.
type RemoteService struct {
	URL               string
	HTTPClient        *http.Client
	CreateAuthHeaders func() (map[string]string, error)

	address string
}

// NewRemoteService creates a client for the managed account service at
// baseURL.
func NewRemoteService(baseURL string, authHeaders func() (map[string]string, error)) *RemoteService {
	return &RemoteService{
		URL:               baseURL,
		HTTPClient:        &http.Client{Timeout: 30 * time.Second},
		CreateAuthHeaders: authHeaders,
	}
}

type createAccountResponse struct {
	Address string          `json:"address"`
	Network autopay.Network `json:"network"`
}

type signSubmitRequest struct {
	Transaction *autopay.Transaction `json:"transaction"`
}

type signSubmitResponse struct {
	TransactionHash string `json:"transactionHash"`
}

type signVoucherRequest struct {
	Domain        voucherDomainJSON             `json:"domain"`
	Authorization *autopay.VoucherAuthorization `json:"authorization"`
}

type voucherDomainJSON struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           string `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

type signVoucherResponse struct {
	Signature string `json:"signature"`
}

type transactionStatusResponse struct {
	Confirmed bool   `json:"confirmed"`
	Status    string `json:"status"`
}

// CreateAccount asks the service for the process account, creating it on
// first use. Must be called once before the pipeline starts.
func (c *RemoteService) CreateAccount(ctx context.Context) (*autopay.Account, error) {
	var resp createAccountResponse
	if err := c.post(ctx, "/accounts", map[string]any{}, &resp); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	c.address = resp.Address
	return &autopay.Account{Address: resp.Address, Network: resp.Network}, nil
}

// Address returns the account address obtained from CreateAccount.
func (c *RemoteService) Address() string {
	return c.address
}

// SignAndSubmit delegates signing and broadcast to the account service.
func (c *RemoteService) SignAndSubmit(ctx context.Context, tx *autopay.Transaction) (string, error) {
	var resp signSubmitResponse
	if err := c.post(ctx, "/transactions", signSubmitRequest{Transaction: tx}, &resp); err != nil {
		return "", autopay.WrapPaymentError(autopay.ErrCodeSigningFailed, "account service rejected transaction", err)
	}
	if resp.TransactionHash == "" {
		return "", autopay.NewPaymentError(autopay.ErrCodeSigningFailed, "account service returned no transaction hash", nil)
	}
	return resp.TransactionHash, nil
}

// SignVoucher delegates EIP-712 voucher signing to the account service.
func (c *RemoteService) SignVoucher(ctx context.Context, domain VoucherDomain, auth *autopay.VoucherAuthorization) (string, error) {
	req := signVoucherRequest{
		Domain: voucherDomainJSON{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainID:           domain.ChainID.String(),
			VerifyingContract: domain.VerifyingContract,
		},
		Authorization: auth,
	}
	var resp signVoucherResponse
	if err := c.post(ctx, "/vouchers", req, &resp); err != nil {
		return "", autopay.WrapPaymentError(autopay.ErrCodeSigningFailed, "account service rejected voucher", err)
	}
	if resp.Signature == "" {
		return "", autopay.NewPaymentError(autopay.ErrCodeSigningFailed, "account service returned no signature", nil)
	}
	return resp.Signature, nil
}

// WaitConfirmed polls the account service until the transaction confirms or
// ctx expires.
func (c *RemoteService) WaitConfirmed(ctx context.Context, network autopay.Network, txHash string) error {
	ticker := time.NewTicker(remotePollInterval)
	defer ticker.Stop()

	path := fmt.Sprintf("/transactions/%s/%s", url.PathEscape(network.String()), url.PathEscape(txHash))
	for {
		var status transactionStatusResponse
		err := c.get(ctx, path, &status)
		if err == nil && status.Confirmed {
			if status.Status == "reverted" {
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

func (c *RemoteService) post(ctx context.Context, path string, body any, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	if err := c.addAuthHeaders(req); err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("account service returned %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *RemoteService) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if err := c.addAuthHeaders(req); err != nil {
		return err
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("account service returned %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *RemoteService) addAuthHeaders(req *http.Request) error {
	if c.CreateAuthHeaders == nil {
		return nil
	}
	headers, err := c.CreateAuthHeaders()
	if err != nil {
		return fmt.Errorf("failed to create auth headers: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return nil
}

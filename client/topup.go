package client

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	autopay "github.com/cyh1001/DaVinci-sub001"
)

// TopUpClient buys credits from a payment-gated top-up endpoint. Requests go
// through a payment-wrapped HTTP client, so the 402 challenge and paid retry
// happen inside Do.
type TopUpClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewTopUpClient creates a top-up client whose requests settle 402
// challenges through the negotiator.
func NewTopUpClient(baseURL string, negotiator *Negotiator) *TopUpClient {
	return &TopUpClient{
		BaseURL: baseURL,
		HTTP:    WrapClient(nil, negotiator),
	}
}

// TopUp purchases the given amount of credits. A non-2xx response after
// payment resolution is an error; the settlement confirmation is returned
// when the seller provided one.
func (c *TopUpClient) TopUp(ctx context.Context, amount decimal.Decimal) (*autopay.SettleResponse, error) {
	url := fmt.Sprintf("%s/topup/%s", c.BaseURL, amount.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create top-up request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("top-up rejected with %s: %s", resp.Status, body)
	}

	return Settlement(resp)
}

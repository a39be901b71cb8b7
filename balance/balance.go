// Package balance reads the buyer's remaining credit balance from the
// metered API being paid for.
package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Source reports the current credit balance in credits (fractional).
type Source interface {
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// CreditsClient reads the balance from an OpenRouter-style credits endpoint:
// GET {base}/api/v1/credits with a bearer key, where balance is purchased
// credits minus usage.
type CreditsClient struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// NewCreditsClient creates a credits client for the given API base URL.
func NewCreditsClient(baseURL, apiKey string) *CreditsClient {
	return &CreditsClient{
		URL:        baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type creditsResponse struct {
	Data struct {
		TotalCredits decimal.Decimal `json:"total_credits"`
		TotalUsage   decimal.Decimal `json:"total_usage"`
	} `json:"data"`
}

// Balance fetches the remaining balance: total credits minus total usage.
func (c *CreditsClient) Balance(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"/api/v1/credits", nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create credits request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch credits: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("credits endpoint returned %s", resp.Status)
	}

	var credits creditsResponse
	if err := json.NewDecoder(resp.Body).Decode(&credits); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode credits response: %w", err)
	}

	return credits.Data.TotalCredits.Sub(credits.Data.TotalUsage), nil
}

package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	autopay "github.com/cyh1001/DaVinci-sub001"
)

// PaymentRoundTripper is an http.RoundTripper that resolves 402 challenges
// transparently: the first 402 on a request triggers one payment and one
// retry with the proof attached. A second 402 is returned to the caller,
// never paid again.
type PaymentRoundTripper struct {
	Transport  http.RoundTripper
	Negotiator *Negotiator
}

// WrapClient returns a copy of client whose transport settles 402 responses
// through the negotiator.
func WrapClient(client *http.Client, negotiator *Negotiator) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}

	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	wrapped := *client
	wrapped.Transport = &PaymentRoundTripper{
		Transport:  transport,
		Negotiator: negotiator,
	}
	return &wrapped
}

// RoundTrip implements http.RoundTripper.
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	challenge, err := decodeChallenge(resp)
	if err != nil {
		return nil, err
	}

	payload, err := t.Negotiator.Fulfill(req.Context(), challenge)
	if err != nil {
		return nil, err
	}

	header, err := autopay.EncodePaymentHeader(payload)
	if err != nil {
		return nil, autopay.WrapPaymentError(autopay.ErrCodeEncodingFailed, "failed to encode payment header", err)
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body for paid retry: %w", err)
		}
		retry.Body = body
	}
	retry.Header.Set(autopay.HeaderPayment, header)

	return t.Transport.RoundTrip(retry)
}

// decodeChallenge reads and parses the body of a 402 response.
func decodeChallenge(resp *http.Response) (*autopay.PaymentRequired, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read 402 response body: %w", err)
	}

	var challenge autopay.PaymentRequired
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("failed to parse 402 challenge: %w", err)
	}
	if challenge.X402Version == 0 || len(challenge.Accepts) == 0 {
		return nil, autopay.NewPaymentError(autopay.ErrCodeNoAcceptableRequirement,
			"402 challenge carries no payment requirements", nil)
	}
	return &challenge, nil
}

// Settlement extracts the settlement confirmation from a paid response, or
// nil when the response carries none.
func Settlement(resp *http.Response) (*autopay.SettleResponse, error) {
	header := resp.Header.Get(autopay.HeaderPaymentResponse)
	if header == "" {
		return nil, nil
	}
	return autopay.DecodeSettleHeader(header)
}

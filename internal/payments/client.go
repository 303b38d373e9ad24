// internal/payments/client.go
// Package payments provides a thin client for the payment provider's API.
// The access service only ever reads completed payments by identifier; the
// provider SDK's transport internals stay behind this boundary.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Client for reading payment records from the payment provider.
type Client struct {
	base string       // Base URL of the payments API
	hc   *http.Client // HTTP client with custom timeouts
}

// Payment is the subset of a provider payment object the settlement flow
// needs.
type Payment struct {
	ID          string `json:"id"`
	AmountCents int64  `json:"amountCents"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
}

// ErrNotFound is returned when a payment record is not found.
var ErrNotFound = errors.New("payment not found")

// New creates a new payments client with the specified base URL.
// Dial and request timeouts are kept tight: settlement happens on a request
// path and a slow provider must not hold it hostage.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// Get retrieves a payment record by identifier.
func (c *Client) Get(ctx context.Context, paymentID string) (Payment, error) {
	u, _ := url.Parse(c.base)
	u.Path = "/v1/payments/" + url.PathEscape(paymentID)

	req, _ := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	resp, err := c.hc.Do(req)
	if err != nil {
		return Payment{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var p Payment
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return Payment{}, err
		}
		return p, nil
	case http.StatusNotFound:
		return Payment{}, ErrNotFound
	default:
		return Payment{}, fmt.Errorf("payment get failed: %s", resp.Status)
	}
}

package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Verification is the gateway's authoritative answer for one reference.
// Amount is the charged amount in USD (the gateway reports minor units).
type Verification struct {
	Reference string
	Confirmed bool
	Status    string
	Amount    decimal.Decimal
	Currency  string
}

// GatewayClient verifies a payment reference against the gateway's
// authority. A transport or gateway-side failure is returned as an error
// and is retryable by the caller; an unconfirmed charge is not an error,
// it is a Verification with Confirmed false.
type GatewayClient interface {
	VerifyTransaction(ctx context.Context, reference string) (*Verification, error)
}

// PaystackClient calls Paystack's transaction verification API.
type PaystackClient struct {
	baseURL   string
	secretKey string
	client    *http.Client
	logger    *zap.Logger
}

// NewPaystackClient creates a verification client for the given API base
// URL and secret key.
func NewPaystackClient(baseURL, secretKey string, timeout time.Duration, logger *zap.Logger) *PaystackClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PaystackClient{
		baseURL:   baseURL,
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// paystackVerifyResponse mirrors GET /transaction/verify/{reference}.
type paystackVerifyResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Status    string `json:"status"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"` // minor units (cents)
		Currency  string `json:"currency"`
	} `json:"data"`
}

// VerifyTransaction asks Paystack whether the reference was charged
// successfully and for how much.
func (c *PaystackClient) VerifyTransaction(ctx context.Context, reference string) (*Verification, error) {
	endpoint := fmt.Sprintf("%s/transaction/verify/%s", c.baseURL, url.PathEscape(reference))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown reference: not confirmed, not a transport failure.
		return &Verification{Reference: reference, Confirmed: false, Status: "not_found"}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway verify returned status %d", resp.StatusCode)
	}

	var body paystackVerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}

	v := &Verification{
		Reference: body.Data.Reference,
		Status:    body.Data.Status,
		Confirmed: body.Status && body.Data.Status == "success",
		Amount:    decimal.New(body.Data.Amount, -2),
		Currency:  body.Data.Currency,
	}
	if v.Reference == "" {
		v.Reference = reference
	}
	return v, nil
}

var _ GatewayClient = (*PaystackClient)(nil)

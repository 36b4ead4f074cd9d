package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/matheuscscp/open-finance-portal/internal/config"
)

const responseBodyLimit = 8 << 20

// Error is returned when the AI service answers with a non-success status.
type Error struct {
	StatusCode int
	Status     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("AI service error: %s", e.Status)
}

// Client calls the AI microservice. Every call is a single attempt and the
// responses are passed through as received.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(conf *config.AIConfig) *Client {
	return NewWithHTTPClient(conf.BaseURL, &http.Client{Timeout: conf.Timeout})
}

func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Query matches a free-text description to a portal service.
func (c *Client) Query(ctx context.Context, description string) (json.RawMessage, error) {
	return c.post(ctx, "/predict", map[string]string{"description": description})
}

func (c *Client) BalanceSuggestions(ctx context.Context, balance float64) (json.RawMessage, error) {
	return c.post(ctx, "/suggestions", map[string]float64{"balance": balance})
}

func (c *Client) CreditCardRecommendations(ctx context.Context, transactions json.RawMessage) (json.RawMessage, error) {
	return c.post(ctx, "/credit-card-recommendations", map[string]json.RawMessage{"transactions": orEmptyArray(transactions)})
}

// PFMDashboardImage sends the bare transaction array.
func (c *Client) PFMDashboardImage(ctx context.Context, transactions json.RawMessage) (json.RawMessage, error) {
	return c.post(ctx, "/pfm-dashboard-image", orEmptyArray(transactions))
}

func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) post(ctx context.Context, path string, in any) (json.RawMessage, error) {
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal AI request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to create AI request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("AI request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{StatusCode: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to read AI response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("AI response from %s is not valid JSON", path)
	}
	return json.RawMessage(body), nil
}

// TransactionsOf returns the transaction array of a transactions payload
// ({"AccountId": ..., "Transaction": [...]}).
func TransactionsOf(data json.RawMessage) json.RawMessage {
	r := gjson.GetBytes(data, "Transaction")
	if !r.IsArray() {
		return json.RawMessage("[]")
	}
	return json.RawMessage(r.Raw)
}

// CurrentBalance reads the running balance of the most recent transaction.
func CurrentBalance(data json.RawMessage) float64 {
	return gjson.GetBytes(data, "Transaction.0.Balance.Amount.Amount").Float()
}

func orEmptyArray(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("[]")
	}
	return raw
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/matheuscscp/open-finance-portal/internal/config"
	"github.com/matheuscscp/open-finance-portal/internal/constants"
)

const (
	pathConsentCreate = "/consent-create/bank-data"
	pathToken         = "/token/authorization-code"
	pathAccounts      = "/open-finance/account-information/v1.2/accounts"

	opCreateConsent   = "create consent"
	opExchangeToken   = "exchange token"
	opAccounts        = "get accounts"
	opBalances        = "get account balances"
	opBeneficiaries   = "get account beneficiaries"
	opTransactions    = "get account transactions"
	responseBodyLimit = 4 << 20
)

var fallbackMessages = map[string]string{
	opCreateConsent: "Failed to create consent. Please try again.",
	opExchangeToken: "Failed to exchange authorization code for token. Please try again.",
	opAccounts:      "Failed to fetch user accounts. Please try again.",
	opBalances:      "Failed to fetch account balances. Please try again.",
	opBeneficiaries: "Failed to fetch account beneficiaries. Please try again.",
	opTransactions:  "Failed to fetch account transactions. Please try again.",
}

type ConsentCreateResponse struct {
	Redirect     string `json:"redirect"`
	ConsentID    string `json:"consent_id"`
	CodeVerifier string `json:"code_verifier"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// Client talks to the banking data API gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(conf *config.GatewayConfig) *Client {
	return NewWithHTTPClient(conf.BaseURL, &http.Client{Timeout: conf.Timeout})
}

func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
	}
}

// ConsentPermissions drops the ids that only group permissions in the UI
// and are rejected by the consent endpoint.
func ConsentPermissions(ids []string) []string {
	perms := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == constants.PermissionBaseConsentID || id == constants.PermissionReadProduct {
			continue
		}
		perms = append(perms, id)
	}
	return perms
}

func (c *Client) CreateConsent(ctx context.Context, ids []string) (*ConsentCreateResponse, error) {
	body := map[string][]string{"data_permissions": ConsentPermissions(ids)}
	var resp ConsentCreateResponse
	if err := c.postJSON(ctx, opCreateConsent, pathConsentCreate, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ExchangeToken(ctx context.Context, code, codeVerifier string) (*TokenResponse, error) {
	body := map[string]string{
		"code":          code,
		"code_verifier": codeVerifier,
	}
	var resp TokenResponse
	if err := c.postJSON(ctx, opExchangeToken, pathToken, body, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, &APIError{Op: opExchangeToken, StatusCode: http.StatusOK, Message: fallbackMessages[opExchangeToken]}
	}
	return &resp, nil
}

func (c *Client) GetAccounts(ctx context.Context, token *oauth2.Token) (json.RawMessage, error) {
	return c.getResource(ctx, opAccounts, pathAccounts, token)
}

func (c *Client) GetAccountBalances(ctx context.Context, token *oauth2.Token, accountID string) (json.RawMessage, error) {
	return c.getResource(ctx, opBalances, accountPath(accountID, "balances"), token)
}

func (c *Client) GetAccountBeneficiaries(ctx context.Context, token *oauth2.Token, accountID string) (json.RawMessage, error) {
	return c.getResource(ctx, opBeneficiaries, accountPath(accountID, "beneficiaries"), token)
}

func (c *Client) GetAccountTransactions(ctx context.Context, token *oauth2.Token, accountID string) (json.RawMessage, error) {
	return c.getResource(ctx, opTransactions, accountPath(accountID, "transactions"), token)
}

func accountPath(accountID, resource string) string {
	return pathAccounts + "/" + url.PathEscape(accountID) + "/" + resource
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(c.httpClient, op, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &APIError{Op: op, StatusCode: http.StatusOK, Message: fallbackMessages[op]}
	}
	return nil
}

func (c *Client) getResource(ctx context.Context, op, path string, token *oauth2.Token) (json.RawMessage, error) {
	if token == nil || token.AccessToken == "" {
		return nil, &APIError{Op: op, StatusCode: http.StatusUnauthorized, Message: fallbackMessages[op]}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	// Always sent as a Bearer token.
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.AccessToken})
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient), ts)
	client.Timeout = c.httpClient.Timeout

	respBody, err := c.do(client, op, req)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(respBody) {
		return nil, &APIError{Op: op, StatusCode: http.StatusOK, Message: fallbackMessages[op]}
	}
	return json.RawMessage(respBody), nil
}

func (c *Client) do(client *http.Client, op string, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Message: fallbackMessages[op], Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		return nil, &NetworkError{Op: op, Message: fallbackMessages[op], Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = fallbackMessages[op]
		}
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}

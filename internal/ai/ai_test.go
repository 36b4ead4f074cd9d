package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/matheuscscp/open-finance-portal/internal/config"
)

const transactionsData = `{
	"AccountId": "acc-1",
	"Transaction": [
		{"Amount": {"Amount": "12.50", "Currency": "GBP"}, "Balance": {"Amount": {"Amount": "1034.20", "Currency": "GBP"}}},
		{"Amount": {"Amount": "3.00", "Currency": "GBP"}, "Balance": {"Amount": {"Amount": "1046.70", "Currency": "GBP"}}}
	]
}`

func TestClient_Requests(t *testing.T) {
	tests := []struct {
		name         string
		call         func(c *Client) (json.RawMessage, error)
		expectedPath string
		expectedBody string
	}{
		{
			name: "query",
			call: func(c *Client) (json.RawMessage, error) {
				return c.Query(context.Background(), "show my balance")
			},
			expectedPath: "/predict",
			expectedBody: `{"description":"show my balance"}`,
		},
		{
			name: "balance suggestions",
			call: func(c *Client) (json.RawMessage, error) {
				return c.BalanceSuggestions(context.Background(), 1034.2)
			},
			expectedPath: "/suggestions",
			expectedBody: `{"balance":1034.2}`,
		},
		{
			name: "credit card recommendations",
			call: func(c *Client) (json.RawMessage, error) {
				return c.CreditCardRecommendations(context.Background(), json.RawMessage(`[{"a":1}]`))
			},
			expectedPath: "/credit-card-recommendations",
			expectedBody: `{"transactions":[{"a":1}]}`,
		},
		{
			name: "pfm dashboard with no transactions",
			call: func(c *Client) (json.RawMessage, error) {
				return c.PFMDashboardImage(context.Background(), nil)
			},
			expectedPath: "/pfm-dashboard-image",
			expectedBody: `[]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				g.Expect(r.Method).To(Equal(http.MethodPost))
				g.Expect(r.URL.Path).To(Equal(tt.expectedPath))
				b, err := io.ReadAll(r.Body)
				g.Expect(err).ToNot(HaveOccurred())
				g.Expect(string(b)).To(MatchJSON(tt.expectedBody))
				w.Write([]byte(`{"ok":true}`))
			}))
			defer srv.Close()

			raw, err := tt.call(New(&config.AIConfig{BaseURL: srv.URL, Timeout: time.Second}))

			g.Expect(err).ToNot(HaveOccurred())
			g.Expect(string(raw)).To(Equal(`{"ok":true}`))
		})
	}
}

func TestClient_Error(t *testing.T) {
	g := NewWithT(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewWithHTTPClient(srv.URL, srv.Client()).Query(context.Background(), "x")

	var aiErr *Error
	g.Expect(errors.As(err, &aiErr)).To(BeTrue())
	g.Expect(err).To(MatchError("AI service error: Service Unavailable"))
}

func TestClient_Healthy(t *testing.T) {
	g := NewWithT(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.Expect(r.URL.Path).To(Equal("/"))
	}))

	c := NewWithHTTPClient(srv.URL, srv.Client())
	g.Expect(c.Healthy(context.Background())).To(BeTrue())

	srv.Close()
	g.Expect(c.Healthy(context.Background())).To(BeFalse())
}

func TestTransactionHelpers(t *testing.T) {
	g := NewWithT(t)

	g.Expect(CurrentBalance(json.RawMessage(transactionsData))).To(Equal(1034.2))
	g.Expect(CurrentBalance(json.RawMessage(`{}`))).To(BeZero())

	var txs []map[string]any
	g.Expect(json.Unmarshal(TransactionsOf(json.RawMessage(transactionsData)), &txs)).To(Succeed())
	g.Expect(txs).To(HaveLen(2))
	g.Expect(string(TransactionsOf(nil))).To(Equal("[]"))
}

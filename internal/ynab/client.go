package ynab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fredericksapp/banksync/internal/logger"
)

// DefaultBaseURL is the production YNAB API endpoint.
const DefaultBaseURL = "https://api.ynab.com/v1"

// LedgerService is the ledger surface the importer depends on. It exists so
// tests can substitute a fake without real HTTP.
type LedgerService interface {
	// Accounts lists the budget's accounts, deleted ones excluded.
	Accounts(ctx context.Context, budgetID string) ([]Account, error)

	// CreateTransactions submits transactions for import. Transactions whose
	// import_id the ledger has already seen are silently deduplicated.
	CreateTransactions(ctx context.Context, budgetID string, txns []Transaction) (*CreateResult, error)
}

// Client talks to the YNAB HTTP API.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient builds a Client with the given personal access token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		http:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at a different API endpoint (tests).
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// Accounts lists the budget's accounts with deleted entries filtered out.
func (c *Client) Accounts(ctx context.Context, budgetID string) ([]Account, error) {
	var parsed accountsResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/budgets/%s/accounts", budgetID), nil, &parsed); err != nil {
		return nil, err
	}

	accounts := make([]Account, 0, len(parsed.Data.Accounts))
	for _, account := range parsed.Data.Accounts {
		if account.Deleted {
			continue
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// CreateTransactions submits transactions to the budget.
func (c *Client) CreateTransactions(ctx context.Context, budgetID string, txns []Transaction) (*CreateResult, error) {
	log := logger.FromContext(ctx)

	var parsed createResponse
	payload := transactionsPayload{Transactions: txns}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/budgets/%s/transactions", budgetID), payload, &parsed); err != nil {
		return nil, err
	}

	log.Debug().
		Int("created", len(parsed.Data.TransactionIDs)).
		Int("duplicates", len(parsed.Data.DuplicateImportIDs)).
		Msg("Ledger accepted transaction submission")
	return &parsed.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s request: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building %s %s request: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error.Detail != "" {
			return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, apiErr.Error.Detail)
		}
		return fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
	}
	return nil
}

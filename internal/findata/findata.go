// Package findata is the HTTP client for the finance data backend. It
// is the only component that talks to the backend: reads feed the fact
// pack builder, writes run confirmed actions.
package findata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/pocketsage/pocketsage/internal/confirm"
	"github.com/pocketsage/pocketsage/internal/factpack"
	"github.com/pocketsage/pocketsage/internal/httpkit"
)

// Client talks to the finance data service. Reads go through a
// retrying client; mutations use a plain one because the confirmation
// service owns retry semantics and a blind transport retry could
// double-apply.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	mutate  *http.Client
	logger  *slog.Logger
}

// New creates a findata client. The token is sent as a bearer
// credential on every request.
func New(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		mutate: httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
		logger: logger.With("component", "findata"),
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s: %s", path, resp.Status, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func windowQuery(w factpack.TimeWindow) url.Values {
	q := url.Values{}
	q.Set("start", w.Start.UTC().Format(time.RFC3339))
	q.Set("end", w.End.UTC().Format(time.RFC3339))
	return q
}

// Balances fetches current account balances.
func (c *Client) Balances(ctx context.Context, userID string) ([]factpack.Balance, error) {
	var out []factpack.Balance
	if err := c.get(ctx, "/v1/users/"+url.PathEscape(userID)+"/balances", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Budgets fetches budgets with spend accumulated over the window.
func (c *Client) Budgets(ctx context.Context, userID string, w factpack.TimeWindow) ([]factpack.Budget, error) {
	var out []factpack.Budget
	if err := c.get(ctx, "/v1/users/"+url.PathEscape(userID)+"/budgets", windowQuery(w), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Goals fetches savings goals.
func (c *Client) Goals(ctx context.Context, userID string) ([]factpack.Goal, error) {
	var out []factpack.Goal
	if err := c.get(ctx, "/v1/users/"+url.PathEscape(userID)+"/goals", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Recurring fetches recurring charges.
func (c *Client) Recurring(ctx context.Context, userID string) ([]factpack.Recurring, error) {
	var out []factpack.Recurring
	if err := c.get(ctx, "/v1/users/"+url.PathEscape(userID)+"/recurring", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Transactions fetches ledger entries inside the window.
func (c *Client) Transactions(ctx context.Context, userID string, w factpack.TimeWindow) ([]factpack.Transaction, error) {
	var out []factpack.Transaction
	if err := c.get(ctx, "/v1/users/"+url.PathEscape(userID)+"/transactions", windowQuery(w), &out); err != nil {
		return nil, err
	}
	return out, nil
}

type actionRequest struct {
	Type   string         `json:"type"`
	Entity string         `json:"entity"`
	Data   map[string]any `json:"data,omitempty"`
}

type actionResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// Execute applies a confirmed mutation to the backend.
func (c *Client) Execute(ctx context.Context, userID string, action confirm.Action) (string, error) {
	body, err := json.Marshal(actionRequest{Type: action.Type, Entity: action.Entity, Data: action.Data})
	if err != nil {
		return "", fmt.Errorf("encode action: %w", err)
	}

	u := c.baseURL + "/v1/users/" + url.PathEscape(userID) + "/actions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.mutate.Do(req)
	if err != nil {
		return "", fmt.Errorf("POST actions: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("POST actions: %s: %s", resp.Status, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var out actionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode action response: %w", err)
	}
	c.logger.Info("action executed", "user", userID, "type", action.Type, "status", out.Status)
	if out.Detail != "" {
		return out.Detail, nil
	}
	return out.Status, nil
}

// Ping checks backend reachability for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping: %s", resp.Status)
	}
	return nil
}

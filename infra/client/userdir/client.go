// Package userdir is the HTTP client for the external user-directory
// service, the authority on role and product membership.
package userdir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/service"
)

// Interface guard
var _ service.UserDirectory = (*Client)(nil)

type Client struct {
	baseURL string
	http    *http.Client
}

func New(cfg *config.Config) *Client {
	return &Client{
		baseURL: cfg.UserDir.BaseURL,
		// Per-call deadlines come from the caller's context; the breaker
		// around this client enforces the budget.
		http: &http.Client{},
	}
}

func (c *Client) UsersByRole(ctx context.Context, roleID string) ([]string, error) {
	return c.fetch(ctx, fmt.Sprintf("%s/roles/%s/users", c.baseURL, url.PathEscape(roleID)))
}

func (c *Client) UsersByProduct(ctx context.Context, productID string) ([]string, error) {
	return c.fetch(ctx, fmt.Sprintf("%s/products/%s/users", c.baseURL, url.PathEscape(productID)))
}

func (c *Client) fetch(ctx context.Context, endpoint string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("userdir: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userdir: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userdir: %s returned %d", endpoint, resp.StatusCode)
	}

	var body struct {
		UserIDs []string `json:"userIds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("userdir: decode response: %w", err)
	}
	return body.UserIDs, nil
}

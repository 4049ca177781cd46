package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the configuration for reaching a demo engine.
type Config struct {
	APIURL        string // Base URL, e.g. "http://localhost:8080"
	WalletAddress string // wallet the tools act for
	Network       string // network reported when connecting the wallet
}

// Client is a pure HTTP client for the demo engine API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the demo engine.
func NewClient(cfg Config) *Client {
	if cfg.Network == "" {
		cfg.Network = "testnet"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is an error response from the engine.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Reason     string `json:"reason"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("API error (%d): %s [%s]", e.StatusCode, e.Message, e.Reason)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}
	return json.RawMessage(respBody), nil
}

// ListDemos returns the demo catalog.
func (c *Client) ListDemos(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/demos", nil, nil)
}

// ConnectWallet reports the configured wallet as connected on the
// configured network.
func (c *Client) ConnectWallet(ctx context.Context) (json.RawMessage, error) {
	body := map[string]any{
		"connected": true,
		"publicKey": c.cfg.WalletAddress,
		"network":   c.cfg.Network,
	}
	return c.do(ctx, http.MethodPut, "/v1/wallets/"+url.PathEscape(c.cfg.WalletAddress), nil, body)
}

// StartDemo creates a session of demoID for the configured wallet.
func (c *Client) StartDemo(ctx context.Context, demoID string) (json.RawMessage, error) {
	body := map[string]string{"demoId": demoID, "walletAddress": c.cfg.WalletAddress}
	return c.do(ctx, http.MethodPost, "/v1/sessions", nil, body)
}

// GetSession returns a session snapshot.
func (c *Client) GetSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
}

// SetRole switches the acting party of a session.
func (c *Client) SetRole(ctx context.Context, sessionID, role string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, "/v1/sessions/"+url.PathEscape(sessionID)+"/role", nil, map[string]string{"role": role})
}

// ActionInput selects the entity an action works on.
type ActionInput struct {
	MilestoneID string `json:"milestoneId,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
}

// InvokeAction runs one action of a step.
func (c *Client) InvokeAction(ctx context.Context, sessionID, stepID, actionID string, in ActionInput) (json.RawMessage, error) {
	path := fmt.Sprintf("/v1/sessions/%s/steps/%s/actions/%s",
		url.PathEscape(sessionID), url.PathEscape(stepID), url.PathEscape(actionID))
	return c.do(ctx, http.MethodPost, path, nil, in)
}

// ConfirmTransaction resolves a pending transaction immediately.
func (c *Client) ConfirmTransaction(ctx context.Context, sessionID, hash string) (json.RawMessage, error) {
	path := fmt.Sprintf("/v1/sessions/%s/transactions/%s/confirm", url.PathEscape(sessionID), url.PathEscape(hash))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// ResetSession restarts a session from its first step.
func (c *Client) ResetSession(ctx context.Context, sessionID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/reset", nil, nil)
}

// GetAccount returns points, completions and history of the wallet.
func (c *Client) GetAccount(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(c.cfg.WalletAddress), nil, nil)
}

package escrowrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trustlesswork/demoengine/internal/circuitbreaker"
	"github.com/trustlesswork/demoengine/internal/metrics"
	"github.com/trustlesswork/demoengine/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// opPaths maps each operation to its API route.
var opPaths = map[string]string{
	OpInitializeEscrow:      "/escrow/initialize",
	OpFundEscrow:            "/escrow/fund",
	OpChangeMilestoneStatus: "/escrow/milestone/status",
	OpApproveMilestone:      "/escrow/milestone/approve",
	OpReleaseFunds:          "/escrow/release",
	OpStartDispute:          "/escrow/dispute/start",
	OpResolveDispute:        "/escrow/dispute/resolve",
}

// HTTPConfig configures the HTTP escrow client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient calls a remote escrow API over JSON/HTTP. Each operation has its
// own circuit so a failing route does not block the others.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPClient creates a client for the escrow API at cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// WithHTTPClient swaps the underlying *http.Client (useful for testing).
func (c *HTTPClient) WithHTTPClient(hc *http.Client) *HTTPClient {
	c.client = hc
	return c
}

// WithBreaker swaps the circuit breaker.
func (c *HTTPClient) WithBreaker(b *circuitbreaker.Breaker) *HTTPClient {
	c.breaker = b
	return c
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *HTTPClient) call(ctx context.Context, op string, p Payload) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrowrpc."+op,
		attribute.String("contract_id", p.ContractID),
		attribute.String("milestone_id", p.MilestoneID),
	)
	defer span.End()

	if !c.breaker.Allow(op) {
		metrics.EscrowRPCTotal.WithLabelValues(op, "circuit_open").Inc()
		return nil, &Error{Op: op, Err: ErrCircuitOpen}
	}

	res, err := c.do(ctx, op, p)
	if err != nil {
		var rpcErr *Error
		// 4xx responses are caller mistakes and do not count against the API.
		if !errors.As(err, &rpcErr) || rpcErr.StatusCode == 0 || rpcErr.StatusCode >= 500 {
			c.breaker.RecordFailure(op)
		}
		traces.Fail(span, err)
		metrics.EscrowRPCTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	c.breaker.RecordSuccess(op)
	metrics.EscrowRPCTotal.WithLabelValues(op, "ok").Inc()
	return res, nil
}

func (c *HTTPClient) do(ctx context.Context, op string, p Payload) (*Result, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+opPaths[op], bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	traces.Inject(ctx, req.Header)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if res.ContractID == "" {
		res.ContractID = res.Escrow.ContractID
	}
	return &res, nil
}

func (c *HTTPClient) InitializeEscrow(ctx context.Context, p Payload) (*Result, error) {
	return c.call(ctx, OpInitializeEscrow, p)
}

func (c *HTTPClient) FundEscrow(ctx context.Context, p Payload) (*Result, error) {
	return c.call(ctx, OpFundEscrow, p)
}

func (c *HTTPClient) ChangeMilestoneStatus(ctx context.Context, p Payload) (*Result, error) {
	return c.call(ctx, OpChangeMilestoneStatus, p)
}

func (c *HTTPClient) ApproveMilestone(ctx context.Context, p Payload) (*Result, error) {
	return c.call(ctx, OpApproveMilestone, p)
}

func (c *HTTPClient) ReleaseFunds(ctx context.Context, p Payload) (*Result, error) {
	return c.call(ctx, OpReleaseFunds, p)
}

func (c *HTTPClient) StartDispute(ctx context.Context, p Payload) (*Result, error) {
	return c.call(ctx, OpStartDispute, p)
}

func (c *HTTPClient) ResolveDispute(ctx context.Context, p Payload) (*Result, error) {
	return c.call(ctx, OpResolveDispute, p)
}

var _ Client = (*HTTPClient)(nil)

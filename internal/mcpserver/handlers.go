package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListDemos lists the demo catalog.
func (h *Handlers) HandleListDemos(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListDemos(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list demos: %v", err)), nil
	}
	text, err := formatDemoList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse demos: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleStartDemo connects the wallet and creates a session.
func (h *Handlers) HandleStartDemo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	demoID := req.GetString("demo_id", "")
	if demoID == "" {
		return mcp.NewToolResultError("demo_id is required"), nil
	}

	if _, err := h.client.ConnectWallet(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Wallet connection failed: %v", err)), nil
	}

	raw, err := h.client.StartDemo(ctx, demoID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start demo: %v", err)), nil
	}
	return sessionResult(raw, "Demo started.")
}

// HandleGetDemoState shows a session.
func (h *Handlers) HandleGetDemoState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	raw, err := h.client.GetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
	}
	return sessionResult(raw, "")
}

// HandleSwitchRole changes the acting party.
func (h *Handlers) HandleSwitchRole(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	role := req.GetString("role", "")
	if sessionID == "" || role == "" {
		return mcp.NewToolResultError("session_id and role are required"), nil
	}
	raw, err := h.client.SetRole(ctx, sessionID, role)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to switch role: %v", err)), nil
	}
	return sessionResult(raw, fmt.Sprintf("Now acting as %s.", role))
}

// HandleInvokeAction runs one action of a step.
func (h *Handlers) HandleInvokeAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	stepID := req.GetString("step_id", "")
	actionID := req.GetString("action_id", "")
	if sessionID == "" || stepID == "" || actionID == "" {
		return mcp.NewToolResultError("session_id, step_id and action_id are required"), nil
	}
	in := ActionInput{
		MilestoneID: req.GetString("milestone_id", ""),
		TaskID:      req.GetString("task_id", ""),
		Reason:      req.GetString("reason", ""),
		Outcome:     req.GetString("outcome", ""),
	}

	raw, err := h.client.InvokeAction(ctx, sessionID, stepID, actionID, in)
	if err != nil {
		return mcp.NewToolResultError(describeActionError(err)), nil
	}
	return transactionResult(raw)
}

// HandleConfirmTransaction resolves a pending transaction now.
func (h *Handlers) HandleConfirmTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	hash := req.GetString("tx_hash", "")
	if sessionID == "" || hash == "" {
		return mcp.NewToolResultError("session_id and tx_hash are required"), nil
	}
	raw, err := h.client.ConfirmTransaction(ctx, sessionID, hash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to confirm transaction: %v", err)), nil
	}
	return transactionResult(raw)
}

// HandleResetDemo restarts a session.
func (h *Handlers) HandleResetDemo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	raw, err := h.client.ResetSession(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reset demo: %v", err)), nil
	}
	return sessionResult(raw, "Demo reset.")
}

// HandleGetAccount shows points and completions of the wallet.
func (h *Handlers) HandleGetAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetAccount(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get account: %v", err)), nil
	}
	text, err := formatAccount(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse account: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- formatting ---

type demoEntry struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type txView struct {
	Hash      string `json:"hash"`
	StepID    string `json:"stepId"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Simulated bool   `json:"simulated"`
}

type actionView struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Roles      []string `json:"roles"`
	Actionable bool     `json:"actionable"`
}

type stepView struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Order         int          `json:"order"`
	Status        string       `json:"status"`
	Actionable    bool         `json:"actionable"`
	BlockedReason string       `json:"blockedReason"`
	Actions       []actionView `json:"actions"`
	Transaction   *txView      `json:"transaction"`
}

type sessionView struct {
	SessionID   string     `json:"sessionId"`
	DemoID      string     `json:"demoId"`
	Title       string     `json:"title"`
	Role        string     `json:"role"`
	CurrentStep int        `json:"currentStep"`
	TotalSteps  int        `json:"totalSteps"`
	ContractID  string     `json:"contractId"`
	Steps       []stepView `json:"steps"`
	Completed   bool       `json:"completed"`
	Score       int        `json:"score"`
}

func formatDemoList(raw json.RawMessage) (string, error) {
	var resp struct {
		Demos []demoEntry `json:"demos"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Demos) == 0 {
		return "No demos available.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d demos available:\n", len(resp.Demos))
	for _, d := range resp.Demos {
		fmt.Fprintf(&b, "\n- %s (id: %s)\n  %s\n", d.Title, d.ID, d.Description)
	}
	return b.String(), nil
}

func sessionResult(raw json.RawMessage, header string) (*mcp.CallToolResult, error) {
	var resp struct {
		Session sessionView `json:"session"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse session: %v", err)), nil
	}
	text := formatSession(resp.Session)
	if header != "" {
		text = header + "\n\n" + text
	}
	return mcp.NewToolResultText(text), nil
}

func transactionResult(raw json.RawMessage) (*mcp.CallToolResult, error) {
	var resp struct {
		Transaction txView      `json:"transaction"`
		Session     sessionView `json:"session"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}

	var b strings.Builder
	tx := resp.Transaction
	switch tx.Status {
	case "failed":
		fmt.Fprintf(&b, "Transaction %s failed: %s\nThe step can be retried.\n", tx.Hash, tx.Message)
	case "pending":
		fmt.Fprintf(&b, "Transaction %s submitted (pending).\nConfirm it with confirm_transaction or wait for auto-confirmation.\n", tx.Hash)
	default:
		fmt.Fprintf(&b, "Transaction %s %s.\n", tx.Hash, tx.Status)
	}
	if tx.Simulated {
		b.WriteString("(simulated: no signer was available)\n")
	}
	b.WriteString("\n")
	b.WriteString(formatSession(resp.Session))
	return mcp.NewToolResultText(b.String()), nil
}

func formatSession(s sessionView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (session %s)\n", s.Title, s.SessionID)
	fmt.Fprintf(&b, "Role: %s\n", s.Role)
	if s.ContractID != "" {
		fmt.Fprintf(&b, "Contract: %s\n", s.ContractID)
	}
	if s.Completed {
		fmt.Fprintf(&b, "Completed with score %d.\n", s.Score)
	} else {
		fmt.Fprintf(&b, "Step %d of %d\n", min(s.CurrentStep+1, s.TotalSteps), s.TotalSteps)
	}

	b.WriteString("\nSteps:\n")
	for _, st := range s.Steps {
		fmt.Fprintf(&b, "  [%s] %s (id: %s)", statusMark(st.Status), st.Title, st.ID)
		if st.BlockedReason != "" {
			fmt.Fprintf(&b, " blocked: %s", st.BlockedReason)
		}
		b.WriteString("\n")
		if st.Transaction != nil && st.Transaction.Status == "pending" {
			fmt.Fprintf(&b, "      pending tx: %s\n", st.Transaction.Hash)
		}
		for _, a := range st.Actions {
			if !a.Actionable {
				continue
			}
			fmt.Fprintf(&b, "      action: %s (id: %s)\n", a.Title, a.ID)
		}
	}
	return b.String()
}

func statusMark(status string) string {
	switch status {
	case "completed":
		return "x"
	case "current":
		return ">"
	default:
		return " "
	}
}

func formatAccount(raw json.RawMessage) (string, error) {
	var resp struct {
		Account struct {
			WalletAddr  string `json:"walletAddress"`
			Points      int64  `json:"points"`
			Completions []struct {
				DemoID      string    `json:"demoId"`
				BestScore   int       `json:"bestScore"`
				Runs        int       `json:"runs"`
				CompletedAt time.Time `json:"completedAt"`
			} `json:"completions"`
		} `json:"account"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	a := resp.Account
	var b strings.Builder
	fmt.Fprintf(&b, "Wallet: %s\nPoints: %d\n", a.WalletAddr, a.Points)
	if len(a.Completions) == 0 {
		b.WriteString("No demos completed yet.\n")
		return b.String(), nil
	}
	b.WriteString("\nCompleted demos:\n")
	for _, c := range a.Completions {
		fmt.Fprintf(&b, "  - %s: best score %d over %d run(s), last %s\n",
			c.DemoID, c.BestScore, c.Runs, c.CompletedAt.Format(time.RFC3339))
	}
	return b.String(), nil
}

// describeActionError turns a blocked-action response into guidance.
func describeActionError(err error) string {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Reason == "" {
		return fmt.Sprintf("Action failed: %v", err)
	}
	switch apiErr.Reason {
	case "wallet_not_connected":
		return "Action blocked: the wallet is not connected. Start the demo again with start_demo."
	case "wrong_network":
		return "Action blocked: the wallet is on the wrong network."
	case "step_not_current", "previous_step_unresolved":
		return "Action blocked: complete the previous step first."
	case "contract_missing":
		return "Action blocked: this step needs the escrow contract from an earlier step."
	case "role_not_permitted":
		return "Action blocked: the active role cannot take this action. Use switch_role."
	case "step_in_flight":
		return "Action blocked: a transaction for this step is still pending. Confirm it first."
	default:
		return fmt.Sprintf("Action blocked (%s): %s", apiErr.Reason, apiErr.Message)
	}
}

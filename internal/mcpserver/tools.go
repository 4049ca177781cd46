package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the LLM reads to decide which tool
// to use.

var ToolListDemos = mcp.NewTool("list_demos",
	mcp.WithDescription(
		"List the escrow demos this engine hosts, with their ids and descriptions. "+
			"Use an id with start_demo."),
)

var ToolStartDemo = mcp.NewTool("start_demo",
	mcp.WithDescription(
		"Connect the configured wallet and start a new run of a demo. "+
			"Returns the session id and the step list; the first step is the only actionable one."),
	mcp.WithString("demo_id",
		mcp.Required(),
		mcp.Description("Demo to start, e.g. 'hello-milestone', 'dispute-resolution', 'micro-marketplace'")),
)

var ToolGetDemoState = mcp.NewTool("get_demo_state",
	mcp.WithDescription(
		"Show a session: current step, each step's status, which actions the active role can take, "+
			"pending transaction hashes and the score once completed."),
	mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id returned by start_demo")),
)

var ToolSwitchRole = mcp.NewTool("switch_role",
	mcp.WithDescription(
		"Change the acting party of a session. Some actions are only available to one role: "+
			"workers complete milestones and accept tasks, arbitrators resolve disputes."),
	mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	mcp.WithString("role", mcp.Required(),
		mcp.Description("Role to act as"),
		mcp.Enum("client", "worker", "arbitrator")),
)

var ToolInvokeAction = mcp.NewTool("invoke_action",
	mcp.WithDescription(
		"Run an action of a step. On success a pending transaction is returned; "+
			"it confirms on its own after a short delay or immediately with confirm_transaction. "+
			"A failed transaction leaves the step retryable."),
	mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	mcp.WithString("step_id", mcp.Required(), mcp.Description("Step id, e.g. 'initialize', 'fund', 'manage', 'market'")),
	mcp.WithString("action_id", mcp.Required(), mcp.Description("Action id within the step, e.g. 'fund', 'dispute', 'post'")),
	mcp.WithString("milestone_id", mcp.Description("Milestone the action applies to (dispute demo)")),
	mcp.WithString("task_id", mcp.Description("Task the action applies to (marketplace demo)")),
	mcp.WithString("reason", mcp.Description("Reason text when opening a dispute")),
	mcp.WithString("outcome",
		mcp.Description("Dispute outcome when resolving"),
		mcp.Enum("approve", "reject", "modify")),
)

var ToolConfirmTransaction = mcp.NewTool("confirm_transaction",
	mcp.WithDescription("Confirm a pending demo transaction now instead of waiting for auto-confirmation."),
	mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
	mcp.WithString("tx_hash", mcp.Required(), mcp.Description("Transaction hash returned by invoke_action")),
)

var ToolResetDemo = mcp.NewTool("reset_demo",
	mcp.WithDescription("Restart a session from its first step. Pending transactions are cancelled."),
	mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
)

var ToolGetAccount = mcp.NewTool("get_account",
	mcp.WithDescription("Show the configured wallet's points, completed demos and recent demo transactions."),
)

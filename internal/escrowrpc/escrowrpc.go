// Package escrowrpc is the client side of the escrow API the demos drive.
//
// Flow exercised by the demos:
//  1. initializeEscrow → contract deployed with its milestones
//  2. fundEscrow → client deposits the escrow amount
//  3. changeMilestoneStatus → worker marks a milestone completed
//  4. approveMilestone → client approves the milestone
//  5. startDispute / resolveDispute → arbitrated path for contested work
//  6. releaseFunds → approved milestones are paid out
package escrowrpc

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrContractNotFound  = errors.New("escrowrpc: contract not found")
	ErrMilestoneNotFound = errors.New("escrowrpc: milestone not found")
	ErrInvalidStatus     = errors.New("escrowrpc: invalid status for this operation")
	ErrInvalidPayload    = errors.New("escrowrpc: invalid payload")
	ErrCircuitOpen       = errors.New("escrowrpc: circuit open, escrow API unavailable")
)

// Operation names, used in errors, metrics and breaker keys.
const (
	OpInitializeEscrow      = "initializeEscrow"
	OpFundEscrow            = "fundEscrow"
	OpChangeMilestoneStatus = "changeMilestoneStatus"
	OpApproveMilestone      = "approveMilestone"
	OpReleaseFunds          = "releaseFunds"
	OpStartDispute          = "startDispute"
	OpResolveDispute        = "resolveDispute"
)

// Error is returned by every client operation that fails.
type Error struct {
	Op         string
	StatusCode int // HTTP status when the failure came from the API, 0 otherwise
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("escrowrpc: %s failed (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("escrowrpc: %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Milestone statuses as reported by the escrow API.
const (
	MilestonePending   = "pending"
	MilestoneCompleted = "completed"
	MilestoneApproved  = "approved"
	MilestoneDisputed  = "disputed"
	MilestoneCancelled = "cancelled"
	MilestoneReleased  = "released"
)

// Dispute resolution outcomes.
const (
	OutcomeApprove = "approve"
	OutcomeReject  = "reject"
	OutcomeModify  = "modify"
)

// Release modes.
const (
	ReleaseAll       = "all"
	ReleaseMilestone = "milestone"
)

// MilestoneSpec describes a milestone at initialization time.
type MilestoneSpec struct {
	ID          string `json:"id,omitempty"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
}

// Payload is the JSON-like body every operation takes. Each operation reads
// the fields it needs.
type Payload struct {
	ContractID  string            `json:"contractId,omitempty"`
	MilestoneID string            `json:"milestoneId,omitempty"`
	Status      string            `json:"status,omitempty"`
	ReleaseMode string            `json:"releaseMode,omitempty"`
	Amount      int64             `json:"amount,omitempty"`
	Signer      string            `json:"signer,omitempty"`
	Client      string            `json:"client,omitempty"`
	Worker      string            `json:"worker,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Outcome     string            `json:"outcome,omitempty"`
	Title       string            `json:"title,omitempty"`
	Milestones  []MilestoneSpec   `json:"milestones,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Milestone is the API view of one milestone.
type Milestone struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status"`
}

// Escrow is the API view of a contract.
type Escrow struct {
	ContractID string      `json:"contractId"`
	Title      string      `json:"title,omitempty"`
	Client     string      `json:"client,omitempty"`
	Worker     string      `json:"worker,omitempty"`
	Amount     int64       `json:"amount"`
	Balance    int64       `json:"balance"`
	Funded     bool        `json:"funded"`
	Milestones []Milestone `json:"milestones"`
}

// Milestone returns the milestone with the given id.
func (e *Escrow) Milestone(id string) (*Milestone, bool) {
	for i := range e.Milestones {
		if e.Milestones[i].ID == id {
			return &e.Milestones[i], true
		}
	}
	return nil, false
}

// Result is what every successful operation returns.
type Result struct {
	ContractID string `json:"contractId"`
	Escrow     Escrow `json:"escrow"`
}

// Client is the escrow RPC surface.
type Client interface {
	InitializeEscrow(ctx context.Context, p Payload) (*Result, error)
	FundEscrow(ctx context.Context, p Payload) (*Result, error)
	ChangeMilestoneStatus(ctx context.Context, p Payload) (*Result, error)
	ApproveMilestone(ctx context.Context, p Payload) (*Result, error)
	ReleaseFunds(ctx context.Context, p Payload) (*Result, error)
	StartDispute(ctx context.Context, p Payload) (*Result, error)
	ResolveDispute(ctx context.Context, p Payload) (*Result, error)
}

package demos

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/trustlesswork/demoengine/internal/engine"
	"github.com/trustlesswork/demoengine/internal/escrowrpc"
	"github.com/trustlesswork/demoengine/internal/notify"
)

// Dispute statuses.
const (
	DisputeOpen     = "open"
	DisputeResolved = "resolved"
)

// Dispute is a contested milestone.
type Dispute struct {
	ID          string     `json:"id"`
	MilestoneID string     `json:"milestoneId"`
	Reason      string     `json:"reason"`
	Status      string     `json:"status"`
	Outcome     string     `json:"outcome,omitempty"`
	OpenedAt    time.Time  `json:"openedAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// MilestoneState is the demo's view of one milestone.
type MilestoneState struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status"`
}

// DisputeState is what the dispute demo exposes in snapshots.
type DisputeState struct {
	Milestones []MilestoneState `json:"milestones"`
	Disputes   []Dispute        `json:"disputes"`
}

type disputeBoard struct {
	mu         sync.Mutex
	cfgs       []MilestoneConfig
	milestones []MilestoneState
	disputes   []Dispute
	now        func() time.Time
}

func newDisputeBoard(cfgs []MilestoneConfig) *disputeBoard {
	b := &disputeBoard{cfgs: cfgs, now: time.Now}
	b.reset()
	return b
}

func (b *disputeBoard) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.milestones = make([]MilestoneState, len(b.cfgs))
	for i, c := range b.cfgs {
		b.milestones[i] = MilestoneState{
			ID:          fmt.Sprintf("%d", i),
			Description: c.Description,
			Amount:      c.Amount,
			Status:      escrowrpc.MilestonePending,
		}
	}
	b.disputes = nil
}

// sync copies milestone statuses from the escrow the API returned.
func (b *disputeBoard) sync(res *escrowrpc.Result) {
	if res == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.milestones {
		if ms, ok := res.Escrow.Milestone(b.milestones[i].ID); ok {
			b.milestones[i].Status = ms.Status
		}
	}
}

func (b *disputeBoard) state() interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := DisputeState{
		Milestones: append([]MilestoneState(nil), b.milestones...),
		Disputes:   append([]Dispute(nil), b.disputes...),
	}
	return st
}

// pick returns the requested milestone, or the first one in one of the
// given statuses when id is empty.
func (b *disputeBoard) pick(id string, statuses ...string) (MilestoneState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	eligible := func(s string) bool {
		for _, want := range statuses {
			if s == want {
				return true
			}
		}
		return false
	}
	for _, ms := range b.milestones {
		if id != "" && ms.ID != id {
			continue
		}
		if eligible(ms.Status) {
			return ms, nil
		}
		if id != "" {
			return MilestoneState{}, fmt.Errorf("%w: milestone %s is %s", ErrNothingToDo, id, ms.Status)
		}
	}
	if id != "" {
		return MilestoneState{}, fmt.Errorf("%w: milestone %s not found", ErrNothingToDo, id)
	}
	return MilestoneState{}, ErrNothingToDo
}

func (b *disputeBoard) openDispute(milestoneID, reason string) Dispute {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := Dispute{
		ID:          fmt.Sprintf("dispute-%d", len(b.disputes)+1),
		MilestoneID: milestoneID,
		Reason:      reason,
		Status:      DisputeOpen,
		OpenedAt:    b.now(),
	}
	b.disputes = append(b.disputes, d)
	return d
}

func (b *disputeBoard) resolveDispute(milestoneID, outcome string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.disputes {
		d := &b.disputes[i]
		if d.MilestoneID == milestoneID && d.Status == DisputeOpen {
			t := b.now()
			d.Status = DisputeResolved
			d.Outcome = outcome
			d.ResolvedAt = &t
		}
	}
}

// releasable holds when every milestone is approved and no dispute is open.
func (b *disputeBoard) releasable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ms := range b.milestones {
		if ms.Status != escrowrpc.MilestoneApproved {
			return false
		}
	}
	for _, d := range b.disputes {
		if d.Status == DisputeOpen {
			return false
		}
	}
	return true
}

func (b *disputeBoard) allReleased() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ms := range b.milestones {
		if ms.Status != escrowrpc.MilestoneReleased {
			return false
		}
	}
	return len(b.milestones) > 0
}

// outcomeStatus maps a resolution outcome to the milestone status it
// produces.
func outcomeStatus(outcome string) (string, bool) {
	switch outcome {
	case escrowrpc.OutcomeApprove:
		return escrowrpc.MilestoneApproved, true
	case escrowrpc.OutcomeReject:
		return escrowrpc.MilestoneCancelled, true
	case escrowrpc.OutcomeModify:
		return escrowrpc.MilestonePending, true
	}
	return "", false
}

func newDisputeDemo(e Entry, cfg Config) engine.Definition {
	board := newDisputeBoard(e.Milestones)
	rpc := cfg.Escrow
	client := []engine.Role{engine.RoleClient}
	worker := []engine.Role{engine.RoleWorker}
	arbitrator := []engine.Role{engine.RoleArbitrator}

	initialize := func(ctx context.Context, c engine.Call) (*engine.Result, error) {
		res, err := rpc.InitializeEscrow(ctx, escrowrpc.Payload{
			Title:      e.Title,
			Signer:     c.WalletAddr,
			Client:     c.WalletAddr,
			Worker:     c.WalletAddr,
			Milestones: milestoneSpecs(e.Milestones),
			Metadata:   map[string]string{"demo": e.ID, "session": c.SessionID},
		})
		if err != nil {
			return nil, err
		}
		return &engine.Result{ContractID: res.ContractID, Apply: func() { board.sync(res) }}, nil
	}

	fund := func(ctx context.Context, c engine.Call) (*engine.Result, error) {
		res, err := rpc.FundEscrow(ctx, escrowrpc.Payload{ContractID: c.ContractID, Signer: c.WalletAddr})
		if err != nil {
			return nil, err
		}
		return &engine.Result{Apply: func() { board.sync(res) }}, nil
	}

	complete := func(ctx context.Context, c engine.Call) (*engine.Result, error) {
		ms, err := board.pick(c.Input.MilestoneID, escrowrpc.MilestonePending)
		if err != nil {
			return nil, err
		}
		res, err := rpc.ChangeMilestoneStatus(ctx, escrowrpc.Payload{
			ContractID:  c.ContractID,
			MilestoneID: ms.ID,
			Status:      escrowrpc.MilestoneCompleted,
			Signer:      c.WalletAddr,
		})
		if err != nil {
			return nil, err
		}
		return &engine.Result{Apply: func() { board.sync(res) }}, nil
	}

	approve := func(ctx context.Context, c engine.Call) (*engine.Result, error) {
		ms, err := board.pick(c.Input.MilestoneID, escrowrpc.MilestoneCompleted)
		if err != nil {
			return nil, err
		}
		res, err := rpc.ApproveMilestone(ctx, escrowrpc.Payload{
			ContractID:  c.ContractID,
			MilestoneID: ms.ID,
			Signer:      c.WalletAddr,
		})
		if err != nil {
			return nil, err
		}
		return &engine.Result{Apply: func() { board.sync(res) }}, nil
	}

	dispute := func(ctx context.Context, c engine.Call) (*engine.Result, error) {
		ms, err := board.pick(c.Input.MilestoneID, escrowrpc.MilestoneCompleted, escrowrpc.MilestoneApproved)
		if err != nil {
			return nil, err
		}
		reason := strings.TrimSpace(c.Input.Reason)
		if reason == "" {
			reason = "No reason given"
		}
		res, err := rpc.StartDispute(ctx, escrowrpc.Payload{
			ContractID:  c.ContractID,
			MilestoneID: ms.ID,
			Reason:      reason,
			Signer:      c.WalletAddr,
		})
		if err != nil {
			return nil, err
		}
		return &engine.Result{
			Notice: &notify.Notification{
				Type:    notify.TypeWarning,
				Title:   "Dispute opened",
				Message: fmt.Sprintf("Milestone %q is now disputed.", ms.Description),
			},
			Apply: func() {
				board.sync(res)
				board.openDispute(ms.ID, reason)
			},
		}, nil
	}

	resolve := func(ctx context.Context, c engine.Call) (*engine.Result, error) {
		if _, ok := outcomeStatus(c.Input.Outcome); !ok {
			return nil, fmt.Errorf("%w: outcome must be approve, reject or modify, got %q",
				escrowrpc.ErrInvalidPayload, c.Input.Outcome)
		}
		ms, err := board.pick(c.Input.MilestoneID, escrowrpc.MilestoneDisputed)
		if err != nil {
			return nil, err
		}
		res, err := rpc.ResolveDispute(ctx, escrowrpc.Payload{
			ContractID:  c.ContractID,
			MilestoneID: ms.ID,
			Outcome:     c.Input.Outcome,
			Signer:      c.WalletAddr,
		})
		if err != nil {
			return nil, err
		}
		return &engine.Result{Apply: func() {
			board.sync(res)
			board.resolveDispute(ms.ID, c.Input.Outcome)
		}}, nil
	}

	release := func(ctx context.Context, c engine.Call) (*engine.Result, error) {
		if !board.releasable() {
			return nil, ErrNotReleasable
		}
		res, err := rpc.ReleaseFunds(ctx, escrowrpc.Payload{
			ContractID:  c.ContractID,
			ReleaseMode: escrowrpc.ReleaseAll,
			Signer:      c.WalletAddr,
		})
		if err != nil {
			return nil, err
		}
		return &engine.Result{Apply: func() { board.sync(res) }}, nil
	}

	return engine.Definition{
		Steps: []engine.StepDef{
			{
				ID: "initialize", Title: "Initialize escrow",
				Actions: []engine.ActionDef{{ID: "initialize", Title: "Deploy escrow", Roles: client, Handler: initialize}},
			},
			{
				ID: "fund", Title: "Fund escrow", RequiresContract: true,
				Actions: []engine.ActionDef{{ID: "fund", Title: "Fund escrow", Roles: client, Handler: fund}},
			},
			{
				ID: "manage", Title: "Manage milestones", RequiresContract: true,
				Actions: []engine.ActionDef{
					{ID: "complete", Title: "Complete milestone", Roles: worker, Handler: complete},
					{ID: "approve", Title: "Approve milestone", Roles: client, Handler: approve},
					{ID: "dispute", Title: "Raise dispute", Roles: client, Handler: dispute},
					{ID: "resolve", Title: "Resolve dispute", Roles: arbitrator, Handler: resolve},
				},
				Done: board.releasable,
			},
			{
				ID: "release", Title: "Release funds", RequiresContract: true,
				Actions: []engine.ActionDef{{ID: "release", Title: "Release all funds", Roles: client, Handler: release}},
			},
		},
		Terminal: func(engine.Progress) bool { return board.allReleased() },
		State:    board.state,
		Reset:    board.reset,
	}
}

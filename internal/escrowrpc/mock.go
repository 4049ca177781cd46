package escrowrpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/trustlesswork/demoengine/internal/idgen"
)

// MockClient is an in-memory escrow ledger for demo/development mode.
// It enforces the same status rules as the real API so demos behave the
// same against either.
type MockClient struct {
	mu        sync.Mutex
	contracts map[string]*Escrow
	failures  map[string][]error
	calls     []string
}

// NewMockClient creates an empty in-memory escrow ledger.
func NewMockClient() *MockClient {
	return &MockClient{
		contracts: make(map[string]*Escrow),
		failures:  make(map[string][]error),
	}
}

// FailNext makes the next call to op fail with err. Calls queue up.
func (m *MockClient) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// Calls returns the operations invoked so far, in order.
func (m *MockClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// Contract returns a copy of a contract.
func (m *MockClient) Contract(id string) (*Escrow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.contracts[id]
	if !ok {
		return nil, false
	}
	return cloneEscrow(e), true
}

func cloneEscrow(e *Escrow) *Escrow {
	cp := *e
	cp.Milestones = make([]Milestone, len(e.Milestones))
	copy(cp.Milestones, e.Milestones)
	return &cp
}

// enter records the call and pops an injected failure. Caller holds m.mu.
func (m *MockClient) enter(op string) error {
	m.calls = append(m.calls, op)
	if q := m.failures[op]; len(q) > 0 {
		err := q[0]
		m.failures[op] = q[1:]
		return &Error{Op: op, Err: err}
	}
	return nil
}

func (m *MockClient) contract(op, id string) (*Escrow, error) {
	if id == "" {
		return nil, &Error{Op: op, Err: fmt.Errorf("%w: contractId required", ErrInvalidPayload)}
	}
	e, ok := m.contracts[id]
	if !ok {
		return nil, &Error{Op: op, Err: ErrContractNotFound}
	}
	return e, nil
}

func (m *MockClient) milestone(op string, e *Escrow, id string) (*Milestone, error) {
	ms, ok := e.Milestone(id)
	if !ok {
		return nil, &Error{Op: op, Err: ErrMilestoneNotFound}
	}
	return ms, nil
}

func result(e *Escrow) *Result {
	return &Result{ContractID: e.ContractID, Escrow: *cloneEscrow(e)}
}

func invalid(op, format string, args ...interface{}) error {
	return &Error{Op: op, Err: fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidStatus}, args...)...)}
}

// InitializeEscrow deploys a new contract with its milestones.
func (m *MockClient) InitializeEscrow(ctx context.Context, p Payload) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpInitializeEscrow); err != nil {
		return nil, err
	}

	specs := p.Milestones
	if len(specs) == 0 {
		specs = []MilestoneSpec{{Description: "Milestone 1", Amount: p.Amount}}
	}

	e := &Escrow{
		ContractID: idgen.ContractID(),
		Title:      p.Title,
		Client:     p.Client,
		Worker:     p.Worker,
	}
	for i, s := range specs {
		if s.Amount < 0 {
			return nil, &Error{Op: OpInitializeEscrow, Err: fmt.Errorf("%w: milestone %d amount is negative", ErrInvalidPayload, i)}
		}
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("%d", i)
		}
		e.Milestones = append(e.Milestones, Milestone{
			ID:          id,
			Description: s.Description,
			Amount:      s.Amount,
			Status:      MilestonePending,
		})
		e.Amount += s.Amount
	}
	m.contracts[e.ContractID] = e
	return result(e), nil
}

// FundEscrow deposits the full escrow amount.
func (m *MockClient) FundEscrow(ctx context.Context, p Payload) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpFundEscrow); err != nil {
		return nil, err
	}
	e, err := m.contract(OpFundEscrow, p.ContractID)
	if err != nil {
		return nil, err
	}
	if e.Funded {
		return nil, invalid(OpFundEscrow, "contract already funded")
	}
	e.Funded = true
	e.Balance = e.Amount
	return result(e), nil
}

// ChangeMilestoneStatus is the worker-side status update.
func (m *MockClient) ChangeMilestoneStatus(ctx context.Context, p Payload) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpChangeMilestoneStatus); err != nil {
		return nil, err
	}
	e, err := m.contract(OpChangeMilestoneStatus, p.ContractID)
	if err != nil {
		return nil, err
	}
	if !e.Funded {
		return nil, invalid(OpChangeMilestoneStatus, "contract not funded")
	}
	ms, err := m.milestone(OpChangeMilestoneStatus, e, p.MilestoneID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case MilestoneCompleted:
		if ms.Status != MilestonePending {
			return nil, invalid(OpChangeMilestoneStatus, "milestone is %s", ms.Status)
		}
	case MilestonePending:
		if ms.Status != MilestoneCompleted {
			return nil, invalid(OpChangeMilestoneStatus, "milestone is %s", ms.Status)
		}
	default:
		return nil, &Error{Op: OpChangeMilestoneStatus, Err: fmt.Errorf("%w: unsupported status %q", ErrInvalidPayload, p.Status)}
	}
	ms.Status = p.Status
	return result(e), nil
}

// ApproveMilestone is the client-side approval of completed work.
func (m *MockClient) ApproveMilestone(ctx context.Context, p Payload) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpApproveMilestone); err != nil {
		return nil, err
	}
	e, err := m.contract(OpApproveMilestone, p.ContractID)
	if err != nil {
		return nil, err
	}
	ms, err := m.milestone(OpApproveMilestone, e, p.MilestoneID)
	if err != nil {
		return nil, err
	}
	if ms.Status != MilestoneCompleted {
		return nil, invalid(OpApproveMilestone, "milestone is %s", ms.Status)
	}
	ms.Status = MilestoneApproved
	return result(e), nil
}

// StartDispute contests a completed or approved milestone.
func (m *MockClient) StartDispute(ctx context.Context, p Payload) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpStartDispute); err != nil {
		return nil, err
	}
	e, err := m.contract(OpStartDispute, p.ContractID)
	if err != nil {
		return nil, err
	}
	ms, err := m.milestone(OpStartDispute, e, p.MilestoneID)
	if err != nil {
		return nil, err
	}
	if ms.Status != MilestoneCompleted && ms.Status != MilestoneApproved {
		return nil, invalid(OpStartDispute, "milestone is %s", ms.Status)
	}
	ms.Status = MilestoneDisputed
	return result(e), nil
}

// ResolveDispute applies an arbitrator outcome to a disputed milestone.
func (m *MockClient) ResolveDispute(ctx context.Context, p Payload) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpResolveDispute); err != nil {
		return nil, err
	}
	e, err := m.contract(OpResolveDispute, p.ContractID)
	if err != nil {
		return nil, err
	}
	ms, err := m.milestone(OpResolveDispute, e, p.MilestoneID)
	if err != nil {
		return nil, err
	}
	if ms.Status != MilestoneDisputed {
		return nil, invalid(OpResolveDispute, "milestone is %s", ms.Status)
	}
	switch p.Outcome {
	case OutcomeApprove:
		ms.Status = MilestoneApproved
	case OutcomeReject:
		ms.Status = MilestoneCancelled
		e.Balance -= ms.Amount
	case OutcomeModify:
		ms.Status = MilestonePending
	default:
		return nil, &Error{Op: OpResolveDispute, Err: fmt.Errorf("%w: unknown outcome %q", ErrInvalidPayload, p.Outcome)}
	}
	return result(e), nil
}

// ReleaseFunds pays out approved milestones. ReleaseAll (the default)
// requires every milestone approved; ReleaseMilestone releases one.
func (m *MockClient) ReleaseFunds(ctx context.Context, p Payload) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpReleaseFunds); err != nil {
		return nil, err
	}
	e, err := m.contract(OpReleaseFunds, p.ContractID)
	if err != nil {
		return nil, err
	}
	if !e.Funded {
		return nil, invalid(OpReleaseFunds, "contract not funded")
	}

	if p.ReleaseMode == ReleaseMilestone {
		ms, err := m.milestone(OpReleaseFunds, e, p.MilestoneID)
		if err != nil {
			return nil, err
		}
		if ms.Status != MilestoneApproved {
			return nil, invalid(OpReleaseFunds, "milestone is %s", ms.Status)
		}
		ms.Status = MilestoneReleased
		e.Balance -= ms.Amount
		return result(e), nil
	}

	for _, ms := range e.Milestones {
		if ms.Status != MilestoneApproved {
			return nil, invalid(OpReleaseFunds, "milestone %s is %s", ms.ID, ms.Status)
		}
	}
	for i := range e.Milestones {
		e.Milestones[i].Status = MilestoneReleased
	}
	e.Balance = 0
	return result(e), nil
}

var _ Client = (*MockClient)(nil)

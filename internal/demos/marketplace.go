package demos

import (
	"context"
	"fmt"
	"sync"

	"github.com/trustlesswork/demoengine/internal/engine"
	"github.com/trustlesswork/demoengine/internal/escrowrpc"
	"github.com/trustlesswork/demoengine/internal/notify"
)

// Task statuses.
const (
	TaskOpen      = "open"
	TaskAccepted  = "accepted"
	TaskCompleted = "completed"
)

// Task is one marketplace listing. Tasks posted in the session carry their
// own escrow; listings from other clients are simulated.
type Task struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Reward     int64  `json:"reward"`
	Status     string `json:"status"`
	PostedByMe bool   `json:"postedByMe"`
	ContractID string `json:"contractId,omitempty"`
}

// MarketplaceState is what the marketplace demo exposes in snapshots.
type MarketplaceState struct {
	Tasks     []Task `json:"tasks"`
	Posted    int    `json:"posted"`
	Completed int    `json:"completed"`
	Goal      int    `json:"goal"`
}

var listings = []Task{
	{Title: "Translate a product page", Reward: 250},
	{Title: "Label 100 images", Reward: 150},
	{Title: "Write unit tests for a parser", Reward: 400},
}

type market struct {
	mu        sync.Mutex
	tasks     []Task
	posted    int
	completed int
	goal      int
	seq       int
	// settled is the last milestone status each posted task's escrow
	// reached while settling, keyed by contract.
	settled map[string]string
}

func newMarket(goal int) *market {
	m := &market{goal: goal}
	m.reset()
	return m
}

func (m *market) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = m.tasks[:0]
	m.posted, m.completed, m.seq = 0, 0, 0
	m.settled = make(map[string]string)
	for _, l := range listings {
		m.seq++
		l.ID = fmt.Sprintf("task-%d", m.seq)
		l.Status = TaskOpen
		m.tasks = append(m.tasks, l)
	}
}

func (m *market) state() interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MarketplaceState{
		Tasks:     append([]Task(nil), m.tasks...),
		Posted:    m.posted,
		Completed: m.completed,
		Goal:      m.goal,
	}
}

func (m *market) post(title string, reward int64, contractID string) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := Task{
		ID:         fmt.Sprintf("task-%d", m.seq),
		Title:      title,
		Reward:     reward,
		Status:     TaskOpen,
		PostedByMe: true,
		ContractID: contractID,
	}
	m.tasks = append(m.tasks, t)
	m.posted++
	return t
}

// pick returns the requested task, or the oldest one in status when id is
// empty.
func (m *market) pick(id, status string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if id != "" && t.ID != id {
			continue
		}
		if t.Status == status {
			return t, nil
		}
		if id != "" {
			return Task{}, fmt.Errorf("%w: task %s is %s", ErrNothingToDo, id, t.Status)
		}
	}
	if id != "" {
		return Task{}, fmt.Errorf("%w: task %s not found", ErrNothingToDo, id)
	}
	return Task{}, ErrNothingToDo
}

func (m *market) setStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			m.tasks[i].Status = status
			if status == TaskCompleted {
				m.completed++
			}
			return
		}
	}
}

func (m *market) goalReached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posted >= 1 && m.completed >= m.goal
}

func newMarketplaceDemo(e Entry, cfg Config) engine.Definition {
	goal := e.TasksToComplete
	if goal <= 0 {
		goal = 3
	}
	m := newMarket(goal)
	rpc := cfg.Escrow

	post := func(ctx context.Context, c engine.Call) (*engine.Result, error) {
		title := fmt.Sprintf("Micro-task #%d", m.postedCount()+1)
		var reward int64 = 100
		res, err := rpc.InitializeEscrow(ctx, escrowrpc.Payload{
			Title:      title,
			Signer:     c.WalletAddr,
			Client:     c.WalletAddr,
			Milestones: []escrowrpc.MilestoneSpec{{Description: title, Amount: reward}},
			Metadata:   map[string]string{"demo": e.ID, "session": c.SessionID},
		})
		if err != nil {
			return nil, err
		}
		if _, err := rpc.FundEscrow(ctx, escrowrpc.Payload{ContractID: res.ContractID, Signer: c.WalletAddr}); err != nil {
			return nil, err
		}
		return &engine.Result{
			ContractID: res.ContractID,
			Notice: &notify.Notification{
				Type:    notify.TypeSuccess,
				Title:   "Task posted",
				Message: fmt.Sprintf("%s is open for workers.", title),
			},
			Apply: func() { m.post(title, reward, res.ContractID) },
		}, nil
	}

	accept := func(ctx context.Context, c engine.Call) (*engine.Result, error) {
		t, err := m.pick(c.Input.TaskID, TaskOpen)
		if err != nil {
			return nil, err
		}
		return &engine.Result{Apply: func() { m.setStatus(t.ID, TaskAccepted) }}, nil
	}

	submit := func(ctx context.Context, c engine.Call) (*engine.Result, error) {
		t, err := m.pick(c.Input.TaskID, TaskAccepted)
		if err != nil {
			return nil, err
		}
		if t.ContractID != "" {
			if err := m.settle(ctx, rpc, t.ContractID, c.WalletAddr); err != nil {
				return nil, err
			}
		}
		return &engine.Result{
			Notice: &notify.Notification{
				Type:    notify.TypeSuccess,
				Title:   "Task delivered",
				Message: fmt.Sprintf("%s paid %d.", t.Title, t.Reward),
			},
			Apply: func() { m.setStatus(t.ID, TaskCompleted) },
		}, nil
	}

	return engine.Definition{
		Steps: []engine.StepDef{
			{
				ID: "market", Title: "Marketplace",
				Actions: []engine.ActionDef{
					{ID: "post", Title: "Post task", Roles: []engine.Role{engine.RoleClient}, Handler: post},
					{ID: "accept", Title: "Accept task", Roles: []engine.Role{engine.RoleWorker}, Handler: accept},
					{ID: "submit", Title: "Submit work", Roles: []engine.Role{engine.RoleWorker}, Handler: submit},
				},
				Done: func() bool { return false },
			},
		},
		Terminal: func(engine.Progress) bool { return m.goalReached() },
		State:    m.state,
		Reset:    m.reset,
	}
}

func (m *market) postedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posted
}

func (m *market) settledStatus(contractID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settled[contractID]
}

func (m *market) recordSettled(contractID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled[contractID] = status
}

// settle completes, approves and releases the single milestone of a posted
// task. It starts from the last status the escrow reached, so a retry after
// a failed approve or release skips the calls that already went through.
func (m *market) settle(ctx context.Context, rpc escrowrpc.Client, contractID, signer string) error {
	p := escrowrpc.Payload{ContractID: contractID, MilestoneID: "0", Signer: signer}

	for status := m.settledStatus(contractID); status != escrowrpc.MilestoneReleased; {
		var err error
		switch status {
		case escrowrpc.MilestoneCompleted:
			_, err = rpc.ApproveMilestone(ctx, p)
			status = escrowrpc.MilestoneApproved
		case escrowrpc.MilestoneApproved:
			rel := p
			rel.ReleaseMode = escrowrpc.ReleaseMilestone
			_, err = rpc.ReleaseFunds(ctx, rel)
			status = escrowrpc.MilestoneReleased
		default:
			done := p
			done.Status = escrowrpc.MilestoneCompleted
			_, err = rpc.ChangeMilestoneStatus(ctx, done)
			status = escrowrpc.MilestoneCompleted
		}
		if err != nil {
			return err
		}
		m.recordSettled(contractID, status)
	}
	return nil
}

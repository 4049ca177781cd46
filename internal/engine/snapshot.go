package engine

import (
	"errors"
	"time"

	"github.com/trustlesswork/demoengine/internal/txsim"
)

// ActionView is an action as the active role sees it.
type ActionView struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Roles      []Role `json:"roles,omitempty"`
	Visible    bool   `json:"visible"`
	Actionable bool   `json:"actionable"`
}

// StepView is a step with its derived status.
type StepView struct {
	ID            string             `json:"id"`
	Title         string             `json:"title"`
	Order         int                `json:"order"`
	Status        StepStatus         `json:"status"`
	Actionable    bool               `json:"actionable"`
	BlockedReason string             `json:"blockedReason,omitempty"`
	Actions       []ActionView       `json:"actions"`
	Transaction   *txsim.Transaction `json:"transaction,omitempty"`
}

// Snapshot is a consistent view of a session.
type Snapshot struct {
	SessionID   string      `json:"sessionId"`
	DemoID      string      `json:"demoId"`
	Title       string      `json:"title"`
	WalletAddr  string      `json:"walletAddress"`
	Role        Role        `json:"role"`
	CurrentStep int         `json:"currentStep"`
	TotalSteps  int         `json:"totalSteps"`
	ContractID  string      `json:"contractId,omitempty"`
	Steps       []StepView  `json:"steps"`
	Completed   bool        `json:"completed"`
	Score       int         `json:"score,omitempty"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	State       interface{} `json:"state,omitempty"`
}

// Snapshot derives every step status and gate result under one lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SessionID:   s.id,
		DemoID:      s.def.ID,
		Title:       s.def.Title,
		WalletAddr:  s.walletAddr,
		Role:        s.role,
		CurrentStep: s.current,
		TotalSteps:  len(s.def.Steps),
		ContractID:  s.contractID,
		Completed:   s.completed,
		Score:       s.score,
		CreatedAt:   s.createdAt,
		Steps:       make([]StepView, len(s.def.Steps)),
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if s.completed {
		t := s.completedAt
		snap.CompletedAt = &t
	}
	if s.def.State != nil {
		snap.State = s.def.State()
	}

	for i, st := range s.def.Steps {
		view := StepView{
			ID:      st.ID,
			Title:   st.Title,
			Order:   i,
			Status:  s.statusLocked(i),
			Actions: make([]ActionView, len(st.Actions)),
		}
		if s.closed {
			view.BlockedReason = "session_closed"
		} else if err := s.checkLocked(i, ""); err != nil {
			view.BlockedReason = ReasonCode(err)
		} else {
			view.Actionable = true
		}
		if tx, ok := s.sim.ForStep(st.ID); ok {
			view.Transaction = &tx
		}
		for j, a := range st.Actions {
			visible := a.Allows(s.role)
			view.Actions[j] = ActionView{
				ID:         a.ID,
				Title:      a.Title,
				Roles:      a.Roles,
				Visible:    visible,
				Actionable: view.Actionable && visible,
			}
		}
		snap.Steps[i] = view
	}
	return snap
}

// IsBlocked reports whether err came from a gate predicate.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}
